package middlewares

import (
	"net/http"

	"arenaserver/auth"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDKey = "UserID"

// トークン検証を行い、ユーザーIDをコンテキストにセットするミドルウェア
func AuthMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := GetUserIDFromToken(c, logger)
		if err != nil {
			logger.Warn("認証失敗", zap.String("path", c.Request.URL.Path), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// UserIDFromContext は AuthMiddleware がセットしたユーザーIDを返します。
func UserIDFromContext(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// GetUserIDFromToken はリクエストからJWTトークンを取得し、ユーザーIDを返します。
func GetUserIDFromToken(c *gin.Context, logger *zap.Logger) (string, error) {
	claims, err := auth.ValidateToken(auth.TokenFromRequest(c.Request))
	if err != nil {
		logger.Debug("Failed to parse JWT token", zap.Error(err))
		return "", err
	}
	return claims.UserID, nil
}
