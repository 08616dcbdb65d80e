package handlers

import (
	"net/http"

	"arenaserver/arena/apperr"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatusOf はエラーコードをHTTPステータスに対応させます。
func StatusOf(code apperr.Code) int {
	switch code {
	case apperr.AuthenticationRequired:
		return http.StatusUnauthorized
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.OwnershipViolation:
		return http.StatusForbidden
	case apperr.InvalidState:
		return http.StatusConflict
	case apperr.ValidationError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, logger *zap.Logger, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.InternalError {
		logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(StatusOf(code), gin.H{"code": code, "error": apperr.MessageOf(err)})
}
