package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"arenaserver/models"

	jwt "github.com/dgrijalva/jwt-go"
)

// JwtKey は署名と検証に使う鍵です。起動時に SetSecret で設定します。
var JwtKey = []byte("your_secret_key")

var ErrMissingToken = errors.New("token is required")

func SetSecret(secret string) {
	if secret != "" {
		JwtKey = []byte(secret)
	}
}

// ValidateToken はトークンを検証し、クレームを返します。
func ValidateToken(tokenString string) (*models.MyClaims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	claims := &models.MyClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return JwtKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, errors.New("token validation failed: invalid claims")
	}
	return claims, nil
}

// GenerateToken はユーザーID入りのトークンを発行します。
func GenerateToken(userID string, ttl time.Duration) (string, error) {
	claims := &models.MyClaims{
		UserID: userID,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(ttl).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(JwtKey)
}

// TokenFromRequest はAuthorizationヘッダー、なければクエリの token を読みます。
// ブラウザのWebSocketはヘッダーを付けられないためです。
func TokenFromRequest(r *http.Request) string {
	tokenString := r.Header.Get("Authorization")
	if strings.HasPrefix(tokenString, "Bearer ") {
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	}
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	return tokenString
}
