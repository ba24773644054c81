package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"fxpilot/internal/model"
)

// ContextOperator is the gin context key holding the token subject.
const ContextOperator = "operator"

// ErrNoSecret is returned when a token is requested without a signing secret.
var ErrNoSecret = errors.New("jwt secret not configured")

// IssueToken signs an HS256 operator token valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "fxpilot",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// RequireToken guards control endpoints with an HMAC-signed bearer token.
// With no secret configured every request is refused.
func RequireToken(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, model.APIResponse{Error: "control endpoints disabled"})
			return
		}
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.APIResponse{Error: "missing bearer token"})
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.APIResponse{Error: "invalid token"})
			return
		}
		c.Set(ContextOperator, claims.Subject)
		c.Next()
	}
}
