package middleware

import (
	"crypto/subtle"
	"strings"

	apperrors "teleconsulta/pkg/errors"

	"github.com/gin-gonic/gin"
)

// BearerTokenMiddleware guards operator endpoints with a static API token.
// An empty token disables the check.
func BearerTokenMiddleware(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	want := []byte(token)
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWith(c, apperrors.NewUnauthorizedError("authorization header required"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abortWith(c, apperrors.NewUnauthorizedError("invalid authorization header format"))
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), want) != 1 {
			abortWith(c, apperrors.NewUnauthorizedError("invalid api token"))
			return
		}
		c.Next()
	}
}

func abortWith(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
