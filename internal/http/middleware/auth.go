package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/inferbridge-backend/internal/http/response"
	"github.com/yungbote/inferbridge-backend/internal/platform/ctxutil"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
	"github.com/yungbote/inferbridge-backend/internal/services"
)

type AuthMiddleware struct {
	log         *logger.Logger
	authService services.AuthService
}

func NewAuthMiddleware(log *logger.Logger, authService services.AuthService) *AuthMiddleware {
	return &AuthMiddleware{log: log.With("middleware", "AuthMiddleware"), authService: authService}
}

// RequireAuth verifies the bearer token and attaches the caller to the
// request context.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ExtractToken(c)
		if tokenString == "" {
			response.AbortError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing or invalid token"))
			return
		}
		ctx, err := am.authService.SetContextFromToken(c.Request.Context(), tokenString)
		if err != nil {
			am.log.Debug("Token rejected", append(ctxutil.LogFields(c.Request.Context()), "error", err)...)
			response.AbortError(c, http.StatusUnauthorized, "unauthorized", err)
			return
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireRole must run after RequireAuth.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		rd := ctxutil.GetRequestData(c.Request.Context())
		if rd == nil {
			response.AbortError(c, http.StatusUnauthorized, "unauthorized", errors.New("not authenticated"))
			return
		}
		if _, ok := allowed[rd.Role]; !ok {
			response.AbortError(c, http.StatusForbidden, "forbidden", errors.New("insufficient role"))
			return
		}
		c.Next()
	}
}

// ExtractToken reads the bearer token from the Authorization header, falling
// back to the token query parameter browsers use for WebSocket upgrades.
func ExtractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return strings.TrimSpace(c.Query("token"))
}
