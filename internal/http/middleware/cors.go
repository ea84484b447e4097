package middleware

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

var defaultOrigins = []string{
	"http://localhost:80",
	"http://localhost:3000",
	"http://localhost:5173",
	"http://127.0.0.1:80",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:5173",
}

// CORS allows origins (comma separated in CORS_ALLOWED_ORIGINS), or the
// local dev frontends when none are configured.
func CORS(origins []string) gin.HandlerFunc {
	var allow []string
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			allow = append(allow, o)
		}
	}
	if len(allow) == 0 {
		allow = defaultOrigins
	}
	return cors.New(cors.Config{
		AllowOrigins:     allow,
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-Request-Id"},
		ExposeHeaders:    []string{"X-Request-Id", "X-Trace-Id", "Retry-After"},
		AllowCredentials: true,
	})
}
