package api

import (
    "crypto/subtle"
    "net/http"
    "strings"

    "biliaudio/config"
    "github.com/gin-gonic/gin"
)

// AuthMiddleware guards the task API behind a static bearer key when
// auth is enabled. The key comparison is constant-time.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
    return func(c *gin.Context) {
        if !cfg.AuthEnable {
            c.Next()
            return
        }

        header := c.GetHeader("Authorization")
        if header == "" {
            c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
            return
        }

        scheme, key, found := strings.Cut(header, " ")
        if !found || !strings.EqualFold(scheme, "bearer") {
            c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid Authorization header format"})
            return
        }

        if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.AuthKey)) != 1 {
            c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
            return
        }

        c.Next()
    }
}
