package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is satisfied by *sql.DB and *sqlx.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DatabaseHealthCheck answers 503 while the database does not respond, so
// webhook providers retry later instead of the reply being dropped mid-way.
// A nil pinger disables the check.
func DatabaseHealthCheck(db Pinger, timeout time.Duration) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(c *gin.Context) {
		if db == nil {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			c.Header("Retry-After", "30")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "Database connection failed",
				"message": "The database is not responding. Please retry shortly.",
			})
			return
		}
		c.Next()
	}
}
