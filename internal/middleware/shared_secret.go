package middleware

import (
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/abcotronics/docreply/internal/auth"
)

// SharedSecretHeader carries the operator secret when it is not passed as the
// "secret" query parameter.
const SharedSecretHeader = "x-cron-secret"

// SharedSecret gates operator endpoints. The caller must present one of the
// configured secrets; with none configured every request is rejected.
func SharedSecret(secrets ...string) gin.HandlerFunc {
	return SharedSecretLimited(nil, secrets...)
}

// SharedSecretLimited is SharedSecret with per-client-IP lockout after
// repeated wrong secrets. A nil limiter disables the lockout.
func SharedSecretLimited(limiter *auth.FailureLimiter, secrets ...string) gin.HandlerFunc {
	var accepted [][]byte
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			accepted = append(accepted, []byte(s))
		}
	}
	return func(c *gin.Context) {
		client := c.ClientIP()
		if limiter != nil {
			if blocked, wait := limiter.Blocked(client); blocked {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many failed attempts"})
				return
			}
		}
		presented := c.Query("secret")
		if presented == "" {
			presented = c.GetHeader(SharedSecretHeader)
		}
		if presented == "" || !secretMatches(accepted, []byte(presented)) {
			if limiter != nil {
				limiter.Failure(client)
			}
			unauthorized(c, "Unauthorized")
			return
		}
		if limiter != nil {
			limiter.Success(client)
		}
		c.Next()
	}
}

func secretMatches(accepted [][]byte, presented []byte) bool {
	match := 0
	for _, s := range accepted {
		match |= subtle.ConstantTimeCompare(s, presented)
	}
	return match == 1
}
