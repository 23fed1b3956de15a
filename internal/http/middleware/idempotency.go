// This file implements Idempotency-Key support for unsafe methods. The key is
// validated and stashed in the Gin context. With a store configured, a
// successful (2xx) response marks the key as completed in the shared kv store
// for the replay window; a later request with the same key is flagged as a
// replay and skips rate limiting, and handlers decide how to answer it.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/changuard/internal/kv"
)

// HeaderIdempotencyKey is the request header carrying the idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

var defaultIdemPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the validated key, if any.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the key was already completed.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen caps the key length. Defaults to 200.
	MaxLen int
	// Pattern restricts characters. Defaults to ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
	// Store remembers completed keys. Nil only validates and stashes.
	Store kv.Store
	// TTL is the replay window. Defaults to 24h.
	TTL time.Duration
}

// IdempotencyValidator validates Idempotency-Key, detects replays and
// remembers keys of successful requests. Keys are scoped by route so the same
// key may be reused across endpoints.
func IdempotencyValidator(opts IdempotencyOptions) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultIdemPattern
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": GetRequestID(c),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)
		if opts.Store == nil {
			c.Next()
			return
		}

		storeKey := "idem:" + c.Request.Method + ":" + c.FullPath() + ":" + key
		if _, err := opts.Store.Get(c.Request.Context(), storeKey); err == nil {
			c.Set(ctxKeyIdemReplay, true)
			c.Set(ctxKeyRateBypass, true)
		}

		c.Next()

		if !IsReplay(c) && c.Writer.Status() < 300 {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), time.Second)
			defer cancel()
			if err := opts.Store.Set(ctx, storeKey, []byte("1"), ttl); err != nil {
				LoggerFrom(c).Warn().Err(err).Msg("remember idempotency key")
			}
		}
	}
}
