package controlplane

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// authMiddleware enforces Authorization: Bearer <token> or X-Auth-Token,
// compared to the configured token with constant-time equality (spec.md
// §4.9 "Auth").
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.AuthEnabled {
			c.Next()
			return
		}
		token := bearerOrHeaderToken(c)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func bearerOrHeaderToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.GetHeader("X-Auth-Token")
}

// requestIdentity resolves the rate-limit/replay-guard identity: a hash of
// the bearer token, else X-Device-Id, else the client IP (spec.md §4.9).
func requestIdentity(c *gin.Context) string {
	if token := bearerOrHeaderToken(c); token != "" {
		sum := sha256.Sum256([]byte(token))
		return "tok:" + hex.EncodeToString(sum[:8])
	}
	if deviceID := c.GetHeader("X-Device-Id"); deviceID != "" {
		return "dev:" + deviceID
	}
	return "ip:" + c.ClientIP()
}

// rateLimitMiddleware enforces the sliding-window per-identity limiter.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.RateLimitEnabled {
			c.Next()
			return
		}
		identity := requestIdentity(c)
		if !s.limiter.Allow(identity) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}

// replayGuardMiddleware enforces the nonce+timestamp replay protection on
// POST requests (spec.md §4.9 "Replay guard").
func (s *Server) replayGuardMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.ReplayEnabled || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		nonce := c.GetHeader("X-Request-Nonce")
		tsHeader := c.GetHeader("X-Request-Timestamp")
		if nonce == "" || tsHeader == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_nonce_or_timestamp"})
			return
		}
		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad_timestamp"})
			return
		}
		if !s.replay.WithinWindow(ts) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "stale_timestamp"})
			return
		}
		identity := requestIdentity(c)
		if !s.replay.CheckAndRemember(identity, nonce) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "replayed_nonce"})
			return
		}
		c.Next()
	}
}

// bodyLimitMiddleware caps the request body at max_request_body_bytes
// (spec.md §4.9 "Body limit").
func (s *Server) bodyLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.MaxRequestBodyBytes <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > s.cfg.MaxRequestBodyBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request_too_large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxRequestBodyBytes)
		c.Next()
	}
}
