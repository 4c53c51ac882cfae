package ratelimit

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/domain"
	"github.com/cuongbtq/convo-transfer/internal/metrics"
	"github.com/gin-gonic/gin"
)

const (
	// RejectionMessage is the body returned with 429 responses on uploads.
	RejectionMessage = "Too many file upload requests. Try again later"
	// ExportRejectionMessage is the body returned with 429 responses on exports.
	ExportRejectionMessage = "Too many export requests. Try again later"
)

// KeyFunc extracts a value from the request.
type KeyFunc func(c *gin.Context) string

// ClientIP keys requests by the client address gin resolved.
func ClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// MiddlewareConfig wires a limiter into a gin route.
type MiddlewareConfig struct {
	Limiter Limiter
	// Key selects the bucket; ClientIP for ScopeIP, the caller identity for ScopeUser.
	Key KeyFunc
	// UserID is recorded on violations; optional.
	UserID  KeyFunc
	Audit   AuditSink
	Metrics metrics.Sink
	Logger  *slog.Logger
	// Message and ViolationType default to the upload limit values.
	Message       string
	ViolationType string
}

// Middleware rejects requests over the limit with 429. Limiter backend errors
// admit the request.
func Middleware(cfg MiddlewareConfig) gin.HandlerFunc {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopSink()
	}
	if cfg.Message == "" {
		cfg.Message = RejectionMessage
	}
	if cfg.ViolationType == "" {
		cfg.ViolationType = ViolationFileUpload
	}
	scope := string(cfg.Limiter.Config().Scope)

	return func(c *gin.Context) {
		key := cfg.Key(c)

		decision, err := cfg.Limiter.Admit(c.Request.Context(), key)
		if err != nil {
			cfg.Metrics.RateLimitBackendError(scope)
			cfg.Logger.Error("Rate limiter unavailable, admitting request",
				slog.String("limiter", scope),
				slog.Any("error", err),
			)
			c.Next()
			return
		}

		cfg.Metrics.RateLimitDecision(scope, decision.Allowed)
		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if decision.Allowed {
			c.Next()
			return
		}

		userID := ""
		if cfg.UserID != nil {
			userID = cfg.UserID(c)
		}
		if cfg.Audit != nil {
			v := NewViolation(cfg.Limiter.Config(), key, c.ClientIP(), userID, time.Now())
			v.Type = cfg.ViolationType
			if err := cfg.Audit.RecordViolation(c.Request.Context(), v); err != nil {
				cfg.Logger.Warn("Failed to record rate limit violation",
					slog.String("limiter", scope),
					slog.Any("error", err),
				)
			}
		}

		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
		_ = c.Error(fmt.Errorf("%w: %s limiter", domain.ErrRateLimitExceeded, scope))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"message": cfg.Message,
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
