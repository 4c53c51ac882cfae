package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/api/handler"
	"github.com/cuongbtq/convo-transfer/internal/identity"
	"github.com/gin-gonic/gin"
)

// HealthCheck reports whether one backing service is reachable.
type HealthCheck func(ctx context.Context) error

// Options holds the cross-cutting pieces wired around the handlers
type Options struct {
	ServiceName string
	Resolver    identity.Resolver
	// UploadLimits run in order before an import is accepted.
	UploadLimits []gin.HandlerFunc
	// ExportLimits run after authentication on export submission.
	ExportLimits   []gin.HandlerFunc
	MetricsHandler http.Handler
	MetricsPath    string
	HealthChecks   map[string]HealthCheck
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	if deps.MaxUploadBytes > 0 {
		r.MaxMultipartMemory = deps.MaxUploadBytes
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = identity.NewHeaderResolver()
	}

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())
	r.Use(identity.Middleware(resolver))

	r.GET("/health", healthHandler(opts.ServiceName, opts.HealthChecks, deps.Logger))

	if opts.MetricsHandler != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(opts.MetricsHandler))
	}

	h := handler.NewConversationHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		convos := v1.Group("/conversations")
		{
			// POST /api/v1/conversations - Import an uploaded export file.
			// Limits run before Require so anonymous callers share the null bucket.
			importChain := append([]gin.HandlerFunc{}, opts.UploadLimits...)
			importChain = append(importChain, identity.Require(), h.SubmitImport)
			convos.POST("", importChain...)

			authed := convos.Group("", identity.Require())
			{
				authed.GET("/jobs", h.ListJobs)
				authed.GET("/import/jobs/:jobId", h.GetImportJob)
				exportChain := append([]gin.HandlerFunc{}, opts.ExportLimits...)
				exportChain = append(exportChain, h.SubmitExport)
				authed.POST("/export", exportChain...)
				authed.GET("/export/jobs/:jobId", h.GetExportJob)
				authed.GET("/export/jobs/:jobId/download", h.DownloadExport)
			}
		}
	}

	return r
}

func healthHandler(service string, checks map[string]HealthCheck, logger *slog.Logger) gin.HandlerFunc {
	if service == "" {
		service = "convo-transfer-api"
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.Warn("Health check failed",
					slog.String("dependency", name),
					slog.String("error", err.Error()),
				)
				results[name] = "unhealthy"
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "healthy"
		}

		overall := "healthy"
		if status != http.StatusOK {
			overall = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":       overall,
			"service":      service,
			"dependencies": results,
		})
	}
}
