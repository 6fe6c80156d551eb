package reconsync

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/hours_backend/middlewares"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterOptions struct {
	// APIToken guards /api when set.
	APIToken       string
	AllowedOrigins []string
	Production     bool
}

func RouterOptionsFromEnv() RouterOptions {
	return RouterOptions{
		APIToken:       strings.TrimSpace(os.Getenv("SERVICE_API_TOKEN")),
		AllowedOrigins: splitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS")),
		Production:     strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production"),
	}
}

// NewRouter wires the HTTP surface of the service.
func NewRouter(o *Orchestrator, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(middlewares.RequestLogger(o.logger()))
	r.Use(gin.Recovery())

	// In production without an allow list no cross-origin request is served.
	if !opts.Production || len(opts.AllowedOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		if opts.Production {
			corsConfig.AllowOrigins = opts.AllowedOrigins
		} else {
			corsConfig.AllowAllOrigins = true
		}
		corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
		corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", middlewares.HeaderActor, middlewares.HeaderCorrelationId)
		corsConfig.AddExposeHeaders("Content-Length", middlewares.HeaderCorrelationId)
		r.Use(cors.New(corsConfig))
	}

	r.GET("/healthz", func(c *gin.Context) {
		if o.DB == nil {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		c.Status(http.StatusNoContent)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Pub/Sub push endpoint for the sync worker and the scheduler.
	r.POST("/pubsub/sync", middlewares.ActorMiddleware("pubsub"), PubSubPushHandler(o))

	api := r.Group("/api", middlewares.TokenMiddleware(opts.APIToken), middlewares.ActorMiddleware("api"))
	api.POST("/sync", TriggerSyncHandler(o))
	api.GET("/sync/status", StatusHandler(o))
	api.GET("/sync/runs", SyncHistoryHandler(o))
	api.GET("/sync/runs/:id", SyncRunDetailHandler(o))
	api.POST("/sync/runs/:id/retry", RetrySyncRunHandler(o))

	api.GET("/suggestions", ListSuggestionsHandler(o))
	api.POST("/suggestions/:id/apply", ApplySuggestionHandler(o))
	api.POST("/suggestions/:id/dismiss", DismissSuggestionHandler(o))

	api.GET("/alerts", ListAlertsHandler(o))
	api.POST("/alerts/:id/acknowledge", AcknowledgeAlertHandler(o))
	api.POST("/alerts/:id/resolve", ResolveAlertHandler(o))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
