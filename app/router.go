package app

import (
	"time"

	"github.com/ofirs1988/genwave-sub001/auth"
	"github.com/ofirs1988/genwave-sub001/telemetry"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterOptions tweak NewRouter for tests and the Lambda entrypoint.
type RouterOptions struct {
	// Verifier overrides the Auth0 verifier built from the environment.
	Verifier *auth.Verifier
	// DisableAuth injects local development claims on every request.
	DisableAuth bool
	// Tracing adds the otelgin middleware.
	Tracing bool
}

// NewRouter builds the shared HTTP router for both local and Lambda execution.
func NewRouter(svc *Service, opts RouterOptions) (*gin.Engine, error) {
	if err := RegisterValidators(); err != nil {
		return nil, err
	}

	router := gin.Default()
	if opts.Tracing {
		router.Use(otelgin.Middleware(telemetry.ServiceName))
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", NonceHeader},
		MaxAge:       12 * time.Hour,
	}))

	h := NewHandlers(svc)

	router.GET("/health", Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/connect/callback", h.ConnectCallback)
	router.POST("/webhooks/generation", h.GenerationWebhook)

	verifier := opts.Verifier
	if verifier == nil && !opts.DisableAuth {
		v, err := auth.NewVerifierFromEnv()
		if err != nil && !auth.AuthDisabled() {
			return nil, err
		}
		verifier = v
	}

	protected := router.Group("/")
	protected.Use(auth.Middleware(verifier, auth.MiddlewareConfig{DisableAuth: opts.DisableAuth}))
	protected.GET("/me", h.Me)
	protected.GET("/jobs/:jobid", GetJobStatus)

	api := protected.Group("/api")
	api.GET("/nonce", h.Nonce)
	api.GET("/dashboard", h.Dashboard)
	api.GET("/requests", h.ListRequests)
	api.GET("/requests/:id", h.GetRequest)
	api.GET("/requests/:id/usage", h.RequestUsage)
	api.GET("/posts/:postId/status", h.PostStatus)
	api.GET("/usage", h.Usage)

	editor := auth.RequireCapabilities(auth.CapEditPosts)
	api.POST("/generate", editor, h.RequireNonce(ActionGenerate), h.Generate)
	api.POST("/requests/:id/cancel", editor, h.RequireNonce(ActionCancel), h.CancelRequest)
	api.POST("/requests/:id/retry", editor, h.RequireNonce(ActionRetry), h.RetryRequest)
	api.POST("/requests/:id/sync", editor, h.RequireNonce(ActionSync), h.SyncRequest)
	api.POST("/items/:id/apply", editor, h.RequireNonce(ActionApply), h.ApplyItem)

	admin := auth.RequireCapabilities(auth.CapManageOptions)
	api.GET("/connection", admin, h.ConnectionStatus)
	api.POST("/connect", admin, h.RequireNonce(ActionConnect), h.StartConnect)
	api.POST("/disconnect", admin, h.RequireNonce(ActionDisconnect), h.Disconnect)

	return router, nil
}
