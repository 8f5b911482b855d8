package routes

import (
	"github.com/labstack/echo/v4"
	echoSwagger "github.com/swaggo/echo-swagger"

	"github.com/onurcolak/insider-dispatch-service/environments"
	"github.com/onurcolak/insider-dispatch-service/handlers"
	"github.com/onurcolak/insider-dispatch-service/internal/middlewares"
	"github.com/onurcolak/insider-dispatch-service/internal/ratelimit"
)

type Handlers struct {
	Health    *handlers.HealthHandler
	Dispatch  *handlers.DispatchHandler
	Webhook   *handlers.WebhookHandler
	Tenant    *handlers.TenantHandler
	Scheduler *handlers.SchedulerHandler
}

// RegisterRoutes registers all API routes with middleware
func RegisterRoutes(
	e *echo.Echo,
	h Handlers,
	limiter *ratelimit.FixedWindow,
	cfg *environments.Config,
) {
	e.GET("/health", h.Health.Health)
	e.GET("/swagger/*", echoSwagger.WrapHandler)

	// API v1 base group, rate limited per client IP
	v1 := e.Group("/api/v1", middlewares.RateLimit(limiter))

	// Provider callbacks are unauthenticated; the routing id is validated
	// and the tenant is resolved asynchronously.
	v1.POST("/webhooks/:routingId", h.Webhook.ReceiveWebhook)

	dispatch := v1.Group("/dispatch", middlewares.APIKeyAuth("dispatch", cfg.Auth.DispatchAPIKey))

	dispatch.GET("/messages/stats", h.Dispatch.MessageStats)
	dispatch.POST("/messages/:id/send", h.Dispatch.SendMessage)
	dispatch.POST("/campaigns/:id/execute", h.Dispatch.ExecuteCampaign)
	dispatch.GET("/queues/:name/stats", h.Dispatch.QueueStats)
	dispatch.GET("/queues/:name/dead", h.Dispatch.DeadLetters)
	dispatch.GET("/consumers", h.Dispatch.Consumers)

	tenants := v1.Group("/tenants", middlewares.APIKeyAuth("dispatch", cfg.Auth.DispatchAPIKey))

	tenants.GET("/:tenantId/credentials", h.Tenant.ListCredentials)

	// Scheduler routes with their own API key
	schedulerGroup := v1.Group("/scheduler", middlewares.APIKeyAuth("scheduler", cfg.Auth.SchedulerAPIKey))

	schedulerGroup.POST("/start", h.Scheduler.StartScheduler)
	schedulerGroup.POST("/stop", h.Scheduler.StopScheduler)
	schedulerGroup.GET("/status", h.Scheduler.GetSchedulerStatus)
}
