package router

import (
	"time"

	"sokoni/config"
	"sokoni/internal/domain"
	"sokoni/internal/handler"
	"sokoni/internal/middleware"
	"sokoni/internal/repository"
	"sokoni/internal/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Setup wires repositories, services and handlers, and returns the
// engine together with the payment service so main can run its sweeper.
func Setup(cfg *config.Config, db *gorm.DB, gateway service.Gateway) (*gin.Engine, *service.PaymentService) {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RateLimit(middleware.NewInMemoryRateLimiter(100, 60*time.Second)))

	// Repositories
	userRepo := repository.NewUserRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	// Services
	authSvc := service.NewAuthService(cfg, userRepo)
	notifSvc := service.NewNotificationService(notificationRepo)
	paymentSvc := service.NewPaymentService(paymentRepo, orderRepo, gateway, notifSvc, &cfg.Payment)

	// Handlers
	authHandler := handler.NewAuthHandler(authSvc)
	orderHandler := handler.NewOrderHandler(orderRepo)
	paymentHandler := handler.NewPaymentHandler(paymentSvc, paymentRepo)
	webhookHandler := handler.NewMpesaWebhookHandler(paymentSvc)
	notificationHandler := handler.NewNotificationHandler(notificationRepo)
	adminHandler := handler.NewAdminHandler(paymentRepo, paymentSvc)

	authMw := middleware.AuthRequired(&cfg.JWT)

	api := r.Group("/api/v1")
	{
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/register", authHandler.Register)
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/refresh", authHandler.Refresh)
		}

		orders := api.Group("/orders")
		orders.Use(authMw)
		{
			orders.POST("", orderHandler.Create)
			orders.GET("", orderHandler.ListMine)
			orders.GET("/:id", orderHandler.Get)
		}

		payments := api.Group("/payments")
		payments.Use(authMw)
		{
			payments.POST("/mpesa/initiate", paymentHandler.Initiate)
			payments.GET("/:id", paymentHandler.GetStatus)
		}

		notifications := api.Group("/notifications")
		notifications.Use(authMw)
		{
			notifications.GET("", notificationHandler.List)
			notifications.PUT("/:id/read", notificationHandler.MarkRead)
		}

		// callback is provider-driven; no auth, rate limited globally
		api.POST("/webhooks/mpesa", webhookHandler.Handle)

		admin := api.Group("/admin")
		admin.Use(authMw, middleware.RequireRole(domain.RoleAdmin))
		{
			admin.GET("/payments", adminHandler.ListPayments)
			admin.GET("/metrics/reconciliation", adminHandler.ReconciliationStats)
		}
	}

	return r, paymentSvc
}
