package main

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/splitwell/splitwell-api/config"
	"github.com/splitwell/splitwell-api/events"
	"github.com/splitwell/splitwell-api/handlers"
	"github.com/splitwell/splitwell-api/middleware"
	"github.com/splitwell/splitwell-api/routes"
	"github.com/splitwell/splitwell-api/services"
	"github.com/splitwell/splitwell-api/storage"
)

func main() {
	logger := config.SetupLogging()

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg := config.Load()

	db, err := config.InitDB(cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	if err := config.RunMigrations(db); err != nil {
		logger.WithError(err).Fatal("failed to run migrations")
	}

	store := storage.NewStore(db)
	bus := events.NewBus()

	bank := services.NewPlaidService(cfg.PlaidClientID, cfg.PlaidSecret, cfg.PlaidEnv, cfg.FrontendURL)
	rail := services.NewDwollaService(cfg.RailBaseURL, cfg.RailKey, cfg.RailSecret)
	email := services.NewEmailService(cfg.ResendAPIKey, cfg.FromEmail, cfg.FrontendURL)
	notifier := services.NewEmailNotifier(email, logger)
	alerts := services.NewAlertService(cfg.AlertWebhookURL, logger)

	calculator := services.NewContributionCalculator()
	orchestrator := services.NewTransferOrchestrator(store, bank, rail, notifier, alerts, logger)
	coordinator := services.NewSettlementCoordinator(store, calculator, orchestrator, logger)
	coordinator.Subscribe(bus)

	retries := services.NewWithheldRetryService(store, orchestrator, cfg.MaximumTransactionAttempts, logger)
	scheduler := services.NewScheduler(store, retries, cfg, logger)
	worker := services.NewQueueWorker(store, coordinator, notifier, logger)
	status := services.NewTransferStatusService(store, rail, bus, notifier, alerts, logger)

	ingestion := services.NewIngestionService(store, bank, bus, notifier, logger)
	expenses := services.NewExpenseService(store, rail, bus, notifier, logger)
	vendors := services.NewVendorService(store, bus, logger)

	wsHandler := handlers.NewWSHandler(logger)
	wsHandler.Subscribe(bus)

	ctx := context.Background()
	go scheduler.Start(ctx)
	go worker.Start(ctx)
	go status.StartPolling(ctx, time.Hour)

	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.FrontendURL},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))
	router.Use(middleware.RateLimiter(100, time.Minute))

	authHandler := &handlers.AuthHandler{Store: store, Expenses: expenses, JWTSecret: cfg.JWTSecret, Logger: logger}
	accountHandler := &handlers.AccountHandler{Store: store, Bank: bank, Ingestion: ingestion, Expenses: expenses, Logger: logger}
	expenseHandler := &handlers.ExpenseHandler{Store: store, Expenses: expenses, Logger: logger}
	vendorHandler := &handlers.VendorHandler{Store: store, Vendors: vendors, Logger: logger}
	webhookHandler := &handlers.WebhookHandler{Status: status, Secret: cfg.WebhookSecret, Logger: logger}
	aggregatorHandler := &handlers.AggregatorWebhookHandler{Ingestion: ingestion, Logger: logger}

	v1 := router.Group("/api/v1")
	{
		routes.SetupAuthRoutes(v1, authHandler)
		routes.SetupWebhookRoutes(v1, webhookHandler, aggregatorHandler)

		protected := v1.Group("/")
		protected.Use(middleware.Auth(cfg.JWTSecret, store.Users))
		{
			protected.GET("/ws", wsHandler.HandleWS)
			routes.SetupUserRoutes(protected, authHandler, accountHandler)
			routes.SetupExpenseRoutes(protected, expenseHandler)
			routes.SetupVendorRoutes(protected, vendorHandler)
		}
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	logger.WithField("port", cfg.Port).Info("server starting")
	if err := router.Run(":" + cfg.Port); err != nil {
		logger.WithError(err).Fatal("failed to start server")
	}
}
