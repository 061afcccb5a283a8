package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bounty-payout-system/chains"
	"bounty-payout-system/escrow"
	"bounty-payout-system/handlers"
	"bounty-payout-system/middleware"
	"bounty-payout-system/models"
	"bounty-payout-system/services"
	"bounty-payout-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	environment := os.Getenv("APP_ENV")
	if environment == "" {
		environment = "development"
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024, // webhook payloads are small; 1MB is plenty
	})

	// 🔐❗ GLOBAL: Only Gateway requests allowed (webhooks verify their own HMAC)
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-User-ID, X-User-Roles, X-Service-Token",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Bounty{},
		&models.PRClaim{},
		&models.AllowlistEntry{},
		&models.WalletMirror{},
		&models.MarketplacePlanEvent{},
		&models.WebhookDelivery{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	// Network registry: loaded once, validated before any traffic.
	registry, err := chains.Load()
	if err != nil {
		log.Fatal("failed to load network registry: ", err)
	}
	pool := escrow.NewClientPool(registry)
	defer pool.Close()

	adminPolicy := middleware.LoadAdminPolicy()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier := workers.NewNotifier()
	notifier.Start(ctx)

	reconciler := services.NewReconciler(db, pool)
	bountyService := services.NewBountyService(db, registry, pool, reconciler, environment)
	payoutService := services.NewPayoutService(db, registry, pool, notifier, environment)
	feeService := services.NewFeeService(registry, pool)
	webhookService := services.NewWebhookService(db, payoutService, notifier)

	// Payout wallet mirror sync from the profile service
	walletSyncClient := workers.NewWalletSyncClient(db)
	go workers.PollWallets(ctx, walletSyncClient, 1*time.Minute)

	// Background reconciliation on top of the lazy per-request path
	reconcileInterval := 5 * time.Minute
	if v := os.Getenv("RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			reconcileInterval = d
		}
	}
	if err := reconciler.StartScheduler(ctx, reconcileInterval); err != nil {
		log.Fatal("failed to start reconciler: ", err)
	}

	handlers.SetupBountyRoutes(app, bountyService, payoutService)
	handlers.SetupWebhookRoutes(app, webhookService)
	handlers.SetupAdminRoutes(app, feeService, adminPolicy)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		sqlDB, err := db.DB()
		if err != nil || sqlDB.Ping() != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "db unreachable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Printf("✅ Networks configured: %s", strings.Join(registry.Aliases(), ", "))
	log.Printf("✅ Reconciler running (every %s)", reconcileInterval)
	log.Println("✅ Wallet mirror sync running (every 1m)")
	log.Println("✅ GatewayAuthMiddleware enforced globally — webhooks verified by HMAC")

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.ShutdownWithTimeout(10 * time.Second)
}
