package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/prepwell/entitlement-api/internal/pkg/cache"
	"github.com/prepwell/entitlement-api/internal/pkg/corporate"
	"github.com/prepwell/entitlement-api/internal/pkg/database"
	"github.com/prepwell/entitlement-api/internal/pkg/entitlement"
	"github.com/prepwell/entitlement-api/internal/pkg/env"
	"github.com/prepwell/entitlement-api/internal/pkg/ratelimit"
	"github.com/prepwell/entitlement-api/internal/pkg/router"
	"github.com/prepwell/entitlement-api/internal/pkg/syncer"
	"github.com/prepwell/entitlement-api/internal/pkg/verification"
)

func main() {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	entitlements := entitlement.NewServiceFromDB(db)
	corporateSvc := corporate.NewServiceFromDB(db)

	verifiers := []verification.Verifier{
		verification.NewAppleClientFromEnv(),
		verification.NewCardClientFromEnv(),
	}
	if googleClient, err := verification.NewGoogleClientFromEnv(); err != nil {
		log.Warnf("Play verification disabled: %v", err)
	} else {
		verifiers = append(verifiers, googleClient)
	}

	orchestrator := syncer.NewOrchestrator(entitlements, verifiers...)

	manager := syncer.NewManager(orchestrator, corporateSvc,
		envDuration("SYNC_INTERVAL", time.Hour),
		envDuration("SWEEP_INTERVAL", 24*time.Hour),
	)
	manager.Start()

	app := newApp()
	apiRouter := router.NewApiRouter(
		entitlements,
		corporateSvc,
		orchestrator,
		newLimiter(),
		env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
	)
	apiRouter.InstallRouter(app)

	// Graceful shutdown: stop taking requests, then stop the background jobs.
	shutdownDone := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("Shutting down...")
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Errorf("server shutdown: %v", err)
		}
		manager.Stop()
		close(shutdownDone)
	}()

	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "0.0.0.0"), env.GetEnv("APP_PORT", "4000"))
	if err := app.Listen(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
	<-shutdownDone
}

func newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "entitlement-api",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	app.Use(recover.New(), logger.New())

	metricsUser := env.GetEnv("METRICS_USER", "")
	metricsPass := env.GetEnv("METRICS_PASSWORD", "")
	if metricsUser != "" && metricsPass != "" {
		app.Get("/metrics", basicauth.New(basicauth.Config{
			Users: map[string]string{metricsUser: metricsPass},
		}), monitor.New())
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	return app
}

// newLimiter backs the rate limiter with Redis when available so counters are
// shared across instances, falling back to process-local memory.
func newLimiter() *ratelimit.Limiter {
	var store ratelimit.Store
	if client := cache.GetClient(); client != nil {
		store = ratelimit.NewRedisStore(client)
	} else {
		store = ratelimit.NewMemoryStore()
	}
	return ratelimit.New(store, ratelimit.Rule{MaxAttempts: 60, Window: time.Minute})
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Warnf("invalid %s=%q, using default %s", key, raw, def)
		return def
	}
	return d
}
