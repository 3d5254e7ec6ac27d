package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/crewplane/crewplane/app/controllers"
	"github.com/crewplane/crewplane/internal/pkg/billing"
	"github.com/crewplane/crewplane/internal/pkg/cache"
	"github.com/crewplane/crewplane/internal/pkg/database"
	"github.com/crewplane/crewplane/internal/pkg/env"
	"github.com/crewplane/crewplane/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal().Err(err).Msg("server stopped")
}

// NewApplication wires the whole service: env, database, cache, the billing
// stack and the HTTP routes.
func NewApplication() *fiber.App {
	env.SetupEnvFile()
	setupLogging()
	database.SetupDatabase()
	cache.SetupCache()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := billing.SeedDefaultPlans(ctx, database.GetDB()); err != nil {
		log.Fatal().Err(err).Msg("failed to seed billing plans")
	}

	cfg := billing.NewConfigFromEnv()
	provider, err := billing.NewStripeProvider(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize billing provider")
	}
	repo := billing.NewRepository(database.GetDB())
	markers := billing.NewRedisEventMarkerStore(cache.GetClient(), cfg.EventMarkerTTL)
	service := billing.NewService(repo, provider, cfg)
	processor := billing.NewProcessor(provider, repo, markers)
	billingController := controllers.NewBillingController(service, processor)

	app := fiber.New(fiber.Config{
		AppName: "crewplane",
	})
	app.Use(recover.New(), fiberlogger.New())
	app.Get("/metrics", monitor.New())
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	router.InstallRouter(app, billingController)

	return app
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if env.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
