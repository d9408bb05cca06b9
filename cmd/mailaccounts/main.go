package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/MailAccounts/docs"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/bootstrap"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/env"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/router"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx := context.Background()
	c, err := bootstrap.Setup(ctx)
	if err != nil {
		log.Fatalf("[Server] Startup failed: %v", err)
	}
	defer c.Close()

	app := NewApplication(c)
	c.Manager.Start()

	cfg := c.Config.Get()
	go func() {
		if err := app.Listen(fmt.Sprintf("%s:%s", cfg.AppHost, cfg.AppPort)); err != nil {
			log.Fatalf("[Server] Listen failed: %v", err)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig == syscall.SIGHUP {
			// A rejected reload is logged by the holder and keeps the old config.
			_ = c.Config.Reload()
			continue
		}
		log.Infof("[Server] %s received, shutting down", sig)
		break
	}

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Errorf("[Server] Shutdown failed: %v", err)
	}
	c.Manager.Stop()
}

func NewApplication(c *bootstrap.Container) *fiber.App {
	cfg := c.Config.Get()

	// Define possible base paths
	basePaths := []string{
		"./",     // Current directory
		"../../", // From cmd/mailaccounts to project root
	}

	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + docs.FilePath); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	if env.IsDev() {
		log.SetLevel(log.LevelDebug)
	}
	app.Use(recover.New(recover.Config{EnableStackTrace: env.IsDev()}), logger.New())

	// fiber metrics
	if cfg.AdminAPIKey != "" {
		app.Get("/metrics", basicauth.New(basicauth.Config{
			Users: map[string]string{
				"admin": cfg.AdminAPIKey,
			},
		}), monitor.New())
	}

	// SWAGGER / OPENAPI
	if basePath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: basePath + docs.FilePath,
			Path:     "v1",
		}))
	} else {
		log.Warn("[Server] docs/openapi.yml not found, API docs disabled")
	}

	// ROUTER
	router.InstallRouter(app, c.RouterHandlers(router.NewLimiterStorage(cfg.Cache)))

	return app
}
