// Package bootstrap wires the services of the server and the operator CLI
// from one configuration.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MailAccounts/app/controllers"
	"github.com/ManuelReschke/MailAccounts/app/repository"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/accounts"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/allowlist"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/archive"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/billing"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/cache"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/database"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/env"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/health"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/identity"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/mailclient"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/reconcile"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/router"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/statistics"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/tasks"
)

type Container struct {
	Config *config.Holder
	DB     *gorm.DB
	Redis  *redis.Client
	Repos  *repository.Repositories

	Queue   *jobqueue.Queue
	Manager *jobqueue.Manager

	Mail      *mailclient.Client
	Identity  *identity.Client
	AllowList *allowlist.Checker
	Archive   *archive.Client

	Billing   *billing.Service
	Accounts  *accounts.Service
	Reconcile *reconcile.Service
	Health    *health.Checker
	Counters  *counter.Counter
	Stats     *statistics.Service

	owned bool
}

// Setup loads .env and the configuration, connects to MySQL and Redis and
// builds the container.
func Setup(ctx context.Context) (*Container, error) {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	holder := config.NewHolder(cfg, config.LoadFromEnvFile)

	db, err := database.SetupDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	client := cache.SetupCache(cfg.Cache)

	var archiveClient *archive.Client
	archiveCfg, err := archive.LoadConfig()
	if err != nil {
		return nil, err
	}
	if archiveCfg.IsEnabled() {
		archiveClient, err = archive.NewClient(ctx, archiveCfg)
		if err != nil {
			return nil, fmt.Errorf("webhook archive: %w", err)
		}
	}

	c := Build(holder, db, client, archiveClient)
	c.owned = true
	return c, nil
}

// Build wires every service on top of already opened connections.
// archiveClient may be nil.
func Build(holder *config.Holder, db *gorm.DB, client *redis.Client, archiveClient *archive.Client) *Container {
	cfg := holder.Get()
	c := &Container{
		Config:    holder,
		DB:        db,
		Redis:     client,
		Repos:     repository.NewFactory(db).GetRepositories(),
		Mail:      mailclient.NewClientFromConfig(cfg.Mail),
		Identity:  identity.NewClient(cfg.Identity),
		AllowList: allowlist.New(client, holder),
		Archive:   archiveClient,
	}

	c.Queue = jobqueue.NewQueueWithClient(client, cfg.Tasks.Workers, jobqueue.RetryPolicyFromConfig(cfg.Tasks))
	c.Manager = jobqueue.NewManager(c.Queue)

	c.Billing = billing.NewServiceFromDB(db, cfg.SignedValueSecret)
	c.Accounts = accounts.NewService(c.Repos, c.Mail, holder, c.Queue, c.AllowList, c.Identity)
	c.Billing.SetActivator(c.Accounts)
	c.Reconcile = reconcile.NewService(c.Accounts, c.Repos, c.Mail, c.Billing, holder)

	handlers := &tasks.Handlers{
		Billing:   c.Billing,
		Accounts:  c.Accounts,
		Reconcile: c.Reconcile,
	}
	if archiveClient != nil {
		handlers.Archive = archiveClient
	}
	handlers.Register(c.Queue)
	tasks.RegisterPeriodic(c.Manager, cfg.Repair.Interval)

	c.Counters = counter.New(client)
	c.Stats = statistics.NewService(db, client)
	c.Health = health.NewChecker(health.DefaultTimeout).
		Add(health.Mail, c.Mail.Ping).
		Add(health.Identity, func(ctx context.Context) error {
			if !c.Identity.Enabled() {
				return nil
			}
			return c.Identity.Ping(ctx)
		}).
		Add(health.Cache, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}).
		Add(health.Database, func(ctx context.Context) error {
			return database.Ping(db)
		})

	log.Infof("[Bootstrap] Services ready (domains: %v, archive: %t)", cfg.AllowedEmailDomains, archiveClient != nil)
	return c
}

// RouterHandlers builds the HTTP controllers. limiterStorage may be nil.
func (c *Container) RouterHandlers(limiterStorage fiber.Storage) router.Handlers {
	return router.Handlers{
		Billing:        controllers.NewBillingController(c.Billing, c.Queue, c.Config, c.Counters),
		Health:         controllers.NewHealthController(c.Health),
		Admin:          controllers.NewAdminController(c.Accounts, c.Reconcile, c.Repos.Plan, c.Queue, c.Config, c.Counters),
		Statistics:     controllers.NewStatisticsController(c.Stats),
		Config:         c.Config,
		LimiterStorage: limiterStorage,
	}
}

// Close releases the connections opened by Setup. Containers from Build
// leave their connections to the caller.
func (c *Container) Close() {
	if !c.owned {
		return
	}
	if err := c.Redis.Close(); err != nil {
		log.Warnf("[Bootstrap] Closing Redis: %v", err)
	}
	if sqlDB, err := c.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
