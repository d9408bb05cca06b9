package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MailAccounts/app/models"
	"github.com/ManuelReschke/MailAccounts/app/repository"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/accounts"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/billing"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/mailclient"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/mailclient/mailtest"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/reconcile"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/testutil"
)

const webhookSecret = "pdl_ntfset_test_secret"

type fixture struct {
	app      *fiber.App
	cfg      *config.Config
	db       *gorm.DB
	holder   *config.Holder
	queue    *jobqueue.Queue
	repos    *repository.Repositories
	billing  *billing.Service
	accounts *accounts.Service
	store    *mailtest.Store
	counters *counter.Counter
}

// newFixture mounts the webhook and admin handlers without middleware. The
// queue has no workers running, so scheduled jobs stay queued.
func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()
	cfg := testutil.Config("example.org")
	cfg.PaddleWebhookSecret = webhookSecret
	if mutate != nil {
		mutate(cfg)
	}
	db := testutil.NewDB(t)
	client, _ := testutil.NewRedis(t)

	f := &fixture{
		cfg:     cfg,
		db:      db,
		holder:  config.NewStaticHolder(cfg),
		queue:   jobqueue.NewQueueWithClient(client, 1, jobqueue.RetryPolicyFromConfig(cfg.Tasks)),
		repos:   repository.NewRepositories(db),
		billing: billing.NewServiceFromDB(db, testutil.SigningSecret),
		store:   mailtest.New(),
	}
	f.accounts = accounts.NewService(f.repos, f.store, f.holder, f.queue, nil, nil)
	f.billing.SetActivator(f.accounts)
	reconcileSvc := reconcile.NewService(f.accounts, f.repos, f.store, f.billing, f.holder)
	f.store.Seed(mailclient.Principal{Type: mailclient.PrincipalTypeDomain, Name: "example.org"})

	// Only the job types the handlers schedule need to be known to the queue.
	noop := func(ctx context.Context, job *jobqueue.Job) (jobqueue.Result, error) {
		return jobqueue.Success(nil), nil
	}
	for _, jt := range []jobqueue.JobType{
		jobqueue.JobTypePaddleTransactionEvent,
		jobqueue.JobTypePaddleSubscriptionEvent,
		jobqueue.JobTypePaddleProductEvent,
		jobqueue.JobTypeCreateMailAccount,
		jobqueue.JobTypeUpdateMailQuota,
		jobqueue.JobTypeUpdatePlanQuota,
		jobqueue.JobTypeArchiveWebhookEvent,
	} {
		f.queue.Register(jt, noop)
	}

	f.counters = counter.New(client)
	bc := NewBillingController(f.billing, f.queue, f.holder, f.counters)
	ac := NewAdminController(f.accounts, reconcileSvc, f.repos.Plan, f.queue, f.holder, f.counters)

	f.app = fiber.New()
	f.app.Post("/webhooks/paddle", bc.HandlePaddleWebhook)
	admin := f.app.Group("/admin")
	admin.Post("/repair", ac.HandleRepair)
	admin.Post("/activate-plans", ac.HandleActivatePlans)
	admin.Post("/sync-identity", ac.HandleSyncIdentity)
	admin.Post("/plans/:id/quota", ac.HandlePlanQuota)
	admin.Delete("/accounts/:uuid", ac.HandleDeleteAccount)
	admin.Post("/accounts/:uuid/provision", ac.HandleProvisionAccount)
	admin.Post("/accounts/:uuid/quota", ac.HandleUpdateAccountQuota)
	admin.Post("/domains/:domain/signing-key", ac.HandleRecreateSigningKey)
	admin.Get("/jobs/:id", ac.HandleGetJob)
	admin.Get("/jobs", ac.HandleJobStats)
	admin.Post("/config/reload", ac.HandleReloadConfig)
	return f
}

func (f *fixture) user(t *testing.T, username string) *models.User {
	t.Helper()
	plan := &models.Plan{Name: "Standard " + username, MailStorageBytes: 1 << 30}
	require.NoError(t, f.repos.Plan.Create(plan))
	u := &models.User{Username: username, DisplayName: username, OIDCID: "kc-" + username, PlanID: &plan.ID}
	require.NoError(t, f.repos.User.Create(u))
	return u
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}
