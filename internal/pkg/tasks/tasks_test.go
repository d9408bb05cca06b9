package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MailAccounts/app/models"
	"github.com/ManuelReschke/MailAccounts/app/repository"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/accounts"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/billing"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/mailclient"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/mailclient/mailtest"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/reconcile"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/testutil"
)

type fakeArchiver struct {
	calls int
	err   error
}

func (f *fakeArchiver) ArchiveWebhook(ctx context.Context, event *models.BillingWebhookEvent) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "webhooks/paddle/" + event.ProviderEventID + ".json", nil
}

type fixture struct {
	db       *gorm.DB
	queue    *jobqueue.Queue
	repos    *repository.Repositories
	billing  *billing.Service
	store    *mailtest.Store
	archiver *fakeArchiver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	client, _ := testutil.NewRedis(t)
	cfg := testutil.Config("example.org")
	holder := testutil.ConfigHolder("example.org")

	f := &fixture{
		db:       db,
		queue:    jobqueue.NewQueueWithClient(client, 1, jobqueue.RetryPolicyFromConfig(cfg.Tasks)),
		repos:    repository.NewRepositories(db),
		billing:  billing.NewServiceFromDB(db, testutil.SigningSecret),
		store:    mailtest.New(),
		archiver: &fakeArchiver{},
	}
	accountsSvc := accounts.NewService(f.repos, f.store, holder, f.queue, nil, nil)
	f.billing.SetActivator(accountsSvc)

	h := &Handlers{
		Billing:   f.billing,
		Accounts:  accountsSvc,
		Reconcile: reconcile.NewService(accountsSvc, f.repos, f.store, f.billing, holder),
		Archive:   f.archiver,
	}
	h.Register(f.queue)

	f.store.Seed(mailclient.Principal{Type: mailclient.PrincipalTypeDomain, Name: "example.org"})
	return f
}

func (f *fixture) webhook(t *testing.T, eventID string) *models.BillingWebhookEvent {
	t.Helper()
	_, event, err := f.billing.RecordWebhookEvent(context.Background(), billing.WebhookEventInput{
		Provider:        models.BillingProviderPaddle,
		ProviderEventID: eventID,
		EventType:       "transaction.created",
		PayloadJSON:     `{"event_id":"` + eventID + `"}`,
		SignatureValid:  true,
	})
	require.NoError(t, err)
	return event
}

func (f *fixture) user(t *testing.T, username string) *models.User {
	t.Helper()
	plan := &models.Plan{Name: "Standard " + username, MailStorageBytes: 2 << 30}
	require.NoError(t, f.repos.Plan.Create(plan))
	u := &models.User{Username: username, DisplayName: username, OIDCID: "kc-" + username, PlanID: &plan.ID}
	require.NoError(t, f.repos.User.Create(u))
	return u
}

const transactionJSON = `{
	"id": "txn_01h04vsbhqc62t8hmd4z3b578c",
	"status": "completed",
	"details": {"totals": {"total": "1050", "tax": "150", "currency_code": "USD"}}
}`

func transactionPayload(t *testing.T, webhookID uint, raw string) map[string]interface{} {
	t.Helper()
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &data))
	return jobqueue.PaddleEventPayload{
		WebhookEventID: webhookID,
		EventType:      "transaction.created",
		OccurredAt:     time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC),
		IsCreateEvent:  true,
		Data:           data,
	}.ToMap()
}

func TestPaddleTransactionTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.webhook(t, "evt_1")

	result, err := f.queue.RunNow(ctx, jobqueue.JobTypePaddleTransactionEvent, transactionPayload(t, event.ID, transactionJSON))
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, "txn_01h04vsbhqc62t8hmd4z3b578c", result.Data["paddle_id"])
	assert.Equal(t, true, result.Data["model_created"])

	stored, err := f.billing.GetWebhookEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ProcessedAt)
	assert.Empty(t, stored.ProcessingError)

	t.Run("replayed create is skipped", func(t *testing.T) {
		result, err := f.queue.RunNow(ctx, jobqueue.JobTypePaddleTransactionEvent, transactionPayload(t, event.ID, transactionJSON))
		require.NoError(t, err)
		assert.False(t, result.OK())
		assert.True(t, result.IsSkipped())
		assert.Equal(t, "transaction already exists", result.Reason)
		assert.Equal(t, "txn_01h04vsbhqc62t8hmd4z3b578c", result.Data["paddle_id"])
	})

	t.Run("malformed event is final and recorded", func(t *testing.T) {
		bad := f.webhook(t, "evt_2")
		result, err := f.queue.RunNow(ctx, jobqueue.JobTypePaddleTransactionEvent, transactionPayload(t, bad.ID, `{"id": "txn_02"}`))
		require.NoError(t, err)
		assert.False(t, result.OK())
		assert.False(t, result.IsSkipped())
		assert.Equal(t, billing.ReasonNoTotals, result.Reason)

		stored, err := f.billing.GetWebhookEvent(ctx, bad.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.ReasonNoTotals, stored.ProcessingError)
	})

	t.Run("undecodable payload", func(t *testing.T) {
		result, err := f.queue.RunNow(ctx, jobqueue.JobTypePaddleTransactionEvent, map[string]interface{}{"occurred_at": "yesterday"})
		require.NoError(t, err)
		assert.Equal(t, ReasonInvalidPayload, result.Reason)
	})
}

const unsignedSubscriptionJSON = `{
	"id": "sub_01h04vsc0qhwtsbsxh3422wjs4",
	"status": "active",
	"customer_id": "ctm_01h04vsbhqc62t8hmd4z3b578c",
	"currency_code": "USD",
	"items": [
		{"status": "active", "quantity": 1, "price": {"id": "pri_01gsz8x8sawmvhz1pv30nge1ke", "product_id": "pro_01gsz4t5hdjse780zja8vvr7jg"}}
	]
}`

func TestPaddleSubscriptionTask_WithoutSignedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.webhook(t, "evt_sub")

	payload := transactionPayload(t, event.ID, unsignedSubscriptionJSON)
	payload["event_type"] = "subscription.created"

	result, err := f.queue.RunNow(ctx, jobqueue.JobTypePaddleSubscriptionEvent, payload)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.ResultFailed, result.Status)
	assert.Equal(t, billing.ReasonNoSignedUserID, result.Reason)
	assert.False(t, result.IsSkipped())

	var count int64
	require.NoError(t, f.db.Model(&models.Subscription{}).Count(&count).Error)
	assert.Zero(t, count)

	stored, err := f.billing.GetWebhookEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ProcessedAt)
	assert.Equal(t, billing.ReasonNoSignedUserID, stored.ProcessingError)
}

func TestCreateMailAccountTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "alice")

	// One transient failure is retried by the queue.
	f.store.FailNext("get", &syncerr.TransientError{System: "mail", Op: "get principal", StatusCode: 503})

	result, err := f.queue.RunNow(ctx, jobqueue.JobTypeCreateMailAccount, jobqueue.AccountJobPayload{UserUUID: u.UUID}.ToMap())
	require.NoError(t, err)
	require.True(t, result.OK(), result.Reason)
	assert.Equal(t, true, result.Data["created"])
	assert.Equal(t, "quota_assigned", result.Data["state"])

	p, ok := f.store.Principal("alice")
	require.True(t, ok)
	assert.Equal(t, int64(2<<30), p.Quota)

	t.Run("unknown user fails without retry", func(t *testing.T) {
		before := f.store.TotalCalls()
		result, err := f.queue.RunNow(ctx, jobqueue.JobTypeCreateMailAccount, jobqueue.AccountJobPayload{UserUUID: "00000000-0000-4000-8000-000000000000"}.ToMap())
		require.NoError(t, err)
		assert.False(t, result.OK())
		assert.Contains(t, result.Reason, "not found")
		assert.Equal(t, before, f.store.TotalCalls())
	})

	t.Run("missing uuid", func(t *testing.T) {
		result, err := f.queue.RunNow(ctx, jobqueue.JobTypeCreateMailAccount, map[string]interface{}{})
		require.NoError(t, err)
		assert.Equal(t, ReasonInvalidPayload, result.Reason)
	})
}

func TestUpdateMailQuotaTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "bobby")
	_, err := f.queue.RunNow(ctx, jobqueue.JobTypeCreateMailAccount, jobqueue.AccountJobPayload{UserUUID: u.UUID}.ToMap())
	require.NoError(t, err)

	plan, err := f.repos.Plan.GetByID(*u.PlanID)
	require.NoError(t, err)
	plan.MailStorageBytes = 3 << 30
	require.NoError(t, f.repos.Plan.Update(plan))

	result, err := f.queue.RunNow(ctx, jobqueue.JobTypeUpdateMailQuota, jobqueue.AccountJobPayload{UserUUID: u.UUID}.ToMap())
	require.NoError(t, err)
	require.True(t, result.OK(), result.Reason)
	assert.EqualValues(t, 3<<30, result.Data["quota"])

	p, _ := f.store.Principal("bobby")
	assert.Equal(t, int64(3<<30), p.Quota)
}

func TestUpdatePlanQuotaTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.queue.RunNow(ctx, jobqueue.JobTypeUpdatePlanQuota, jobqueue.PlanQuotaJobPayload{PlanID: 999}.ToMap())
	require.NoError(t, err)
	assert.False(t, result.OK())
	assert.Equal(t, reconcile.ReasonPlanDoesNotExist, result.Reason)

	u := f.user(t, "carol")
	result, err = f.queue.RunNow(ctx, jobqueue.JobTypeUpdatePlanQuota, jobqueue.PlanQuotaJobPayload{PlanID: *u.PlanID}.ToMap())
	require.NoError(t, err)
	require.True(t, result.OK(), result.Reason)
	assert.Equal(t, 0, result.Data["updated"])
	assert.Equal(t, 1, result.Data["skipped"])
}

func TestArchiveWebhookTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.webhook(t, "evt_archive")
	payload := jobqueue.ArchiveJobPayload{WebhookEventID: event.ID}.ToMap()

	result, err := f.queue.RunNow(ctx, jobqueue.JobTypeArchiveWebhookEvent, payload)
	require.NoError(t, err)
	require.True(t, result.OK(), result.Reason)
	assert.Equal(t, "webhooks/paddle/evt_archive.json", result.Data["archive_key"])

	stored, err := f.billing.GetWebhookEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, "webhooks/paddle/evt_archive.json", stored.ArchiveKey)

	// Already archived events are not uploaded again.
	result, err = f.queue.RunNow(ctx, jobqueue.JobTypeArchiveWebhookEvent, payload)
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, 1, f.archiver.calls)

	t.Run("storage errors exhaust retries", func(t *testing.T) {
		other := f.webhook(t, "evt_broken")
		f.archiver.err = errors.New("connection reset")
		defer func() { f.archiver.err = nil }()

		result, err := f.queue.RunNow(ctx, jobqueue.JobTypeArchiveWebhookEvent, jobqueue.ArchiveJobPayload{WebhookEventID: other.ID}.ToMap())
		require.NoError(t, err)
		assert.False(t, result.OK())
		assert.Contains(t, result.Reason, "retries exhausted")
		assert.Equal(t, 4, f.archiver.calls)
	})
}

func TestArchiveWebhookTask_Disabled(t *testing.T) {
	f := newFixture(t)
	h := &Handlers{Billing: f.billing}
	h.Register(f.queue)

	result, err := f.queue.RunNow(context.Background(), jobqueue.JobTypeArchiveWebhookEvent, jobqueue.ArchiveJobPayload{WebhookEventID: 1}.ToMap())
	require.NoError(t, err)
	assert.Equal(t, ReasonArchiveDisabled, result.Reason)
}

func TestRepairAccountsTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "dave")
	require.NoError(t, f.repos.MailAccount.Save(&models.MailAccount{
		UserID:    u.ID,
		Name:      "dave",
		Active:    true,
		Addresses: []models.MailAddress{{Address: "dave@example.org", Type: models.MailAddressTypePrimary}},
	}))

	result, err := f.queue.RunNow(ctx, jobqueue.JobTypeRepairAccounts, jobqueue.RepairJobPayload{}.ToMap())
	require.NoError(t, err)
	require.True(t, result.OK(), result.Reason)
	assert.Equal(t, 1, result.Data["created"])

	result, err = f.queue.RunNow(ctx, jobqueue.JobTypeRepairAccounts, jobqueue.RepairJobPayload{UserUUIDs: []string{u.UUID}}.ToMap())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Data["unchanged"])
}
