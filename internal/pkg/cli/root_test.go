package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/MailAccounts/app/models"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/bootstrap"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/testutil"
)

type harness struct {
	setup SetupFunc
	c     *bootstrap.Container
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client, _ := testutil.NewRedis(t)
	c := bootstrap.Build(testutil.ConfigHolder(), testutil.NewDB(t), client, nil)
	return &harness{
		c: c,
		setup: func(ctx context.Context) (*bootstrap.Container, error) {
			return c, nil
		},
	}
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd(h.setup)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *harness) user(t *testing.T, username string) *models.User {
	t.Helper()
	plan := &models.Plan{Name: "Standard", MailStorageBytes: 1 << 30}
	require.NoError(t, h.c.Repos.Plan.Create(plan))
	u := &models.User{Username: username, PlanID: &plan.ID}
	require.NoError(t, h.c.Repos.User.Create(u))
	return u
}

func TestActivatePlansCmd(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "alice")

	out, err := h.run(t, "activate-plans", "--json", u.UUID, "00000000-0000-4000-8000-000000000000")
	require.NoError(t, err)

	var tally struct {
		Updated int `json:"updated"`
		Skipped int `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &tally))
	assert.Equal(t, 0, tally.Updated)
	assert.Equal(t, 2, tally.Skipped)
}

func TestPlanQuotaCmd(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "bobby")
	planID := strconv.FormatUint(uint64(*u.PlanID), 10)

	out, err := h.run(t, "plan-quota", planID, "--storage-bytes", "4096")
	require.NoError(t, err)
	assert.Contains(t, out, "success")
	assert.Contains(t, out, "skipped=1")

	plan, err := h.c.Repos.Plan.GetByID(*u.PlanID)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), plan.MailStorageBytes)

	_, err = h.run(t, "plan-quota", "nope")
	assert.ErrorContains(t, err, "invalid plan id")

	_, err = h.run(t, "plan-quota", "9999")
	assert.ErrorContains(t, err, "plan does not exist")
}

func TestJobCmds(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "job", "run", "does_not_exist")
	assert.ErrorContains(t, err, "unknown job type")

	_, err = h.run(t, "job", "run", "create_mail_account", "--payload", "{")
	assert.ErrorContains(t, err, "invalid --payload")

	out, err := h.run(t, "job", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "queued=0 delayed=0")
}

func TestAccountDeleteCmd_RequiresConfirmation(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, "carol")

	_, err := h.run(t, "account", "delete", u.UUID)
	assert.ErrorContains(t, err, "without --yes")

	_, err = h.c.Accounts.User(u.UUID)
	assert.NoError(t, err)
}

func TestStatsCmd(t *testing.T) {
	h := newHarness(t)
	h.user(t, "dave")

	out, err := h.run(t, "stats", "--refresh")
	require.NoError(t, err)
	assert.Regexp(t, `users\s+1\n`, out)
	assert.Regexp(t, `mail accounts\s+0\n`, out)
}
