package provisioning

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/mailclient"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/mailclient/mailtest"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/testutil"
)

type claimsFunc func(name string, userID uint) (bool, error)

func (f claimsFunc) NameClaimedByOther(name string, userID uint) (bool, error) {
	return f(name, userID)
}

func aliceRequest() Request {
	return Request{
		UserID:            1,
		Name:              "alice",
		DisplayName:       "Alice",
		Address:           "alice@example.org",
		AppPasswordSecret: "$app$thunderbird$hash",
		Quota:             1 << 30,
	}
}

func TestProvision_FreshAccount(t *testing.T) {
	store := mailtest.New()
	m := New(store, testutil.ConfigHolder("example.org"), nil)

	out, err := m.Provision(context.Background(), aliceRequest())
	require.NoError(t, err)
	assert.Equal(t, QuotaAssigned, out.State)
	assert.True(t, out.Created)
	assert.True(t, out.DomainCreated)
	assert.False(t, out.Healed)
	assert.NotZero(t, out.PrincipalID)

	domain, ok := store.Principal("example.org")
	require.True(t, ok)
	assert.Equal(t, mailclient.PrincipalTypeDomain, domain.Type)
	assert.Equal(t, 2, store.DKIMKeys("example.org"))

	p, ok := store.Principal("alice")
	require.True(t, ok)
	assert.Equal(t, mailclient.PrincipalTypeIndividual, p.Type)
	assert.Equal(t, "Alice", p.Description)
	assert.Equal(t, mailclient.StringList{"alice@example.org"}, p.Emails)
	assert.Equal(t, mailclient.StringList{"user"}, p.Roles)
	assert.Equal(t, mailclient.StringList{"$app$thunderbird$hash"}, p.Secrets)
	assert.Equal(t, int64(1<<30), p.Quota)
	// Quota is part of the create call.
	assert.Equal(t, 0, store.Calls("patch"))
}

func TestProvision_SecondRunIsNoOp(t *testing.T) {
	store := mailtest.New()
	m := New(store, testutil.ConfigHolder("example.org"), nil)

	first, err := m.Provision(context.Background(), aliceRequest())
	require.NoError(t, err)

	creates := store.Calls("create")
	second, err := m.Provision(context.Background(), aliceRequest())
	require.NoError(t, err)

	assert.Equal(t, QuotaAssigned, second.State)
	assert.False(t, second.Created)
	assert.False(t, second.Healed)
	assert.False(t, second.DomainCreated)
	assert.False(t, second.QuotaChanged)
	assert.Equal(t, first.PrincipalID, second.PrincipalID)
	assert.Equal(t, creates, store.Calls("create"))
	assert.Equal(t, 1, store.Calls("create_dkim"))
	assert.Equal(t, 0, store.Calls("patch"))
}

func TestProvision_DomainNotAllowed(t *testing.T) {
	store := mailtest.New()
	m := New(store, testutil.ConfigHolder("example.org"), nil)

	req := aliceRequest()
	req.Address = "alice@elsewhere.net"
	out, err := m.Provision(context.Background(), req)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDomainNotAllowed))
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepDomain, stepErr.Step)
	assert.Equal(t, NoDomainRecord, out.State)
	assert.Zero(t, store.TotalCalls())
}

func TestProvision_ExistingDomainKeepsKeys(t *testing.T) {
	store := mailtest.New()
	store.Seed(mailclient.Principal{Type: mailclient.PrincipalTypeDomain, Name: "example.org"})
	m := New(store, testutil.ConfigHolder("example.org"), nil)

	out, err := m.Provision(context.Background(), aliceRequest())
	require.NoError(t, err)
	assert.False(t, out.DomainCreated)
	assert.Equal(t, 0, store.Calls("create_dkim"))
	assert.Equal(t, 0, store.Calls("delete_dkim"))
}

func TestProvision_SelfHealsMissingAddress(t *testing.T) {
	store := mailtest.New()
	store.Seed(mailclient.Principal{Type: mailclient.PrincipalTypeDomain, Name: "example.org"})
	id := store.Seed(mailclient.Principal{
		Type:   mailclient.PrincipalTypeIndividual,
		Name:   "alice",
		Emails: mailclient.StringList{"old@example.org"},
		Quota:  1 << 30,
	})
	m := New(store, testutil.ConfigHolder("example.org"), nil)

	out, err := m.Provision(context.Background(), aliceRequest())
	require.NoError(t, err)
	assert.True(t, out.Healed)
	assert.False(t, out.Created)
	assert.Equal(t, id, out.PrincipalID)

	p, _ := store.Principal("alice")
	assert.True(t, p.HasEmail("alice@example.org"))
	assert.True(t, p.HasEmail("old@example.org"))
}

func TestProvision_ConflictingPrincipalType(t *testing.T) {
	store := mailtest.New()
	store.Seed(mailclient.Principal{Type: mailclient.PrincipalTypeDomain, Name: "example.org"})
	store.Seed(mailclient.Principal{Type: mailclient.PrincipalTypeGroup, Name: "alice"})
	m := New(store, testutil.ConfigHolder("example.org"), nil)

	out, err := m.Provision(context.Background(), aliceRequest())
	require.Error(t, err)
	var dup *syncerr.DuplicateError
	assert.True(t, errors.As(err, &dup))
	assert.Equal(t, SigningKeyPresent, out.State)
	assert.Equal(t, 0, store.Calls("patch"))
}

func TestProvision_NameClaimedLocally(t *testing.T) {
	store := mailtest.New()
	claims := claimsFunc(func(name string, userID uint) (bool, error) {
		return name == "alice" && userID != 7, nil
	})
	m := New(store, testutil.ConfigHolder("example.org"), claims)

	_, err := m.Provision(context.Background(), aliceRequest())
	require.Error(t, err)
	var dup *syncerr.DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Contains(t, dup.Detail, "another local account")
	_, exists := store.Principal("alice")
	assert.False(t, exists)
}

func TestProvision_CreateRaceConverges(t *testing.T) {
	store := mailtest.New()
	store.Seed(mailclient.Principal{Type: mailclient.PrincipalTypeDomain, Name: "example.org"})
	m := New(store, testutil.ConfigHolder("example.org"), nil)

	// The lookup misses, then another worker wins the create.
	racing := &racingStore{Store: store}
	m.mail = racing

	out, err := m.Provision(context.Background(), aliceRequest())
	require.NoError(t, err)
	assert.False(t, out.Created)
	assert.Equal(t, racing.winnerID, out.PrincipalID)
}

type racingStore struct {
	*mailtest.Store
	winnerID uint64
}

func (r *racingStore) CreatePrincipal(ctx context.Context, p mailclient.Principal) (uint64, error) {
	if p.Type == mailclient.PrincipalTypeIndividual && r.winnerID == 0 {
		winner := p
		winner.Emails = mailclient.StringList{p.Emails[0]}
		r.winnerID = r.Store.Seed(winner)
	}
	return r.Store.CreatePrincipal(ctx, p)
}

func TestProvision_StepFailures(t *testing.T) {
	transient := &syncerr.TransientError{System: "stalwart", Op: "get principal", StatusCode: 503}

	tests := []struct {
		name  string
		setup func(s *mailtest.Store)
		step  string
		state State
	}{
		{
			name:  "domain lookup",
			setup: func(s *mailtest.Store) { s.FailNext("get", transient) },
			step:  StepDomain,
			state: NoDomainRecord,
		},
		{
			name:  "signing key",
			setup: func(s *mailtest.Store) { s.FailNext("create_dkim", transient) },
			step:  StepSigningKey,
			state: DomainVerified,
		},
		{
			name: "principal create",
			setup: func(s *mailtest.Store) {
				s.Seed(mailclient.Principal{Type: mailclient.PrincipalTypeDomain, Name: "example.org"})
				s.FailNext("create", transient)
			},
			step:  StepPrincipal,
			state: SigningKeyPresent,
		},
		{
			name: "quota",
			setup: func(s *mailtest.Store) {
				s.Seed(mailclient.Principal{Type: mailclient.PrincipalTypeDomain, Name: "example.org"})
				s.Seed(mailclient.Principal{Type: mailclient.PrincipalTypeIndividual, Name: "alice", Emails: mailclient.StringList{"alice@example.org"}})
				s.FailNext("patch", transient)
			},
			step:  StepQuota,
			state: PrincipalCreated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := mailtest.New()
			tt.setup(store)
			m := New(store, testutil.ConfigHolder("example.org"), nil)

			out, err := m.Provision(context.Background(), aliceRequest())
			require.Error(t, err)
			var stepErr *StepError
			require.True(t, errors.As(err, &stepErr))
			assert.Equal(t, tt.step, stepErr.Step)
			assert.Equal(t, tt.state, out.State)
			assert.True(t, syncerr.IsTransient(err))
		})
	}
}

func TestAssignQuota(t *testing.T) {
	store := mailtest.New()
	store.Seed(mailclient.Principal{Type: mailclient.PrincipalTypeIndividual, Name: "alice", Quota: 10})
	m := New(store, testutil.ConfigHolder(), nil)

	require.NoError(t, m.AssignQuota(context.Background(), "alice", 4096))
	p, _ := store.Principal("alice")
	assert.Equal(t, int64(4096), p.Quota)

	err := m.AssignQuota(context.Background(), "nobody", 1)
	assert.True(t, syncerr.IsNotFound(err))
}

func TestRecreateSigningKey(t *testing.T) {
	store := mailtest.New()
	m := New(store, testutil.ConfigHolder("example.org"), nil)
	require.NoError(t, store.CreateDKIM(context.Background(), "example.org"))

	removed, err := m.RecreateSigningKey(context.Background(), "Example.org")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, store.DKIMKeys("example.org"))

	_, err = m.RecreateSigningKey(context.Background(), "elsewhere.net")
	assert.True(t, errors.Is(err, ErrDomainNotAllowed))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "no_domain_record", NoDomainRecord.String())
	assert.Equal(t, "quota_assigned", QuotaAssigned.String())
	assert.Equal(t, "state(9)", State(9).String())
}
