package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/MailAccounts/app/models"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/testutil"
)

func TestMailAccountRepository_SaveReplacesAddresses(t *testing.T) {
	db := testutil.NewDB(t)
	repos := NewRepositories(db)

	user := &models.User{Username: "alice"}
	require.NoError(t, repos.User.Create(user))

	account := &models.MailAccount{
		UserID: user.ID,
		Name:   "alice",
		Addresses: []models.MailAddress{
			{Address: "Alice@Example.org", Type: models.MailAddressTypePrimary},
			{Address: "a@example.org", Type: models.MailAddressTypeAlias},
		},
	}
	require.NoError(t, repos.MailAccount.Save(account))
	require.NotZero(t, account.ID)

	loaded, err := repos.MailAccount.GetByUserID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", loaded.PrimaryAddress())
	assert.Len(t, loaded.Addresses, 2)

	loaded.Addresses = []models.MailAddress{{Address: "alice@example.org", Type: models.MailAddressTypePrimary}}
	require.NoError(t, repos.MailAccount.Save(loaded))

	reloaded, err := repos.MailAccount.GetByName("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.org"}, reloaded.AddressList())
}

func TestMailAccountRepository_NameClaimedByOther(t *testing.T) {
	db := testutil.NewDB(t)
	repos := NewRepositories(db)

	alice := &models.User{Username: "alice"}
	bob := &models.User{Username: "bobby"}
	require.NoError(t, repos.User.Create(alice))
	require.NoError(t, repos.User.Create(bob))
	require.NoError(t, repos.MailAccount.Save(&models.MailAccount{UserID: alice.ID, Name: "alice"}))

	claimed, err := repos.MailAccount.NameClaimedByOther("alice", alice.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = repos.MailAccount.NameClaimedByOther("alice", bob.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repos.MailAccount.NameClaimedByOther("nobody", bob.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestMailAccountRepository_ListUnverifiedUserUUIDs(t *testing.T) {
	db := testutil.NewDB(t)
	repos := NewRepositories(db)

	verified := &models.User{Username: "verified"}
	pending := &models.User{Username: "pending"}
	require.NoError(t, repos.User.Create(verified))
	require.NoError(t, repos.User.Create(pending))
	require.NoError(t, repos.MailAccount.Save(&models.MailAccount{UserID: verified.ID, Name: "verified", Verified: true, Active: true}))
	require.NoError(t, repos.MailAccount.Save(&models.MailAccount{UserID: pending.ID, Name: "pending", Active: true}))

	uuids, err := repos.MailAccount.ListUnverifiedUserUUIDs(10)
	require.NoError(t, err)
	assert.Equal(t, []string{pending.UUID}, uuids)
}

func TestPlanRepository_GetByProductPaddleID(t *testing.T) {
	db := testutil.NewDB(t)
	repos := NewRepositories(db)

	product := &models.Product{PaddleID: "pro_01", Name: "Mail Plus"}
	require.NoError(t, db.Create(product).Error)
	plan := &models.Plan{Name: "Plus", ProductID: &product.ID, MailStorageBytes: 1 << 30}
	require.NoError(t, repos.Plan.Create(plan))

	found, err := repos.Plan.GetByProductPaddleID("pro_01")
	require.NoError(t, err)
	assert.Equal(t, plan.ID, found.ID)
	assert.Equal(t, int64(1<<30), found.MailStorageBytes)

	_, err = repos.Plan.GetByProductPaddleID("pro_missing")
	assert.Error(t, err)
}
