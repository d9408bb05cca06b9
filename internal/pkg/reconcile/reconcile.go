// Package reconcile compares local accounts with the mail server and the
// identity provider and repairs the differences. Every batch runs with
// bounded concurrency and keeps going when single accounts fail.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MailAccounts/app/models"
	"github.com/ManuelReschke/MailAccounts/app/repository"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/accounts"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/mailclient"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/provisioning"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
)

const (
	ActionCreated   = "created"
	ActionHealed    = "healed"
	ActionUnchanged = "unchanged"
	ActionUpdated   = "updated"
	ActionSkipped   = "skipped"
	ActionErrored   = "errored"
)

const (
	ReasonUserDoesNotExist  = "user does not exist"
	ReasonDomainNotAllowed  = "domain not allowed"
	ReasonNoSubscription    = "no active subscription"
	ReasonNoMailAccount     = "no linked mail account"
	ReasonNoIdentityLink    = "no identity link"
	ReasonPlanDoesNotExist  = "plan does not exist"
	defaultBatchConcurrency = 4
)

// ErrPlanDoesNotExist is returned by UpdatePlanQuota for unknown plans.
var ErrPlanDoesNotExist = errors.New(ReasonPlanDoesNotExist)

// AccountResult is the outcome for one user of a batch.
type AccountResult struct {
	UserUUID string `json:"user_uuid"`
	Name     string `json:"name,omitempty"`
	Action   string `json:"action"`
	Reason   string `json:"reason,omitempty"`
}

// Summary aggregates a repair batch.
type Summary struct {
	Created   int             `json:"created"`
	Healed    int             `json:"healed"`
	Unchanged int             `json:"unchanged"`
	Skipped   int             `json:"skipped"`
	Errored   int             `json:"errored"`
	Results   []AccountResult `json:"results"`

	mu sync.Mutex
}

func (s *Summary) add(r AccountResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.Action {
	case ActionCreated:
		s.Created++
	case ActionHealed:
		s.Healed++
	case ActionUnchanged:
		s.Unchanged++
	case ActionSkipped:
		s.Skipped++
	default:
		s.Errored++
	}
	s.Results = append(s.Results, r)
}

// Tally aggregates the plan and identity batches.
type Tally struct {
	Updated int             `json:"updated"`
	Skipped int             `json:"skipped"`
	Errored int             `json:"errored"`
	Results []AccountResult `json:"results"`

	mu sync.Mutex
}

func (t *Tally) add(r AccountResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch r.Action {
	case ActionUpdated:
		t.Updated++
	case ActionSkipped:
		t.Skipped++
	default:
		t.Errored++
	}
	t.Results = append(t.Results, r)
}

// PlanResolver finds the plan a user's current subscription grants.
type PlanResolver interface {
	EntitlingPlan(ctx context.Context, userID uint) (*models.Plan, error)
}

type Service struct {
	accounts *accounts.Service
	repos    *repository.Repositories
	mail     provisioning.MailAPI
	plans    PlanResolver
	cfg      *config.Holder
}

func NewService(accountsSvc *accounts.Service, repos *repository.Repositories, mail provisioning.MailAPI, plans PlanResolver, cfg *config.Holder) *Service {
	return &Service{accounts: accountsSvc, repos: repos, mail: mail, plans: plans, cfg: cfg}
}

func (s *Service) concurrency() int {
	if n := s.cfg.Get().Repair.Concurrency; n > 0 {
		return n
	}
	return defaultBatchConcurrency
}

// each runs fn for every user with at most concurrency() in flight. UUIDs
// without a user are reported through missing.
func (s *Service) each(ctx context.Context, userUUIDs []string, fn func(ctx context.Context, user *models.User), missing func(uuid string)) error {
	users, err := s.repos.User.ListByUUIDs(userUUIDs)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	known := make(map[string]struct{}, len(users))
	for i := range users {
		known[strings.ToLower(users[i].UUID)] = struct{}{}
	}
	for _, id := range userUUIDs {
		if _, ok := known[strings.ToLower(strings.TrimSpace(id))]; !ok {
			missing(id)
		}
	}
	return s.run(ctx, users, fn)
}

func (s *Service) run(ctx context.Context, users []models.User, fn func(ctx context.Context, user *models.User)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency())
	for i := range users {
		user := &users[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			fn(gctx, user)
			return nil
		})
	}
	return g.Wait()
}

// RepairAccounts converges the given users' principals onto their local
// accounts. Per-account failures are counted, never returned.
func (s *Service) RepairAccounts(ctx context.Context, userUUIDs []string) (*Summary, error) {
	summary := &Summary{Results: make([]AccountResult, 0, len(userUUIDs))}
	err := s.each(ctx, userUUIDs, func(ctx context.Context, user *models.User) {
		summary.add(s.repairOne(ctx, user))
	}, func(id string) {
		summary.add(AccountResult{UserUUID: id, Action: ActionSkipped, Reason: ReasonUserDoesNotExist})
	})
	if err != nil {
		return summary, err
	}
	log.Infof("[Reconcile] Repair finished: created=%d healed=%d unchanged=%d skipped=%d errored=%d",
		summary.Created, summary.Healed, summary.Unchanged, summary.Skipped, summary.Errored)
	return summary, nil
}

// RepairUnverified repairs up to limit accounts that were never confirmed
// against the mail server.
func (s *Service) RepairUnverified(ctx context.Context, limit int) (*Summary, error) {
	uuids, err := s.repos.MailAccount.ListUnverifiedUserUUIDs(limit)
	if err != nil {
		return nil, err
	}
	return s.RepairAccounts(ctx, uuids)
}

func (s *Service) repairOne(ctx context.Context, user *models.User) AccountResult {
	res := AccountResult{UserUUID: user.UUID}
	fail := func(err error) AccountResult {
		log.Errorf("[Reconcile] Repair of %s failed: %v", user.UUID, err)
		res.Action = ActionErrored
		res.Reason = syncerr.Reason(err)
		return res
	}

	account, err := s.accounts.Account(user)
	if err != nil {
		return fail(err)
	}
	res.Name = account.Name

	primary := account.PrimaryAddress()
	if !s.cfg.Get().IsAllowedDomain(config.DomainOf(primary)) {
		res.Action = ActionSkipped
		res.Reason = ReasonDomainNotAllowed
		return res
	}

	p, found, err := s.mail.GetPrincipal(ctx, account.Name)
	if err != nil {
		return fail(err)
	}
	if !found {
		if _, err := s.accounts.ProvisionMailAccount(ctx, user.UUID, ""); err != nil {
			if errors.Is(err, provisioning.ErrDomainNotAllowed) {
				res.Action = ActionSkipped
				res.Reason = ReasonDomainNotAllowed
				return res
			}
			return fail(err)
		}
		res.Action = ActionCreated
		return res
	}

	if p.Type != mailclient.PrincipalTypeIndividual {
		return fail(&syncerr.DuplicateError{Entity: "principal", Key: account.Name, Detail: "exists with type " + p.Type})
	}
	claimed, err := s.repos.MailAccount.NameClaimedByOther(account.Name, user.ID)
	if err != nil {
		return fail(err)
	}
	if claimed {
		return fail(&syncerr.DuplicateError{Entity: "principal", Key: account.Name, Detail: "claimed by another local account"})
	}

	healed := false
	if ops := addressOps(account.AddressList(), p.Emails); len(ops) > 0 {
		if err := s.mail.PatchPrincipal(ctx, account.Name, ops); err != nil {
			return fail(err)
		}
		log.Warnf("[Reconcile] Fixed address drift on %s (%d ops)", account.Name, len(ops))
		healed = true
	}

	stale := account.ID == 0 || !account.Verified || account.StalwartID == nil || *account.StalwartID != p.ID
	if stale {
		if err := s.accounts.LinkPrincipal(account, p.ID); err != nil {
			return fail(err)
		}
		healed = true
	}

	res.Action = ActionUnchanged
	if healed {
		res.Action = ActionHealed
	}
	return res
}

// addressOps converges remote onto want. Remote addresses that are not
// wanted are swapped for missing ones pairwise; remaining missing addresses
// are added. Extra remote addresses without a counterpart are left alone.
func addressOps(want []string, remote mailclient.StringList) []mailclient.PatchOp {
	var missing []string
	for _, addr := range want {
		if !remote.Contains(addr) {
			missing = append(missing, addr)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	wanted := mailclient.StringList(want)
	var changes []mailclient.EmailChange
	for _, addr := range remote {
		if len(changes) == len(missing) {
			break
		}
		if !wanted.Contains(addr) {
			changes = append(changes, mailclient.EmailChange{Old: addr, New: missing[len(changes)]})
		}
	}

	ops := mailclient.ReplaceEmailOps(changes)
	return append(ops, mailclient.AddEmailOps(missing[len(changes):]...)...)
}

// ActivatePlans re-runs plan activation for users with an entitling
// subscription.
func (s *Service) ActivatePlans(ctx context.Context, userUUIDs []string) (*Tally, error) {
	tally := &Tally{Results: make([]AccountResult, 0, len(userUUIDs))}
	err := s.each(ctx, userUUIDs, func(ctx context.Context, user *models.User) {
		res := AccountResult{UserUUID: user.UUID, Action: ActionUpdated}
		plan, err := s.plans.EntitlingPlan(ctx, user.ID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			res.Action, res.Reason = ActionSkipped, ReasonNoSubscription
		case err != nil:
			res.Action, res.Reason = ActionErrored, err.Error()
		default:
			if err := s.accounts.ActivateSubscriptionFeatures(ctx, user.UUID, plan.ID); err != nil {
				res.Action, res.Reason = ActionErrored, syncerr.Reason(err)
			}
		}
		tally.add(res)
	}, func(id string) {
		tally.add(AccountResult{UserUUID: id, Action: ActionSkipped, Reason: ReasonUserDoesNotExist})
	})
	return tally, err
}

// SyncIdentity pushes plan attributes to the identity provider.
func (s *Service) SyncIdentity(ctx context.Context, userUUIDs []string) (*Tally, error) {
	tally := &Tally{Results: make([]AccountResult, 0, len(userUUIDs))}
	err := s.each(ctx, userUUIDs, func(ctx context.Context, user *models.User) {
		res := AccountResult{UserUUID: user.UUID, Action: ActionUpdated}
		synced, err := s.accounts.SyncIdentityPlan(ctx, user.UUID)
		switch {
		case err != nil:
			res.Action, res.Reason = ActionErrored, syncerr.Reason(err)
		case !synced:
			res.Action, res.Reason = ActionSkipped, ReasonNoIdentityLink
		}
		tally.add(res)
	}, func(id string) {
		tally.add(AccountResult{UserUUID: id, Action: ActionSkipped, Reason: ReasonUserDoesNotExist})
	})
	return tally, err
}

// UpdatePlanQuota applies a plan's storage to every linked account on it.
func (s *Service) UpdatePlanQuota(ctx context.Context, planID uint) (*Tally, error) {
	if _, err := s.repos.Plan.GetByID(planID); errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlanDoesNotExist
	} else if err != nil {
		return nil, err
	}
	users, err := s.repos.User.ListByPlanID(planID)
	if err != nil {
		return nil, err
	}

	tally := &Tally{Results: make([]AccountResult, 0, len(users))}
	err = s.run(ctx, users, func(ctx context.Context, user *models.User) {
		res := AccountResult{UserUUID: user.UUID, Action: ActionUpdated}
		account, err := s.repos.MailAccount.GetByUserID(user.ID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !account.IsLinked()):
			res.Action, res.Reason = ActionSkipped, ReasonNoMailAccount
		case err != nil:
			res.Action, res.Reason = ActionErrored, err.Error()
		default:
			res.Name = account.Name
			if _, err := s.accounts.ApplyQuota(ctx, user.UUID); err != nil {
				res.Action, res.Reason = ActionErrored, syncerr.Reason(err)
			}
		}
		tally.add(res)
	})
	log.Infof("[Reconcile] Plan %d quota: updated=%d skipped=%d errored=%d", planID, tally.Updated, tally.Skipped, tally.Errored)
	return tally, err
}
