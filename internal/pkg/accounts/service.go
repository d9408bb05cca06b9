// Package accounts owns the lifecycle of a user's mail account: creating the
// principal, following plan changes and deleting it again. It keeps the
// local MailAccount row in step with what the mail server reports.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MailAccounts/app/models"
	"github.com/ManuelReschke/MailAccounts/app/repository"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/identity"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/provisioning"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
)

// ErrEmailNotAllowed rejects users whose login email is not on the allow list.
var ErrEmailNotAllowed = errors.New("email not in allow list")

// Scheduler enqueues follow-up jobs.
type Scheduler interface {
	Schedule(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// AllowList gates account creation and must be told about removed emails.
type AllowList interface {
	IsAllowed(ctx context.Context, email string) (bool, error)
	Forget(ctx context.Context, emails ...string) error
}

// IdentityAPI receives plan attributes for a user.
type IdentityAPI interface {
	Enabled() bool
	UpdateUserPlanInfo(ctx context.Context, oidcID string, info identity.PlanInfo) error
}

type Service struct {
	repos     *repository.Repositories
	mail      provisioning.MailAPI
	machine   *provisioning.Machine
	cfg       *config.Holder
	scheduler Scheduler
	allowList AllowList
	identity  IdentityAPI
}

// NewService wires the account lifecycle. scheduler, allowList and idp may
// be nil; the matching side effects are then skipped.
func NewService(repos *repository.Repositories, mail provisioning.MailAPI, cfg *config.Holder, scheduler Scheduler, allowList AllowList, idp IdentityAPI) *Service {
	return &Service{
		repos:     repos,
		mail:      mail,
		machine:   provisioning.New(mail, cfg, repos.MailAccount),
		cfg:       cfg,
		scheduler: scheduler,
		allowList: allowList,
		identity:  idp,
	}
}

// Machine exposes the provisioning steps for repair.
func (s *Service) Machine() *provisioning.Machine {
	return s.machine
}

// User loads a user by UUID, mapping a missing row to syncerr.ErrNotFound.
func (s *Service) User(userUUID string) (*models.User, error) {
	user, err := s.repos.User.GetByUUID(userUUID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %s: %w", userUUID, syncerr.ErrNotFound)
	}
	return user, err
}

// Account returns the user's mail account, or a new unsaved one on the
// primary domain.
func (s *Service) Account(user *models.User) (*models.MailAccount, error) {
	account, err := s.repos.MailAccount.GetByUserID(user.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = &models.MailAccount{UserID: user.ID, Name: user.Username, Active: true}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if account.PrimaryAddress() == "" {
		account.Addresses = append(account.Addresses, models.MailAddress{
			Address: user.DefaultAddress(s.cfg.Get().PrimaryEmailDomain),
			Type:    models.MailAddressTypePrimary,
		})
	}
	return account, nil
}

// PlanQuota is the mail storage granted by the user's plan, 0 without one.
func (s *Service) PlanQuota(user *models.User) (int64, error) {
	if !user.HasPlan() {
		return 0, nil
	}
	if user.Plan != nil && user.Plan.ID == *user.PlanID {
		return user.Plan.MailStorageBytes, nil
	}
	plan, err := s.repos.Plan.GetByID(*user.PlanID)
	if err != nil {
		return 0, err
	}
	return plan.MailStorageBytes, nil
}

// save persists account. When a new account loses the insert to a
// concurrent run for the same user, the stored row is updated instead.
func (s *Service) save(account *models.MailAccount) error {
	isNew := account.ID == 0
	err := s.repos.MailAccount.Save(account)
	if isNew && errors.Is(err, gorm.ErrDuplicatedKey) {
		stored, ok := s.storedAccount(account.UserID)
		if !ok {
			return claimConflict(account)
		}
		account.ID, account.UUID, account.CreatedAt = stored.ID, stored.UUID, stored.CreatedAt
		err = s.repos.MailAccount.Save(account)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return claimConflict(account)
	}
	return err
}

// claim stores a new account as the user's claim on its name. If another
// run for the same user stored one first, that row is returned.
func (s *Service) claim(account *models.MailAccount) (*models.MailAccount, error) {
	err := s.repos.MailAccount.Save(account)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		stored, ok := s.storedAccount(account.UserID)
		if !ok {
			return nil, claimConflict(account)
		}
		log.Debugf("[Accounts] Mail account of user %d was claimed concurrently, continuing with it", account.UserID)
		return stored, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// storedAccount reloads the user's account after a unique conflict. No row
// means the conflict came from another user's name or address.
func (s *Service) storedAccount(userID uint) (*models.MailAccount, bool) {
	stored, err := s.repos.MailAccount.GetByUserID(userID)
	if err != nil {
		return nil, false
	}
	return stored, true
}

func claimConflict(account *models.MailAccount) error {
	return &syncerr.DuplicateError{Entity: "mail account", Key: account.Name, Detail: "name or address claimed by another local account"}
}

// ProvisionMailAccount creates or converges the user's principal and links
// the local account to it. appPasswordSecret is the already hashed secret.
func (s *Service) ProvisionMailAccount(ctx context.Context, userUUID, appPasswordSecret string) (*provisioning.Outcome, error) {
	user, err := s.User(userUUID)
	if err != nil {
		return nil, err
	}
	if s.allowList != nil && user.RecoveryEmail != "" {
		allowed, err := s.allowList.IsAllowed(ctx, user.RecoveryEmail)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, fmt.Errorf("%w: %s", ErrEmailNotAllowed, user.RecoveryEmail)
		}
	}

	account, err := s.Account(user)
	if err != nil {
		return nil, err
	}
	quota, err := s.PlanQuota(user)
	if err != nil {
		return nil, fmt.Errorf("resolve quota for %s: %w", userUUID, err)
	}

	// Persist the claim first so a failed run is picked up by repair.
	if account.ID == 0 {
		if account, err = s.claim(account); err != nil {
			return nil, err
		}
	}

	aliases := account.AddressList()[1:]
	outcome, err := s.machine.Provision(ctx, provisioning.Request{
		UserID:            user.ID,
		Name:              account.Name,
		DisplayName:       user.DisplayName,
		Address:           account.PrimaryAddress(),
		Aliases:           aliases,
		AppPasswordSecret: appPasswordSecret,
		Quota:             quota,
	})
	if err != nil {
		log.Errorf("[Accounts] Provisioning %s stopped at %s: %v", account.Name, outcome.State, err)
		return outcome, err
	}

	account.Quota = quota
	if err := s.LinkPrincipal(account, outcome.PrincipalID); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// LinkPrincipal records a confirmed principal on the local account.
func (s *Service) LinkPrincipal(account *models.MailAccount, principalID uint64) error {
	now := time.Now().UTC()
	if principalID != 0 {
		id := principalID
		account.StalwartID = &id
	}
	account.Verified = true
	account.SyncedAt = &now
	return s.save(account)
}

// ActivateSubscriptionFeatures assigns planID to the user and schedules the
// mail and identity follow-ups.
func (s *Service) ActivateSubscriptionFeatures(ctx context.Context, userUUID string, planID uint) error {
	user, err := s.User(userUUID)
	if err != nil {
		return err
	}
	plan, err := s.repos.Plan.GetByID(planID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("plan %d: %w", planID, syncerr.ErrNotFound)
	}
	if err != nil {
		return err
	}

	user.PlanID = &plan.ID
	user.Plan = plan
	user.IsAwaitingPaymentVerification = false
	if err := s.repos.User.Update(user); err != nil {
		return fmt.Errorf("assign plan %d to %s: %w", plan.ID, userUUID, err)
	}
	log.Infof("[Accounts] User %s is now on plan %s", userUUID, plan.Name)

	if s.scheduler == nil {
		return nil
	}
	account, err := s.repos.MailAccount.GetByUserID(user.ID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	mailJob := jobqueue.JobTypeCreateMailAccount
	if account.IsLinked() {
		mailJob = jobqueue.JobTypeUpdateMailQuota
	}
	payload := jobqueue.AccountJobPayload{UserUUID: user.UUID}.ToMap()
	if _, err := s.scheduler.Schedule(ctx, mailJob, payload); err != nil {
		return fmt.Errorf("schedule %s: %w", mailJob, err)
	}
	if _, err := s.scheduler.Schedule(ctx, jobqueue.JobTypeSyncIdentityPlan, payload); err != nil {
		return fmt.Errorf("schedule %s: %w", jobqueue.JobTypeSyncIdentityPlan, err)
	}
	return nil
}

// ApplyQuota pushes the user's plan storage to their principal.
func (s *Service) ApplyQuota(ctx context.Context, userUUID string) (int64, error) {
	user, err := s.User(userUUID)
	if err != nil {
		return 0, err
	}
	account, err := s.repos.MailAccount.GetByUserID(user.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("mail account of %s: %w", userUUID, syncerr.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	quota, err := s.PlanQuota(user)
	if err != nil {
		return 0, err
	}

	if err := s.machine.AssignQuota(ctx, account.Name, quota); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	account.Quota = quota
	account.SyncedAt = &now
	if err := s.save(account); err != nil {
		return quota, err
	}
	log.Infof("[Accounts] Quota of %s set to %d bytes", account.Name, quota)
	return quota, nil
}

// SyncIdentityPlan mirrors the user's plan onto the identity provider.
// Users without an identity link are skipped and reported with false.
func (s *Service) SyncIdentityPlan(ctx context.Context, userUUID string) (bool, error) {
	if s.identity == nil || !s.identity.Enabled() {
		return false, nil
	}
	user, err := s.User(userUUID)
	if err != nil {
		return false, err
	}
	if user.OIDCID == "" {
		return false, nil
	}
	var plan *models.Plan
	if user.HasPlan() {
		plan = user.Plan
		if plan == nil {
			if plan, err = s.repos.Plan.GetByID(*user.PlanID); err != nil {
				return false, err
			}
		}
	}
	if err := s.identity.UpdateUserPlanInfo(ctx, user.OIDCID, identity.PlanInfoFor(plan)); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteAccount removes the principal, the local rows and the cached allow
// list decisions of the user. A principal that is already gone is fine.
func (s *Service) DeleteAccount(ctx context.Context, userUUID string) error {
	user, err := s.User(userUUID)
	if err != nil {
		return err
	}
	account, err := s.repos.MailAccount.GetByUserID(user.ID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	forget := []string{user.RecoveryEmail}
	if account != nil {
		if err := s.mail.DeletePrincipal(ctx, account.Name); err != nil && !syncerr.IsNotFound(err) {
			return fmt.Errorf("delete principal %s: %w", account.Name, err)
		}
		forget = append(forget, account.AddressList()...)
		if err := s.repos.MailAccount.Delete(account.ID); err != nil {
			return err
		}
	}
	if err := s.repos.User.Delete(user.ID); err != nil {
		return err
	}

	if s.allowList != nil {
		if err := s.allowList.Forget(ctx, forget...); err != nil {
			log.Warnf("[Accounts] Clearing allow list for %s failed: %v", userUUID, err)
		}
	}
	log.Infof("[Accounts] Deleted user %s", userUUID)
	return nil
}
