// Package provisioning brings a mail account into existence on the mail
// server. Every step checks the remote state first, so a run can be
// repeated at any time and only does the work that is still missing.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/mailclient"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
)

// MailAPI is the part of the mail server client the machine drives.
type MailAPI interface {
	GetPrincipal(ctx context.Context, name string) (*mailclient.Principal, bool, error)
	CreatePrincipal(ctx context.Context, p mailclient.Principal) (uint64, error)
	PatchPrincipal(ctx context.Context, name string, ops []mailclient.PatchOp) error
	DeletePrincipal(ctx context.Context, name string) error
	CreateDKIM(ctx context.Context, domain string) error
	DeleteDKIM(ctx context.Context, domain string) (int, error)
}

// NameClaims tells whether a principal name belongs to another local user.
type NameClaims interface {
	NameClaimedByOther(name string, userID uint) (bool, error)
}

// State is the furthest step a run reached.
type State int

const (
	NoDomainRecord State = iota
	DomainVerified
	SigningKeyPresent
	PrincipalCreated
	QuotaAssigned
)

func (s State) String() string {
	switch s {
	case NoDomainRecord:
		return "no_domain_record"
	case DomainVerified:
		return "domain_verified"
	case SigningKeyPresent:
		return "signing_key_present"
	case PrincipalCreated:
		return "principal_created"
	case QuotaAssigned:
		return "quota_assigned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	StepDomain     = "domain"
	StepSigningKey = "signing_key"
	StepPrincipal  = "principal"
	StepQuota      = "quota"
)

// ErrDomainNotAllowed rejects addresses outside the configured domains
// before any remote call.
var ErrDomainNotAllowed = errors.New("domain not allowed")

// StepError ends a run. Err keeps its classification for errors.Is/As.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("provisioning step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Request describes the principal a local account should have.
type Request struct {
	UserID            uint
	Name              string
	DisplayName       string
	Address           string
	Aliases           []string
	AppPasswordSecret string
	Quota             int64
}

// Outcome reports what a run found and changed.
type Outcome struct {
	State         State
	PrincipalID   uint64
	Created       bool
	Healed        bool
	DomainCreated bool
	QuotaChanged  bool
}

// Machine runs the provisioning steps against one mail server.
type Machine struct {
	mail   MailAPI
	cfg    *config.Holder
	claims NameClaims
}

// New creates a machine. claims may be nil when no local accounts exist to
// collide with.
func New(mail MailAPI, cfg *config.Holder, claims NameClaims) *Machine {
	return &Machine{mail: mail, cfg: cfg, claims: claims}
}

// Provision walks every step for req. A second run with the same request
// makes no changes.
func (m *Machine) Provision(ctx context.Context, req Request) (*Outcome, error) {
	outcome := &Outcome{State: NoDomainRecord}
	req.Name = strings.TrimSpace(req.Name)
	req.Address = strings.ToLower(strings.TrimSpace(req.Address))

	domain := config.DomainOf(req.Address)
	if !m.cfg.Get().IsAllowedDomain(domain) {
		return outcome, &StepError{Step: StepDomain, Err: fmt.Errorf("%w: %q", ErrDomainNotAllowed, domain)}
	}

	created, err := m.EnsureDomain(ctx, domain)
	outcome.DomainCreated = created
	if err != nil {
		var stepErr *StepError
		if errors.As(err, &stepErr) && stepErr.Step == StepSigningKey {
			outcome.State = DomainVerified
		}
		return outcome, err
	}
	outcome.State = SigningKeyPresent

	res, err := m.EnsurePrincipal(ctx, req)
	if err != nil {
		return outcome, err
	}
	outcome.PrincipalID = res.ID
	outcome.Created = res.Created
	outcome.Healed = res.Healed
	outcome.State = PrincipalCreated

	// A fresh principal already carries the quota from creation.
	if !res.Created && res.Quota != req.Quota {
		if err := m.AssignQuota(ctx, req.Name, req.Quota); err != nil {
			return outcome, err
		}
		outcome.QuotaChanged = true
	}
	outcome.State = QuotaAssigned

	log.Infof("[Provisioning] %s ready (id=%d, created=%t, healed=%t)", req.Name, outcome.PrincipalID, outcome.Created, outcome.Healed)
	return outcome, nil
}

// EnsureDomain creates the domain principal and its signing keys when the
// domain is unknown. An existing domain counts as done; its keys are never
// recreated here, see RecreateSigningKey.
func (m *Machine) EnsureDomain(ctx context.Context, domain string) (bool, error) {
	p, found, err := m.mail.GetPrincipal(ctx, domain)
	if err != nil {
		return false, &StepError{Step: StepDomain, Err: err}
	}
	if found {
		if p.Type != mailclient.PrincipalTypeDomain {
			return false, &StepError{Step: StepDomain, Err: &syncerr.DuplicateError{
				Entity: "principal", Key: domain, Detail: "exists with type " + p.Type,
			}}
		}
		return false, nil
	}

	_, err = m.mail.CreatePrincipal(ctx, mailclient.Principal{
		Type:        mailclient.PrincipalTypeDomain,
		Name:        domain,
		Description: domain,
	})
	var dup *syncerr.DuplicateError
	if errors.As(err, &dup) {
		// Created concurrently; the other run owns the signing keys.
		return false, nil
	}
	if err != nil {
		return false, &StepError{Step: StepDomain, Err: err}
	}
	log.Infof("[Provisioning] Created domain %s", domain)

	if err := m.mail.CreateDKIM(ctx, domain); err != nil {
		return true, &StepError{Step: StepSigningKey, Err: err}
	}
	return true, nil
}

// PrincipalResult is the state of the individual principal after
// EnsurePrincipal.
type PrincipalResult struct {
	ID      uint64
	Quota   int64
	Created bool
	Healed  bool
}

// EnsurePrincipal creates the individual principal or converges an existing
// one onto req.Address.
func (m *Machine) EnsurePrincipal(ctx context.Context, req Request) (*PrincipalResult, error) {
	if m.claims != nil {
		claimed, err := m.claims.NameClaimedByOther(req.Name, req.UserID)
		if err != nil {
			return nil, &StepError{Step: StepPrincipal, Err: err}
		}
		if claimed {
			return nil, &StepError{Step: StepPrincipal, Err: &syncerr.DuplicateError{
				Entity: "principal", Key: req.Name, Detail: "claimed by another local account",
			}}
		}
	}

	p, found, err := m.mail.GetPrincipal(ctx, req.Name)
	if err != nil {
		return nil, &StepError{Step: StepPrincipal, Err: err}
	}
	if found {
		return m.converge(ctx, p, req)
	}

	emails := append([]string{req.Address}, req.Aliases...)
	principal := mailclient.Principal{
		Type:        mailclient.PrincipalTypeIndividual,
		Name:        req.Name,
		Description: req.DisplayName,
		Emails:      emails,
		Roles:       mailclient.StringList{"user"},
		Quota:       req.Quota,
	}
	if req.AppPasswordSecret != "" {
		principal.Secrets = mailclient.StringList{req.AppPasswordSecret}
	}

	id, err := m.mail.CreatePrincipal(ctx, principal)
	var dup *syncerr.DuplicateError
	if errors.As(err, &dup) {
		p, found, getErr := m.mail.GetPrincipal(ctx, req.Name)
		if getErr != nil {
			return nil, &StepError{Step: StepPrincipal, Err: getErr}
		}
		if !found {
			return nil, &StepError{Step: StepPrincipal, Err: err}
		}
		return m.converge(ctx, p, req)
	}
	if err != nil {
		return nil, &StepError{Step: StepPrincipal, Err: err}
	}
	log.Infof("[Provisioning] Created principal %s (id=%d)", req.Name, id)
	return &PrincipalResult{ID: id, Quota: req.Quota, Created: true}, nil
}

// converge adopts an existing principal. A missing address is added, any
// other type than individual is a conflict for an operator.
func (m *Machine) converge(ctx context.Context, p *mailclient.Principal, req Request) (*PrincipalResult, error) {
	if p.Type != mailclient.PrincipalTypeIndividual {
		return nil, &StepError{Step: StepPrincipal, Err: &syncerr.DuplicateError{
			Entity: "principal", Key: req.Name, Detail: "exists with type " + p.Type,
		}}
	}
	res := &PrincipalResult{ID: p.ID, Quota: p.Quota}
	if p.HasEmail(req.Address) {
		return res, nil
	}
	if err := m.mail.PatchPrincipal(ctx, req.Name, mailclient.AddEmailOps(req.Address)); err != nil {
		return nil, &StepError{Step: StepPrincipal, Err: err}
	}
	log.Warnf("[Provisioning] Principal %s was missing %s, added it", req.Name, req.Address)
	res.Healed = true
	return res, nil
}

// AssignQuota sets only the quota of a principal.
func (m *Machine) AssignQuota(ctx context.Context, name string, quota int64) error {
	if err := m.mail.PatchPrincipal(ctx, name, []mailclient.PatchOp{mailclient.QuotaOp(quota)}); err != nil {
		return &StepError{Step: StepQuota, Err: err}
	}
	return nil
}

// RecreateSigningKey deletes every signing key of domain and creates fresh
// ones. It returns the number of keys removed.
func (m *Machine) RecreateSigningKey(ctx context.Context, domain string) (int, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if !m.cfg.Get().IsAllowedDomain(domain) {
		return 0, &StepError{Step: StepSigningKey, Err: fmt.Errorf("%w: %q", ErrDomainNotAllowed, domain)}
	}
	removed, err := m.mail.DeleteDKIM(ctx, domain)
	if err != nil {
		return 0, &StepError{Step: StepSigningKey, Err: err}
	}
	if err := m.mail.CreateDKIM(ctx, domain); err != nil {
		return removed, &StepError{Step: StepSigningKey, Err: err}
	}
	log.Infof("[Provisioning] Recreated signing keys for %s (%d removed)", domain, removed)
	return removed, nil
}
