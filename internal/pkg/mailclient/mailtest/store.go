// Package mailtest provides an in-memory mail store that behaves like the
// principal and DKIM endpoints of the real server. Tests use it in place of
// *mailclient.Client.
package mailtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/mailclient"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
)

// Store is safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	nextID     uint64
	principals map[string]*mailclient.Principal
	dkim       map[string]int
	calls      map[string]int
	failures   map[string][]error
	algorithms int
}

// New returns an empty store. CreateDKIM stores two keys per domain, like a
// server configured for Ed25519 and RSA.
func New() *Store {
	return &Store{
		nextID:     100,
		principals: make(map[string]*mailclient.Principal),
		dkim:       make(map[string]int),
		calls:      make(map[string]int),
		failures:   make(map[string][]error),
		algorithms: 2,
	}
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Seed stores p as if it had been created earlier and returns its id.
func (s *Store) Seed(p mailclient.Principal) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	if p.ID == 0 {
		p.ID = s.nextID
	}
	stored := clone(&p)
	s.principals[key(p.Name)] = &stored
	return p.ID
}

// Principal returns a copy of the named principal.
func (s *Store) Principal(name string) (mailclient.Principal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[key(name)]
	if !ok {
		return mailclient.Principal{}, false
	}
	return clone(p), true
}

// Calls returns how often op was invoked ("get", "create", "patch",
// "delete", "create_dkim", "delete_dkim").
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls sums all operations.
func (s *Store) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// DKIMKeys returns the number of signing keys stored for domain.
func (s *Store) DKIMKeys(domain string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dkim[key(domain)]
}

// FailNext makes the next call of op return err instead of doing anything.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// enter counts the call and pops a queued failure. Callers hold s.mu.
func (s *Store) enter(op string) error {
	s.calls[op]++
	queued := s.failures[op]
	if len(queued) == 0 {
		return nil
	}
	s.failures[op] = queued[1:]
	return queued[0]
}

func (s *Store) GetPrincipal(ctx context.Context, name string) (*mailclient.Principal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("get"); err != nil {
		return nil, false, err
	}
	p, ok := s.principals[key(name)]
	if !ok {
		return nil, false, nil
	}
	c := clone(p)
	return &c, true, nil
}

func (s *Store) CreatePrincipal(ctx context.Context, p mailclient.Principal) (uint64, error) {
	if strings.TrimSpace(p.Type) == "" || strings.TrimSpace(p.Name) == "" {
		return 0, &syncerr.SchemaViolationError{Field: "type,name", Reason: "principal must contain type and name"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("create"); err != nil {
		return 0, err
	}
	if _, exists := s.principals[key(p.Name)]; exists {
		return 0, &syncerr.DuplicateError{Entity: "principal", Key: p.Name, Detail: "name"}
	}
	s.nextID++
	p.ID = s.nextID
	stored := clone(&p)
	s.principals[key(p.Name)] = &stored
	return p.ID, nil
}

func (s *Store) PatchPrincipal(ctx context.Context, name string, ops []mailclient.PatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	if err := mailclient.ValidatePatch(ops); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("patch"); err != nil {
		return err
	}
	p, ok := s.principals[key(name)]
	if !ok {
		return fmt.Errorf("patch principal %q: %w", name, syncerr.ErrNotFound)
	}
	for _, op := range ops {
		if err := apply(p, op); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeletePrincipal(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("delete"); err != nil {
		return err
	}
	if _, ok := s.principals[key(name)]; !ok {
		return fmt.Errorf("delete principal %q: %w", name, syncerr.ErrNotFound)
	}
	delete(s.principals, key(name))
	return nil
}

func (s *Store) CreateDKIM(ctx context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("create_dkim"); err != nil {
		return err
	}
	if s.dkim[key(domain)] > 0 {
		return &syncerr.RemoteError{System: "stalwart", Op: "create dkim", Code: "fieldAlreadyExists", Details: domain}
	}
	s.dkim[key(domain)] = s.algorithms
	return nil
}

func (s *Store) DeleteDKIM(ctx context.Context, domain string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("delete_dkim"); err != nil {
		return 0, err
	}
	n := s.dkim[key(domain)]
	delete(s.dkim, key(domain))
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enter("ping")
}

func apply(p *mailclient.Principal, op mailclient.PatchOp) error {
	if op.Action == mailclient.PatchSet {
		switch op.Field {
		case "quota":
			switch v := op.Value.(type) {
			case int64:
				p.Quota = v
			case int:
				p.Quota = int64(v)
			case float64:
				p.Quota = int64(v)
			default:
				return &syncerr.SchemaViolationError{Field: "quota", Reason: "quota must be a number"}
			}
		case "description":
			p.Description = fmt.Sprint(op.Value)
		case "name":
			p.Name = fmt.Sprint(op.Value)
		case "type":
			p.Type = fmt.Sprint(op.Value)
		}
		return nil
	}

	list := listField(p, op.Field)
	value := fmt.Sprint(op.Value)
	switch op.Action {
	case mailclient.PatchAddItem:
		if !list.Contains(value) {
			*list = append(*list, value)
		}
	case mailclient.PatchRemoveItem:
		kept := (*list)[:0]
		for _, item := range *list {
			if !strings.EqualFold(item, value) {
				kept = append(kept, item)
			}
		}
		*list = kept
	}
	return nil
}

func listField(p *mailclient.Principal, field string) *mailclient.StringList {
	switch field {
	case "secrets":
		return &p.Secrets
	case "emails":
		return &p.Emails
	case "urls":
		return &p.URLs
	case "memberOf":
		return &p.MemberOf
	case "roles":
		return &p.Roles
	case "lists":
		return &p.Lists
	case "members":
		return &p.Members
	case "enabledPermissions":
		return &p.EnabledPermissions
	case "disabledPermissions":
		return &p.DisabledPermissions
	default:
		return &p.ExternalMembers
	}
}

func clone(p *mailclient.Principal) mailclient.Principal {
	c := *p
	c.Secrets = append(mailclient.StringList(nil), p.Secrets...)
	c.Emails = append(mailclient.StringList(nil), p.Emails...)
	c.Roles = append(mailclient.StringList(nil), p.Roles...)
	c.MemberOf = append(mailclient.StringList(nil), p.MemberOf...)
	c.Lists = append(mailclient.StringList(nil), p.Lists...)
	return c
}
