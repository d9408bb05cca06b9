package mailclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
)

const (
	PrincipalTypeIndividual = "individual"
	PrincipalTypeGroup      = "group"
	PrincipalTypeDomain     = "domain"
	PrincipalTypeAPIKey     = "apiKey"
)

// StringList decodes both a JSON array and a bare string, which the server
// sends for single-element lists. A nil list encodes as [].
type StringList []string

func (l StringList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}

func (l *StringList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null":
		*l = nil
		return nil
	case strings.HasPrefix(trimmed, "\""):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*l = items
	return nil
}

// Contains reports whether v is in the list, ignoring case.
func (l StringList) Contains(v string) bool {
	for _, item := range l {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// Principal is the server's generic entity: individual accounts, groups,
// domains and api keys.
type Principal struct {
	ID                  uint64     `json:"id,omitempty"`
	Type                string     `json:"type"`
	Name                string     `json:"name"`
	Description         string     `json:"description"`
	Quota               int64      `json:"quota"`
	Secrets             StringList `json:"secrets"`
	Emails              StringList `json:"emails"`
	URLs                StringList `json:"urls"`
	MemberOf            StringList `json:"memberOf"`
	Roles               StringList `json:"roles"`
	Lists               StringList `json:"lists"`
	Members             StringList `json:"members"`
	EnabledPermissions  StringList `json:"enabledPermissions"`
	DisabledPermissions StringList `json:"disabledPermissions"`
	ExternalMembers     StringList `json:"externalMembers"`
}

// HasEmail reports whether the principal routes address.
func (p *Principal) HasEmail(address string) bool {
	return p != nil && p.Emails.Contains(address)
}

func principalPath(name string) string {
	return "/principal/" + url.PathEscape(name)
}

// GetPrincipal fetches a principal by name. A missing principal is reported
// through found=false, not as an error.
func (c *Client) GetPrincipal(ctx context.Context, name string) (*Principal, bool, error) {
	env, err := c.do(ctx, "get principal", http.MethodGet, principalPath(name), nil, nil)
	if err != nil {
		return nil, false, err
	}
	if env.notFound() {
		return nil, false, nil
	}
	if env.Error != "" {
		return nil, false, c.remoteError("get principal", env)
	}

	var p Principal
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, false, &syncerr.RemoteError{System: systemName, Op: "get principal", Code: "invalid_response", Details: err.Error()}
	}
	return &p, true, nil
}

// CreatePrincipal deploys a new principal and returns its server id. List
// fields left nil are sent as empty lists.
func (c *Client) CreatePrincipal(ctx context.Context, p Principal) (uint64, error) {
	if strings.TrimSpace(p.Type) == "" || strings.TrimSpace(p.Name) == "" {
		return 0, &syncerr.SchemaViolationError{Field: "type,name", Reason: "principal must contain type and name"}
	}
	p.ID = 0

	env, err := c.do(ctx, "create principal", http.MethodPost, "/principal/deploy", nil, p)
	if err != nil {
		return 0, err
	}
	switch env.Error {
	case "":
	case ErrCodeFieldAlreadyExists:
		return 0, &syncerr.DuplicateError{Entity: "principal", Key: p.Name, Detail: strings.TrimSpace(env.Details + " " + env.Reason)}
	default:
		return 0, c.remoteError("create principal", env)
	}

	var id uint64
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &id); err != nil {
			return 0, &syncerr.RemoteError{System: systemName, Op: "create principal", Code: "invalid_response", Details: err.Error()}
		}
	}
	return id, nil
}

// DeletePrincipal removes a principal. A missing principal yields an error
// matching syncerr.ErrNotFound.
func (c *Client) DeletePrincipal(ctx context.Context, name string) error {
	env, err := c.do(ctx, "delete principal", http.MethodDelete, principalPath(name), nil, nil)
	if err != nil {
		return err
	}
	if env.notFound() {
		return fmt.Errorf("delete principal %q: %w", name, syncerr.ErrNotFound)
	}
	if env.Error != "" {
		return c.remoteError("delete principal", env)
	}
	return nil
}

// CreateIndividual deploys a user account principal with the "user" role.
func (c *Client) CreateIndividual(ctx context.Context, name, fullName string, emails []string, appPassword string, quota int64) (uint64, error) {
	p := Principal{
		Type:        PrincipalTypeIndividual,
		Name:        name,
		Description: fullName,
		Emails:      emails,
		Roles:       StringList{"user"},
		Quota:       quota,
	}
	if appPassword != "" {
		p.Secrets = StringList{appPassword}
	}
	return c.CreatePrincipal(ctx, p)
}

// CreateDomain deploys a domain principal.
func (c *Client) CreateDomain(ctx context.Context, domain, description string) (uint64, error) {
	return c.CreatePrincipal(ctx, Principal{
		Type:        PrincipalTypeDomain,
		Name:        domain,
		Description: description,
	})
}
