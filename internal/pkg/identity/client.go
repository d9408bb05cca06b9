// Package identity talks to the Keycloak admin API. Only the calls needed to
// mirror plan entitlements onto user attributes are implemented.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ManuelReschke/MailAccounts/app/models"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
)

const systemName = "keycloak"

type Client struct {
	APIURL     string
	HTTPClient *http.Client
}

// PlanInfo is the set of plan attributes stored on the identity user.
type PlanInfo struct {
	IsSubscribed     bool
	MailAddressCount *int
	MailDomainCount  *int
	MailStorageBytes *int64
	SendStorageBytes *int64
}

// PlanInfoFor derives the attributes for a user on plan. A nil plan means
// not subscribed.
func PlanInfoFor(plan *models.Plan) PlanInfo {
	if plan == nil {
		return PlanInfo{}
	}
	return PlanInfo{
		IsSubscribed:     true,
		MailAddressCount: &plan.MailAddressCount,
		MailDomainCount:  &plan.MailDomainCount,
		MailStorageBytes: &plan.MailStorageBytes,
		SendStorageBytes: &plan.SendStorageBytes,
	}
}

func (p PlanInfo) attributes() map[string][]string {
	attrs := map[string][]string{
		"is_subscribed": {"no"},
	}
	if p.IsSubscribed {
		attrs["is_subscribed"] = []string{"yes"}
	}
	if p.MailAddressCount != nil {
		attrs["mail_address_count"] = []string{strconv.Itoa(*p.MailAddressCount)}
	}
	if p.MailDomainCount != nil {
		attrs["mail_domain_count"] = []string{strconv.Itoa(*p.MailDomainCount)}
	}
	if p.MailStorageBytes != nil {
		attrs["mail_storage_bytes"] = []string{strconv.FormatInt(*p.MailStorageBytes, 10)}
	}
	if p.SendStorageBytes != nil {
		attrs["send_storage_bytes"] = []string{strconv.FormatInt(*p.SendStorageBytes, 10)}
	}
	return attrs
}

// NewClient builds a client that authenticates with the client-credentials
// grant. Tokens are cached and refreshed by the oauth2 transport.
func NewClient(cfg config.IdentityConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	base := &http.Client{Timeout: timeout}

	httpClient := base
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = cc.Client(ctx)
		httpClient.Timeout = timeout
	}

	return &Client{
		APIURL:     strings.TrimRight(cfg.APIURL, "/"),
		HTTPClient: httpClient,
	}
}

// Enabled reports whether an API endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.APIURL != ""
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.APIURL+"/"+strings.TrimLeft(path, "/"), body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if rerr := tokenRejection(op, err); rerr != nil {
			return nil, rerr
		}
		return nil, &syncerr.TransientError{System: systemName, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &syncerr.TransientError{System: systemName, Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", op, syncerr.ErrNotFound)
	case syncerr.IsRetryableStatus(resp.StatusCode):
		return nil, &syncerr.TransientError{System: systemName, Op: op, StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &syncerr.RemoteError{
			System:  systemName,
			Op:      op,
			Code:    fmt.Sprintf("http_%d", resp.StatusCode),
			Details: strings.TrimSpace(string(respBody)),
		}
	}
	return respBody, nil
}

// tokenRejection maps a non-retryable answer from the token endpoint, such as
// invalid client credentials, to a RemoteError. It returns nil for anything
// else.
func tokenRejection(op string, err error) error {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) || rerr.Response == nil {
		return nil
	}
	status := rerr.Response.StatusCode
	if syncerr.IsRetryableStatus(status) {
		return nil
	}
	code := rerr.ErrorCode
	if code == "" {
		code = fmt.Sprintf("http_%d", status)
	}
	details := rerr.ErrorDescription
	if details == "" {
		details = strings.TrimSpace(string(rerr.Body))
	}
	return &syncerr.RemoteError{
		System:  systemName,
		Op:      op + " (token)",
		Code:    code,
		Details: details,
	}
}

// GetUser returns the raw user representation.
func (c *Client) GetUser(ctx context.Context, oidcID string) (map[string]any, error) {
	body, err := c.do(ctx, "get user", http.MethodGet, "users/"+url.PathEscape(oidcID), nil)
	if err != nil {
		return nil, err
	}
	var user map[string]any
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, &syncerr.RemoteError{System: systemName, Op: "get user", Code: "invalid_response", Details: err.Error()}
	}
	return user, nil
}

// UpdateUserPlanInfo merges plan attributes into the user's existing
// attributes. Keycloak replaces the whole representation on PUT, so the user
// is read first.
func (c *Client) UpdateUserPlanInfo(ctx context.Context, oidcID string, info PlanInfo) error {
	user, err := c.GetUser(ctx, oidcID)
	if err != nil {
		return err
	}

	attrs := map[string]any{}
	if existing, ok := user["attributes"].(map[string]any); ok {
		for k, v := range existing {
			attrs[k] = v
		}
	}
	for k, v := range info.attributes() {
		attrs[k] = v
	}
	user["attributes"] = attrs

	if _, err := c.do(ctx, "update user", http.MethodPut, "users/"+url.PathEscape(oidcID), user); err != nil {
		return err
	}
	log.Debugf("[Identity] Updated plan attributes for %s (subscribed=%t)", oidcID, info.IsSubscribed)
	return nil
}

// DeleteUser removes the identity user. A missing user is not an error.
func (c *Client) DeleteUser(ctx context.Context, oidcID string) error {
	_, err := c.do(ctx, "delete user", http.MethodDelete, "users/"+url.PathEscape(oidcID), nil)
	if err != nil && !syncerr.IsNotFound(err) {
		return err
	}
	return nil
}

// Ping performs a cheap authenticated read.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, "ping", http.MethodGet, "users/count", nil)
	return err
}
