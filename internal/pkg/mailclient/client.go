// Package mailclient is a partial client for the Stalwart management API.
//
// Principals are addressed by their name, never by the numeric id the server
// assigns. The client keeps no state and never retries; callers run it from
// the task executor, which owns the retry policy.
package mailclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
)

const systemName = "stalwart"

// Remote error codes defined by the management API.
const (
	ErrCodeFieldAlreadyExists = "fieldAlreadyExists"
	ErrCodeFieldMissing       = "fieldMissing"
	ErrCodeNotFound           = "notFound"
	ErrCodeUnsupported        = "unsupported"
	ErrCodeAssertFailed       = "assertFailed"
	ErrCodeOther              = "other"
)

type Client struct {
	BaseURL        string
	AuthHeader     string
	DKIMAlgorithms []string

	HTTPClient *http.Client
}

// envelope is the response shape of every management endpoint.
type envelope struct {
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Details string          `json:"details"`
	Reason  string          `json:"reason"`
}

func (e *envelope) notFound() bool {
	return e.Error == ErrCodeNotFound
}

func NewClient(baseURL, authMethod, authToken string, dkimAlgorithms []string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	scheme := "Basic"
	if strings.EqualFold(authMethod, "bearer") {
		scheme = "Bearer"
	}
	return &Client{
		BaseURL:        strings.TrimRight(baseURL, "/") + "/api",
		AuthHeader:     scheme + " " + authToken,
		DKIMAlgorithms: append([]string(nil), dkimAlgorithms...),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func NewClientFromConfig(cfg config.MailConfig) *Client {
	return NewClient(cfg.APIURL, cfg.AuthMethod, cfg.AuthToken, cfg.DKIMAlgorithms, cfg.Timeout)
}

// do sends one request and decodes the envelope. A 404 answer is folded into
// a notFound envelope so callers handle both shapes the same way.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload any) (*envelope, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", c.AuthHeader)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &syncerr.TransientError{System: systemName, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, &syncerr.TransientError{System: systemName, Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &envelope{Error: ErrCodeNotFound}, nil
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

	var env envelope
	if len(bytes.TrimSpace(respBody)) == 0 {
		return &env, nil
	}
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, &syncerr.RemoteError{System: systemName, Op: op, Code: "invalid_response", Details: err.Error()}
	}
	return &env, nil
}

func (c *Client) remoteError(op string, env *envelope) error {
	return &syncerr.RemoteError{
		System:  systemName,
		Op:      op,
		Code:    env.Error,
		Details: env.Details,
		Reason:  env.Reason,
	}
}

// Ping performs the cheapest authenticated call available.
func (c *Client) Ping(ctx context.Context) error {
	q := url.Values{}
	q.Set("page", "1")
	q.Set("limit", "1")
	env, err := c.do(ctx, "ping", http.MethodGet, "/principal", q, nil)
	if err != nil {
		return err
	}
	if env.Error != "" {
		return c.remoteError("ping", env)
	}
	return nil
}

// IsNotFound reports whether err signals a missing principal.
func IsNotFound(err error) bool {
	return syncerr.IsNotFound(err)
}
