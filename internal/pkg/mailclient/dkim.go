package mailclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
)

type dkimRequest struct {
	ID        *string `json:"id"`
	Algorithm string  `json:"algorithm"`
	Domain    string  `json:"domain"`
	Selector  *string `json:"selector"`
}

type settingsClear struct {
	Type   string `json:"type"`
	Prefix string `json:"prefix"`
}

// CreateDKIM creates one signing key per configured algorithm. The server has
// no upsert for keys, so callers must only call this for a fresh domain or
// after DeleteDKIM.
func (c *Client) CreateDKIM(ctx context.Context, domain string) error {
	for _, algo := range c.DKIMAlgorithms {
		env, err := c.do(ctx, "create dkim", http.MethodPost, "/dkim", nil, dkimRequest{Algorithm: algo, Domain: domain})
		if err != nil {
			return err
		}
		if env.Error != "" {
			return c.remoteError("create dkim", env)
		}
		log.Infof("[MailClient] Created %s DKIM key for %s", algo, domain)
	}
	return nil
}

// DeleteDKIM removes every signing key of a domain and returns how many were
// cleared.
func (c *Client) DeleteDKIM(ctx context.Context, domain string) (int, error) {
	q := url.Values{}
	q.Set("suffix", "algorithm")
	q.Set("prefix", "signature")
	q.Set("filter", domain)
	q.Set("limit", "50")
	q.Set("page", "1")

	env, err := c.do(ctx, "list dkim", http.MethodGet, "/settings/group", q, nil)
	if err != nil {
		return 0, err
	}
	if env.Error != "" {
		return 0, c.remoteError("list dkim", env)
	}

	var page struct {
		Total int `json:"total"`
		Items []struct {
			ID string `json:"_id"`
		} `json:"items"`
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &page); err != nil {
			return 0, &syncerr.RemoteError{System: systemName, Op: "list dkim", Code: "invalid_response", Details: err.Error()}
		}
	}
	if page.Total == 0 {
		return 0, nil
	}

	seen := make(map[string]struct{}, len(page.Items))
	clears := make([]settingsClear, 0, len(page.Items))
	for _, item := range page.Items {
		if item.ID == "" {
			continue
		}
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		clears = append(clears, settingsClear{Type: "clear", Prefix: fmt.Sprintf("signature.%s.", item.ID)})
	}
	if len(clears) == 0 {
		return 0, nil
	}

	env, err = c.do(ctx, "delete dkim", http.MethodPost, "/settings", nil, clears)
	if err != nil {
		return 0, err
	}
	if env.Error != "" {
		return 0, c.remoteError("delete dkim", env)
	}
	return len(clears), nil
}
