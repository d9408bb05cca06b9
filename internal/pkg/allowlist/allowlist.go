// Package allowlist decides which login emails may hold an account. Decisions
// are cached in Redis under allow_list:<email> and must be dropped explicitly
// whenever the email changes or its account is deleted.
package allowlist

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
)

const (
	keyPrefix  = "allow_list:"
	DefaultTTL = 24 * time.Hour
)

// Key returns the cache key of an email.
func Key(email string) string {
	return keyPrefix + normalize(email)
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type Checker struct {
	client *redis.Client
	cfg    *config.Holder
	ttl    time.Duration
}

func New(client *redis.Client, cfg *config.Holder) *Checker {
	return &Checker{client: client, cfg: cfg, ttl: DefaultTTL}
}

// IsAllowed reports whether email ends with one of the AUTH_ALLOW_LIST
// suffixes. An empty list allows everyone. A cache failure falls back to
// evaluating the list directly.
func (c *Checker) IsAllowed(ctx context.Context, email string) (bool, error) {
	email = normalize(email)
	if email == "" {
		return false, nil
	}
	suffixes := c.cfg.Get().AuthAllowList
	if len(suffixes) == 0 {
		return true, nil
	}

	cached, err := c.client.Get(ctx, Key(email)).Result()
	switch {
	case err == nil:
		return cached == "1", nil
	case !errors.Is(err, redis.Nil):
		log.Warnf("[AllowList] Cache read for %s failed: %v", email, err)
	}

	allowed := matches(email, suffixes)
	value := "0"
	if allowed {
		value = "1"
	}
	if err := c.client.Set(ctx, Key(email), value, c.ttl).Err(); err != nil {
		log.Warnf("[AllowList] Cache write for %s failed: %v", email, err)
	}
	return allowed, nil
}

func matches(email string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if suffix != "" && strings.HasSuffix(email, suffix) {
			return true
		}
	}
	return false
}

// Forget drops the cached decisions of the given emails.
func (c *Checker) Forget(ctx context.Context, emails ...string) error {
	keys := make([]string, 0, len(emails))
	for _, email := range emails {
		if normalize(email) != "" {
			keys = append(keys, Key(email))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return err
	}
	log.Debugf("[AllowList] Cleared %d entries", len(keys))
	return nil
}
