// Package statistics counts users, mail accounts and billing state for the
// operator API. Counts are cached in Redis for a few minutes.
package statistics

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MailAccounts/app/models"
)

const (
	CacheKey        = "statistics:accounts"
	CacheExpiration = 5 * time.Minute
)

// Snapshot is one set of counts.
type Snapshot struct {
	Users                  int64     `json:"users"`
	MailAccounts           int64     `json:"mail_accounts"`
	VerifiedAccounts       int64     `json:"verified_accounts"`
	EntitlingSubscriptions int64     `json:"entitling_subscriptions"`
	PendingWebhooks        int64     `json:"pending_webhooks"`
	FailedWebhooks         int64     `json:"failed_webhooks"`
	GeneratedAt            time.Time `json:"generated_at"`
}

type Service struct {
	db     *gorm.DB
	client *redis.Client
}

func NewService(db *gorm.DB, client *redis.Client) *Service {
	return &Service{db: db, client: client}
}

// Get returns the cached snapshot, or counts and caches a fresh one.
func (s *Service) Get(ctx context.Context) (*Snapshot, error) {
	raw, err := s.client.Get(ctx, CacheKey).Bytes()
	if err == nil {
		var snap Snapshot
		if jerr := json.Unmarshal(raw, &snap); jerr == nil {
			return &snap, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		log.Warnf("[Statistics] Cache read failed: %v", err)
	}
	return s.Refresh(ctx)
}

// Refresh counts from the database and replaces the cached snapshot.
func (s *Service) Refresh(ctx context.Context) (*Snapshot, error) {
	db := s.db.WithContext(ctx)
	snap := &Snapshot{GeneratedAt: time.Now().UTC()}

	counts := []struct {
		target *int64
		query  *gorm.DB
	}{
		{&snap.Users, db.Model(&models.User{})},
		{&snap.MailAccounts, db.Model(&models.MailAccount{})},
		{&snap.VerifiedAccounts, db.Model(&models.MailAccount{}).Where("verified = ?", true)},
		{&snap.EntitlingSubscriptions, db.Model(&models.Subscription{}).Where("status IN ?", []string{
			models.SubscriptionStatusActive, models.SubscriptionStatusTrialing, models.SubscriptionStatusPastDue,
		})},
		{&snap.PendingWebhooks, db.Model(&models.BillingWebhookEvent{}).Where("processed_at IS NULL")},
		{&snap.FailedWebhooks, db.Model(&models.BillingWebhookEvent{}).Where("processing_error <> ''")},
	}
	for _, c := range counts {
		if err := c.query.Count(c.target).Error; err != nil {
			return nil, err
		}
	}

	if raw, err := json.Marshal(snap); err == nil {
		if err := s.client.Set(ctx, CacheKey, raw, CacheExpiration).Err(); err != nil {
			log.Warnf("[Statistics] Cache write failed: %v", err)
		}
	}
	return snap, nil
}

// Invalidate drops the cached snapshot.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.client.Del(ctx, CacheKey).Err()
}
