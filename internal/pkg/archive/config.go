package archive

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/env"
)

// Config holds the S3 settings of the webhook archive
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
	Enabled         bool
}

// LoadConfig loads the archive configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ARCHIVE_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_ARCHIVE_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_ARCHIVE_REGION", "eu-central-1"),
		BucketName:      env.GetEnv("S3_ARCHIVE_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ARCHIVE_ENDPOINT_URL", ""),
		Prefix:          strings.Trim(env.GetEnv("S3_ARCHIVE_PREFIX", "webhooks"), "/"),
		Enabled:         env.GetEnv("S3_ARCHIVE_ENABLED", "false") == "true",
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ARCHIVE_ACCESS_KEY_ID is required when the webhook archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_ARCHIVE_SECRET_ACCESS_KEY is required when the webhook archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_ARCHIVE_BUCKET_NAME is required when the webhook archive is enabled")
		}
	}

	return config, nil
}

func (c *Config) IsEnabled() bool {
	return c != nil && c.Enabled
}

// ObjectKey builds the key of an archived webhook:
// <prefix>/<provider>/YYYY/MM/DD/<event id>.json
func (c *Config) ObjectKey(provider, eventID string, receivedAt time.Time) string {
	t := receivedAt.UTC()
	safeID := strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(eventID)
	key := fmt.Sprintf("%s/%04d/%02d/%02d/%s.json", provider, t.Year(), int(t.Month()), t.Day(), safeID)
	if c.Prefix == "" {
		return key
	}
	return c.Prefix + "/" + key
}
