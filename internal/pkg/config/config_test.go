package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/env"
)

func baseEnv() map[string]string {
	return map[string]string{
		"APP_ENV":                  "test",
		"ALLOWED_EMAIL_DOMAINS":    "Example.org, tb.pro",
		"PRIMARY_EMAIL_DOMAIN":     "example.org",
		"SECRET_KEY":               "0123456789abcdef0123",
		"STALWART_API_URL":         "http://stalwart.local/",
		"STALWART_API_AUTH_STRING": "token",
		"ALLOWED_HOSTS":            "accounts.example.org,.internal",
	}
}

func TestLoad(t *testing.T) {
	env.SetEnvForTesting(baseEnv())
	defer env.SetEnvForTesting(nil)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"example.org", "tb.pro"}, cfg.AllowedEmailDomains)
	assert.Equal(t, "http://stalwart.local", cfg.Mail.APIURL)
	assert.Equal(t, []string{"Ed25519", "RSA"}, cfg.Mail.DKIMAlgorithms)
	assert.Equal(t, 10, cfg.Tasks.MaxRetries)
	assert.Equal(t, time.Hour, cfg.Tasks.BackoffMax)
	assert.Equal(t, 4, cfg.Repair.Concurrency)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name     string
		override map[string]string
	}{
		{"no allowed domains", map[string]string{"ALLOWED_EMAIL_DOMAINS": ""}},
		{"primary not allowed", map[string]string{"PRIMARY_EMAIL_DOMAIN": "other.org"}},
		{"bad duration", map[string]string{"TASK_BACKOFF_BASE": "soon"}},
		{"bad auth method", map[string]string{"STALWART_AUTH_METHOD": "digest"}},
		{"short secret", map[string]string{"SECRET_KEY": "short"}},
		{"max below base", map[string]string{"TASK_BACKOFF_BASE": "2h", "TASK_BACKOFF_MAX": "1h"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := baseEnv()
			for k, v := range tt.override {
				values[k] = v
			}
			env.SetEnvForTesting(values)
			defer env.SetEnvForTesting(nil)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestIsAllowedDomain(t *testing.T) {
	cfg := &Config{AllowedEmailDomains: []string{"example.org"}}
	assert.True(t, cfg.IsAllowedDomain("example.org"))
	assert.True(t, cfg.IsAllowedDomain("EXAMPLE.org"))
	assert.False(t, cfg.IsAllowedDomain("evil.org"))
	assert.False(t, cfg.IsAllowedDomain(""))
}

func TestIsAllowedHost(t *testing.T) {
	cfg := &Config{AllowedHosts: []string{"accounts.example.org", ".internal"}}
	assert.True(t, cfg.IsAllowedHost("accounts.example.org"))
	assert.True(t, cfg.IsAllowedHost("accounts.example.org:4000"))
	assert.True(t, cfg.IsAllowedHost("api.internal"))
	assert.True(t, cfg.IsAllowedHost("internal"))
	assert.False(t, cfg.IsAllowedHost("example.org"))

	open := &Config{}
	assert.True(t, open.IsAllowedHost("anything"))
}

func TestHolderReload(t *testing.T) {
	env.SetEnvForTesting(baseEnv())
	defer env.SetEnvForTesting(nil)

	cfg, err := Load()
	require.NoError(t, err)
	holder := NewHolder(cfg, Load)
	assert.True(t, holder.IsAllowedDomain("tb.pro"))

	// a valid change is picked up
	values := baseEnv()
	values["ALLOWED_EMAIL_DOMAINS"] = "example.org"
	env.SetEnvForTesting(values)
	require.NoError(t, holder.Reload())
	assert.False(t, holder.IsAllowedDomain("tb.pro"))

	// an invalid change keeps the previous snapshot
	values["ALLOWED_EMAIL_DOMAINS"] = ""
	env.SetEnvForTesting(values)
	assert.Error(t, holder.Reload())
	assert.True(t, holder.IsAllowedDomain("example.org"))
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.org", DomainOf("alice@Example.org"))
	assert.Equal(t, "", DomainOf("alice"))
	assert.Equal(t, "", DomainOf("alice@"))
}
