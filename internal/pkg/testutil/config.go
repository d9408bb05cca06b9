package testutil

import (
	"time"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
)

// SigningSecret is the SECRET_KEY used by Config.
const SigningSecret = "test-signing-secret-0123"

// Config returns a valid configuration allowing the given mail domains. The
// first domain is the primary one; with none, example.org is used.
func Config(domains ...string) *config.Config {
	if len(domains) == 0 {
		domains = []string{"example.org"}
	}
	return &config.Config{
		AppEnv:              "test",
		AppHost:             "localhost",
		AppPort:             "4000",
		AllowedEmailDomains: domains,
		PrimaryEmailDomain:  domains[0],
		SignedValueSecret:   SigningSecret,
		AdminAPIKey:         "admin-key",
		Database:            config.DatabaseConfig{Host: "127.0.0.1", Port: "3306", Name: "test"},
		Cache:               config.CacheConfig{Host: "localhost", Port: "6379"},
		Mail: config.MailConfig{
			APIURL:         "http://stalwart.test",
			AuthMethod:     "basic",
			AuthToken:      "token",
			DKIMAlgorithms: []string{"Ed25519", "RSA"},
			Timeout:        time.Second,
		},
		Identity: config.IdentityConfig{Timeout: time.Second},
		Tasks: config.TaskConfig{
			Workers:     1,
			MaxRetries:  2,
			BackoffBase: 10 * time.Millisecond,
			BackoffMax:  40 * time.Millisecond,
		},
		Repair: config.RepairConfig{Concurrency: 2},
	}
}

// ConfigHolder wraps Config in a static holder.
func ConfigHolder(domains ...string) *config.Holder {
	return config.NewStaticHolder(Config(domains...))
}
