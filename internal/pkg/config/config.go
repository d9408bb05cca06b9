package config

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/env"
)

type DatabaseConfig struct {
	User     string
	Password string
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	Name     string `validate:"required"`
}

type CacheConfig struct {
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	Password string
}

type MailConfig struct {
	APIURL         string        `validate:"required,url"`
	AuthMethod     string        `validate:"oneof=basic bearer"`
	AuthToken      string        `validate:"required"`
	DKIMAlgorithms []string      `validate:"min=1,dive,oneof=Ed25519 RSA"`
	Timeout        time.Duration `validate:"gt=0"`
}

type IdentityConfig struct {
	TokenURL     string        `validate:"omitempty,url"`
	APIURL       string        `validate:"omitempty,url"`
	ClientID     string        `validate:"required_with=TokenURL"`
	ClientSecret string        `validate:"required_with=TokenURL"`
	Timeout      time.Duration `validate:"gt=0"`
}

type TaskConfig struct {
	Workers     int           `validate:"min=1"`
	MaxRetries  int           `validate:"min=0"`
	BackoffBase time.Duration `validate:"gt=0"`
	BackoffMax  time.Duration `validate:"gtefield=BackoffBase"`
}

type RepairConfig struct {
	Concurrency int           `validate:"min=1"`
	Interval    time.Duration `validate:"min=0"`
}

// Config is the full runtime configuration. Values are immutable once
// loaded; a reload produces a new Config.
type Config struct {
	AppEnv              string   `validate:"oneof=dev staging prod test"`
	AppHost             string   `validate:"required"`
	AppPort             string   `validate:"required,numeric"`
	AllowedHosts        []string `validate:"dive,required"`
	AllowedEmailDomains []string `validate:"min=1,dive,fqdn"`
	PrimaryEmailDomain  string   `validate:"required,fqdn"`
	AuthAllowList       []string
	PaddleWebhookSecret string
	SignedValueSecret   string `validate:"required,min=16"`
	AdminAPIKey         string
	ArchiveWebhooks     bool

	Database DatabaseConfig
	Cache    CacheConfig
	Mail     MailConfig
	Identity IdentityConfig
	Tasks    TaskConfig
	Repair   RepairConfig
}

var validate = validator.New()

// Load builds a Config from the loaded .env values and the process environment.
func Load() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		AppEnv:              env.GetEnv("APP_ENV", "prod"),
		AppHost:             env.GetEnv("APP_HOST", "localhost"),
		AppPort:             env.GetEnv("APP_PORT", "4000"),
		AllowedHosts:        splitList(env.GetEnv("ALLOWED_HOSTS", "")),
		AllowedEmailDomains: lowerAll(splitList(env.GetEnv("ALLOWED_EMAIL_DOMAINS", ""))),
		PrimaryEmailDomain:  strings.ToLower(strings.TrimSpace(env.GetEnv("PRIMARY_EMAIL_DOMAIN", ""))),
		AuthAllowList:       lowerAll(splitList(env.GetEnv("AUTH_ALLOW_LIST", ""))),
		PaddleWebhookSecret: strings.TrimSpace(env.GetEnv("PADDLE_WEBHOOK_SECRET", "")),
		SignedValueSecret:   env.GetEnv("SECRET_KEY", ""),
		AdminAPIKey:         strings.TrimSpace(env.GetEnv("ADMIN_API_KEY", "")),
		ArchiveWebhooks:     p.bool("S3_ARCHIVE_ENABLED", false),
		Database: DatabaseConfig{
			User:     env.GetEnv("DB_USER", ""),
			Password: env.GetEnv("DB_PASSWORD", ""),
			Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
			Port:     env.GetEnv("DB_PORT", "3306"),
			Name:     env.GetEnv("DB_NAME", "mailaccounts"),
		},
		Cache: CacheConfig{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Port:     env.GetEnv("CACHE_PORT", "6379"),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
		},
		Mail: MailConfig{
			APIURL:         strings.TrimRight(env.GetEnv("STALWART_API_URL", ""), "/"),
			AuthMethod:     strings.ToLower(env.GetEnv("STALWART_AUTH_METHOD", "basic")),
			AuthToken:      env.GetEnv("STALWART_API_AUTH_STRING", ""),
			DKIMAlgorithms: splitList(env.GetEnv("STALWART_DKIM_ALGORITHMS", "Ed25519,RSA")),
			Timeout:        p.duration("STALWART_TIMEOUT", 15*time.Second),
		},
		Identity: IdentityConfig{
			TokenURL:     strings.TrimSpace(env.GetEnv("KEYCLOAK_ADMIN_TOKEN_ENDPOINT", "")),
			APIURL:       strings.TrimRight(env.GetEnv("KEYCLOAK_API_ENDPOINT", ""), "/"),
			ClientID:     env.GetEnv("KEYCLOAK_ADMIN_CLIENT_ID", ""),
			ClientSecret: env.GetEnv("KEYCLOAK_ADMIN_CLIENT_SECRET", ""),
			Timeout:      p.duration("KEYCLOAK_TIMEOUT", 15*time.Second),
		},
		Tasks: TaskConfig{
			Workers:     p.int("TASK_WORKERS", 5),
			MaxRetries:  p.int("TASK_MAX_RETRIES", 10),
			BackoffBase: p.duration("TASK_BACKOFF_BASE", 2*time.Second),
			BackoffMax:  p.duration("TASK_BACKOFF_MAX", time.Hour),
		},
		Repair: RepairConfig{
			Concurrency: p.int("REPAIR_CONCURRENCY", 4),
			Interval:    p.duration("REPAIR_INTERVAL", 0),
		},
	}
	if len(p.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(p.errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.IsAllowedDomain(c.PrimaryEmailDomain) {
		return fmt.Errorf("invalid configuration: PRIMARY_EMAIL_DOMAIN %q is not in ALLOWED_EMAIL_DOMAINS", c.PrimaryEmailDomain)
	}
	return nil
}

// IsAllowedDomain reports whether principals may be created for domain.
func (c *Config) IsAllowedDomain(domain string) bool {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" {
		return false
	}
	for _, allowed := range c.AllowedEmailDomains {
		if allowed == d {
			return true
		}
	}
	return false
}

// IsAllowedHost matches exact hosts and ".example.org" style suffixes. An
// empty list allows every host.
func (c *Config) IsAllowedHost(host string) bool {
	if len(c.AllowedHosts) == 0 {
		return true
	}
	h := strings.ToLower(host)
	if i := strings.LastIndex(h, ":"); i > 0 && !strings.Contains(h[i:], "]") {
		h = h[:i]
	}
	for _, allowed := range c.AllowedHosts {
		a := strings.ToLower(allowed)
		if a == "*" || a == h {
			return true
		}
		if strings.HasPrefix(a, ".") && (strings.HasSuffix(h, a) || h == a[1:]) {
			return true
		}
	}
	return false
}

// Holder publishes the current Config. Readers call Get once per operation
// and use that snapshot throughout; a successful Reload is visible to the
// next operation only.
type Holder struct {
	current atomic.Pointer[Config]
	load    func() (*Config, error)
}

func NewHolder(cfg *Config, load func() (*Config, error)) *Holder {
	h := &Holder{load: load}
	h.current.Store(cfg)
	return h
}

// NewStaticHolder wraps a fixed Config; Reload re-validates it.
func NewStaticHolder(cfg *Config) *Holder {
	return NewHolder(cfg, func() (*Config, error) { return cfg, cfg.Validate() })
}

func (h *Holder) Get() *Config {
	return h.current.Load()
}

// Reload rebuilds the Config. On failure the previous Config stays active.
func (h *Holder) Reload() error {
	next, err := h.load()
	if err != nil {
		log.Errorf("[Config] Reload rejected, keeping previous configuration: %v", err)
		return err
	}
	h.current.Store(next)
	log.Infof("[Config] Reloaded (allowed domains: %s)", strings.Join(next.AllowedEmailDomains, ","))
	return nil
}

func (h *Holder) IsAllowedDomain(domain string) bool {
	return h.Get().IsAllowedDomain(domain)
}

// LoadFromEnvFile re-reads .env before building the Config.
func LoadFromEnvFile() (*Config, error) {
	if err := env.LoadEnvFile(); err != nil {
		log.Debugf("[Config] %v, using process environment only", err)
	}
	return Load()
}

// DomainOf returns the lower-cased domain part of an address.
func DomainOf(address string) string {
	i := strings.LastIndex(address, "@")
	if i < 0 || i == len(address)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(address[i+1:]))
}

type parser struct {
	errs []string
}

func (p *parser) int(key string, def int) int {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return v
}

func (p *parser) bool(key string, def bool) bool {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func lowerAll(in []string) []string {
	for i := range in {
		in[i] = strings.ToLower(in[i])
	}
	return in
}
