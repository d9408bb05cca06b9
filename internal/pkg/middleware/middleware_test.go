package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/testutil"
)

func newApp(handler fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Get("/", handler, func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestAdminAPIKey(t *testing.T) {
	app := newApp(AdminAPIKey(testutil.ConfigHolder()))

	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"missing", "", "", fiber.StatusUnauthorized},
		{"wrong key", "X-API-Key", "nope", fiber.StatusUnauthorized},
		{"header key", "X-API-Key", "admin-key", fiber.StatusOK},
		{"bearer", "Authorization", "Bearer admin-key", fiber.StatusOK},
		{"lowercase bearer", "Authorization", "bearer admin-key", fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestAdminAPIKey_Disabled(t *testing.T) {
	cfg := testutil.Config()
	cfg.AdminAPIKey = ""
	app := newApp(AdminAPIKey(config.NewStaticHolder(cfg)))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-API-Key", "anything")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestAllowedHosts(t *testing.T) {
	cfg := testutil.Config()
	cfg.AllowedHosts = []string{"api.example.org", ".internal.example.org"}
	app := newApp(AllowedHosts(config.NewStaticHolder(cfg)))

	tests := []struct {
		host   string
		status int
	}{
		{"api.example.org", fiber.StatusOK},
		{"api.example.org:4000", fiber.StatusOK},
		{"worker.internal.example.org", fiber.StatusOK},
		{"evil.test", fiber.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.Host = tt.host
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}
