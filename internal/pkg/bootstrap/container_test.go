package bootstrap

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/router"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/testutil"
)

func newMailStub(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"data":{"items":[],"total":0}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newApp(t *testing.T, mailStatus int) (*fiber.App, *Container) {
	t.Helper()
	cfg := testutil.Config()
	cfg.Mail.APIURL = newMailStub(t, mailStatus).URL
	client, _ := testutil.NewRedis(t)

	c := Build(config.NewStaticHolder(cfg), testutil.NewDB(t), client, nil)
	app := fiber.New()
	router.InstallRouter(app, c.RouterHandlers(nil))
	return app, c
}

func TestBuild_Health(t *testing.T) {
	tests := []struct {
		name       string
		mailStatus int
		status     int
		mailUp     bool
	}{
		{"all reachable", http.StatusOK, fiber.StatusOK, true},
		{"mail server failing", http.StatusInternalServerError, fiber.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _ := newApp(t, tt.mailStatus)

			resp, err := app.Test(httptest.NewRequest("GET", "/api/health", nil))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)

			var body map[string]bool
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.mailUp, body["mail"])
			assert.True(t, body["identity"], "disabled identity provider counts as up")
			assert.True(t, body["cache"])
			assert.True(t, body["database"])
		})
	}
}

func TestBuild_Routes(t *testing.T) {
	app, c := newApp(t, http.StatusOK)

	req := httptest.NewRequest("POST", "/api/v1/admin/plans/42/quota", nil)
	req.Header.Set("X-API-Key", "admin-key")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	body := `{"event_id":"evt_1","event_type":"address.created","occurred_at":"2026-01-02T10:00:00Z","data":{"id":"add_1"}}`
	req = httptest.NewRequest("POST", "/api/webhooks/paddle", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	size, err := c.Queue.GetQueueSize(t.Context())
	require.NoError(t, err)
	assert.Zero(t, size)
}
