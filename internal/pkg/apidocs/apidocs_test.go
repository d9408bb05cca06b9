package apidocs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	doc, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "MailAccounts API", doc.Info.Title)
	assert.Contains(t, doc.Components.Schemas, SchemaPaddleWebhook)
}

func TestValidateBody(t *testing.T) {
	tests := []struct {
		name    string
		schema  string
		body    string
		wantErr bool
	}{
		{
			name:   "valid envelope",
			schema: SchemaPaddleWebhook,
			body:   `{"event_id":"evt_1","event_type":"transaction.updated","occurred_at":"2024-01-05T10:00:00Z","data":{"id":"txn_1"}}`,
		},
		{
			name:    "missing event type",
			schema:  SchemaPaddleWebhook,
			body:    `{"event_id":"evt_1","occurred_at":"2024-01-05T10:00:00Z","data":{"id":"txn_1"}}`,
			wantErr: true,
		},
		{
			name:    "data is not an object",
			schema:  SchemaPaddleWebhook,
			body:    `{"event_type":"product.created","occurred_at":"2024-01-05T10:00:00Z","data":["pro_1"]}`,
			wantErr: true,
		},
		{
			name:    "not json",
			schema:  SchemaPaddleWebhook,
			body:    `event_type=product.created`,
			wantErr: true,
		},
		{
			name:    "unknown schema",
			schema:  "Nope",
			body:    `{}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBody(tt.schema, []byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
