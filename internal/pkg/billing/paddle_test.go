package billing

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
)

func TestParsePaddleWebhook(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"not json", `{`, "invalid webhook body"},
		{"missing data", `{"event_type":"transaction.created","occurred_at":"2024-01-01T00:00:00Z"}`, ReasonWebhookEmpty},
		{"empty data", `{"event_type":"transaction.created","data":{},"occurred_at":"2024-01-01T00:00:00Z"}`, ReasonWebhookEmpty},
		{"missing occurred_at", `{"event_type":"transaction.created","data":{"id":"txn_1"}}`, ReasonMissingOccurredAt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePaddleWebhook([]byte(tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, syncerr.ErrMalformed))
			assert.Equal(t, tt.reason, err.Error())
		})
	}

	wh, err := ParsePaddleWebhook([]byte(`{"event_id":"evt_1","event_type":" product.updated ","data":{"id":"pro_1"},"occurred_at":"2024-01-01T10:00:00.123456Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", wh.EventID)
	assert.Equal(t, EventProductUpdated, wh.EventType)
	assert.Equal(t, "pro_1", wh.PaddleID())
	assert.Equal(t, 123456000, wh.OccurredAt.Nanosecond())
}

func TestShouldDispatch(t *testing.T) {
	tests := []struct {
		eventType string
		status    string
		want      bool
	}{
		{EventTransactionCreated, "draft", false},
		{EventTransactionCreated, "ready", true},
		{EventTransactionUpdated, "draft", true},
		{EventSubscriptionCreated, "draft", true},
	}
	for _, tt := range tests {
		wh := &PaddleWebhook{EventType: tt.eventType, Data: map[string]interface{}{"status": tt.status}}
		assert.Equal(t, tt.want, wh.ShouldDispatch(), "%s/%s", tt.eventType, tt.status)
	}
}

func TestTaskFor(t *testing.T) {
	jobType, isCreate, ok := TaskFor(EventSubscriptionCreated)
	assert.True(t, ok)
	assert.True(t, isCreate)
	assert.Equal(t, jobqueue.JobTypePaddleSubscriptionEvent, jobType)

	jobType, isCreate, ok = TaskFor(EventTransactionUpdated)
	assert.True(t, ok)
	assert.False(t, isCreate)
	assert.Equal(t, jobqueue.JobTypePaddleTransactionEvent, jobType)

	_, _, ok = TaskFor("customer.created")
	assert.False(t, ok)
}

func TestPaddleTransactionValidate(t *testing.T) {
	totals := func(total, tax, currency string) *PaddleTransactionDetails {
		return &PaddleTransactionDetails{Totals: &PaddleTotals{Total: total, Tax: tax, CurrencyCode: currency}}
	}
	tests := []struct {
		name   string
		txn    PaddleTransaction
		reason string
	}{
		{"valid", PaddleTransaction{ID: "txn_1", Details: totals("1050", "150", "EUR")}, ""},
		{"missing id", PaddleTransaction{Details: totals("1050", "150", "EUR")}, ReasonNoPaddleID},
		{"missing details", PaddleTransaction{ID: "txn_1"}, ReasonNoTotals},
		{"missing totals", PaddleTransaction{ID: "txn_1", Details: &PaddleTransactionDetails{}}, ReasonNoTotals},
		{"total not numeric", PaddleTransaction{ID: "txn_1", Details: totals("ten", "150", "EUR")}, ReasonInvalidTotals},
		{"empty tax", PaddleTransaction{ID: "txn_1", Details: totals("1050", "", "EUR")}, ReasonInvalidTotals},
		{"bad currency", PaddleTransaction{ID: "txn_1", Details: totals("1050", "150", "EURO")}, ReasonInvalidTotals},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.txn.Validate()
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.reason, err.Error())
		})
	}
}

func TestVerifyPaddleWebhookSignature(t *testing.T) {
	payload := []byte(`{"event_id":"evt_1"}`)
	secret := "pdl_ntfset_secret"
	now := time.Unix(1700000000, 0)

	header := SignPaddleWebhook(payload, secret, now)
	assert.True(t, VerifyPaddleWebhookSignature(payload, header, secret, 5*time.Minute, now))
	assert.True(t, VerifyPaddleWebhookSignature(payload, header, secret, 0, now.Add(time.Hour)))

	assert.False(t, VerifyPaddleWebhookSignature(payload, header, "other", 0, now), "wrong secret")
	assert.False(t, VerifyPaddleWebhookSignature([]byte(`{}`), header, secret, 0, now), "tampered body")
	assert.False(t, VerifyPaddleWebhookSignature(payload, header, secret, 5*time.Minute, now.Add(time.Hour)), "expired")
	assert.False(t, VerifyPaddleWebhookSignature(payload, "garbage", secret, 0, now))
	assert.False(t, VerifyPaddleWebhookSignature(payload, header, "", 0, now))

	rotated := strings.Replace(header, ";h1=", ";h1=deadbeef;h1=", 1)
	assert.True(t, VerifyPaddleWebhookSignature(payload, rotated, secret, 0, now))
}
