package billing

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
)

// Paddle event types handled by the service.
const (
	EventTransactionCreated  = "transaction.created"
	EventTransactionUpdated  = "transaction.updated"
	EventSubscriptionCreated = "subscription.created"
	EventSubscriptionUpdated = "subscription.updated"
	EventProductCreated      = "product.created"
	EventProductUpdated      = "product.updated"
)

const (
	ReasonWebhookEmpty      = "webhook is empty"
	ReasonMissingOccurredAt = "webhook is missing occurred at"
	ReasonNoPaddleID        = "no paddle id provided"
	ReasonNoTotals          = "no details or totals object"
	ReasonInvalidTotals     = "invalid total, tax, or currency strings"
	ReasonNoSignedUserID    = "no signed user id provided"
	ReasonInvalidSignedUser = "invalid signed user id"
	ReasonUserDoesNotExist  = "user does not exist"
)

type eventRoute struct {
	jobType  jobqueue.JobType
	isCreate bool
}

var eventRoutes = map[string]eventRoute{
	EventTransactionCreated:  {jobqueue.JobTypePaddleTransactionEvent, true},
	EventTransactionUpdated:  {jobqueue.JobTypePaddleTransactionEvent, false},
	EventSubscriptionCreated: {jobqueue.JobTypePaddleSubscriptionEvent, true},
	EventSubscriptionUpdated: {jobqueue.JobTypePaddleSubscriptionEvent, false},
	EventProductCreated:      {jobqueue.JobTypePaddleProductEvent, true},
	EventProductUpdated:      {jobqueue.JobTypePaddleProductEvent, false},
}

// TaskFor maps a Paddle event type to the job that applies it.
func TaskFor(eventType string) (jobqueue.JobType, bool, bool) {
	route, ok := eventRoutes[eventType]
	return route.jobType, route.isCreate, ok
}

// PaddleWebhook is the notification envelope Paddle posts.
type PaddleWebhook struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	OccurredAt *time.Time             `json:"occurred_at"`
	Data       map[string]interface{} `json:"data"`
}

// ParsePaddleWebhook decodes the envelope and rejects notifications that
// cannot be applied at all.
func ParsePaddleWebhook(body []byte) (*PaddleWebhook, error) {
	var wh PaddleWebhook
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&wh); err != nil {
		return nil, syncerr.Malformed("invalid webhook body")
	}
	if len(wh.Data) == 0 {
		return nil, syncerr.Malformed(ReasonWebhookEmpty)
	}
	if wh.OccurredAt == nil || wh.OccurredAt.IsZero() {
		return nil, syncerr.Malformed(ReasonMissingOccurredAt)
	}
	wh.EventType = strings.TrimSpace(wh.EventType)
	return &wh, nil
}

// ShouldDispatch filters notifications that carry no durable state. Only
// newly created draft transactions are dropped; an update to a draft is
// still applied.
func (w *PaddleWebhook) ShouldDispatch() bool {
	if w.EventType != EventTransactionCreated {
		return true
	}
	status, _ := w.Data["status"].(string)
	return status != "draft"
}

// PaddleID returns data.id, or "" when absent.
func (w *PaddleWebhook) PaddleID() string {
	id, _ := w.Data["id"].(string)
	return id
}

type PaddleTotals struct {
	Total        string `json:"total" validate:"required,numeric"`
	Tax          string `json:"tax" validate:"required,numeric"`
	CurrencyCode string `json:"currency_code" validate:"required,len=3,alpha"`
}

type PaddleTransactionDetails struct {
	Totals *PaddleTotals `json:"totals"`
}

type PaddleTransaction struct {
	ID             string                    `json:"id"`
	Status         string                    `json:"status"`
	SubscriptionID *string                   `json:"subscription_id"`
	Origin         string                    `json:"origin"`
	InvoiceNumber  *string                   `json:"invoice_number"`
	BilledAt       *time.Time                `json:"billed_at"`
	Details        *PaddleTransactionDetails `json:"details"`
}

type PaddleBillingPeriod struct {
	StartsAt *time.Time `json:"starts_at"`
	EndsAt   *time.Time `json:"ends_at"`
}

type PaddlePrice struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
}

type PaddleItemProduct struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type PaddleSubscriptionItem struct {
	Status   string             `json:"status"`
	Quantity int                `json:"quantity"`
	Price    PaddlePrice        `json:"price"`
	Product  *PaddleItemProduct `json:"product"`
}

// ProductID prefers the price's product reference.
func (i PaddleSubscriptionItem) ProductID() string {
	if i.Price.ProductID != "" {
		return i.Price.ProductID
	}
	if i.Product != nil {
		return i.Product.ID
	}
	return ""
}

type PaddleSubscription struct {
	ID                   string                   `json:"id"`
	Status               string                   `json:"status"`
	CustomerID           string                   `json:"customer_id"`
	TransactionID        *string                  `json:"transaction_id"`
	CurrencyCode         string                   `json:"currency_code"`
	CurrentBillingPeriod *PaddleBillingPeriod     `json:"current_billing_period"`
	NextBilledAt         *time.Time               `json:"next_billed_at"`
	Items                []PaddleSubscriptionItem `json:"items"`
	CustomData           map[string]interface{}   `json:"custom_data"`
}

// SignedUserID returns custom_data.signed_user_id, or "" when absent.
func (s *PaddleSubscription) SignedUserID() string {
	v, _ := s.CustomData["signed_user_id"].(string)
	return strings.TrimSpace(v)
}

type PaddleProduct struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
}

var paddleValidate = validator.New()

// DecodePaddleData converts a webhook's data object into one of the typed
// Paddle structs.
func DecodePaddleData(data map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return syncerr.Malformed("invalid webhook data")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return syncerr.Malformed("invalid webhook data")
	}
	return nil
}

// Validate checks the transaction fields the mirror needs.
func (t *PaddleTransaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return syncerr.Malformed(ReasonNoPaddleID)
	}
	if t.Details == nil || t.Details.Totals == nil {
		return syncerr.Malformed(ReasonNoTotals)
	}
	if err := paddleValidate.Struct(t.Details.Totals); err != nil {
		return syncerr.Malformed(ReasonInvalidTotals)
	}
	return nil
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
