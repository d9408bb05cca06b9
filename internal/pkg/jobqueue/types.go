package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypePaddleTransactionEvent  JobType = "paddle_transaction_event"
	JobTypePaddleSubscriptionEvent JobType = "paddle_subscription_event"
	JobTypePaddleProductEvent      JobType = "paddle_product_event"
	JobTypeCreateMailAccount       JobType = "create_mail_account"
	JobTypeUpdateMailQuota         JobType = "update_mail_quota"
	JobTypeUpdatePlanQuota         JobType = "update_plan_quota"
	JobTypeSyncIdentityPlan        JobType = "sync_identity_plan"
	JobTypeArchiveWebhookEvent     JobType = "archive_webhook_event"
	JobTypeRepairAccounts          JobType = "repair_accounts"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// ResultStatus is the outcome reported by a handler.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
)

// Result is what every task returns instead of raising. Batch callers
// aggregate these without inspecting errors.
type Result struct {
	Status ResultStatus           `json:"status"`
	Reason string                 `json:"reason,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

func Success(data map[string]interface{}) Result {
	return Result{Status: ResultSuccess, Data: data}
}

func Failed(reason string, data map[string]interface{}) Result {
	return Result{Status: ResultFailed, Reason: reason, Data: data}
}

// Skipped reports an event that was deliberately not applied, such as a
// duplicate or out-of-date webhook.
func Skipped(reason string) Result {
	return Result{Status: ResultFailed, Reason: reason, Data: map[string]interface{}{"skipped": true}}
}

func (r Result) OK() bool {
	return r.Status == ResultSuccess
}

// IsSkipped reports whether the result came from Skipped.
func (r Result) IsSkipped() bool {
	skipped, _ := r.Data["skipped"].(bool)
	return skipped
}

// Job represents a background job
type Job struct {
	ID            string                 `json:"id"`
	Type          JobType                `json:"type"`
	Status        JobStatus              `json:"status"`
	Payload       map[string]interface{} `json:"payload"`
	Result        *Result                `json:"result,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	ProcessedAt   *time.Time             `json:"processed_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	NextAttemptAt *time.Time             `json:"next_attempt_at,omitempty"`
	ErrorMsg      string                 `json:"error_msg,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
}

// PaddleEventPayload carries one accepted webhook to its handler.
type PaddleEventPayload struct {
	WebhookEventID uint                   `json:"webhook_event_id"`
	EventType      string                 `json:"event_type"`
	OccurredAt     time.Time              `json:"occurred_at"`
	IsCreateEvent  bool                   `json:"is_create_event"`
	Data           map[string]interface{} `json:"data"`
}

func (p PaddleEventPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"webhook_event_id": p.WebhookEventID,
		"event_type":       p.EventType,
		"occurred_at":      p.OccurredAt.UTC().Format(time.RFC3339Nano),
		"is_create_event":  p.IsCreateEvent,
		"data":             p.Data,
	}
}

func PaddleEventPayloadFromMap(data map[string]interface{}) (*PaddleEventPayload, error) {
	var payload PaddleEventPayload
	err := decodePayload(data, &payload)
	return &payload, err
}

// AccountJobPayload addresses a single local account. AppPasswordSecret is
// the already hashed secret, never a plain password.
type AccountJobPayload struct {
	UserUUID          string `json:"user_uuid"`
	AppPasswordSecret string `json:"app_password_secret,omitempty"`
}

func (p AccountJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"user_uuid": p.UserUUID,
	}
	if p.AppPasswordSecret != "" {
		m["app_password_secret"] = p.AppPasswordSecret
	}
	return m
}

func AccountJobPayloadFromMap(data map[string]interface{}) (*AccountJobPayload, error) {
	var payload AccountJobPayload
	err := decodePayload(data, &payload)
	return &payload, err
}

// PlanQuotaJobPayload fans a plan's storage out to its subscribers.
type PlanQuotaJobPayload struct {
	PlanID uint `json:"plan_id"`
}

func (p PlanQuotaJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"plan_id": p.PlanID,
	}
}

func PlanQuotaJobPayloadFromMap(data map[string]interface{}) (*PlanQuotaJobPayload, error) {
	var payload PlanQuotaJobPayload
	err := decodePayload(data, &payload)
	return &payload, err
}

// RepairJobPayload selects accounts for a repair batch. With no UUIDs the
// batch covers unverified accounts, up to Limit.
type RepairJobPayload struct {
	UserUUIDs []string `json:"user_uuids,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

func (p RepairJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{}
	if len(p.UserUUIDs) > 0 {
		m["user_uuids"] = p.UserUUIDs
	}
	if p.Limit > 0 {
		m["limit"] = p.Limit
	}
	return m
}

func RepairJobPayloadFromMap(data map[string]interface{}) (*RepairJobPayload, error) {
	var payload RepairJobPayload
	err := decodePayload(data, &payload)
	return &payload, err
}

// ArchiveJobPayload points at a stored webhook event.
type ArchiveJobPayload struct {
	WebhookEventID uint `json:"webhook_event_id"`
}

func (p ArchiveJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"webhook_event_id": p.WebhookEventID,
	}
}

func ArchiveJobPayloadFromMap(data map[string]interface{}) (*ArchiveJobPayload, error) {
	var payload ArchiveJobPayload
	err := decodePayload(data, &payload)
	return &payload, err
}

func decodePayload(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job has attempts left
func (j *Job) IsRetryable() bool {
	return j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now().UTC()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
	j.NextAttemptAt = nil
}

// MarkAsFinished stores the handler result. A failed result is final.
func (j *Job) MarkAsFinished(result Result) {
	now := time.Now().UTC()
	j.Result = &result
	j.UpdatedAt = now
	j.CompletedAt = &now
	if result.OK() {
		j.Status = JobStatusCompleted
		j.ErrorMsg = ""
		return
	}
	j.Status = JobStatusFailed
	j.ErrorMsg = result.Reason
}

// MarkAsRetrying records a transient failure and the next attempt time
func (j *Job) MarkAsRetrying(errorMsg string, next time.Time) {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now().UTC()
	j.ErrorMsg = errorMsg
	j.RetryCount++
	next = next.UTC()
	j.NextAttemptAt = &next
}
