package billing

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// ApplyResult is what a gated write did.
type ApplyResult struct {
	Verdict   Verdict
	Created   bool
	ModelID   uint
	ModelUUID string
}

// Outcome reports one applied (or rejected) Paddle event.
type Outcome struct {
	PaddleID  string
	Verdict   Verdict
	Created   bool
	ModelUUID string
}

// Data renders the outcome the way task results report it.
func (o *Outcome) Data() map[string]interface{} {
	data := map[string]interface{}{
		"paddle_id": o.PaddleID,
	}
	if o.Verdict.Accepted() {
		data["model_created"] = o.Created
		data["model_uuid"] = o.ModelUUID
	}
	return data
}
