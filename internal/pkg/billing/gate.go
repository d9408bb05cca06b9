package billing

import "time"

// Decision is the outcome of the idempotency gate for one event.
type Decision int

const (
	Accept Decision = iota
	AlreadyApplied
	Stale
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case AlreadyApplied:
		return "already_applied"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

const (
	ReasonOutOfDate      = "webhook is out of date"
	ReasonAlreadyApplied = "webhook already applied"
)

// Entity names used in rejection reasons.
const (
	EntityTransaction  = "transaction"
	EntitySubscription = "subscription"
	EntityProduct      = "product"
)

// Event is the part of a billing webhook the gate looks at.
type Event struct {
	Entity     string
	PaddleID   string
	OccurredAt time.Time
	IsCreate   bool
}

// Verdict is a gate decision with the reason reported for rejections.
type Verdict struct {
	Decision Decision
	Reason   string
}

func (v Verdict) Accepted() bool {
	return v.Decision == Accept
}

// Evaluate decides whether ev may be applied given the persisted record.
// exists reports whether a record for ev.PaddleID is stored and
// lastAppliedAt is its webhook timestamp (nil when never set by a webhook).
func Evaluate(ev Event, exists bool, lastAppliedAt *time.Time) Verdict {
	if ev.IsCreate {
		if exists {
			return Verdict{Decision: AlreadyApplied, Reason: ev.Entity + " already exists"}
		}
		return Verdict{Decision: Accept}
	}
	if !exists || lastAppliedAt == nil {
		return Verdict{Decision: Accept}
	}
	switch {
	case lastAppliedAt.After(ev.OccurredAt):
		return Verdict{Decision: Stale, Reason: ReasonOutOfDate}
	case lastAppliedAt.Equal(ev.OccurredAt):
		return Verdict{Decision: AlreadyApplied, Reason: ReasonAlreadyApplied}
	}
	return Verdict{Decision: Accept}
}
