package models

import (
	"encoding/json"
	"time"
)

// QueuedAction is a write that could not be confirmed as delivered and
// waits in the offline queue for replay.
type QueuedAction struct {
	ID         string          `json:"id"`
	ActionName string          `json:"action_name"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
}

// Clone returns a copy that does not share the payload buffer.
func (a *QueuedAction) Clone() *QueuedAction {
	c := *a
	if a.Payload != nil {
		c.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	return &c
}

type OutcomeStatus string

const (
	OutcomeDelivered OutcomeStatus = "delivered"
	OutcomeRejected  OutcomeStatus = "rejected"
	OutcomeExpired   OutcomeStatus = "expired"
)

// ActionOutcome is the final fate of a queued action.
type ActionOutcome struct {
	ActionID   string        `json:"action_id"`
	ActionName string        `json:"action_name"`
	Status     OutcomeStatus `json:"status"`
	Detail     string        `json:"detail,omitempty"`
	Attempts   int           `json:"attempts"`
	At         time.Time     `json:"at"`
}
