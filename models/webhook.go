package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

type EventStatus string

const (
	EventCompleted  EventStatus = "COMPLETED"
	EventFailed     EventStatus = "FAILED"
	EventInProgress EventStatus = "IN_PROGRESS"
)

// WebhookEvent is the callback body posted by the inference service. Some
// deployments send the job id as "id" rather than "externalJobId".
type WebhookEvent struct {
	ExternalJobID string          `json:"externalJobId"`
	ID            string          `json:"id"`
	Status        EventStatus     `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Normalize fills ExternalJobID from ID when needed and upper-cases the
// status.
func (e *WebhookEvent) Normalize() {
	if e.ExternalJobID == "" {
		e.ExternalJobID = e.ID
	}
	e.ExternalJobID = strings.TrimSpace(e.ExternalJobID)
	e.Status = EventStatus(strings.ToUpper(strings.TrimSpace(string(e.Status))))
}

func (e *WebhookEvent) Validate() error {
	if e.ExternalJobID == "" {
		return fmt.Errorf("%w: missing job id", ErrInvalidEvent)
	}
	switch e.Status {
	case EventCompleted, EventFailed, EventInProgress:
		return nil
	case "":
		return fmt.Errorf("%w: missing status", ErrInvalidEvent)
	}
	return fmt.Errorf("%w: unsupported status %q", ErrInvalidEvent, e.Status)
}

// HasOutput reports whether the event carries a non-empty output document.
func (e *WebhookEvent) HasOutput() bool {
	s := strings.TrimSpace(string(e.Output))
	return s != "" && s != "null" && s != "{}"
}

// Outcome describes what the completion handler did with an event.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeStarted   Outcome = "started"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeOrphan    Outcome = "orphan"
	OutcomeIgnored   Outcome = "ignored"
)
