package queue

import (
	"time"

	"github.com/google/uuid"
)

// DispatchRequest asks the dispatch worker to call one contact. Sequence call
// steps publish it and do not wait for the result.
type DispatchRequest struct {
	RequestID   uuid.UUID `json:"request_id"`
	CampaignID  uuid.UUID `json:"campaign_id"`
	ContactID   uuid.UUID `json:"contact_id"`
	SequenceID  uuid.UUID `json:"sequence_id"`
	StepID      uuid.UUID `json:"step_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// EventType names a lifecycle event.
type EventType string

const (
	EventCampaignCompleted EventType = "campaign.completed"
	EventCallSettled       EventType = "call.settled"
)

// Event is a lifecycle event published for downstream consumers.
type Event struct {
	Type           EventType      `json:"type"`
	OrganizationID uuid.UUID      `json:"organization_id"`
	CampaignID     uuid.UUID      `json:"campaign_id"`
	ContactID      uuid.UUID      `json:"contact_id,omitempty"`
	SequenceID     uuid.UUID      `json:"sequence_id,omitempty"`
	CallID         string         `json:"call_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}
