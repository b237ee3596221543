package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
)

// StepType is the channel of a sequence step.
type StepType string

const (
	StepCall  StepType = "call"
	StepSMS   StepType = "sms"
	StepEmail StepType = "email"
	StepWait  StepType = "wait"
)

// ProgressStatus is the state of a contact inside a sequence.
type ProgressStatus string

const (
	ProgressActive    ProgressStatus = "active"
	ProgressPaused    ProgressStatus = "paused"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
)

var progressTransitions = map[ProgressStatus][]ProgressStatus{
	ProgressActive: {ProgressActive, ProgressPaused, ProgressCompleted, ProgressFailed},
	ProgressPaused: {ProgressActive},
}

// CheckProgressTransition validates a sequence progress status change.
func CheckProgressTransition(from, to ProgressStatus) error {
	for _, allowed := range progressTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: sequence progress %s -> %s", apperrors.ErrInvalidTransition, from, to)
}

// Sequence is a multi-channel cadence attached to a campaign.
type Sequence struct {
	ID             uuid.UUID
	CampaignID     uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	IsActive       bool
}

// SequenceStep is one ordered step of a sequence.
type SequenceStep struct {
	ID         uuid.UUID
	SequenceID uuid.UUID
	StepOrder  int
	Type       StepType
	Config     StepConfig
}

// StepConfig holds the channel payload of a step.
type StepConfig struct {
	Message       string `json:"message,omitempty"`
	Subject       string `json:"subject,omitempty"`
	HTML          string `json:"html,omitempty"`
	TemplateID    string `json:"templateId,omitempty"`
	DurationHours *int   `json:"duration_hours,omitempty"`
}

// SequenceProgress tracks one contact moving through a sequence.
type SequenceProgress struct {
	ID            uuid.UUID
	SequenceID    uuid.UUID
	ContactID     uuid.UUID
	CurrentStepID *uuid.UUID
	Status        ProgressStatus
	NextActionAt  time.Time
	// CompletedAt on an active row is the scheduled completion after a
	// trailing wait; the row completes once NextActionAt is due.
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// ProgressUpdate is a conditional change of a progress row. It applies only
// while the row still has ExpectedStepID and ExpectedStatus.
type ProgressUpdate struct {
	ID             uuid.UUID
	ExpectedStepID *uuid.UUID
	ExpectedStatus ProgressStatus
	StepID         *uuid.UUID
	Status         ProgressStatus
	NextActionAt   time.Time
	CompletedAt    *time.Time
}
