package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
)

// CallStatus is the dialing state of a contact.
type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusCalling   CallStatus = "calling"
	CallStatusFailed    CallStatus = "failed"
	CallStatusCompleted CallStatus = "completed"
)

// calling -> pending returns a claim when no call could be placed for a
// reason that is not the contact's fault.
var callTransitions = map[CallStatus][]CallStatus{
	CallStatusPending: {CallStatusCalling, CallStatusFailed},
	CallStatusCalling: {CallStatusCompleted, CallStatusFailed, CallStatusPending},
	CallStatusFailed:  {CallStatusPending},
}

// CheckCallTransition validates a contact call status change.
func CheckCallTransition(from, to CallStatus) error {
	for _, allowed := range callTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: call status %s -> %s", apperrors.ErrInvalidTransition, from, to)
}

// Contact is a lead belonging to a campaign.
type Contact struct {
	ID             uuid.UUID
	CampaignID     uuid.UUID
	OrganizationID uuid.UUID
	Phone          string
	FirstName      string
	LastName       string
	Company        string
	Email          string
	CallStatus     CallStatus
	RetryCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FullName joins first and last name.
func (c *Contact) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}
