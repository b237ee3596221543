package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
)

// ParseCampaignStatus maps a stored value to a status. "running" is an alias
// of active.
func ParseCampaignStatus(value string) (CampaignStatus, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "draft":
		return CampaignStatusDraft, nil
	case "active", "running":
		return CampaignStatusActive, nil
	case "paused":
		return CampaignStatusPaused, nil
	case "completed":
		return CampaignStatusCompleted, nil
	}
	return "", fmt.Errorf("%w: unknown campaign status %q", apperrors.ErrValidation, value)
}

// PausedReason explains why a campaign is paused.
type PausedReason string

const (
	PausedReasonProviderOutage PausedReason = "provider_outage"
	PausedReasonManual         PausedReason = "manual"
)

// SendMode controls when a campaign may start dialing.
type SendMode string

const (
	SendImmediate SendMode = "immediate"
	SendScheduled SendMode = "scheduled"
)

// Campaign models an outbound call campaign definition.
type Campaign struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	Status         CampaignStatus
	PausedReason   *PausedReason
	Settings       CampaignSettings
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CampaignSettings is the dialing configuration of a campaign.
type CampaignSettings struct {
	AssistantID         string                       `json:"assistantId"`
	PhoneNumberID       string                       `json:"phoneNumberId"`
	ConcurrencyLimit    int                          `json:"concurrencyLimit"`
	CallsPerMinute      int                          `json:"callsPerMinute"`
	CallsPerHour        int                          `json:"callsPerHour"`
	TimeZone            string                       `json:"timeZone"`
	WorkingHoursEnabled bool                         `json:"workingHoursEnabled"`
	WorkingHours        map[time.Weekday]WorkingDay `json:"workingHours"`
	WhenToSend          SendMode                     `json:"whenToSend"`
	StartedAt           *time.Time                   `json:"startedAt,omitempty"`
	Retry               RetryPolicy                  `json:"retry"`
}

// WorkingDay captures the allowed calling window for one weekday. Start and
// End are "15:04" local times.
type WorkingDay struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// RetryPolicy defines retry rules for calls with a retryable outcome.
type RetryPolicy struct {
	MaxRetryAttempts     int           `json:"maxRetryAttempts"`
	RetryConditions      []CallOutcome `json:"retryConditions"`
	RetryIntervalMinutes int           `json:"retryInterval"`
}

// RetryInterval returns the configured interval as a duration.
func (p RetryPolicy) RetryInterval() time.Duration {
	return time.Duration(p.RetryIntervalMinutes) * time.Minute
}

// Matches reports whether the outcome is listed in the retry conditions.
func (p RetryPolicy) Matches(outcome CallOutcome) bool {
	for _, c := range p.RetryConditions {
		if c == outcome {
			return true
		}
	}
	return false
}

// Dispatchable reports whether the scheduler may place calls for the campaign.
func (c *Campaign) Dispatchable() bool {
	return c.Status == CampaignStatusActive && c.PausedReason == nil
}

// PausedFor reports whether the campaign is paused with the given reason.
func (c *Campaign) PausedFor(reason PausedReason) bool {
	return c.Status == CampaignStatusPaused && c.PausedReason != nil && *c.PausedReason == reason
}

// Pause moves an active campaign to paused with a reason.
func (c *Campaign) Pause(reason PausedReason) error {
	if c.Status != CampaignStatusActive || c.PausedReason != nil {
		return fmt.Errorf("%w: campaign %s cannot pause from %s", apperrors.ErrInvalidTransition, c.ID, c.Status)
	}
	c.Status = CampaignStatusPaused
	r := reason
	c.PausedReason = &r
	return nil
}

// Resume reactivates a campaign paused for exactly the given reason. An
// outage pause can only be lifted with the outage reason and vice versa.
func (c *Campaign) Resume(reason PausedReason) error {
	if !c.PausedFor(reason) {
		return fmt.Errorf("%w: campaign %s is not paused for %s", apperrors.ErrInvalidTransition, c.ID, reason)
	}
	c.Status = CampaignStatusActive
	c.PausedReason = nil
	return nil
}

// CampaignRef identifies a campaign touched by a bulk transition.
type CampaignRef struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
}
