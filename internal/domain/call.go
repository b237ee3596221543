package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CallOutcome is the terminal classification of an attempted call.
type CallOutcome string

const (
	OutcomeNoAnswer  CallOutcome = "no_answer"
	OutcomeBusy      CallOutcome = "busy"
	OutcomeFailed    CallOutcome = "failed"
	OutcomeVoicemail CallOutcome = "voicemail"
	OutcomeConnected CallOutcome = "connected"
)

// OutcomeFromEndedReason classifies the provider's ended reason.
func OutcomeFromEndedReason(reason string) CallOutcome {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "did-not-answer"), strings.Contains(r, "no-answer"), strings.Contains(r, "no_answer"):
		return OutcomeNoAnswer
	case strings.Contains(r, "busy"):
		return OutcomeBusy
	case strings.Contains(r, "voicemail"):
		return OutcomeVoicemail
	case strings.Contains(r, "customer-ended"), strings.Contains(r, "assistant-ended"),
		strings.Contains(r, "assistant-said-end-call-phrase"), strings.Contains(r, "exceeded-max-duration"),
		strings.Contains(r, "silence-timed-out"):
		return OutcomeConnected
	}
	return OutcomeFailed
}

// CallAttempt is one dispatched call for a contact.
type CallAttempt struct {
	ID             uuid.UUID
	CampaignID     uuid.UUID
	ContactID      uuid.UUID
	OrganizationID uuid.UUID
	ProviderCallID string
	Outcome        *CallOutcome
	RetryCount     int
	Status         string
	EndedReason    string
	Duration       time.Duration
	Cost           float64
	Transcript     string
	RecordingURL   string
	Summary        string
	Analysis       *AnalysisResult
	EndedAt        *time.Time
	CreatedAt      time.Time
}

// Settled reports whether the outcome has been recorded.
func (a *CallAttempt) Settled() bool {
	return a.Outcome != nil
}

// CallResult is the terminal payload delivered by the provider for a call.
type CallResult struct {
	ProviderCallID string
	Status         string
	EndedReason    string
	Duration       time.Duration
	Cost           float64
	Transcript     string
	RecordingURL   string
	Summary        string
	EndedAt        time.Time
}

// AnalysisResult is the output of AI scoring for a call.
type AnalysisResult struct {
	Outcome        string         `json:"outcome"`
	Sentiment      string         `json:"sentiment"`
	Summary        string         `json:"summary"`
	StructuredData map[string]any `json:"structuredData,omitempty"`
}

// ArchivedEvent is one raw provider callback kept for audit.
type ArchivedEvent struct {
	ProviderCallID string
	Type           string
	Payload        []byte
	ReceivedAt     time.Time
}
