package telephony

import (
	"context"
	"fmt"

	"github.com/acme/voice-campaign-engine/internal/domain"
)

// Customer identifies the person being called.
type Customer struct {
	Number     string `json:"number"`
	Name       string `json:"name,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
}

// PlaceCallRequest is the provider request for one outbound call.
type PlaceCallRequest struct {
	AssistantID   string            `json:"assistantId"`
	PhoneNumberID string            `json:"phoneNumberId"`
	Customer      Customer          `json:"customer"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// PlacedCall is the provider acknowledgement of a placed call.
type PlacedCall struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("voice provider returned %d: %s", e.StatusCode, e.Body)
}

// Provider abstracts the voice provider integration.
type Provider interface {
	PlaceCall(ctx context.Context, req PlaceCallRequest) (*PlacedCall, error)
	GetCall(ctx context.Context, id string) (*domain.CallResult, error)
	// Ping performs a cheap authenticated request used as a health probe.
	Ping(ctx context.Context) error
}
