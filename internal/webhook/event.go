// Package webhook applies voice provider callbacks to calls, contacts, the
// rate limiter and the processing queue.
package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/acme/voice-campaign-engine/internal/telephony"
	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
)

// EventType is the kind of provider callback.
type EventType string

const (
	EventStatusUpdate EventType = "status-update"
	EventCallEnded    EventType = "call-ended"
	EventUnknown      EventType = "unknown"
)

// Event is a decoded provider callback.
type Event struct {
	Type    EventType
	RawType string
	Status  string
	Call    telephony.CallPayload
}

type envelope struct {
	Type    string                `json:"type"`
	Status  string                `json:"status"`
	Call    telephony.CallPayload `json:"call"`
	Message *envelope             `json:"message"`
}

// Parse decodes a callback body. Both a bare {type, call} object and one
// nested under "message" are accepted.
func Parse(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("%w: webhook: decode body: %v", apperrors.ErrValidation, err)
	}
	if env.Message != nil {
		env = *env.Message
	}

	evt := Event{RawType: env.Type, Status: env.Status, Call: env.Call}
	switch env.Type {
	case "status-update":
		evt.Type = EventStatusUpdate
		if evt.Status == "" {
			evt.Status = env.Call.Status
		}
	case "call-ended", "end-of-call-report":
		evt.Type = EventCallEnded
	default:
		evt.Type = EventUnknown
	}

	if evt.Type != EventUnknown && evt.Call.ID == "" {
		return Event{}, fmt.Errorf("%w: webhook: %s without call id", apperrors.ErrValidation, env.Type)
	}
	return evt, nil
}
