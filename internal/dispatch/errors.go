package dispatch

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/acme/voice-campaign-engine/internal/telephony"
	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
)

// ErrNoPendingContact is returned when a campaign has nothing left to dial.
var ErrNoPendingContact = errors.New("dispatch: no pending contact")

// ErrorKind classifies a failed dispatch.
type ErrorKind string

const (
	// KindConfiguration covers bad credentials or ids. The contact stays
	// pending until the campaign is fixed.
	KindConfiguration ErrorKind = "configuration"
	// KindTransient covers network failures and provider 5xx responses.
	KindTransient ErrorKind = "transient"
)

// DispatchError wraps a failed place-call request.
type DispatchError struct {
	Kind       ErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("dispatch %s error: provider status %d: %s", e.Kind, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("dispatch %s error: %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Is matches ErrConfiguration or ErrUnavailable by kind.
func (e *DispatchError) Is(target error) bool {
	switch target {
	case apperrors.ErrConfiguration:
		return e.Kind == KindConfiguration
	case apperrors.ErrUnavailable:
		return e.Kind == KindTransient
	}
	return false
}

// Configuration reports whether operator action is needed.
func (e *DispatchError) Configuration() bool { return e.Kind == KindConfiguration }

func classify(err error) *DispatchError {
	var statusErr *telephony.StatusError
	if errors.As(err, &statusErr) {
		kind := KindTransient
		switch statusErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
			kind = KindConfiguration
		}
		return &DispatchError{Kind: kind, StatusCode: statusErr.StatusCode, Body: statusErr.Body, Err: err}
	}
	return &DispatchError{Kind: KindTransient, Err: err}
}
