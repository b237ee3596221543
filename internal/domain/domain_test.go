package domain

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
)

func TestCallTransitions(t *testing.T) {
	valid := [][2]CallStatus{
		{CallStatusPending, CallStatusCalling},
		{CallStatusPending, CallStatusFailed},
		{CallStatusCalling, CallStatusCompleted},
		{CallStatusCalling, CallStatusFailed},
		{CallStatusFailed, CallStatusPending},
		{CallStatusCalling, CallStatusPending},
	}
	for _, tc := range valid {
		if err := CheckCallTransition(tc[0], tc[1]); err != nil {
			t.Errorf("expected %s -> %s to be allowed: %v", tc[0], tc[1], err)
		}
	}

	invalid := [][2]CallStatus{
		{CallStatusCompleted, CallStatusPending},
		{CallStatusCompleted, CallStatusCalling},
		{CallStatusPending, CallStatusCompleted},
	}
	for _, tc := range invalid {
		err := CheckCallTransition(tc[0], tc[1])
		if !errors.Is(err, apperrors.ErrInvalidTransition) {
			t.Errorf("expected %s -> %s to be rejected, got %v", tc[0], tc[1], err)
		}
	}
}

func TestCampaignPauseResumeReasons(t *testing.T) {
	c := &Campaign{ID: uuid.New(), Status: CampaignStatusActive}
	if err := c.Pause(PausedReasonProviderOutage); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if c.Dispatchable() {
		t.Fatalf("paused campaign must not be dispatchable")
	}
	if err := c.Resume(PausedReasonManual); err == nil {
		t.Fatalf("manual resume must not lift an outage pause")
	}
	if err := c.Resume(PausedReasonProviderOutage); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !c.Dispatchable() {
		t.Fatalf("expected campaign to be dispatchable after resume")
	}
}

func TestParseCampaignStatusRunningAlias(t *testing.T) {
	status, err := ParseCampaignStatus("running")
	if err != nil || status != CampaignStatusActive {
		t.Fatalf("expected running to map to active, got %s %v", status, err)
	}
	if _, err := ParseCampaignStatus("archived"); err == nil {
		t.Fatalf("expected unknown status to fail")
	}
}

func TestOutcomeFromEndedReason(t *testing.T) {
	cases := map[string]CallOutcome{
		"customer-did-not-answer": OutcomeNoAnswer,
		"customer-busy":           OutcomeBusy,
		"voicemail":               OutcomeVoicemail,
		"customer-ended-call":     OutcomeConnected,
		"pipeline-error-openai":   OutcomeFailed,
	}
	for reason, want := range cases {
		if got := OutcomeFromEndedReason(reason); got != want {
			t.Errorf("%s: expected %s, got %s", reason, want, got)
		}
	}
}

func TestQueueTransitions(t *testing.T) {
	if err := CheckQueueTransition(QueueFailed, QueuePending); err != nil {
		t.Fatalf("explicit requeue must be allowed: %v", err)
	}
	if err := CheckQueueTransition(QueueCompleted, QueuePending); err == nil {
		t.Fatalf("completed items must not be requeued")
	}
	if err := CheckProgressTransition(ProgressCompleted, ProgressActive); err == nil {
		t.Fatalf("completed progress must be terminal")
	}
}
