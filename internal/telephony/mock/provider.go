package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/telephony"
)

// Provider simulates the voice provider for local runs.
type Provider struct {
	successRate float64
	latency     time.Duration

	mu    sync.Mutex
	rng   *rand.Rand
	calls map[string]telephony.PlaceCallRequest
}

// NewProvider constructs a mock provider. successRate applies to PlaceCall.
func NewProvider(successRate float64, latency time.Duration) *Provider {
	if successRate <= 0 {
		successRate = 0.8
	}
	return &Provider{
		successRate: successRate,
		latency:     latency,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		calls:       make(map[string]telephony.PlaceCallRequest),
	}
}

// PlaceCall simulates a call placement.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (*telephony.PlacedCall, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng.Float64() > p.successRate {
		return nil, &telephony.StatusError{StatusCode: 503, Body: `{"message":"simulated outage"}`}
	}
	id := uuid.NewString()
	p.calls[id] = req
	return &telephony.PlacedCall{ID: id, Status: "queued"}, nil
}

// GetCall returns a synthetic finished call.
func (p *Provider) GetCall(ctx context.Context, id string) (*domain.CallResult, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	req, ok := p.calls[id]
	p.mu.Unlock()
	if !ok {
		return nil, &telephony.StatusError{StatusCode: 404, Body: `{"message":"call not found"}`}
	}
	return &domain.CallResult{
		ProviderCallID: id,
		Status:         "ended",
		EndedReason:    "customer-ended-call",
		Duration:       90 * time.Second,
		Transcript:     fmt.Sprintf("assistant: Hello %s\nuser: I am interested.", req.Customer.Name),
		EndedAt:        time.Now().UTC(),
	}, nil
}

// Ping always succeeds after the simulated latency.
func (p *Provider) Ping(ctx context.Context) error {
	return p.wait(ctx)
}

func (p *Provider) wait(ctx context.Context) error {
	if p.latency <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.latency):
		return nil
	}
}
