package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/acme/voice-campaign-engine/internal/config"
	"github.com/acme/voice-campaign-engine/internal/domain"
)

const maxErrorBody = 4 << 10

// HTTPProvider talks to a Vapi style REST API.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider constructs the REST client.
func NewHTTPProvider(cfg config.ProviderConfig, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// PlaceCall implements Provider.
func (p *HTTPProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (*PlacedCall, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("telephony: encode call: %w", err)
	}
	var placed PlacedCall
	if err := p.do(ctx, http.MethodPost, "/call", body, &placed); err != nil {
		return nil, err
	}
	if placed.ID == "" {
		return nil, fmt.Errorf("telephony: provider returned no call id")
	}
	return &placed, nil
}

// GetCall implements Provider.
func (p *HTTPProvider) GetCall(ctx context.Context, id string) (*domain.CallResult, error) {
	var payload CallPayload
	if err := p.do(ctx, http.MethodGet, "/call/"+url.PathEscape(id), nil, &payload); err != nil {
		return nil, err
	}
	result := payload.Result()
	return &result, nil
}

// Ping implements Provider.
func (p *HTTPProvider) Ping(ctx context.Context) error {
	return p.do(ctx, http.MethodGet, "/assistant?limit=1", nil, nil)
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("telephony: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("telephony: decode response: %w", err)
	}
	return nil
}

// CallPayload is the provider's call object, shared by the REST API and the
// webhook envelope.
type CallPayload struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	EndedReason  string     `json:"endedReason"`
	Duration     float64    `json:"duration"`
	Cost         float64    `json:"cost"`
	Transcript   string     `json:"transcript"`
	RecordingURL string     `json:"recordingUrl"`
	Recording    string     `json:"recording"`
	Summary      string     `json:"summary"`
	StartedAt    *time.Time `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt"`
	Messages     []Message  `json:"messages"`
	Artifact     *struct {
		Transcript   string `json:"transcript"`
		RecordingURL string `json:"recordingUrl"`
	} `json:"artifact"`
	Analysis *struct {
		Summary string `json:"summary"`
	} `json:"analysis"`
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

// Result converts the payload into the domain call result. Duration comes
// from the explicit field in seconds or from the start and end timestamps.
func (c CallPayload) Result() domain.CallResult {
	res := domain.CallResult{
		ProviderCallID: c.ID,
		Status:         c.Status,
		EndedReason:    c.EndedReason,
		Cost:           c.Cost,
		Transcript:     c.Transcript,
		RecordingURL:   c.RecordingURL,
		Summary:        c.Summary,
		Duration:       time.Duration(c.Duration * float64(time.Second)),
	}
	if res.Duration == 0 && c.StartedAt != nil && c.EndedAt != nil {
		res.Duration = c.EndedAt.Sub(*c.StartedAt)
	}
	if c.Artifact != nil {
		if res.Transcript == "" {
			res.Transcript = c.Artifact.Transcript
		}
		if res.RecordingURL == "" {
			res.RecordingURL = c.Artifact.RecordingURL
		}
	}
	if res.RecordingURL == "" {
		res.RecordingURL = c.Recording
	}
	if res.Transcript == "" && len(c.Messages) > 0 {
		var b strings.Builder
		for _, m := range c.Messages {
			if m.Message == "" {
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Message)
		}
		res.Transcript = strings.TrimSpace(b.String())
	}
	if res.Summary == "" && c.Analysis != nil {
		res.Summary = c.Analysis.Summary
	}
	if c.EndedAt != nil {
		res.EndedAt = c.EndedAt.UTC()
	}
	return res
}
