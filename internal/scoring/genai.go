// Package scoring analyses call transcripts with a Gemini model.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/acme/voice-campaign-engine/internal/config"
	"github.com/acme/voice-campaign-engine/internal/domain"
	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
)

const defaultModel = "gemini-2.0-flash"

const instruction = `You review transcripts of outbound sales calls.
Reply with one JSON object with the keys "outcome", "sentiment", "summary" and "structuredData".
outcome is one of: interested, appointment, not_interested, callback, voicemail, no_answer, other.
sentiment is one of: positive, neutral, negative.`

// GenAIAnalyzer implements the processing analyzer on the Gemini API.
type GenAIAnalyzer struct {
	client *genai.Client
	model  string
}

// NewGenAIAnalyzer creates a client for the configured model.
func NewGenAIAnalyzer(ctx context.Context, cfg config.ScorerConfig) (*GenAIAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("scoring: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("scoring: create client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &GenAIAnalyzer{client: client, model: model}, nil
}

// Analyze asks the model for a structured assessment of the call.
func (a *GenAIAnalyzer) Analyze(ctx context.Context, call domain.CallAttempt, campaign *domain.Campaign) (domain.AnalysisResult, error) {
	if strings.TrimSpace(call.Transcript) == "" {
		return domain.AnalysisResult{}, fmt.Errorf("scoring: call %s has no transcript", call.ProviderCallID)
	}

	resp, err := a.client.Models.GenerateContent(ctx, a.model,
		[]*genai.Content{genai.NewContentFromText(Prompt(call, campaign), genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
			ResponseMIMEType:  "application/json",
		},
	)
	if err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("scoring: generate content: %w", err)
	}
	return ParseResult(resp.Text())
}

// Prompt builds the user message for one call.
func Prompt(call domain.CallAttempt, campaign *domain.Campaign) string {
	var b strings.Builder
	if campaign != nil && campaign.Name != "" {
		fmt.Fprintf(&b, "Campaign: %s\n", campaign.Name)
	}
	fmt.Fprintf(&b, "Call duration: %.0f seconds\n", call.Duration.Seconds())
	if call.EndedReason != "" {
		fmt.Fprintf(&b, "Ended reason: %s\n", call.EndedReason)
	}
	b.WriteString("Transcript:\n")
	b.WriteString(call.Transcript)
	return b.String()
}

// ParseResult decodes the model reply, tolerating a fenced code block.
func ParseResult(text string) (domain.AnalysisResult, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var result domain.AnalysisResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &result); err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("scoring: decode response: %w", err)
	}
	if result.Outcome == "" {
		return domain.AnalysisResult{}, fmt.Errorf("scoring: response has no outcome")
	}
	return result, nil
}

// Unconfigured fails every analysis. It stands in when no API key is set so
// finished calls still queue and can be requeued once scoring is configured.
type Unconfigured struct{}

// Analyze implements the processing analyzer.
func (Unconfigured) Analyze(context.Context, domain.CallAttempt, *domain.Campaign) (domain.AnalysisResult, error) {
	return domain.AnalysisResult{}, fmt.Errorf("%w: scoring: api key not set", apperrors.ErrConfiguration)
}
