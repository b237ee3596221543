package scoring

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/acme/voice-campaign-engine/internal/config"
	"github.com/acme/voice-campaign-engine/internal/domain"
	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
)

func TestParseResult(t *testing.T) {
	res, err := ParseResult("```json\n{\"outcome\":\"appointment\",\"sentiment\":\"positive\",\"summary\":\"booked\",\"structuredData\":{\"day\":\"friday\"}}\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Outcome != "appointment" || res.StructuredData["day"] != "friday" {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := ParseResult(`{"sentiment":"neutral"}`); err == nil {
		t.Fatalf("expected missing outcome to fail")
	}
	if _, err := ParseResult("not json"); err == nil {
		t.Fatalf("expected invalid json to fail")
	}
}

func TestPromptIncludesContext(t *testing.T) {
	prompt := Prompt(domain.CallAttempt{Duration: 95 * time.Second, EndedReason: "customer-ended-call", Transcript: "user: yes"},
		&domain.Campaign{Name: "Spring renewals"})
	for _, want := range []string{"Spring renewals", "95 seconds", "customer-ended-call", "user: yes"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestUnconfiguredAnalyzerFails(t *testing.T) {
	_, err := Unconfigured{}.Analyze(context.Background(), domain.CallAttempt{Transcript: "hi"}, nil)
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewGenAIAnalyzerRequiresKey(t *testing.T) {
	if _, err := NewGenAIAnalyzer(context.Background(), config.ScorerConfig{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
