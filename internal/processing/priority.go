package processing

import (
	"strings"
	"time"

	"github.com/acme/voice-campaign-engine/internal/domain"
)

const (
	basePriority = 5
	maxPriority  = 10
)

// Priority scores how urgently a finished call should be analysed.
func Priority(call domain.CallAttempt) int {
	score := basePriority

	switch {
	case call.Duration > 300*time.Second:
		score += 2
	case call.Duration > 180*time.Second:
		score++
	}
	if strings.EqualFold(call.Status, "completed") {
		score++
	}

	outcome := outcomeText(call)
	if strings.Contains(outcome, "interested") {
		score += 2
	}
	if strings.Contains(outcome, "appointment") {
		score += 3
	}

	if score < 0 {
		return 0
	}
	if score > maxPriority {
		return maxPriority
	}
	return score
}

func outcomeText(call domain.CallAttempt) string {
	parts := []string{call.Summary, call.EndedReason}
	if call.Analysis != nil {
		parts = append(parts, call.Analysis.Outcome)
	}
	return strings.ToLower(strings.Join(parts, " "))
}
