// Package retry decides when a finished call may be dialed again and applies
// the reset.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/repository"
	"github.com/acme/voice-campaign-engine/pkg/logger"
)

// IsRetryEligible reports whether the attempt may be retried at now under the
// campaign's policy.
func IsRetryEligible(attempt *domain.CallAttempt, campaign *domain.Campaign, now time.Time) bool {
	if attempt.Outcome == nil || attempt.EndedAt == nil {
		return false
	}
	policy := campaign.Settings.Retry
	if !policy.Matches(*attempt.Outcome) {
		return false
	}
	if attempt.RetryCount >= policy.MaxRetryAttempts {
		return false
	}
	return now.Sub(*attempt.EndedAt) >= policy.RetryInterval()
}

// Policy finds retry candidates and resets their contacts.
type Policy struct {
	attempts repository.CallAttemptRepository
	logger   *logger.Logger
}

// NewPolicy constructs a retry policy.
func NewPolicy(attempts repository.CallAttemptRepository, log *logger.Logger) *Policy {
	return &Policy{attempts: attempts, logger: log}
}

// ApplyNext looks at the oldest-ended candidate of the campaign and, when it
// is eligible, moves its contact back to pending. It returns the attempt that
// was reset or nil.
func (p *Policy) ApplyNext(ctx context.Context, campaign *domain.Campaign, now time.Time) (*domain.CallAttempt, error) {
	policy := campaign.Settings.Retry
	if policy.MaxRetryAttempts <= 0 || len(policy.RetryConditions) == 0 {
		return nil, nil
	}

	attempt, err := p.attempts.NextRetryCandidate(ctx, campaign.ID, policy.RetryConditions, policy.MaxRetryAttempts)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("retry: candidate: %w", err)
	}
	if !IsRetryEligible(attempt, campaign, now) {
		return nil, nil
	}

	if err := p.attempts.ResetForRetry(ctx, attempt.ID, attempt.RetryCount); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			p.logger.Debug("retry: candidate already reset", zap.String("attempt_id", attempt.ID.String()))
			return nil, nil
		}
		return nil, fmt.Errorf("retry: reset: %w", err)
	}
	attempt.RetryCount++
	p.logger.Info("retry: contact re-queued",
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("contact_id", attempt.ContactID.String()),
		zap.Int("retry_count", attempt.RetryCount),
	)
	return attempt, nil
}
