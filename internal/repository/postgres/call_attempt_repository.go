package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/repository"
)

const attemptColumns = `id, campaign_id, contact_id, organization_id, provider_call_id, outcome, retry_count,
	status, ended_reason, duration_ms, cost, transcript, recording_url, summary, analysis, ended_at, created_at`

// CallAttemptRepository persists call attempts.
type CallAttemptRepository struct {
	db *sqlx.DB
}

// NewCallAttemptRepository constructs the repository.
func NewCallAttemptRepository(db *sqlx.DB) *CallAttemptRepository {
	return &CallAttemptRepository{db: db}
}

// Create inserts an attempt; ErrConflict on a duplicate id or provider id.
func (r *CallAttemptRepository) Create(ctx context.Context, attempt *domain.CallAttempt) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO call_attempts (
		id, campaign_id, contact_id, organization_id, provider_call_id, retry_count, status, created_at
	) VALUES (
		:id, :campaign_id, :contact_id, :organization_id, :provider_call_id, :retry_count, :status, :created_at
	)`, map[string]any{
		"id":               attempt.ID,
		"campaign_id":      attempt.CampaignID,
		"contact_id":       attempt.ContactID,
		"organization_id":  attempt.OrganizationID,
		"provider_call_id": attempt.ProviderCallID,
		"retry_count":      attempt.RetryCount,
		"status":           attempt.Status,
		"created_at":       attempt.CreatedAt,
	})
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("call attempts: insert: %w", err)
	}
	return nil
}

// GetByProviderCallID looks an attempt up by provider call id.
func (r *CallAttemptRepository) GetByProviderCallID(ctx context.Context, providerCallID string) (*domain.CallAttempt, error) {
	var rec attemptRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+attemptColumns+` FROM call_attempts WHERE provider_call_id = $1`, providerCallID).StructScan(&rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call attempts: get by provider id: %w", err)
	}
	return rec.toDomain()
}

// RecordResult writes the outcome once. It returns false when an outcome was
// already stored.
func (r *CallAttemptRepository) RecordResult(ctx context.Context, providerCallID string, outcome domain.CallOutcome, result domain.CallResult) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE call_attempts SET
		outcome = $1, status = $2, ended_reason = $3, duration_ms = $4, cost = $5,
		transcript = $6, recording_url = $7, summary = $8, ended_at = $9
		WHERE provider_call_id = $10 AND outcome IS NULL`,
		string(outcome), result.Status, result.EndedReason, result.Duration.Milliseconds(), result.Cost,
		result.Transcript, result.RecordingURL, result.Summary, result.EndedAt, providerCallID)
	if err != nil {
		return false, fmt.Errorf("call attempts: record result: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, fmt.Errorf("call attempts: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM call_attempts WHERE provider_call_id = $1)`, providerCallID); err != nil {
		return false, fmt.Errorf("call attempts: record result lookup: %w", err)
	}
	if !exists {
		return false, repository.ErrNotFound
	}
	return false, nil
}

// LatestForContact returns the newest attempt of the contact.
func (r *CallAttemptRepository) LatestForContact(ctx context.Context, contactID uuid.UUID) (*domain.CallAttempt, error) {
	var rec attemptRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+attemptColumns+` FROM call_attempts
		WHERE contact_id = $1 ORDER BY created_at DESC LIMIT 1`, contactID).StructScan(&rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call attempts: latest for contact: %w", err)
	}
	return rec.toDomain()
}

// NextRetryCandidate returns the oldest-ended retryable attempt of the
// campaign. Only the latest attempt of a failed contact qualifies.
func (r *CallAttemptRepository) NextRetryCandidate(ctx context.Context, campaignID uuid.UUID, conditions []domain.CallOutcome, maxRetries int) (*domain.CallAttempt, error) {
	if len(conditions) == 0 {
		return nil, repository.ErrNotFound
	}
	outcomes := make([]string, len(conditions))
	for i, c := range conditions {
		outcomes[i] = string(c)
	}

	var rec attemptRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+prefixed("a", attemptColumns)+`
		FROM call_attempts a
		JOIN contacts c ON c.id = a.contact_id
		WHERE a.campaign_id = $1
		  AND a.outcome = ANY($2)
		  AND a.retry_count < $3
		  AND a.ended_at IS NOT NULL
		  AND c.call_status = 'failed'
		  AND NOT EXISTS (
			SELECT 1 FROM call_attempts n
			WHERE n.contact_id = a.contact_id AND n.created_at > a.created_at
		  )
		ORDER BY a.ended_at ASC
		LIMIT 1`, campaignID, outcomes, maxRetries).StructScan(&rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call attempts: next retry candidate: %w", err)
	}
	return rec.toDomain()
}

// ResetForRetry bumps the retry count and moves the contact back to pending
// in one transaction.
func (r *CallAttemptRepository) ResetForRetry(ctx context.Context, attemptID uuid.UUID, expectedRetryCount int) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var row struct {
			ContactID  uuid.UUID `db:"contact_id"`
			RetryCount int       `db:"retry_count"`
		}
		err := tx.QueryRowxContext(ctx, `UPDATE call_attempts SET retry_count = retry_count + 1
			WHERE id = $1 AND retry_count = $2
			RETURNING contact_id, retry_count`, attemptID, expectedRetryCount).StructScan(&row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrConflict
			}
			return fmt.Errorf("call attempts: bump retry count: %w", err)
		}

		res, err := tx.ExecContext(ctx, `UPDATE contacts SET call_status = 'pending', retry_count = $1, updated_at = now()
			WHERE id = $2 AND call_status = 'failed'`, row.RetryCount, row.ContactID)
		if err != nil {
			return fmt.Errorf("call attempts: requeue contact: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return fmt.Errorf("call attempts: %w", err)
		}
		if n == 0 {
			return repository.ErrConflict
		}
		return nil
	})
}

// SaveAnalysis stores the AI analysis on the attempt.
func (r *CallAttemptRepository) SaveAnalysis(ctx context.Context, providerCallID string, analysis domain.AnalysisResult) error {
	payload, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("call attempts: marshal analysis: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE call_attempts SET analysis = $1 WHERE provider_call_id = $2`, payload, providerCallID)
	if err != nil {
		return fmt.Errorf("call attempts: save analysis: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return fmt.Errorf("call attempts: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type attemptRecord struct {
	ID             uuid.UUID       `db:"id"`
	CampaignID     uuid.UUID       `db:"campaign_id"`
	ContactID      uuid.UUID       `db:"contact_id"`
	OrganizationID uuid.UUID       `db:"organization_id"`
	ProviderCallID string          `db:"provider_call_id"`
	Outcome        sql.NullString  `db:"outcome"`
	RetryCount     int             `db:"retry_count"`
	Status         sql.NullString  `db:"status"`
	EndedReason    sql.NullString  `db:"ended_reason"`
	DurationMs     sql.NullInt64   `db:"duration_ms"`
	Cost           sql.NullFloat64 `db:"cost"`
	Transcript     sql.NullString  `db:"transcript"`
	RecordingURL   sql.NullString  `db:"recording_url"`
	Summary        sql.NullString  `db:"summary"`
	Analysis       []byte          `db:"analysis"`
	EndedAt        sql.NullTime    `db:"ended_at"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (r attemptRecord) toDomain() (*domain.CallAttempt, error) {
	attempt := &domain.CallAttempt{
		ID:             r.ID,
		CampaignID:     r.CampaignID,
		ContactID:      r.ContactID,
		OrganizationID: r.OrganizationID,
		ProviderCallID: r.ProviderCallID,
		RetryCount:     r.RetryCount,
		Status:         r.Status.String,
		EndedReason:    r.EndedReason.String,
		Duration:       time.Duration(r.DurationMs.Int64) * time.Millisecond,
		Cost:           r.Cost.Float64,
		Transcript:     r.Transcript.String,
		RecordingURL:   r.RecordingURL.String,
		Summary:        r.Summary.String,
		EndedAt:        nullTime(r.EndedAt),
		CreatedAt:      r.CreatedAt,
	}
	if r.Outcome.Valid {
		outcome := domain.CallOutcome(r.Outcome.String)
		attempt.Outcome = &outcome
	}
	if len(r.Analysis) > 0 {
		var analysis domain.AnalysisResult
		if err := json.Unmarshal(r.Analysis, &analysis); err != nil {
			return nil, fmt.Errorf("call attempts: decode analysis of %s: %w", r.ID, err)
		}
		attempt.Analysis = &analysis
	}
	return attempt, nil
}
