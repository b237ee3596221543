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

const progressColumns = `id, sequence_id, contact_id, current_step_id, status, next_action_at, completed_at, updated_at`

// SequenceRepository persists sequences, their steps and contact progress.
type SequenceRepository struct {
	db *sqlx.DB
}

// NewSequenceRepository creates a new repository.
func NewSequenceRepository(db *sqlx.DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

// GetSequence fetches a sequence by id.
func (r *SequenceRepository) GetSequence(ctx context.Context, id uuid.UUID) (*domain.Sequence, error) {
	var row struct {
		ID             uuid.UUID `db:"id"`
		CampaignID     uuid.UUID `db:"campaign_id"`
		OrganizationID uuid.UUID `db:"organization_id"`
		Name           string    `db:"name"`
		IsActive       bool      `db:"is_active"`
	}
	err := r.db.GetContext(ctx, &row, `SELECT id, campaign_id, organization_id, name, is_active FROM sequences WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("sequences: get: %w", err)
	}
	return &domain.Sequence{
		ID:             row.ID,
		CampaignID:     row.CampaignID,
		OrganizationID: row.OrganizationID,
		Name:           row.Name,
		IsActive:       row.IsActive,
	}, nil
}

// ListSteps retrieves the steps of a sequence in step order.
func (r *SequenceRepository) ListSteps(ctx context.Context, sequenceID uuid.UUID) ([]domain.SequenceStep, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT id, sequence_id, step_order, step_type, config
		FROM sequence_steps WHERE sequence_id = $1 ORDER BY step_order ASC`, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("sequences: list steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.SequenceStep
	for rows.Next() {
		var row struct {
			ID         uuid.UUID `db:"id"`
			SequenceID uuid.UUID `db:"sequence_id"`
			StepOrder  int       `db:"step_order"`
			StepType   string    `db:"step_type"`
			Config     []byte    `db:"config"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("sequences: scan step: %w", err)
		}
		step := domain.SequenceStep{
			ID:         row.ID,
			SequenceID: row.SequenceID,
			StepOrder:  row.StepOrder,
			Type:       domain.StepType(row.StepType),
		}
		if len(row.Config) > 0 {
			if err := json.Unmarshal(row.Config, &step.Config); err != nil {
				return nil, fmt.Errorf("sequences: decode step %s: %w", row.ID, err)
			}
		}
		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequences: rows err: %w", err)
	}
	return steps, nil
}

// DueProgress returns active rows whose next action is due.
func (r *SequenceRepository) DueProgress(ctx context.Context, now time.Time, limit int) ([]domain.SequenceProgress, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT `+progressColumns+`
		FROM sequence_progress
		WHERE status = 'active' AND next_action_at <= $1
		ORDER BY next_action_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("sequences: due progress: %w", err)
	}
	defer rows.Close()

	var out []domain.SequenceProgress
	for rows.Next() {
		var rec progressRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("sequences: scan progress: %w", err)
		}
		out = append(out, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequences: rows err: %w", err)
	}
	return out, nil
}

// GetProgress fetches one progress row.
func (r *SequenceRepository) GetProgress(ctx context.Context, id uuid.UUID) (*domain.SequenceProgress, error) {
	var rec progressRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+progressColumns+` FROM sequence_progress WHERE id = $1`, id).StructScan(&rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("sequences: get progress: %w", err)
	}
	p := rec.toDomain()
	return &p, nil
}

// CreateProgress inserts a row. The partial unique index on active rows
// rejects a second enrollment with ErrConflict.
func (r *SequenceRepository) CreateProgress(ctx context.Context, progress *domain.SequenceProgress) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO sequence_progress (`+progressColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		progress.ID, progress.SequenceID, progress.ContactID, progress.CurrentStepID,
		string(progress.Status), progress.NextActionAt, progress.CompletedAt, progress.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("sequences: create progress: %w", err)
	}
	return nil
}

// UpdateProgress applies the change only while the row still has the
// expected step and status.
func (r *SequenceRepository) UpdateProgress(ctx context.Context, u domain.ProgressUpdate) error {
	if err := domain.CheckProgressTransition(u.ExpectedStatus, u.Status); err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `UPDATE sequence_progress SET
		current_step_id = $1, status = $2, next_action_at = $3, completed_at = $4, updated_at = now()
		WHERE id = $5 AND status = $6 AND current_step_id IS NOT DISTINCT FROM $7`,
		u.StepID, string(u.Status), u.NextActionAt, u.CompletedAt, u.ID, string(u.ExpectedStatus), u.ExpectedStepID)
	if err != nil {
		return fmt.Errorf("sequences: update progress: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return fmt.Errorf("sequences: %w", err)
	}
	if n == 0 {
		return repository.ErrConflict
	}
	return nil
}

type progressRecord struct {
	ID            uuid.UUID     `db:"id"`
	SequenceID    uuid.UUID     `db:"sequence_id"`
	ContactID     uuid.UUID     `db:"contact_id"`
	CurrentStepID uuid.NullUUID `db:"current_step_id"`
	Status        string        `db:"status"`
	NextActionAt  time.Time     `db:"next_action_at"`
	CompletedAt   sql.NullTime  `db:"completed_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

func (r progressRecord) toDomain() domain.SequenceProgress {
	p := domain.SequenceProgress{
		ID:           r.ID,
		SequenceID:   r.SequenceID,
		ContactID:    r.ContactID,
		Status:       domain.ProgressStatus(r.Status),
		NextActionAt: r.NextActionAt,
		CompletedAt:  nullTime(r.CompletedAt),
		UpdatedAt:    r.UpdatedAt,
	}
	if r.CurrentStepID.Valid {
		id := r.CurrentStepID.UUID
		p.CurrentStepID = &id
	}
	return p
}
