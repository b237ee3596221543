package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/repository"
)

const queueColumns = `id, call_id, organization_id, priority, status, attempts, next_retry_at, result, last_error, created_at, updated_at`

// QueueRepository persists the AI processing queue.
type QueueRepository struct {
	db *sqlx.DB
}

// NewQueueRepository constructs the repository.
func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// Insert adds an item. The unique index on call_id turns a duplicate into
// ErrAlreadyQueued.
func (r *QueueRepository) Insert(ctx context.Context, item *domain.QueueItem) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO processing_queue (
		id, call_id, organization_id, priority, status, attempts, created_at, updated_at
	) VALUES (
		:id, :call_id, :organization_id, :priority, :status, :attempts, :created_at, :updated_at
	)`, map[string]any{
		"id":              item.ID,
		"call_id":         item.CallID,
		"organization_id": item.OrganizationID,
		"priority":        item.Priority,
		"status":          string(item.Status),
		"attempts":        item.Attempts,
		"created_at":      item.CreatedAt,
		"updated_at":      item.UpdatedAt,
	})
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrAlreadyQueued
		}
		return fmt.Errorf("processing queue: insert: %w", err)
	}
	return nil
}

// Get fetches an item by id.
func (r *QueueRepository) Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	var rec queueRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+queueColumns+` FROM processing_queue WHERE id = $1`, id).StructScan(&rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("processing queue: get: %w", err)
	}
	return rec.toDomain()
}

// ClaimPending moves up to limit pending items to processing, highest
// priority first and oldest first within a priority. Rows claimed by a
// concurrent poller are skipped.
func (r *QueueRepository) ClaimPending(ctx context.Context, limit, maxAttempts int) ([]domain.QueueItem, error) {
	rows, err := r.db.QueryxContext(ctx, `UPDATE processing_queue SET status = 'processing', updated_at = now()
		WHERE id IN (
			SELECT id FROM processing_queue
			WHERE status = 'pending' AND attempts <= $2
			ORDER BY priority DESC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns, limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("processing queue: claim pending: %w", err)
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		var rec queueRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("processing queue: scan: %w", err)
		}
		item, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("processing queue: rows err: %w", err)
	}

	// RETURNING does not keep the subquery order.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// Claim moves one pending item to processing.
func (r *QueueRepository) Claim(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	var rec queueRecord
	err := r.db.QueryRowxContext(ctx, `UPDATE processing_queue SET status = 'processing', updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+queueColumns, id).StructScan(&rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.missingOrConflict(ctx, id)
		}
		return nil, fmt.Errorf("processing queue: claim: %w", err)
	}
	return rec.toDomain()
}

// Complete stores the result on a processing item.
func (r *QueueRepository) Complete(ctx context.Context, id uuid.UUID, result domain.AnalysisResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("processing queue: marshal result: %w", err)
	}
	return r.move(ctx, id, domain.QueueProcessing, domain.QueueCompleted,
		`result = $4, last_error = NULL`, payload)
}

// Fail records a scoring failure and the earliest retry time.
func (r *QueueRepository) Fail(ctx context.Context, id uuid.UUID, reason string, nextRetryAt time.Time) error {
	return r.move(ctx, id, domain.QueueProcessing, domain.QueueFailed,
		`attempts = attempts + 1, last_error = $4, next_retry_at = $5`, reason, nextRetryAt)
}

// Requeue moves a failed item back to pending.
func (r *QueueRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	return r.move(ctx, id, domain.QueueFailed, domain.QueuePending, `next_retry_at = NULL`)
}

// move runs a conditional status change. set may reference $4 onwards.
func (r *QueueRepository) move(ctx context.Context, id uuid.UUID, from, to domain.QueueStatus, set string, args ...any) error {
	if err := domain.CheckQueueTransition(from, to); err != nil {
		return err
	}
	params := append([]any{string(to), id, string(from)}, args...)
	res, err := r.db.ExecContext(ctx, `UPDATE processing_queue SET status = $1, updated_at = now(), `+set+`
		WHERE id = $2 AND status = $3`, params...)
	if err != nil {
		return fmt.Errorf("processing queue: %s -> %s: %w", from, to, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return fmt.Errorf("processing queue: %w", err)
	}
	if n == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

func (r *QueueRepository) missingOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM processing_queue WHERE id = $1)`, id); err != nil {
		return fmt.Errorf("processing queue: lookup: %w", err)
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrConflict
}

type queueRecord struct {
	ID             uuid.UUID      `db:"id"`
	CallID         string         `db:"call_id"`
	OrganizationID uuid.UUID      `db:"organization_id"`
	Priority       int            `db:"priority"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	NextRetryAt    sql.NullTime   `db:"next_retry_at"`
	Result         []byte         `db:"result"`
	LastError      sql.NullString `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r queueRecord) toDomain() (*domain.QueueItem, error) {
	item := &domain.QueueItem{
		ID:             r.ID,
		CallID:         r.CallID,
		OrganizationID: r.OrganizationID,
		Priority:       r.Priority,
		Status:         domain.QueueStatus(r.Status),
		Attempts:       r.Attempts,
		NextRetryAt:    nullTime(r.NextRetryAt),
		LastError:      r.LastError.String,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.Result) > 0 {
		var result domain.AnalysisResult
		if err := json.Unmarshal(r.Result, &result); err != nil {
			return nil, fmt.Errorf("processing queue: decode result of %s: %w", r.ID, err)
		}
		item.Result = &result
	}
	return item, nil
}

var (
	_ repository.CampaignRepository    = (*CampaignRepository)(nil)
	_ repository.ContactRepository     = (*ContactRepository)(nil)
	_ repository.CallAttemptRepository = (*CallAttemptRepository)(nil)
	_ repository.SequenceRepository    = (*SequenceRepository)(nil)
	_ repository.QueueRepository       = (*QueueRepository)(nil)
)
