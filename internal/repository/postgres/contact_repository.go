package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/repository"
)

const contactColumns = `id, campaign_id, organization_id, phone, first_name, last_name, company, email,
	call_status, retry_count, created_at, updated_at`

// ContactRepository persists campaign contacts.
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository constructs the repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Get fetches a contact by id.
func (r *ContactRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	var rec contactRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id).StructScan(&rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("contacts: get: %w", err)
	}
	contact := rec.toDomain()
	return &contact, nil
}

// ClaimNextPending moves the oldest pending contact to calling. Rows locked
// by a concurrent claimer are skipped.
func (r *ContactRepository) ClaimNextPending(ctx context.Context, campaignID uuid.UUID) (*domain.Contact, error) {
	var rec contactRecord
	err := r.db.QueryRowxContext(ctx, `UPDATE contacts SET call_status = 'calling', updated_at = now()
		WHERE id = (
			SELECT id FROM contacts
			WHERE campaign_id = $1 AND call_status = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+contactColumns, campaignID).StructScan(&rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("contacts: claim next pending: %w", err)
	}
	contact := rec.toDomain()
	return &contact, nil
}

// Transition changes call status only when the row is still in from.
func (r *ContactRepository) Transition(ctx context.Context, id uuid.UUID, from, to domain.CallStatus) error {
	if err := domain.CheckCallTransition(from, to); err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `UPDATE contacts SET call_status = $1, updated_at = now()
		WHERE id = $2 AND call_status = $3`, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("contacts: transition: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return fmt.Errorf("contacts: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM contacts WHERE id = $1)`, id); err != nil {
		return fmt.Errorf("contacts: transition lookup: %w", err)
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrConflict
}

// CountByStatus counts contacts of a campaign in status.
func (r *ContactRepository) CountByStatus(ctx context.Context, campaignID uuid.UUID, status domain.CallStatus) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM contacts WHERE campaign_id = $1 AND call_status = $2`, campaignID, string(status)); err != nil {
		return 0, fmt.Errorf("contacts: count by status: %w", err)
	}
	return n, nil
}

type contactRecord struct {
	ID             uuid.UUID      `db:"id"`
	CampaignID     uuid.UUID      `db:"campaign_id"`
	OrganizationID uuid.UUID      `db:"organization_id"`
	Phone          string         `db:"phone"`
	FirstName      sql.NullString `db:"first_name"`
	LastName       sql.NullString `db:"last_name"`
	Company        sql.NullString `db:"company"`
	Email          sql.NullString `db:"email"`
	CallStatus     string         `db:"call_status"`
	RetryCount     int            `db:"retry_count"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r contactRecord) toDomain() domain.Contact {
	return domain.Contact{
		ID:             r.ID,
		CampaignID:     r.CampaignID,
		OrganizationID: r.OrganizationID,
		Phone:          r.Phone,
		FirstName:      r.FirstName.String,
		LastName:       r.LastName.String,
		Company:        r.Company.String,
		Email:          r.Email.String,
		CallStatus:     domain.CallStatus(r.CallStatus),
		RetryCount:     r.RetryCount,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}
