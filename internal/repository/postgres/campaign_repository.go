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

const campaignColumns = `id, organization_id, name, status, paused_reason, settings, created_at, updated_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}
	return record.toDomain()
}

// ListDispatchable returns active campaigns without a paused reason, least
// recently touched first.
func (r *CampaignRepository) ListDispatchable(ctx context.Context, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status IN ('active', 'running') AND paused_reason IS NULL
		ORDER BY updated_at ASC, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list dispatchable: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

// PauseActive pauses every active campaign that has no paused reason.
func (r *CampaignRepository) PauseActive(ctx context.Context, reason domain.PausedReason) ([]domain.CampaignRef, error) {
	return r.bulkTransition(ctx, `UPDATE campaigns
		SET status = 'paused', paused_reason = $1, updated_at = now()
		WHERE status IN ('active', 'running') AND paused_reason IS NULL
		RETURNING id, organization_id`, reason)
}

// ResumePaused resumes campaigns paused for reason and clears the reason.
func (r *CampaignRepository) ResumePaused(ctx context.Context, reason domain.PausedReason) ([]domain.CampaignRef, error) {
	return r.bulkTransition(ctx, `UPDATE campaigns
		SET status = 'active', paused_reason = NULL, updated_at = now()
		WHERE status = 'paused' AND paused_reason = $1
		RETURNING id, organization_id`, reason)
}

func (r *CampaignRepository) bulkTransition(ctx context.Context, query string, reason domain.PausedReason) ([]domain.CampaignRef, error) {
	rows, err := r.db.QueryxContext(ctx, query, string(reason))
	if err != nil {
		return nil, fmt.Errorf("campaign repo: bulk transition: %w", err)
	}
	defer rows.Close()

	var refs []domain.CampaignRef
	for rows.Next() {
		var ref struct {
			ID             uuid.UUID `db:"id"`
			OrganizationID uuid.UUID `db:"organization_id"`
		}
		if err := rows.StructScan(&ref); err != nil {
			return nil, fmt.Errorf("campaign repo: scan ref: %w", err)
		}
		refs = append(refs, domain.CampaignRef{ID: ref.ID, OrganizationID: ref.OrganizationID})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return refs, nil
}

type campaignRecord struct {
	ID             uuid.UUID      `db:"id"`
	OrganizationID uuid.UUID      `db:"organization_id"`
	Name           string         `db:"name"`
	Status         string         `db:"status"`
	PausedReason   sql.NullString `db:"paused_reason"`
	Settings       []byte         `db:"settings"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r campaignRecord) toDomain() (*domain.Campaign, error) {
	status, err := domain.ParseCampaignStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: campaign %s: %w", r.ID, err)
	}

	campaign := &domain.Campaign{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		Name:           r.Name,
		Status:         status,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.PausedReason.Valid {
		reason := domain.PausedReason(r.PausedReason.String)
		campaign.PausedReason = &reason
	}
	if len(r.Settings) > 0 {
		if err := json.Unmarshal(r.Settings, &campaign.Settings); err != nil {
			return nil, fmt.Errorf("campaign repo: decode settings of %s: %w", r.ID, err)
		}
	}
	return campaign, nil
}
