package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/repository"
)

var (
	_ repository.HealthRepository = (*HealthLog)(nil)
	_ repository.CallEventArchive = (*EventArchive)(nil)
)

// HealthLog is the append-only provider health log. Rows of one provider
// are clustered newest first.
type HealthLog struct {
	session *gocql.Session
}

// NewHealthLog creates a new health log.
func NewHealthLog(session *gocql.Session) *HealthLog {
	return &HealthLog{session: session}
}

// Append inserts one record.
func (l *HealthLog) Append(ctx context.Context, record domain.HealthRecord) error {
	var errText *string
	if record.Error != "" {
		errText = &record.Error
	}
	if err := l.session.Query(`INSERT INTO provider_health (provider, checked_at, status, consecutive_failures, response_time_ms, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.Provider, record.CheckedAt, string(record.Status), record.ConsecutiveFailures,
		record.ResponseTime.Milliseconds(), errText,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("health log: insert: %w", err)
	}
	return nil
}

// Latest returns the newest record of the provider.
func (l *HealthLog) Latest(ctx context.Context, provider string) (*domain.HealthRecord, error) {
	var (
		checkedAt  time.Time
		status     string
		failures   int
		responseMs int64
		errText    *string
	)
	err := l.session.Query(`SELECT checked_at, status, consecutive_failures, response_time_ms, error
		FROM provider_health WHERE provider = ? LIMIT 1`, provider,
	).WithContext(ctx).Scan(&checkedAt, &status, &failures, &responseMs, &errText)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("health log: latest: %w", err)
	}

	record := &domain.HealthRecord{
		Provider:            provider,
		Status:              domain.HealthStatus(status),
		ConsecutiveFailures: failures,
		ResponseTime:        time.Duration(responseMs) * time.Millisecond,
		CheckedAt:           checkedAt.UTC(),
	}
	if errText != nil {
		record.Error = *errText
	}
	return record, nil
}

// EventArchive stores raw provider callbacks by call.
type EventArchive struct {
	session *gocql.Session
}

// NewEventArchive creates a new archive.
func NewEventArchive(session *gocql.Session) *EventArchive {
	return &EventArchive{session: session}
}

// Archive inserts one payload.
func (a *EventArchive) Archive(ctx context.Context, providerCallID, eventType string, payload []byte, receivedAt time.Time) error {
	if err := a.session.Query(`INSERT INTO call_events (provider_call_id, received_at, event_id, event_type, payload)
		VALUES (?, ?, ?, ?, ?)`,
		providerCallID, receivedAt, gocql.TimeUUID(), eventType, payload,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("event archive: insert: %w", err)
	}
	return nil
}

// History returns the archived events of a call, newest first.
func (a *EventArchive) History(ctx context.Context, providerCallID string, limit int) ([]domain.ArchivedEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	iter := a.session.Query(`SELECT received_at, event_type, payload FROM call_events WHERE provider_call_id = ? LIMIT ?`,
		providerCallID, limit).WithContext(ctx).Iter()

	var (
		out        []domain.ArchivedEvent
		receivedAt time.Time
		eventType  string
		payload    []byte
	)
	for iter.Scan(&receivedAt, &eventType, &payload) {
		out = append(out, domain.ArchivedEvent{
			ProviderCallID: providerCallID,
			Type:           eventType,
			Payload:        append([]byte(nil), payload...),
			ReceivedAt:     receivedAt.UTC(),
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("event archive: history: %w", err)
	}
	return out, nil
}
