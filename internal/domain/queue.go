package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
)

// QueueStatus is the state of an AI processing queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

var queueTransitions = map[QueueStatus][]QueueStatus{
	QueuePending:    {QueueProcessing},
	QueueProcessing: {QueueCompleted, QueueFailed},
	QueueFailed:     {QueuePending},
}

// CheckQueueTransition validates a queue item status change.
func CheckQueueTransition(from, to QueueStatus) error {
	for _, allowed := range queueTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: queue item %s -> %s", apperrors.ErrInvalidTransition, from, to)
}

// QueueItem is a completed call waiting for AI analysis.
type QueueItem struct {
	ID             uuid.UUID
	CallID         string
	OrganizationID uuid.UUID
	Priority       int
	Status         QueueStatus
	Attempts       int
	NextRetryAt    *time.Time
	Result         *AnalysisResult
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
