package scan

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrRecordNotFound is returned for lookups of ids that do not exist or
// belong to another user.
var ErrRecordNotFound = errors.New("scan record not found")

// ScanRecordRepository persists scan records. ListByUser returns the full
// set newest-first; callers refresh wholesale rather than syncing deltas.
type ScanRecordRepository interface {
	Create(ctx context.Context, rec *ScanRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*ScanRecord, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*ScanRecord, error)
	SetReview(ctx context.Context, id uuid.UUID, review *ExpertReview) error
	Delete(ctx context.Context, id uuid.UUID) error
}
