package scan

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/wheezy049/dicomscan/pkg/pagination"
)

// RecordCache holds scan records keyed by user, newest first, refreshed
// wholesale after every mutation. Entries are per user so one user's refresh
// can never surface in another user's page. A failed refresh drops that
// user's entry rather than serving stale rows.
type RecordCache struct {
	mu      sync.RWMutex
	repo    ScanRecordRepository
	records map[uuid.UUID][]*ScanRecord
}

func NewRecordCache(repo ScanRecordRepository) *RecordCache {
	return &RecordCache{repo: repo, records: make(map[uuid.UUID][]*ScanRecord)}
}

// Refresh replaces the user's cached set with a fresh read.
func (c *RecordCache) Refresh(ctx context.Context, userID uuid.UUID) error {
	records, err := c.repo.ListByUser(ctx, userID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		delete(c.records, userID)
		return err
	}
	c.records[userID] = records
	return nil
}

// Records returns a copy of the user's cached set.
func (c *RecordCache) Records(userID uuid.UUID) []*ScanRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ScanRecord, len(c.records[userID]))
	copy(out, c.records[userID])
	return out
}

func (c *RecordCache) Len(userID uuid.UUID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records[userID])
}

// Page slices the user's cached set for the requested page. The page number
// is clamped, so a delete that empties the last page lands the caller on the
// new last page instead of an empty one.
func (c *RecordCache) Page(userID uuid.UUID, p pagination.Params) *pagination.Response {
	c.mu.RLock()
	defer c.mu.RUnlock()

	records := c.records[userID]
	total := len(records)
	start, end := p.Bounds(total)
	page := make([]*ScanRecord, end-start)
	copy(page, records[start:end])
	return pagination.NewResponse(page, total, p.Clamp(total).Page)
}
