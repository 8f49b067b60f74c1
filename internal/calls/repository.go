package calls

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"whatsapp-calling/pkg/utils"
)

// Repository persists call records.
//
// Rules:
//   - Insert fails with ErrAlreadyExists for a known call id.
//   - Update succeeds only if rec.Version matches the stored version and fails
//     with utils.ErrConflict otherwise. The returned record carries the new version.
//   - List returns records newest first (started_at DESC).
type Repository interface {
	Get(ctx context.Context, callID string) (CallRecord, error)
	Insert(ctx context.Context, rec CallRecord) (CallRecord, error)
	Update(ctx context.Context, rec CallRecord) (CallRecord, error)
	List(ctx context.Context, f Filter) ([]CallRecord, error)
}

// MemoryRepo is an in-memory Repository for tests and local runs.
type MemoryRepo struct {
	mu      sync.Mutex
	records map[string]CallRecord
	now     func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: map[string]CallRecord{}, now: time.Now}
}

func (r *MemoryRepo) Get(ctx context.Context, callID string) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[callID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (r *MemoryRepo) Insert(ctx context.Context, rec CallRecord) (CallRecord, error) {
	if strings.TrimSpace(rec.CallID) == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.CallID]; ok {
		return CallRecord{}, ErrAlreadyExists
	}
	now := r.now().UTC()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	r.records[rec.CallID] = rec
	return rec, nil
}

func (r *MemoryRepo) Update(ctx context.Context, rec CallRecord) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.records[rec.CallID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	if cur.Version != rec.Version {
		return CallRecord{}, utils.ErrConflict
	}
	rec.Version++
	rec.CreatedAt = cur.CreatedAt
	rec.UpdatedAt = r.now().UTC()
	r.records[rec.CallID] = rec
	return rec, nil
}

func (r *MemoryRepo) List(ctx context.Context, f Filter) ([]CallRecord, error) {
	if strings.TrimSpace(f.AccountID) == "" {
		return nil, ErrInvalidArgument
	}
	r.mu.Lock()
	out := make([]CallRecord, 0)
	for _, rec := range r.records {
		if f.matches(rec) {
			out = append(out, rec)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].CallID < out[j].CallID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
