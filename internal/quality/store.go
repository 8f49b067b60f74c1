package quality

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"whatsapp-calling/pkg/utils"
)

// Store persists metrics.
//
// Save inserts when m.Version is 0 and otherwise updates only if the stored
// version still equals m.Version. Both paths fail with utils.ErrConflict when
// another writer got there first.
type Store interface {
	Get(ctx context.Context, key Key) (Metric, error)
	Save(ctx context.Context, m Metric) (Metric, error)
}

// MemoryStore keeps metrics in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	metrics map[Key]Metric
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{metrics: map[Key]Metric{}, now: time.Now}
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[key]
	if !ok {
		return Metric{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) Save(ctx context.Context, m Metric) (Metric, error) {
	key := Key{AccountID: m.AccountID, ContactNumber: m.ContactNumber}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.metrics[key]
	switch {
	case m.Version == 0 && ok:
		return Metric{}, utils.ErrConflict
	case m.Version != 0 && !ok:
		return Metric{}, ErrNotFound
	case ok && cur.Version != m.Version:
		return Metric{}, utils.ErrConflict
	}
	m.Version++
	m.UpdatedAt = s.now().UTC()
	s.metrics[key] = m
	return m, nil
}

// PostgresStore keeps metrics in the quality_metrics table.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (Metric, error) {
	const q = `
SELECT account_id, contact_number,
       total_calls, connected_calls, missed_calls, rejected_calls, failed_calls,
       consecutive_missed, consecutive_connected,
       warning_sent, warning_sent_at_call, last_connected_at_call,
       last_call_at, version, updated_at
FROM quality_metrics
WHERE account_id = $1 AND contact_number = $2
`
	var (
		m        Metric
		lastCall sql.NullTime
	)
	if err := s.db.QueryRowContext(ctx, q, key.AccountID, key.ContactNumber).Scan(
		&m.AccountID,
		&m.ContactNumber,
		&m.TotalCalls,
		&m.ConnectedCalls,
		&m.MissedCalls,
		&m.RejectedCalls,
		&m.FailedCalls,
		&m.ConsecutiveMissed,
		&m.ConsecutiveConnected,
		&m.WarningSent,
		&m.WarningSentAtCall,
		&m.LastConnectedAtCall,
		&lastCall,
		&m.Version,
		&m.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Metric{}, ErrNotFound
		}
		return Metric{}, err
	}
	if lastCall.Valid {
		t := lastCall.Time.UTC()
		m.LastCallAt = &t
	}
	return m, nil
}

func (s *PostgresStore) Save(ctx context.Context, m Metric) (Metric, error) {
	now := s.now().UTC()
	var lastCall sql.NullTime
	if m.LastCallAt != nil {
		lastCall = sql.NullTime{Time: *m.LastCallAt, Valid: true}
	}

	if m.Version == 0 {
		const q = `
INSERT INTO quality_metrics (
  account_id, contact_number,
  total_calls, connected_calls, missed_calls, rejected_calls, failed_calls,
  consecutive_missed, consecutive_connected,
  warning_sent, warning_sent_at_call, last_connected_at_call,
  last_call_at, version, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1,$14)
`
		if _, err := s.db.ExecContext(ctx, q,
			m.AccountID, m.ContactNumber,
			m.TotalCalls, m.ConnectedCalls, m.MissedCalls, m.RejectedCalls, m.FailedCalls,
			m.ConsecutiveMissed, m.ConsecutiveConnected,
			m.WarningSent, m.WarningSentAtCall, m.LastConnectedAtCall,
			lastCall, now,
		); err != nil {
			if utils.IsUniqueViolation(err) {
				return Metric{}, utils.ErrConflict
			}
			return Metric{}, err
		}
		m.Version = 1
		m.UpdatedAt = now
		return m, nil
	}

	const q = `
UPDATE quality_metrics SET
  total_calls = $3,
  connected_calls = $4,
  missed_calls = $5,
  rejected_calls = $6,
  failed_calls = $7,
  consecutive_missed = $8,
  consecutive_connected = $9,
  warning_sent = $10,
  warning_sent_at_call = $11,
  last_connected_at_call = $12,
  last_call_at = $13,
  version = version + 1,
  updated_at = $14
WHERE account_id = $1 AND contact_number = $2 AND version = $15
`
	res, err := s.db.ExecContext(ctx, q,
		m.AccountID, m.ContactNumber,
		m.TotalCalls, m.ConnectedCalls, m.MissedCalls, m.RejectedCalls, m.FailedCalls,
		m.ConsecutiveMissed, m.ConsecutiveConnected,
		m.WarningSent, m.WarningSentAtCall, m.LastConnectedAtCall,
		lastCall, now, m.Version,
	)
	if err != nil {
		return Metric{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Metric{}, err
	}
	if n == 0 {
		// Either the row is gone (never happens, rows are not deleted) or the
		// version moved under us.
		return Metric{}, utils.ErrConflict
	}
	m.Version++
	m.UpdatedAt = now
	return m, nil
}
