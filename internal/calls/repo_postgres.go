package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"whatsapp-calling/pkg/utils"
)

// NOTE: This repository assumes the call_records table from
// internal/database/migrations exists. Rows are never deleted.

// PostgresRepo stores call records in Postgres through database/sql (pgx stdlib).
type PostgresRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, now: time.Now}
}

const callRecordColumns = `call_id, account_id, direction, contact_number, phase, outcome,
started_at, connected_at, ended_at, duration_seconds,
callback_sent, callback_sent_at, callback_completed, callback_completed_at,
version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallRecord(s rowScanner) (CallRecord, error) {
	var (
		rec                                       CallRecord
		connectedAt, endedAt, sentAt, completedAt sql.NullTime
	)
	if err := s.Scan(
		&rec.CallID,
		&rec.AccountID,
		&rec.Direction,
		&rec.ContactNumber,
		&rec.Phase,
		&rec.Outcome,
		&rec.StartedAt,
		&connectedAt,
		&endedAt,
		&rec.DurationSeconds,
		&rec.CallbackSent,
		&sentAt,
		&rec.CallbackCompleted,
		&completedAt,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return CallRecord{}, err
	}
	rec.ConnectedAt = fromNullTime(connectedAt)
	rec.EndedAt = fromNullTime(endedAt)
	rec.CallbackSentAt = fromNullTime(sentAt)
	rec.CallbackCompletedAt = fromNullTime(completedAt)
	return rec, nil
}

func (r *PostgresRepo) Get(ctx context.Context, callID string) (CallRecord, error) {
	q := `SELECT ` + callRecordColumns + ` FROM call_records WHERE call_id = $1`
	rec, err := scanCallRecord(r.db.QueryRowContext(ctx, q, callID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	return rec, nil
}

func (r *PostgresRepo) Insert(ctx context.Context, rec CallRecord) (CallRecord, error) {
	if strings.TrimSpace(rec.CallID) == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	now := r.now().UTC()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	const q = `
INSERT INTO call_records (
  call_id, account_id, direction, contact_number, phase, outcome,
  started_at, connected_at, ended_at, duration_seconds,
  callback_sent, callback_sent_at, callback_completed, callback_completed_at,
  version, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
`
	_, err := r.db.ExecContext(ctx, q,
		rec.CallID,
		rec.AccountID,
		rec.Direction,
		rec.ContactNumber,
		rec.Phase,
		rec.Outcome,
		rec.StartedAt,
		toNullTime(rec.ConnectedAt),
		toNullTime(rec.EndedAt),
		rec.DurationSeconds,
		rec.CallbackSent,
		toNullTime(rec.CallbackSentAt),
		rec.CallbackCompleted,
		toNullTime(rec.CallbackCompletedAt),
		rec.Version,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		if utils.IsUniqueViolation(err) {
			return CallRecord{}, ErrAlreadyExists
		}
		return CallRecord{}, err
	}
	return rec, nil
}

func (r *PostgresRepo) Update(ctx context.Context, rec CallRecord) (CallRecord, error) {
	var out CallRecord
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// Row lock serializes writers across API replicas; the version check
		// catches writers that read before we locked.
		const lockQ = `SELECT version, created_at FROM call_records WHERE call_id = $1 FOR UPDATE`
		var (
			version   int64
			createdAt time.Time
		)
		if err := tx.QueryRowContext(ctx, lockQ, rec.CallID).Scan(&version, &createdAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if version != rec.Version {
			return utils.ErrConflict
		}

		rec.Version = version + 1
		rec.CreatedAt = createdAt
		rec.UpdatedAt = r.now().UTC()

		const q = `
UPDATE call_records SET
  phase = $2,
  outcome = $3,
  started_at = $4,
  connected_at = $5,
  ended_at = $6,
  duration_seconds = $7,
  callback_sent = $8,
  callback_sent_at = $9,
  callback_completed = $10,
  callback_completed_at = $11,
  version = $12,
  updated_at = $13
WHERE call_id = $1
`
		if _, err := tx.ExecContext(ctx, q,
			rec.CallID,
			rec.Phase,
			rec.Outcome,
			rec.StartedAt,
			toNullTime(rec.ConnectedAt),
			toNullTime(rec.EndedAt),
			rec.DurationSeconds,
			rec.CallbackSent,
			toNullTime(rec.CallbackSentAt),
			rec.CallbackCompleted,
			toNullTime(rec.CallbackCompletedAt),
			rec.Version,
			rec.UpdatedAt,
		); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return CallRecord{}, err
	}
	return out, nil
}

func (r *PostgresRepo) List(ctx context.Context, f Filter) ([]CallRecord, error) {
	if strings.TrimSpace(f.AccountID) == "" {
		return nil, ErrInvalidArgument
	}

	var (
		b    strings.Builder
		args = []any{f.AccountID}
	)
	b.WriteString(`SELECT ` + callRecordColumns + ` FROM call_records WHERE account_id = $1`)
	if f.ContactNumber != "" {
		args = append(args, f.ContactNumber)
		fmt.Fprintf(&b, " AND contact_number = $%d", len(args))
	}
	if f.Outcome != "" {
		args = append(args, f.Outcome)
		fmt.Fprintf(&b, " AND outcome = $%d", len(args))
	}
	if f.Direction != "" {
		args = append(args, f.Direction)
		fmt.Fprintf(&b, " AND direction = $%d", len(args))
	}
	if !f.StartedFrom.IsZero() {
		args = append(args, f.StartedFrom)
		fmt.Fprintf(&b, " AND started_at >= $%d", len(args))
	}
	if !f.StartedTo.IsZero() {
		args = append(args, f.StartedTo)
		fmt.Fprintf(&b, " AND started_at < $%d", len(args))
	}
	if f.UnhandledOnly {
		b.WriteString(" AND callback_completed = false")
	}
	b.WriteString(" ORDER BY started_at DESC, call_id ASC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CallRecord, 0)
	for rows.Next() {
		rec, err := scanCallRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
