package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/webrtcproxy/internal/b2bua"
)

// CDR is a stored call detail record.
type CDR struct {
	ID          int64      `json:"id"`
	RecordID    string     `json:"record_id"`
	CallID      string     `json:"call_id"`
	Direction   string     `json:"direction"`
	From        string     `json:"from"`
	To          string     `json:"to"`
	User        string     `json:"user"`
	StartTime   time.Time  `json:"start_time"`
	AnswerTime  *time.Time `json:"answer_time,omitempty"`
	EndTime     time.Time  `json:"end_time"`
	Duration    int        `json:"duration"`
	BillableDur int        `json:"billable_dur"`
	Disposition string     `json:"disposition"`
	HangupCause string     `json:"hangup_cause"`
	MediaEngine string     `json:"media_engine"`
}

// CDRListFilter specifies filtering and pagination for CDR list queries.
type CDRListFilter struct {
	Direction string
	User      string
	Search    string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// CDRRepository manages call detail records. It also records calls for
// the call processor.
type CDRRepository interface {
	b2bua.CDRRecorder

	GetByCallID(ctx context.Context, callID string) (*CDR, error)
	List(ctx context.Context, filter CDRListFilter) ([]CDR, int, error)
	ListRecent(ctx context.Context, limit int) ([]CDR, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates a CDRRepository.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

const cdrColumns = `id, record_id, call_id, direction, from_uri, to_uri, username,
	start_time, answer_time, end_time, duration, billable_dur,
	disposition, hangup_cause, media_engine`

// RecordCall inserts the record of a finished call.
func (r *cdrRepo) RecordCall(ctx context.Context, rec b2bua.CallRecord) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO cdrs (record_id, call_id, direction, from_uri, to_uri, username,
		 start_time, answer_time, end_time, duration, billable_dur,
		 disposition, hangup_cause, media_engine)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.CallID, string(rec.Direction), rec.From, rec.To, rec.User,
		rec.StartedAt.UTC(), utcPtr(rec.AnsweredAt), rec.EndedAt.UTC(), rec.Duration, rec.BillableDur,
		rec.Disposition, rec.HangupCause, rec.MediaEngine,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// GetByCallID returns the most recent CDR for a caller-side Call-ID, or
// nil if there is none.
func (r *cdrRepo) GetByCallID(ctx context.Context, callID string) (*CDR, error) {
	row := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT `+cdrColumns+` FROM cdrs WHERE call_id = ? ORDER BY start_time DESC LIMIT 1`), callID)

	c, err := scanCDR(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cdr: %w", err)
	}
	return c, nil
}

// List returns CDRs matching the filter, newest first, along with the
// total count.
func (r *cdrRepo) List(ctx context.Context, filter CDRListFilter) ([]CDR, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.User != "" {
		where += " AND username = ?"
		args = append(args, filter.User)
	}
	if filter.Search != "" {
		where += " AND (from_uri LIKE ? OR to_uri LIKE ? OR call_id LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s, s)
	}
	if !filter.Since.IsZero() {
		where += " AND start_time >= ?"
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		where += " AND start_time <= ?"
		args = append(args, filter.Until.UTC())
	}

	var total int
	if err := r.db.QueryRowContext(ctx, r.db.rebind("SELECT COUNT(*) FROM cdrs WHERE "+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting cdrs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + cdrColumns + ` FROM cdrs WHERE ` + where + ` ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	cdrs, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing cdrs: %w", err)
	}
	return cdrs, total, nil
}

// ListRecent returns the most recent CDRs up to limit.
func (r *cdrRepo) ListRecent(ctx context.Context, limit int) ([]CDR, error) {
	cdrs, err := r.query(ctx, `SELECT `+cdrColumns+` FROM cdrs ORDER BY start_time DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent cdrs: %w", err)
	}
	return cdrs, nil
}

// DeleteBefore removes CDRs that started before the given time and
// returns how many were removed.
func (r *cdrRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.rebind(`DELETE FROM cdrs WHERE start_time < ?`), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting old cdrs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted cdrs: %w", err)
	}
	return n, nil
}

func (r *cdrRepo) query(ctx context.Context, query string, args ...any) ([]CDR, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cdrs []CDR
	for rows.Next() {
		c, err := scanCDR(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cdr row: %w", err)
		}
		cdrs = append(cdrs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cdr rows: %w", err)
	}
	return cdrs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCDR(s scanner) (*CDR, error) {
	var (
		c      CDR
		answer sql.NullTime
	)
	if err := s.Scan(&c.ID, &c.RecordID, &c.CallID, &c.Direction, &c.From, &c.To, &c.User,
		&c.StartTime, &answer, &c.EndTime, &c.Duration, &c.BillableDur,
		&c.Disposition, &c.HangupCause, &c.MediaEngine); err != nil {
		return nil, err
	}
	if answer.Valid {
		t := answer.Time
		c.AnswerTime = &t
	}
	return &c, nil
}
