package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/erazemk/najdeno/internal/model"
	"github.com/erazemk/najdeno/internal/quota"
)

// Quotas tracks how many things each owner created per weekly window.
// Counters live in quota_counters keyed by (owner_id, week_start).
type Quotas struct {
	DB *sql.DB

	// Location is the reference time zone for week boundaries. Nil means UTC.
	Location *time.Location
}

// NewQuotas returns a tracker backed by db with week boundaries in loc.
func NewQuotas(db *sql.DB, loc *time.Location) *Quotas {
	return &Quotas{DB: db, Location: loc}
}

// Window returns the quota window containing asOf.
func (q *Quotas) Window(asOf time.Time) quota.Window {
	return quota.WindowAt(asOf, q.Location)
}

// CurrentCount returns the owner's counter for the window containing asOf,
// or 0 when no counter exists yet.
func (q *Quotas) CurrentCount(ctx context.Context, ownerID string, asOf time.Time) (int, error) {
	var count int
	err := q.DB.QueryRowContext(ctx,
		`SELECT item_count FROM quota_counters WHERE owner_id = ? AND week_start = ?`,
		ownerID, q.Window(asOf).Key(),
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, model.NewStorageError("reading quota counter", err)
	}
	return count, nil
}

// IncrementIfUnderLimit atomically increments the owner's counter for the
// window containing asOf when it is below limit, returning the new count.
// At or above the limit the counter is left unchanged and a
// *model.QuotaExceededError is returned.
//
// The check and the increment are one upsert statement, so concurrent callers
// on the same key are serialized by SQLite and never both pass the check.
func (q *Quotas) IncrementIfUnderLimit(ctx context.Context, ownerID string, limit int, asOf time.Time) (int, error) {
	w := q.Window(asOf)
	if limit <= 0 {
		return 0, q.exceeded(ctx, ownerID, limit, w)
	}

	var count int
	err := q.DB.QueryRowContext(ctx,
		`INSERT INTO quota_counters (owner_id, week_start, item_count) VALUES (?, ?, 1)
		 ON CONFLICT (owner_id, week_start) DO UPDATE
		     SET item_count = quota_counters.item_count + 1
		     WHERE quota_counters.item_count < ?
		 RETURNING item_count`,
		ownerID, w.Key(), limit,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, q.exceeded(ctx, ownerID, limit, w)
	}
	if err != nil {
		return 0, model.NewStorageError("incrementing quota counter", err)
	}
	return count, nil
}

// exceeded builds the quota error. The count is informational; a failure to
// read it does not hide the rejection.
func (q *Quotas) exceeded(ctx context.Context, ownerID string, limit int, w quota.Window) error {
	count, err := q.CurrentCount(ctx, ownerID, w.Start)
	if err != nil {
		count = limit
	}
	return &model.QuotaExceededError{
		Limit:       limit,
		Count:       count,
		WindowStart: w.Start,
		WindowEnd:   w.End,
	}
}

// Decrement lowers the owner's counter for the window containing asOf by one,
// never below zero. It is the compensation for an increment whose thing was
// not persisted.
func (q *Quotas) Decrement(ctx context.Context, ownerID string, asOf time.Time) error {
	_, err := q.DB.ExecContext(ctx,
		`UPDATE quota_counters SET item_count = item_count - 1
		 WHERE owner_id = ? AND week_start = ? AND item_count > 0`,
		ownerID, q.Window(asOf).Key(),
	)
	if err != nil {
		return model.NewStorageError("decrementing quota counter", err)
	}
	return nil
}

// PurgeBefore deletes counters of windows that started before the day of
// cutoff in the reference location and returns how many were removed.
func (q *Quotas) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}
	result, err := q.DB.ExecContext(ctx,
		`DELETE FROM quota_counters WHERE week_start < ?`, cutoff.In(loc).Format(time.DateOnly),
	)
	if err != nil {
		return 0, model.NewStorageError("purging quota counters", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, model.NewStorageError("purging quota counters", err)
	}
	return n, nil
}
