// Package queue is the durable store-and-forward buffer for readings. A
// reading persisted by Enqueue survives a crash and stays retrievable
// until it is marked delivered or abandoned; the store never silently
// drops data in either direction.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"spokesense/uplink/internal/model"

	_ "modernc.org/sqlite"
)

// Queue wraps the SQLite database connection and schema lifecycle.
type Queue struct {
	db          *sql.DB
	maxAttempts int
}

// Open initializes the database connection, creating directories as
// needed. maxAttempts is the abandonment ceiling: once a pending entry has
// failed that many delivery attempts it transitions to abandoned.
func Open(path string, maxAttempts int) (*Queue, error) {
	if maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", maxAttempts)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Queue{db: db, maxAttempts: maxAttempts}, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

// InitSchema ensures baseline tables exist.
func (q *Queue) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			captured_at TEXT NOT NULL,
			device_id TEXT NOT NULL,
			speed_kph REAL NOT NULL,
			pulse_count INTEGER NOT NULL,
			latitude REAL,
			longitude REAL,
			battery_pct INTEGER,
			signal_dbm INTEGER,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_readings_status ON readings(status, id);`,
	}

	for _, stmt := range stmts {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// Enqueue persists a reading and returns its entry id. Persistence is
// synchronous: when Enqueue returns without error the reading is on stable
// storage. A failure here must propagate loudly; swallowing it would break
// the at-least-once contract.
func (q *Queue) Enqueue(ctx context.Context, r model.Reading) (int64, error) {
	if q.db == nil {
		return 0, fmt.Errorf("queue not initialized")
	}

	capturedAt := r.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}

	res, err := q.db.ExecContext(
		ctx,
		`INSERT INTO readings (captured_at, device_id, speed_kph, pulse_count, latitude, longitude, battery_pct, signal_dbm)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		capturedAt.UTC().Format(time.RFC3339Nano),
		r.DeviceID,
		r.SpeedKPH,
		r.PulseCount,
		nullFloat(r.Latitude),
		nullFloat(r.Longitude),
		nullInt(r.BatteryPct),
		nullInt(r.SignalDBM),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue reading: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue reading id: %w", err)
	}
	return id, nil
}

// PeekPending returns up to limit pending entries in creation order,
// oldest first. Delivery order matters downstream.
func (q *Queue) PeekPending(ctx context.Context, limit int) ([]model.Entry, error) {
	if q.db == nil {
		return nil, fmt.Errorf("queue not initialized")
	}

	if limit <= 0 {
		limit = 10
	}

	rows, err := q.db.QueryContext(
		ctx,
		`SELECT id, captured_at, device_id, speed_kph, pulse_count, latitude, longitude, battery_pct, signal_dbm,
			status, attempt_count, last_attempt_at, created_at
		 FROM readings
		 WHERE status = 'pending'
		 ORDER BY id ASC
		 LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending readings: %w", err)
	}
	defer rows.Close()

	entries := make([]model.Entry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending readings: %w", err)
	}

	return entries, nil
}

// MarkDelivered records a successful delivery. Pending -> Delivered is
// terminal; marking an already-delivered or abandoned entry is a no-op.
func (q *Queue) MarkDelivered(ctx context.Context, id int64) error {
	if q.db == nil {
		return fmt.Errorf("queue not initialized")
	}

	_, err := q.db.ExecContext(
		ctx,
		`UPDATE readings SET status = 'delivered' WHERE id = ? AND status = 'pending';`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkAttemptFailed increments the attempt count and, once the abandonment
// ceiling is reached, transitions the entry to abandoned. A no-op for
// entries no longer pending.
func (q *Queue) MarkAttemptFailed(ctx context.Context, id int64) error {
	if q.db == nil {
		return fmt.Errorf("queue not initialized")
	}

	_, err := q.db.ExecContext(
		ctx,
		`UPDATE readings
		 SET attempt_count = attempt_count + 1,
			 last_attempt_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now'),
			 status = CASE WHEN attempt_count + 1 >= ? THEN 'abandoned' ELSE 'pending' END
		 WHERE id = ? AND status = 'pending';`,
		q.maxAttempts,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark attempt failed: %w", err)
	}
	return nil
}

// Entry returns a single entry by id.
func (q *Queue) Entry(ctx context.Context, id int64) (model.Entry, error) {
	if q.db == nil {
		return model.Entry{}, fmt.Errorf("queue not initialized")
	}

	row := q.db.QueryRowContext(
		ctx,
		`SELECT id, captured_at, device_id, speed_kph, pulse_count, latitude, longitude, battery_pct, signal_dbm,
			status, attempt_count, last_attempt_at, created_at
		 FROM readings WHERE id = ?;`,
		id,
	)
	return scanEntry(row)
}

// Counts reports how many entries sit in each delivery status.
func (q *Queue) Counts(ctx context.Context) (pending, delivered, abandoned int, err error) {
	if q.db == nil {
		return 0, 0, 0, fmt.Errorf("queue not initialized")
	}

	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM readings GROUP BY status;`)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("count readings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, 0, fmt.Errorf("scan counts: %w", err)
		}
		switch model.DeliveryStatus(status) {
		case model.StatusPending:
			pending = n
		case model.StatusDelivered:
			delivered = n
		case model.StatusAbandoned:
			abandoned = n
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, 0, fmt.Errorf("iterate counts: %w", err)
	}
	return pending, delivered, abandoned, nil
}

// PruneDelivered removes delivered entries captured before the cutoff.
// Pending and abandoned rows are never pruned. Returns the number of rows
// removed.
func (q *Queue) PruneDelivered(ctx context.Context, before time.Time) (int64, error) {
	if q.db == nil {
		return 0, fmt.Errorf("queue not initialized")
	}

	// RFC3339Nano drops trailing zeros, so the stored TEXT does not sort
	// lexicographically within a second; compare as points in time.
	res, err := q.db.ExecContext(
		ctx,
		`DELETE FROM readings WHERE status = 'delivered' AND julianday(captured_at) < julianday(?);`,
		before.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune delivered count: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (model.Entry, error) {
	var (
		entry         model.Entry
		capturedAtStr string
		createdAtStr  string
		status        string
		latitude      sql.NullFloat64
		longitude     sql.NullFloat64
		batteryPct    sql.NullInt64
		signalDBM     sql.NullInt64
		lastAttempt   sql.NullString
	)

	if err := row.Scan(
		&entry.ID,
		&capturedAtStr,
		&entry.Reading.DeviceID,
		&entry.Reading.SpeedKPH,
		&entry.Reading.PulseCount,
		&latitude,
		&longitude,
		&batteryPct,
		&signalDBM,
		&status,
		&entry.AttemptCount,
		&lastAttempt,
		&createdAtStr,
	); err != nil {
		return model.Entry{}, fmt.Errorf("scan reading: %w", err)
	}

	entry.Status = model.DeliveryStatus(status)
	entry.Reading.CapturedAt = parseTimestamp(capturedAtStr)
	entry.CreatedAt = parseTimestamp(createdAtStr)

	if latitude.Valid {
		v := latitude.Float64
		entry.Reading.Latitude = &v
	}
	if longitude.Valid {
		v := longitude.Float64
		entry.Reading.Longitude = &v
	}
	if batteryPct.Valid {
		v := int(batteryPct.Int64)
		entry.Reading.BatteryPct = &v
	}
	if signalDBM.Valid {
		v := int(signalDBM.Int64)
		entry.Reading.SignalDBM = &v
	}
	if lastAttempt.Valid {
		v := parseTimestamp(lastAttempt.String)
		entry.LastAttemptAt = &v
	}

	return entry, nil
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", s)
	}
	return t
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
