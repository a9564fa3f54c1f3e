package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tphummel/tbm_console/internal/models"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that text ordering of created_at and read_at
// matches time ordering. RFC3339Nano trims trailing zeros and does not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps a SQLite connection holding the audit log and the sensor data log.
// Machine state is never read back from here.
type DB struct {
	conn *sql.DB
}

// New opens the SQLite database at path, enables WAL mode, and runs migrations.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// :memory: databases are per-connection.
	if path == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := migrate(conn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{conn: conn}, nil
}

func migrate(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			subject    TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT '',
			reason     TEXT NOT NULL DEFAULT '',
			operator   TEXT NOT NULL DEFAULT '',
			warning    TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
		CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);

		CREATE TABLE IF NOT EXISTS sensor_readings (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			sensor   TEXT NOT NULL,
			value    REAL,
			unit     TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			read_at  DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sensor_readings_sensor ON sensor_readings(sensor, read_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping() error {
	return d.conn.Ping()
}

// RecordEvent inserts an audit event.
func (d *DB) RecordEvent(ctx context.Context, e *models.Event) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO events (id, kind, subject, detail, reason, operator, warning, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.Subject, e.Detail, e.Reason, e.Operator, e.Warning,
		e.CreatedAt.UTC().Format(timeLayout),
	)
	return err
}

// ListEvents returns the newest events first, optionally filtered by kind.
// limit <= 0 means no limit.
func (d *DB) ListEvents(ctx context.Context, kind string, limit int) ([]*models.Event, error) {
	query := `
		SELECT id, kind, subject, detail, reason, operator, warning, created_at
		FROM events`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var e models.Event
		var createdAt string
		if err := rows.Scan(
			&e.ID, &e.Kind, &e.Subject, &e.Detail, &e.Reason, &e.Operator, &e.Warning,
			&createdAt,
		); err != nil {
			return nil, err
		}
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// CountEventsByKind returns the number of audit events per kind.
func (d *DB) CountEventsByKind() (map[string]int, error) {
	rows, err := d.conn.Query(`SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// RecordReadings inserts one poll's worth of sensor samples in a single
// transaction.
func (d *DB) RecordReadings(ctx context.Context, readings []models.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sensor_readings (sensor, value, unit, severity, read_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range readings {
		var value sql.NullFloat64
		if r.Value != nil {
			value = sql.NullFloat64{Float64: *r.Value, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			r.Sensor, value, r.Unit, r.Severity,
			r.ReadAt.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("insert %s: %w", r.Sensor, err)
		}
	}
	return tx.Commit()
}

// ListReadings returns the newest samples first, optionally filtered by
// sensor name. limit <= 0 means no limit.
func (d *DB) ListReadings(ctx context.Context, sensor string, limit int) ([]*models.Reading, error) {
	query := `SELECT sensor, value, unit, severity, read_at FROM sensor_readings`
	var args []any
	if sensor != "" {
		query += ` WHERE sensor = ?`
		args = append(args, sensor)
	}
	query += ` ORDER BY read_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []*models.Reading
	for rows.Next() {
		var r models.Reading
		var value sql.NullFloat64
		var readAt string
		if err := rows.Scan(&r.Sensor, &value, &r.Unit, &r.Severity, &readAt); err != nil {
			return nil, err
		}
		if value.Valid {
			v := value.Float64
			r.Value = &v
		}
		r.ReadAt, err = time.Parse(time.RFC3339Nano, readAt)
		if err != nil {
			return nil, fmt.Errorf("parse read_at %q: %w", readAt, err)
		}
		readings = append(readings, &r)
	}
	return readings, rows.Err()
}
