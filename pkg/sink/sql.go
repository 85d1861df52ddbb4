package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/sweepbatch/pkg/models"
)

// SQLWriter upserts records into a results table keyed by unit id
type SQLWriter struct {
	db      *sql.DB
	dialect string
	mu      sync.Mutex
}

// NewSQLiteWriter opens (or creates) a SQLite results database at path
func NewSQLiteWriter(path string) (*SQLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	// WAL with a busy timeout lets shard workers on a shared filesystem wait on each other
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	w := &SQLWriter{db: db, dialect: "sqlite3"}
	if err := w.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return w, nil
}

// NewPostgresWriter connects to a PostgreSQL results database
func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return w, nil
}

func (w *SQLWriter) initSchema() error {
	_, err := w.db.Exec(`
	CREATE TABLE IF NOT EXISTS results (
		unit_id TEXT PRIMARY KEY,
		case_id INTEGER NOT NULL,
		variant_id INTEGER,
		status TEXT NOT NULL,
		log_reference TEXT,
		data TEXT NOT NULL,
		delivery_id TEXT NOT NULL,
		produced_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_results_status ON results(status);
	`)
	return err
}

// Write inserts or replaces the record of rec.UnitID
func (w *SQLWriter) Write(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to encode result data: %w", err)
	}

	var variant sql.NullInt64
	if rec.VariantID != nil {
		variant = sql.NullInt64{Int64: int64(*rec.VariantID), Valid: true}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	_, err = w.db.ExecContext(ctx, `
	INSERT INTO results (unit_id, case_id, variant_id, status, log_reference, data, delivery_id, produced_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (unit_id) DO UPDATE SET
		case_id = excluded.case_id,
		variant_id = excluded.variant_id,
		status = excluded.status,
		log_reference = excluded.log_reference,
		data = excluded.data,
		delivery_id = excluded.delivery_id,
		produced_at = excluded.produced_at
	`, rec.UnitID, rec.CaseID, variant, string(rec.Status), rec.LogReference, string(data), rec.DeliveryID, rec.ProducedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert result %s: %w", rec.UnitID, err)
	}
	return nil
}

// Records returns every stored record ordered by unit id
func (w *SQLWriter) Records(ctx context.Context) ([]Record, error) {
	rows, err := w.db.QueryContext(ctx, `
	SELECT unit_id, case_id, variant_id, status, log_reference, data, delivery_id, produced_at
	FROM results ORDER BY unit_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			variant sql.NullInt64
			logRef  sql.NullString
			status  string
			data    string
		)
		if err := rows.Scan(&rec.UnitID, &rec.CaseID, &variant, &status, &logRef, &data, &rec.DeliveryID, &rec.ProducedAt); err != nil {
			return nil, err
		}
		if variant.Valid {
			v := int(variant.Int64)
			rec.VariantID = &v
		}
		rec.Status = models.ResultStatus(status)
		rec.LogReference = logRef.String
		if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
			return nil, fmt.Errorf("result %s has corrupt data: %w", rec.UnitID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HealthCheck pings the database
func (w *SQLWriter) HealthCheck(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

func (w *SQLWriter) Close() error {
	return w.db.Close()
}
