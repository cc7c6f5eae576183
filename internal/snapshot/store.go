// Package snapshot persists the latest monitoring payload per domain so a
// dashboard can render immediately on load while a live run streams fresh
// data. Completed snapshots are slimmed: the per-subject drilldown is
// dropped at save time and only the aggregates survive.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/fieldvisit-monitor/internal/pkg/logger"
	"github.com/ignite/fieldvisit-monitor/internal/stream"
)

// ErrNotFound is returned when no snapshot exists for the requested domain
// or run.
var ErrNotFound = errors.New("snapshot not found")

// Archiver receives the JSON body of completed snapshots for long-term
// storage. Archive failures must never fail the save.
type Archiver interface {
	Archive(ctx context.Context, domainID, runID string, body []byte) error
}

// Store implements stream.SnapshotSaver against PostgreSQL.
type Store struct {
	db       *sql.DB
	archiver Archiver // optional
	now      func() time.Time
}

// NewStore creates a Postgres-backed snapshot store. archiver may be nil.
func NewStore(db *sql.DB, archiver Archiver) *Store {
	return &Store{db: db, archiver: archiver, now: time.Now}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return db, nil
}

// Record is a stored snapshot row.
type Record struct {
	DomainID  string          `json:"domain_id"`
	RunID     string          `json:"run_id"`
	Status    string          `json:"status"`
	Payload   *stream.Payload `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Save upserts the snapshot for a run. When the run has completed, the
// per-subject drilldown is stripped before persisting and the slimmed body
// is handed to the archiver.
func (s *Store) Save(ctx context.Context, domainID, runID string, p *stream.Payload, status string) error {
	stored := p
	if status == stream.RunCompleted {
		stored = stripDrilldown(p)
	}

	body, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshaling snapshot payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO monitor_snapshots (domain_id, run_id, status, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
	`, domainID, runID, status, body, s.now().UTC())
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", runID, err)
	}

	if status == stream.RunCompleted && s.archiver != nil {
		if err := s.archiver.Archive(ctx, domainID, runID, body); err != nil {
			logger.Warn("snapshot archive failed", "run_id", runID, "error", err)
		}
	}
	return nil
}

// Load returns the snapshot for a specific run within a domain.
func (s *Store) Load(ctx context.Context, domainID, runID string) (*Record, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT domain_id, run_id, status, payload, updated_at
		FROM monitor_snapshots
		WHERE domain_id = $1 AND run_id = $2
	`, domainID, runID))
}

// LoadLatest returns the most recently updated snapshot for a domain.
func (s *Store) LoadLatest(ctx context.Context, domainID string) (*Record, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT domain_id, run_id, status, payload, updated_at
		FROM monitor_snapshots
		WHERE domain_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, domainID))
}

func (s *Store) scanOne(row *sql.Row) (*Record, error) {
	rec := &Record{}
	var body []byte
	err := row.Scan(&rec.DomainID, &rec.RunID, &rec.Status, &body, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	if err := json.Unmarshal(body, &rec.Payload); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot payload: %w", err)
	}
	return rec, nil
}

// stripDrilldown returns a shallow copy of p without the per-subject
// drilldown. The aggregates stay intact.
func stripDrilldown(p *stream.Payload) *stream.Payload {
	if p == nil || p.FollowupData == nil {
		return p
	}
	slim := *p
	fd := *p.FollowupData
	fd.SubjectDrilldown = nil
	slim.FollowupData = &fd
	return &slim
}
