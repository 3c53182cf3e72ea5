// Package store is the PostgreSQL persistence collaborator of the SDK. It
// keeps a bounded history of installed config payloads so a restarted
// process can serve the last known snapshot before its first fetch.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/heimdall-sdk/internal/validation"
)

// DefaultHistoryLimit is the number of snapshots kept per scope.
const DefaultHistoryLimit = 20

// SnapshotRecord is one row of the snapshot history.
type SnapshotRecord struct {
	ID         int64     `db:"id" json:"id"`
	Scope      string    `db:"scope" json:"scope"`
	UpdateTime int64     `db:"update_time" json:"updateTime"`
	Size       int       `db:"size" json:"size"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// SnapshotRepository reads the snapshot history.
type SnapshotRepository interface {
	// ListSnapshots returns a page of history rows, newest first, and the
	// total number of rows for the scope.
	ListSnapshots(ctx context.Context, limit, offset int) ([]*SnapshotRecord, int64, error)
}

var _ SnapshotRepository = (*PostgresStore)(nil)

// PostgresStore persists payloads in the sdk_snapshots table.
type PostgresStore struct {
	db           *pgxpool.Pool
	scope        string
	historyLimit int
}

// NewPostgresStore creates a store writing rows under scope.
func NewPostgresStore(db *pgxpool.Pool, scope string, historyLimit int) *PostgresStore {
	validation.AssertNotNil(db, "store: database pool")
	validation.AssertNotEmpty(scope, "store: scope")
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &PostgresStore{db: db, scope: scope, historyLimit: historyLimit}
}

// Name identifies the backend in logs and metrics.
func (s *PostgresStore) Name() string { return "postgres" }

// LoadSnapshot returns the newest payload for the scope, or (nil, nil).
func (s *PostgresStore) LoadSnapshot(ctx context.Context) ([]byte, error) {
	query := `
		SELECT payload
		FROM sdk_snapshots
		WHERE scope = $1
		ORDER BY update_time DESC
		LIMIT 1
	`

	var payload []byte
	err := s.db.QueryRow(ctx, query, s.scope).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return payload, nil
}

// SaveSnapshot appends payload to the history and trims rows beyond the
// history limit, in one transaction. Saving an update time twice is a
// no-op.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, payload []byte, updateTime int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insert := `
		INSERT INTO sdk_snapshots (scope, update_time, payload)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (scope, update_time) DO NOTHING
	`
	if _, err := tx.Exec(ctx, insert, s.scope, updateTime, string(payload)); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	trim := `
		DELETE FROM sdk_snapshots
		WHERE scope = $1
		  AND id NOT IN (
			SELECT id FROM sdk_snapshots
			WHERE scope = $1
			ORDER BY update_time DESC
			LIMIT $2
		  )
	`
	if _, err := tx.Exec(ctx, trim, s.scope, s.historyLimit); err != nil {
		return fmt.Errorf("failed to trim snapshot history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns history metadata without payloads.
func (s *PostgresStore) ListSnapshots(ctx context.Context, limit, offset int) ([]*SnapshotRecord, int64, error) {
	var total int64
	countQuery := `SELECT count(*) FROM sdk_snapshots WHERE scope = $1`

	if err := s.db.QueryRow(ctx, countQuery, s.scope).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	if total == 0 {
		return []*SnapshotRecord{}, 0, nil
	}

	query := `
		SELECT id, scope, update_time, octet_length(payload::text), created_at
		FROM sdk_snapshots
		WHERE scope = $1
		ORDER BY update_time DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Query(ctx, query, s.scope, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	records := make([]*SnapshotRecord, 0, limit)
	for rows.Next() {
		var r SnapshotRecord
		if err := rows.Scan(&r.ID, &r.Scope, &r.UpdateTime, &r.Size, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating snapshot rows: %w", err)
	}

	return records, total, nil
}
