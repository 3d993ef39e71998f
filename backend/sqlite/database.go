package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"gocalsync/backend/sqlite/migrations"
)

// migrate brings the schema up to date with the embedded migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version != SchemaVersion {
		return fmt.Errorf("unexpected schema version %d (want %d)", version, SchemaVersion)
	}
	return nil
}

// Vacuum reclaims space left by deleted entries and operations.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return &StoreError{Op: "Vacuum", Err: err}
	}
	return nil
}

// Stats summarises the store for status output.
type Stats struct {
	Entries    int `json:"entries" yaml:"entries"`
	Pending    int `json:"pending" yaml:"pending"`
	Conflicts  int `json:"conflicts" yaml:"conflicts"`
	Operations int `json:"operations" yaml:"operations"`
}

// Stats counts a calendar's entries by sync status and its queued
// operations.
func (s *Store) Stats(ctx context.Context, calendarID string) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(sync_status = 'pending'), 0),
			COALESCE(SUM(sync_status = 'conflict'), 0),
			(SELECT COUNT(*) FROM pending_operations WHERE calendar_id = ?)
		FROM entries WHERE calendar_id = ?`, calendarID, calendarID).
		Scan(&st.Entries, &st.Pending, &st.Conflicts, &st.Operations)
	if err != nil {
		return st, &StoreError{Op: "Stats", CalendarID: calendarID, Err: err}
	}
	return st, nil
}
