package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
)

// SystemRepository implements relationaldb.SystemRepository.
type SystemRepository struct {
	exec executor
	log  zerolog.Logger
}

func NewSystemRepository(db *sql.DB, logger zerolog.Logger) *SystemRepository {
	return &SystemRepository{exec: db, log: logger}
}

func NewSystemRepositoryWithTx(tx *sql.Tx, logger zerolog.Logger) *SystemRepository {
	return &SystemRepository{exec: tx, log: logger}
}

func (r *SystemRepository) Ping(ctx context.Context) error {
	var one int
	return r.exec.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

// ValidateSchema verifies every required table exists. Startup treats a
// failure here as fatal.
func (r *SystemRepository) ValidateSchema(ctx context.Context) error {
	for _, table := range requiredTables {
		var name string
		err := r.exec.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?`,
			table).Scan(&name)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: missing table %s", relationaldb.ErrSchemaInvalid, table)
		}
		if err != nil {
			return relationaldb.NewQueryError("validate_schema", "failed to inspect schema", err)
		}
	}
	return nil
}

// ResetSequences resets AUTOINCREMENT counters; the importer uses this after
// the atomic catalog replace.
func (r *SystemRepository) ResetSequences(ctx context.Context, tables []string) error {
	for _, table := range tables {
		if _, err := r.exec.ExecContext(ctx,
			`DELETE FROM sqlite_sequence WHERE name = ?`, table); err != nil {
			return relationaldb.NewQueryError("reset_sequences", "failed to reset sequence", err)
		}
	}
	return nil
}
