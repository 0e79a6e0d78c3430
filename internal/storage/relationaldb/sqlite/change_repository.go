package sqlite

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
)

// ChangeRepository implements relationaldb.ChangeRepository.
type ChangeRepository struct {
	exec executor
	log  zerolog.Logger
}

func NewChangeRepository(db *sql.DB, logger zerolog.Logger) *ChangeRepository {
	return &ChangeRepository{exec: db, log: logger}
}

func NewChangeRepositoryWithTx(tx *sql.Tx, logger zerolog.Logger) *ChangeRepository {
	return &ChangeRepository{exec: tx, log: logger}
}

const changeColumns = `id, change_type, target_table, target_id, payload, priority,
	status, requested_by, reviewed_by, review_notes, created_at, updated_at`

func (r *ChangeRepository) scanChange(row interface{ Scan(...interface{}) error }) (*relationaldb.PendingChange, error) {
	var c relationaldb.PendingChange
	var payload, createdAt, updatedAt string
	var reviewedBy sql.NullInt64
	if err := row.Scan(&c.ID, &c.ChangeType, &c.TargetTable, &c.TargetID, &payload,
		&c.Priority, &c.Status, &c.RequestedBy, &reviewedBy, &c.ReviewNotes,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Payload = decodeValueMapColumn(payload, "pending_changes.payload", r.log)
	if reviewedBy.Valid {
		c.ReviewedBy = reviewedBy.Int64
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (r *ChangeRepository) Insert(ctx context.Context, c *relationaldb.PendingChange) error {
	payload, err := relationaldb.EncodeJSON(c.Payload)
	if err != nil {
		return relationaldb.NewQueryError("insert_change", "failed to encode payload", err)
	}

	now := nowUTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	res, err := r.exec.ExecContext(ctx, `
		INSERT INTO pending_changes (change_type, target_table, target_id, payload,
			priority, status, requested_by, review_notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ChangeType, c.TargetTable, c.TargetID, payload, c.Priority, c.Status,
		c.RequestedBy, c.ReviewNotes, formatTime(now), formatTime(now))
	if err != nil {
		return relationaldb.NewQueryError("insert_change", "failed to insert pending change", err)
	}

	c.ID, err = res.LastInsertId()
	if err != nil {
		return relationaldb.NewQueryError("insert_change", "failed to read insert id", err)
	}
	return nil
}

func (r *ChangeRepository) FindByID(ctx context.Context, id int64) (*relationaldb.PendingChange, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM pending_changes WHERE id = ?`, id)
	c, err := r.scanChange(row)
	if err == sql.ErrNoRows {
		return nil, relationaldb.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("find_change", "failed to query pending change", err)
	}
	return c, nil
}

func (r *ChangeRepository) Update(ctx context.Context, c *relationaldb.PendingChange) error {
	c.UpdatedAt = nowUTC()

	var reviewedBy interface{}
	if c.ReviewedBy != 0 {
		reviewedBy = c.ReviewedBy
	}

	_, err := r.exec.ExecContext(ctx, `
		UPDATE pending_changes
		SET status = ?, reviewed_by = ?, review_notes = ?, updated_at = ?
		WHERE id = ?`,
		c.Status, reviewedBy, c.ReviewNotes, formatTime(c.UpdatedAt), c.ID)
	if err != nil {
		return relationaldb.NewQueryError("update_change", "failed to update pending change", err)
	}
	return nil
}

func (r *ChangeRepository) GetPending(ctx context.Context) ([]relationaldb.PendingChange, error) {
	rows, err := r.exec.QueryContext(ctx, `
		SELECT `+changeColumns+` FROM pending_changes WHERE status = 'pending'
		ORDER BY CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 ELSE 2 END, id ASC`)
	if err != nil {
		return nil, relationaldb.NewQueryError("get_pending_changes", "failed to query pending changes", err)
	}
	defer rows.Close()

	var out []relationaldb.PendingChange
	for rows.Next() {
		c, err := r.scanChange(rows)
		if err != nil {
			return nil, relationaldb.NewQueryError("get_pending_changes", "failed to scan row", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *ChangeRepository) FindPendingByTarget(ctx context.Context, targetTable string, targetID int64) (*relationaldb.PendingChange, error) {
	row := r.exec.QueryRowContext(ctx, `
		SELECT `+changeColumns+` FROM pending_changes
		WHERE target_table = ? AND target_id = ? AND status = 'pending'
		ORDER BY id DESC LIMIT 1`, targetTable, targetID)
	c, err := r.scanChange(row)
	if err == sql.ErrNoRows {
		return nil, relationaldb.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("find_pending_by_target", "failed to query pending change", err)
	}
	return c, nil
}
