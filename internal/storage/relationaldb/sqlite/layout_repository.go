package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
)

// LayoutRepository implements relationaldb.LayoutRepository.
type LayoutRepository struct {
	exec executor
	log  zerolog.Logger
}

func NewLayoutRepository(db *sql.DB, logger zerolog.Logger) *LayoutRepository {
	return &LayoutRepository{exec: db, log: logger}
}

func NewLayoutRepositoryWithTx(tx *sql.Tx, logger zerolog.Logger) *LayoutRepository {
	return &LayoutRepository{exec: tx, log: logger}
}

func (r *LayoutRepository) scanLayout(row interface{ Scan(...interface{}) error }) (*relationaldb.Layout, error) {
	var l relationaldb.Layout
	var categories, createdAt string
	var isActive int
	if err := row.Scan(&l.ID, &l.Name, &l.SourceType, &categories, &isActive, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(categories), &l.Categories); err != nil {
		r.log.Warn().Str("column", "layouts.categories").Msg("Unparseable JSON column, returning empty snapshot")
		l.Categories = nil
	}
	l.IsActive = isActive != 0
	l.CreatedAt = parseTime(createdAt)
	return &l, nil
}

const layoutColumns = `id, name, source_type, categories, is_active, created_at`

func (r *LayoutRepository) Insert(ctx context.Context, l *relationaldb.Layout) error {
	categories, err := json.Marshal(l.Categories)
	if err != nil {
		return relationaldb.NewQueryError("insert_layout", "failed to encode categories", err)
	}
	if l.Categories == nil {
		categories = []byte("[]")
	}

	l.CreatedAt = nowUTC()
	res, err := r.exec.ExecContext(ctx, `
		INSERT INTO layouts (name, source_type, categories, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		l.Name, l.SourceType, string(categories), boolToInt(l.IsActive), formatTime(l.CreatedAt))
	if err != nil {
		return relationaldb.NewQueryError("insert_layout", "failed to insert layout", err)
	}

	l.ID, err = res.LastInsertId()
	if err != nil {
		return relationaldb.NewQueryError("insert_layout", "failed to read insert id", err)
	}
	return nil
}

func (r *LayoutRepository) List(ctx context.Context) ([]relationaldb.Layout, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT `+layoutColumns+` FROM layouts ORDER BY id DESC`)
	if err != nil {
		return nil, relationaldb.NewQueryError("list_layouts", "failed to query layouts", err)
	}
	defer rows.Close()

	var out []relationaldb.Layout
	for rows.Next() {
		l, err := r.scanLayout(rows)
		if err != nil {
			return nil, relationaldb.NewQueryError("list_layouts", "failed to scan row", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (r *LayoutRepository) FindByID(ctx context.Context, id int64) (*relationaldb.Layout, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+layoutColumns+` FROM layouts WHERE id = ?`, id)
	l, err := r.scanLayout(row)
	if err == sql.ErrNoRows {
		return nil, relationaldb.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("find_layout", "failed to query layout", err)
	}
	return l, nil
}

func (r *LayoutRepository) DeactivateAll(ctx context.Context) error {
	_, err := r.exec.ExecContext(ctx, `UPDATE layouts SET is_active = 0`)
	if err != nil {
		return relationaldb.NewQueryError("deactivate_layouts", "failed to deactivate layouts", err)
	}
	return nil
}

func (r *LayoutRepository) SetActive(ctx context.Context, id int64) error {
	res, err := r.exec.ExecContext(ctx, `UPDATE layouts SET is_active = 1 WHERE id = ?`, id)
	if err != nil {
		return relationaldb.NewQueryError("activate_layout", "failed to activate layout", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return relationaldb.NewQueryError("activate_layout", "failed to read rows affected", err)
	}
	if affected == 0 {
		return relationaldb.ErrNotFound
	}
	return nil
}

func (r *LayoutRepository) GetActive(ctx context.Context) (*relationaldb.Layout, error) {
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+layoutColumns+` FROM layouts WHERE is_active = 1 LIMIT 1`)
	l, err := r.scanLayout(row)
	if err == sql.ErrNoRows {
		return nil, relationaldb.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("get_active_layout", "failed to query layout", err)
	}
	return l, nil
}

func (r *LayoutRepository) GetMostRecent(ctx context.Context) (*relationaldb.Layout, error) {
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+layoutColumns+` FROM layouts ORDER BY id DESC LIMIT 1`)
	l, err := r.scanLayout(row)
	if err == sql.ErrNoRows {
		return nil, relationaldb.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("get_most_recent_layout", "failed to query layout", err)
	}
	return l, nil
}
