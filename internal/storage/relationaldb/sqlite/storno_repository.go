package sqlite

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
)

// StornoRepository implements relationaldb.StornoRepository.
type StornoRepository struct {
	exec executor
	log  zerolog.Logger
}

func NewStornoRepository(db *sql.DB, logger zerolog.Logger) *StornoRepository {
	return &StornoRepository{exec: db, log: logger}
}

func NewStornoRepositoryWithTx(tx *sql.Tx, logger zerolog.Logger) *StornoRepository {
	return &StornoRepository{exec: tx, log: logger}
}

const stornoColumns = `id, user_id, original_transaction_id, amount, reason,
	is_emergency, approval_status, credit_used, approver_id, notes, created_at, updated_at`

func (r *StornoRepository) scanStorno(row interface{ Scan(...interface{}) error }) (*relationaldb.StornoLog, error) {
	var s relationaldb.StornoLog
	var amount, creditUsed, createdAt, updatedAt string
	var originalTx, approver sql.NullInt64
	var isEmergency int
	if err := row.Scan(&s.ID, &s.UserID, &originalTx, &amount, &s.Reason,
		&isEmergency, &s.ApprovalStatus, &creditUsed, &approver, &s.Notes,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if originalTx.Valid {
		s.OriginalTransactionID = originalTx.Int64
	}
	s.Amount = parseDecimal(amount, r.log)
	s.IsEmergency = isEmergency != 0
	s.CreditUsed = parseDecimal(creditUsed, r.log)
	if approver.Valid {
		s.ApproverID = approver.Int64
	}
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}

func (r *StornoRepository) Insert(ctx context.Context, s *relationaldb.StornoLog) error {
	now := nowUTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	var originalTx interface{}
	if s.OriginalTransactionID != 0 {
		originalTx = s.OriginalTransactionID
	}
	var approver interface{}
	if s.ApproverID != 0 {
		approver = s.ApproverID
	}

	res, err := r.exec.ExecContext(ctx, `
		INSERT INTO storno_logs (user_id, original_transaction_id, amount, reason,
			is_emergency, approval_status, credit_used, approver_id, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.UserID, originalTx, s.Amount.String(), s.Reason, boolToInt(s.IsEmergency),
		s.ApprovalStatus, s.CreditUsed.String(), approver, s.Notes,
		formatTime(now), formatTime(now))
	if err != nil {
		return relationaldb.NewQueryError("insert_storno", "failed to insert storno log", err)
	}

	s.ID, err = res.LastInsertId()
	if err != nil {
		return relationaldb.NewQueryError("insert_storno", "failed to read insert id", err)
	}
	return nil
}

func (r *StornoRepository) FindByID(ctx context.Context, id int64) (*relationaldb.StornoLog, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+stornoColumns+` FROM storno_logs WHERE id = ?`, id)
	s, err := r.scanStorno(row)
	if err == sql.ErrNoRows {
		return nil, relationaldb.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("find_storno", "failed to query storno log", err)
	}
	return s, nil
}

func (r *StornoRepository) Update(ctx context.Context, s *relationaldb.StornoLog) error {
	s.UpdatedAt = nowUTC()

	var approver interface{}
	if s.ApproverID != 0 {
		approver = s.ApproverID
	}

	_, err := r.exec.ExecContext(ctx, `
		UPDATE storno_logs
		SET approval_status = ?, credit_used = ?, approver_id = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		s.ApprovalStatus, s.CreditUsed.String(), approver, s.Notes,
		formatTime(s.UpdatedAt), s.ID)
	if err != nil {
		return relationaldb.NewQueryError("update_storno", "failed to update storno log", err)
	}
	return nil
}

func (r *StornoRepository) queryStornos(ctx context.Context, query string, args ...interface{}) ([]relationaldb.StornoLog, error) {
	rows, err := r.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, relationaldb.NewQueryError("query_stornos", "failed to query storno logs", err)
	}
	defer rows.Close()

	var out []relationaldb.StornoLog
	for rows.Next() {
		s, err := r.scanStorno(rows)
		if err != nil {
			return nil, relationaldb.NewQueryError("query_stornos", "failed to scan row", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *StornoRepository) GetPending(ctx context.Context) ([]relationaldb.StornoLog, error) {
	return r.queryStornos(ctx,
		`SELECT `+stornoColumns+` FROM storno_logs WHERE approval_status = 'pending' ORDER BY id ASC`)
}

func (r *StornoRepository) GetByUser(ctx context.Context, userID int64) ([]relationaldb.StornoLog, error) {
	return r.queryStornos(ctx,
		`SELECT `+stornoColumns+` FROM storno_logs WHERE user_id = ? ORDER BY id DESC`, userID)
}
