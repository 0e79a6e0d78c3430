package sqlite

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
)

// FiscalRepository implements relationaldb.FiscalRepository. fiscal_log rows
// are append-only; this type deliberately has no update or delete for them.
type FiscalRepository struct {
	exec executor
	log  zerolog.Logger
}

func NewFiscalRepository(db *sql.DB, logger zerolog.Logger) *FiscalRepository {
	return &FiscalRepository{exec: db, log: logger}
}

func NewFiscalRepositoryWithTx(tx *sql.Tx, logger zerolog.Logger) *FiscalRepository {
	return &FiscalRepository{exec: tx, log: logger}
}

func (r *FiscalRepository) AppendFiscalLog(ctx context.Context, e *relationaldb.FiscalLogEntry) error {
	payload, err := relationaldb.EncodeJSON(e.Payload)
	if err != nil {
		return relationaldb.NewQueryError("append_fiscal_log", "failed to encode payload", err)
	}

	var userID interface{}
	if e.UserID != 0 {
		userID = e.UserID
	}
	var signature interface{}
	if e.Signature != "" {
		signature = e.Signature
	}
	var counter interface{}
	if e.SignatureCounter != 0 {
		counter = e.SignatureCounter
	}

	if e.TimestampUTC.IsZero() {
		e.TimestampUTC = nowUTC()
	}

	res, err := r.exec.ExecContext(ctx, `
		INSERT INTO fiscal_log (transaction_uuid, event_type, user_id, payload, signature, signature_counter, timestamp_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TransactionUUID, e.EventType, userID, payload, signature, counter,
		formatTime(e.TimestampUTC))
	if err != nil {
		return relationaldb.NewQueryError("append_fiscal_log", "failed to append entry", err)
	}

	e.ID, err = res.LastInsertId()
	if err != nil {
		return relationaldb.NewQueryError("append_fiscal_log", "failed to read insert id", err)
	}
	return nil
}

func (r *FiscalRepository) GetFiscalLogByUUID(ctx context.Context, transactionUUID string) ([]relationaldb.FiscalLogEntry, error) {
	rows, err := r.exec.QueryContext(ctx, `
		SELECT id, transaction_uuid, event_type, user_id, payload, signature, signature_counter, timestamp_utc
		FROM fiscal_log WHERE transaction_uuid = ? ORDER BY id ASC`, transactionUUID)
	if err != nil {
		return nil, relationaldb.NewQueryError("get_fiscal_log", "failed to query fiscal log", err)
	}
	defer rows.Close()

	var out []relationaldb.FiscalLogEntry
	for rows.Next() {
		var e relationaldb.FiscalLogEntry
		var userID, counter sql.NullInt64
		var payload, timestamp string
		var signature sql.NullString
		if err := rows.Scan(&e.ID, &e.TransactionUUID, &e.EventType, &userID,
			&payload, &signature, &counter, &timestamp); err != nil {
			return nil, relationaldb.NewQueryError("get_fiscal_log", "failed to scan row", err)
		}
		if userID.Valid {
			e.UserID = userID.Int64
		}
		if signature.Valid {
			e.Signature = signature.String
		}
		if counter.Valid {
			e.SignatureCounter = counter.Int64
		}
		e.Payload = decodeValueMapColumn(payload, "fiscal_log.payload", r.log)
		e.TimestampUTC = parseTime(timestamp)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *FiscalRepository) InsertPendingOperation(ctx context.Context, op *relationaldb.PendingFiscalOperation) error {
	request, err := relationaldb.EncodeJSON(op.RequestPayload)
	if err != nil {
		return relationaldb.NewQueryError("insert_pending_operation", "failed to encode request payload", err)
	}
	signed, err := relationaldb.EncodeJSON(op.SignedPayload)
	if err != nil {
		return relationaldb.NewQueryError("insert_pending_operation", "failed to encode signed payload", err)
	}

	now := nowUTC()
	op.CreatedAt = now
	op.UpdatedAt = now

	res, err := r.exec.ExecContext(ctx, `
		INSERT INTO pending_fiscal_operations (operation_id, status, request_payload, signed_payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		op.OperationID, op.Status, request, signed, formatTime(now), formatTime(now))
	if err != nil {
		return relationaldb.NewQueryError("insert_pending_operation", "failed to insert pending operation", err)
	}

	op.ID, err = res.LastInsertId()
	if err != nil {
		return relationaldb.NewQueryError("insert_pending_operation", "failed to read insert id", err)
	}
	return nil
}

func (r *FiscalRepository) UpdatePendingOperation(ctx context.Context, op *relationaldb.PendingFiscalOperation) error {
	signed, err := relationaldb.EncodeJSON(op.SignedPayload)
	if err != nil {
		return relationaldb.NewQueryError("update_pending_operation", "failed to encode signed payload", err)
	}

	op.UpdatedAt = nowUTC()
	_, err = r.exec.ExecContext(ctx, `
		UPDATE pending_fiscal_operations
		SET status = ?, signed_payload = ?, updated_at = ?
		WHERE id = ?`,
		op.Status, signed, formatTime(op.UpdatedAt), op.ID)
	if err != nil {
		return relationaldb.NewQueryError("update_pending_operation", "failed to update pending operation", err)
	}
	return nil
}

func (r *FiscalRepository) scanPendingOperation(row interface{ Scan(...interface{}) error }) (*relationaldb.PendingFiscalOperation, error) {
	var op relationaldb.PendingFiscalOperation
	var request, signed, createdAt, updatedAt string
	if err := row.Scan(&op.ID, &op.OperationID, &op.Status, &request, &signed, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	op.RequestPayload = decodeValueMapColumn(request, "pending_fiscal_operations.request_payload", r.log)
	op.SignedPayload = decodeValueMapColumn(signed, "pending_fiscal_operations.signed_payload", r.log)
	op.CreatedAt = parseTime(createdAt)
	op.UpdatedAt = parseTime(updatedAt)
	return &op, nil
}

const pendingOpColumns = `id, operation_id, status, request_payload, signed_payload, created_at, updated_at`

func (r *FiscalRepository) GetPendingOperationByOperationID(ctx context.Context, operationID string) (*relationaldb.PendingFiscalOperation, error) {
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+pendingOpColumns+` FROM pending_fiscal_operations WHERE operation_id = ?`,
		operationID)
	op, err := r.scanPendingOperation(row)
	if err == sql.ErrNoRows {
		return nil, relationaldb.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("get_pending_operation", "failed to query pending operation", err)
	}
	return op, nil
}

func (r *FiscalRepository) GetPendingOperationsByStatus(ctx context.Context, status relationaldb.PendingOperationStatus) ([]relationaldb.PendingFiscalOperation, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT `+pendingOpColumns+` FROM pending_fiscal_operations WHERE status = ? ORDER BY id ASC`,
		status)
	if err != nil {
		return nil, relationaldb.NewQueryError("get_pending_operations", "failed to query pending operations", err)
	}
	defer rows.Close()

	var out []relationaldb.PendingFiscalOperation
	for rows.Next() {
		op, err := r.scanPendingOperation(rows)
		if err != nil {
			return nil, relationaldb.NewQueryError("get_pending_operations", "failed to scan row", err)
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}
