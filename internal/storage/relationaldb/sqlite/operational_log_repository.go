package sqlite

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
)

// OperationalLogRepository implements relationaldb.OperationalLogRepository.
type OperationalLogRepository struct {
	exec executor
	log  zerolog.Logger
}

func NewOperationalLogRepository(db *sql.DB, logger zerolog.Logger) *OperationalLogRepository {
	return &OperationalLogRepository{exec: db, log: logger}
}

func NewOperationalLogRepositoryWithTx(tx *sql.Tx, logger zerolog.Logger) *OperationalLogRepository {
	return &OperationalLogRepository{exec: tx, log: logger}
}

func (r *OperationalLogRepository) Append(ctx context.Context, e *relationaldb.OperationalLogEntry) error {
	payload, err := relationaldb.EncodeJSON(e.Payload)
	if err != nil {
		return relationaldb.NewQueryError("append_operational_log", "failed to encode payload", err)
	}

	var transactionUUID interface{}
	if e.TransactionUUID != "" {
		transactionUUID = e.TransactionUUID
	}
	var userID interface{}
	if e.UserID != 0 {
		userID = e.UserID
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = nowUTC()
	}

	res, err := r.exec.ExecContext(ctx, `
		INSERT INTO operational_log (transaction_uuid, event_type, user_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		transactionUUID, e.EventType, userID, payload, formatTime(e.CreatedAt))
	if err != nil {
		return relationaldb.NewQueryError("append_operational_log", "failed to append entry", err)
	}

	e.ID, err = res.LastInsertId()
	if err != nil {
		return relationaldb.NewQueryError("append_operational_log", "failed to read insert id", err)
	}
	return nil
}

// GetByTransactionUUID returns events in ascending insertion order; the
// fiscal reconstruction replays them in this order.
func (r *OperationalLogRepository) GetByTransactionUUID(ctx context.Context, transactionUUID string) ([]relationaldb.OperationalLogEntry, error) {
	rows, err := r.exec.QueryContext(ctx, `
		SELECT id, transaction_uuid, event_type, user_id, payload, created_at
		FROM operational_log WHERE transaction_uuid = ? ORDER BY id ASC`, transactionUUID)
	if err != nil {
		return nil, relationaldb.NewQueryError("get_operational_log", "failed to query operational log", err)
	}
	defer rows.Close()

	var out []relationaldb.OperationalLogEntry
	for rows.Next() {
		var e relationaldb.OperationalLogEntry
		var txUUID sql.NullString
		var userID sql.NullInt64
		var payload, createdAt string
		if err := rows.Scan(&e.ID, &txUUID, &e.EventType, &userID, &payload, &createdAt); err != nil {
			return nil, relationaldb.NewQueryError("get_operational_log", "failed to scan row", err)
		}
		if txUUID.Valid {
			e.TransactionUUID = txUUID.String
		}
		if userID.Valid {
			e.UserID = userID.Int64
		}
		e.Payload = decodeValueMapColumn(payload, "operational_log.payload", r.log)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
