package sqlite

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
)

// TransactionRepository implements relationaldb.TransactionRepository.
type TransactionRepository struct {
	exec executor
	log  zerolog.Logger
}

func NewTransactionRepository(db *sql.DB, logger zerolog.Logger) *TransactionRepository {
	return &TransactionRepository{exec: db, log: logger}
}

func NewTransactionRepositoryWithTx(tx *sql.Tx, logger zerolog.Logger) *TransactionRepository {
	return &TransactionRepository{exec: tx, log: logger}
}

const transactionColumns = `id, uuid, status, resolution_status, user_id, business_date,
	total_amount, tax_amount, payment_type, payment_amount, metadata, created_at, updated_at`

func (r *TransactionRepository) scanTransaction(row interface{ Scan(...interface{}) error }) (*relationaldb.ActiveTransaction, error) {
	var t relationaldb.ActiveTransaction
	var total, tax, metadata, createdAt, updatedAt string
	var paymentType, paymentAmount sql.NullString

	err := row.Scan(&t.ID, &t.UUID, &t.Status, &t.ResolutionStatus, &t.UserID,
		&t.BusinessDate, &total, &tax, &paymentType, &paymentAmount,
		&metadata, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.TotalAmount = parseDecimal(total, r.log)
	t.TaxAmount = parseDecimal(tax, r.log)
	if paymentType.Valid {
		t.PaymentType = paymentType.String
	}
	if amt, ok := nullDecimal(paymentAmount, r.log); ok {
		t.PaymentAmount = amt
		t.PaymentSet = true
	}
	t.Metadata = decodeStringMapColumn(metadata, "active_transactions.metadata", r.log)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func (r *TransactionRepository) Create(ctx context.Context, t *relationaldb.ActiveTransaction) error {
	metadata, err := relationaldb.EncodeJSON(t.Metadata)
	if err != nil {
		return relationaldb.NewQueryError("create_transaction", "failed to encode metadata", err)
	}

	now := nowUTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	res, err := r.exec.ExecContext(ctx, `
		INSERT INTO active_transactions
			(uuid, status, resolution_status, user_id, business_date,
			 total_amount, tax_amount, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UUID, t.Status, t.ResolutionStatus, t.UserID, t.BusinessDate,
		t.TotalAmount.String(), t.TaxAmount.String(), metadata,
		formatTime(now), formatTime(now))
	if err != nil {
		return relationaldb.NewQueryError("create_transaction", "failed to insert transaction", err)
	}

	t.ID, err = res.LastInsertId()
	if err != nil {
		return relationaldb.NewQueryError("create_transaction", "failed to read insert id", err)
	}
	return nil
}

func (r *TransactionRepository) FindByID(ctx context.Context, id int64) (*relationaldb.ActiveTransaction, error) {
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM active_transactions WHERE id = ?`, id)
	t, err := r.scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, relationaldb.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("find_transaction", "failed to query transaction", err)
	}
	return t, nil
}

func (r *TransactionRepository) FindByUUID(ctx context.Context, uuid string) (*relationaldb.ActiveTransaction, error) {
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM active_transactions WHERE uuid = ?`, uuid)
	t, err := r.scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, relationaldb.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("find_transaction_uuid", "failed to query transaction", err)
	}
	return t, nil
}

func (r *TransactionRepository) Update(ctx context.Context, t *relationaldb.ActiveTransaction) error {
	metadata, err := relationaldb.EncodeJSON(t.Metadata)
	if err != nil {
		return relationaldb.NewQueryError("update_transaction", "failed to encode metadata", err)
	}

	var paymentType, paymentAmount interface{}
	if t.PaymentType != "" {
		paymentType = t.PaymentType
	}
	if t.PaymentSet {
		paymentAmount = t.PaymentAmount.String()
	}

	_, err = r.exec.ExecContext(ctx, `
		UPDATE active_transactions
		SET status = ?, resolution_status = ?, user_id = ?, business_date = ?,
			total_amount = ?, tax_amount = ?, payment_type = ?, payment_amount = ?,
			metadata = ?, updated_at = ?
		WHERE id = ?`,
		t.Status, t.ResolutionStatus, t.UserID, t.BusinessDate,
		t.TotalAmount.String(), t.TaxAmount.String(), paymentType, paymentAmount,
		metadata, formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return relationaldb.NewQueryError("update_transaction", "failed to update transaction", err)
	}
	return nil
}

func (r *TransactionRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.exec.ExecContext(ctx, `DELETE FROM active_transactions WHERE id = ?`, id)
	if err != nil {
		return relationaldb.NewQueryError("delete_transaction", "failed to delete transaction", err)
	}
	return nil
}

func (r *TransactionRepository) queryTransactions(ctx context.Context, query string, args ...interface{}) ([]relationaldb.ActiveTransaction, error) {
	rows, err := r.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, relationaldb.NewQueryError("query_transactions", "failed to query transactions", err)
	}
	defer rows.Close()

	var out []relationaldb.ActiveTransaction
	for rows.Next() {
		t, err := r.scanTransaction(rows)
		if err != nil {
			return nil, relationaldb.NewQueryError("query_transactions", "failed to scan row", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, relationaldb.NewQueryError("query_transactions", "error iterating rows", err)
	}
	return out, nil
}

func (r *TransactionRepository) GetParkedTransactions(ctx context.Context) ([]relationaldb.ActiveTransaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM active_transactions
		 WHERE status = 'parked' ORDER BY updated_at ASC, id ASC`)
}

func (r *TransactionRepository) GetByStatus(ctx context.Context, status relationaldb.TransactionStatus, resolution relationaldb.ResolutionStatus) ([]relationaldb.ActiveTransaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM active_transactions
		 WHERE status = ? AND resolution_status = ? ORDER BY id ASC`,
		status, resolution)
}

func (r *TransactionRepository) GetRecentFinished(ctx context.Context, limit int) ([]relationaldb.ActiveTransaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM active_transactions
		 WHERE status = 'finished' ORDER BY updated_at DESC, id DESC LIMIT ?`, limit)
}

// IsTableInUse reports whether any parked transaction other than excludeID
// holds the given table identifier in its metadata.
func (r *TransactionRepository) IsTableInUse(ctx context.Context, table string, excludeID int64) (bool, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT id, metadata FROM active_transactions WHERE status = 'parked' AND id != ?`,
		excludeID)
	if err != nil {
		return false, relationaldb.NewQueryError("is_table_in_use", "failed to query parked transactions", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var metadata string
		if err := rows.Scan(&id, &metadata); err != nil {
			return false, relationaldb.NewQueryError("is_table_in_use", "failed to scan row", err)
		}
		m := decodeStringMapColumn(metadata, "active_transactions.metadata", r.log)
		if m["table"] == table {
			return true, nil
		}
	}
	return false, rows.Err()
}

const itemColumns = `id, active_transaction_id, item_id, quantity, unit_price,
	total_price, tax_rate, tax_amount, parent_transaction_item_id, notes, created_at, updated_at`

func (r *TransactionRepository) scanItem(row interface{ Scan(...interface{}) error }) (*relationaldb.ActiveTransactionItem, error) {
	var it relationaldb.ActiveTransactionItem
	var qty, unit, total, rate, tax, createdAt, updatedAt string
	var parent sql.NullInt64
	var notes sql.NullString

	err := row.Scan(&it.ID, &it.ActiveTransactionID, &it.ItemID, &qty, &unit,
		&total, &rate, &tax, &parent, &notes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	it.Quantity = parseDecimal(qty, r.log)
	it.UnitPrice = parseDecimal(unit, r.log)
	it.TotalPrice = parseDecimal(total, r.log)
	it.TaxRate = parseDecimal(rate, r.log)
	it.TaxAmount = parseDecimal(tax, r.log)
	if parent.Valid {
		it.ParentItemID = parent.Int64
	}
	if notes.Valid {
		it.Notes = notes.String
	}
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	return &it, nil
}

func (r *TransactionRepository) GetItems(ctx context.Context, transactionID int64) ([]relationaldb.ActiveTransactionItem, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM active_transaction_items
		 WHERE active_transaction_id = ? ORDER BY id ASC`, transactionID)
	if err != nil {
		return nil, relationaldb.NewQueryError("get_items", "failed to query items", err)
	}
	defer rows.Close()

	var out []relationaldb.ActiveTransactionItem
	for rows.Next() {
		it, err := r.scanItem(rows)
		if err != nil {
			return nil, relationaldb.NewQueryError("get_items", "failed to scan row", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (r *TransactionRepository) GetItem(ctx context.Context, lineID int64) (*relationaldb.ActiveTransactionItem, error) {
	row := r.exec.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM active_transaction_items WHERE id = ?`, lineID)
	it, err := r.scanItem(row)
	if err == sql.ErrNoRows {
		return nil, relationaldb.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("get_item", "failed to query item", err)
	}
	return it, nil
}

func (r *TransactionRepository) InsertItem(ctx context.Context, item *relationaldb.ActiveTransactionItem) error {
	now := nowUTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	var parent interface{}
	if item.ParentItemID != 0 {
		parent = item.ParentItemID
	}
	var notes interface{}
	if item.Notes != "" {
		notes = item.Notes
	}

	res, err := r.exec.ExecContext(ctx, `
		INSERT INTO active_transaction_items
			(active_transaction_id, item_id, quantity, unit_price, total_price,
			 tax_rate, tax_amount, parent_transaction_item_id, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ActiveTransactionID, item.ItemID, item.Quantity.String(),
		item.UnitPrice.String(), item.TotalPrice.String(), item.TaxRate.String(),
		item.TaxAmount.String(), parent, notes, formatTime(now), formatTime(now))
	if err != nil {
		return relationaldb.NewQueryError("insert_item", "failed to insert item", err)
	}

	item.ID, err = res.LastInsertId()
	if err != nil {
		return relationaldb.NewQueryError("insert_item", "failed to read insert id", err)
	}
	return nil
}

func (r *TransactionRepository) UpdateItem(ctx context.Context, item *relationaldb.ActiveTransactionItem) error {
	item.UpdatedAt = nowUTC()

	var parent interface{}
	if item.ParentItemID != 0 {
		parent = item.ParentItemID
	}
	var notes interface{}
	if item.Notes != "" {
		notes = item.Notes
	}

	_, err := r.exec.ExecContext(ctx, `
		UPDATE active_transaction_items
		SET quantity = ?, unit_price = ?, total_price = ?, tax_rate = ?,
			tax_amount = ?, parent_transaction_item_id = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		item.Quantity.String(), item.UnitPrice.String(), item.TotalPrice.String(),
		item.TaxRate.String(), item.TaxAmount.String(), parent, notes,
		formatTime(item.UpdatedAt), item.ID)
	if err != nil {
		return relationaldb.NewQueryError("update_item", "failed to update item", err)
	}
	return nil
}

// GetTaxBreakdown groups gross totals by exact tax-rate value. Grouping
// happens on the decimal string, not a rate identifier, so equal rates from
// different sources land in the same bucket.
func (r *TransactionRepository) GetTaxBreakdown(ctx context.Context, transactionID int64) ([]relationaldb.TaxBucket, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT tax_rate, total_price FROM active_transaction_items
		 WHERE active_transaction_id = ?`, transactionID)
	if err != nil {
		return nil, relationaldb.NewQueryError("tax_breakdown", "failed to query items", err)
	}
	defer rows.Close()

	sums := make(map[string]decimal.Decimal)
	for rows.Next() {
		var rate, total string
		if err := rows.Scan(&rate, &total); err != nil {
			return nil, relationaldb.NewQueryError("tax_breakdown", "failed to scan row", err)
		}
		key := parseDecimal(rate, r.log).String()
		sums[key] = sums[key].Add(parseDecimal(total, r.log))
	}
	if err := rows.Err(); err != nil {
		return nil, relationaldb.NewQueryError("tax_breakdown", "error iterating rows", err)
	}

	out := make([]relationaldb.TaxBucket, 0, len(sums))
	for rate, gross := range sums {
		out = append(out, relationaldb.TaxBucket{
			Rate:  parseDecimal(rate, r.log),
			Gross: gross,
		})
	}
	return out, nil
}
