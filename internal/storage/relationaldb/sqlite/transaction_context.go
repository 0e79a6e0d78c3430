package sqlite

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
)

// TransactionContext implements relationaldb.TransactionContext for SQLite.
type TransactionContext struct {
	tx *sql.Tx

	catalog    *CatalogRepository
	txns       *TransactionRepository
	fiscal     *FiscalRepository
	oplog      *OperationalLogRepository
	users      *UserRepository
	stornos    *StornoRepository
	changes    *ChangeRepository
	layouts    *LayoutRepository
	embeddings *EmbeddingRepository
	system     *SystemRepository
}

// NewTransactionContext binds every repository to one database transaction.
func NewTransactionContext(tx *sql.Tx, logger zerolog.Logger) *TransactionContext {
	return &TransactionContext{
		tx:         tx,
		catalog:    NewCatalogRepositoryWithTx(tx, logger),
		txns:       NewTransactionRepositoryWithTx(tx, logger),
		fiscal:     NewFiscalRepositoryWithTx(tx, logger),
		oplog:      NewOperationalLogRepositoryWithTx(tx, logger),
		users:      NewUserRepositoryWithTx(tx, logger),
		stornos:    NewStornoRepositoryWithTx(tx, logger),
		changes:    NewChangeRepositoryWithTx(tx, logger),
		layouts:    NewLayoutRepositoryWithTx(tx, logger),
		embeddings: NewEmbeddingRepositoryWithTx(tx, logger),
		system:     NewSystemRepositoryWithTx(tx, logger),
	}
}

func (tc *TransactionContext) Commit(ctx context.Context) error {
	if tc.tx == nil {
		return relationaldb.ErrTransactionClosed
	}
	err := tc.tx.Commit()
	tc.tx = nil
	if err != nil {
		return relationaldb.NewTransactionError("commit", "failed to commit transaction", err)
	}
	return nil
}

func (tc *TransactionContext) Rollback(ctx context.Context) error {
	if tc.tx == nil {
		return nil // Already rolled back or committed
	}
	err := tc.tx.Rollback()
	tc.tx = nil
	if err != nil {
		return relationaldb.NewTransactionError("rollback", "failed to rollback transaction", err)
	}
	return nil
}

func (tc *TransactionContext) Catalog() relationaldb.CatalogRepository          { return tc.catalog }
func (tc *TransactionContext) Transactions() relationaldb.TransactionRepository { return tc.txns }
func (tc *TransactionContext) Fiscal() relationaldb.FiscalRepository            { return tc.fiscal }
func (tc *TransactionContext) OperationalLog() relationaldb.OperationalLogRepository {
	return tc.oplog
}
func (tc *TransactionContext) Users() relationaldb.UserRepository       { return tc.users }
func (tc *TransactionContext) Stornos() relationaldb.StornoRepository   { return tc.stornos }
func (tc *TransactionContext) Changes() relationaldb.ChangeRepository   { return tc.changes }
func (tc *TransactionContext) Layouts() relationaldb.LayoutRepository   { return tc.layouts }
func (tc *TransactionContext) Embeddings() relationaldb.EmbeddingRepository {
	return tc.embeddings
}
func (tc *TransactionContext) System() relationaldb.SystemRepository { return tc.system }
