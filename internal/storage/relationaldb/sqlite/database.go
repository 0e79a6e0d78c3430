package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
)

// executor allows repositories to run against either *sql.DB or *sql.Tx.
type executor interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Config holds SQLite connection settings.
type Config struct {
	Path              string
	MaxOpenConns      int
	MaxIdleConns      int
	BusyTimeoutMillis int
	JournalMode       string
}

// Manager implements relationaldb.RepositoryManager on SQLite.
type Manager struct {
	cfg Config
	db  *sql.DB
	log zerolog.Logger

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

// NewManager creates a repository manager. Open must be called before use.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
	}
	if cfg.BusyTimeoutMillis == 0 {
		cfg.BusyTimeoutMillis = 5000
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "wal"
	}
	return &Manager{cfg: cfg, log: logger.With().Str("component", "storage").Logger()}
}

// DSN builds the modernc.org/sqlite connection string. _txlock=immediate
// makes every transaction a write envelope: the row lock is taken at BEGIN,
// so concurrent writers queue instead of failing at commit.
func (m *Manager) DSN() string {
	return fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(%s)&_pragma=foreign_keys(1)",
		m.cfg.Path, m.cfg.BusyTimeoutMillis, m.cfg.JournalMode,
	)
}

// Open connects, applies pragmas, and creates the schema if missing.
func (m *Manager) Open(ctx context.Context) error {
	db, err := sql.Open("sqlite", m.DSN())
	if err != nil {
		return relationaldb.NewTransactionError("open", "failed to open database", err)
	}
	db.SetMaxOpenConns(m.cfg.MaxOpenConns)
	db.SetMaxIdleConns(m.cfg.MaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return relationaldb.NewTransactionError("open", "failed to ping database", err)
	}

	if err := createSchema(ctx, db); err != nil {
		db.Close()
		return relationaldb.NewTransactionError("open", "failed to create schema", err)
	}

	m.db = db
	m.catalog = NewCatalogRepository(db, m.log)
	m.txns = NewTransactionRepository(db, m.log)
	m.fiscal = NewFiscalRepository(db, m.log)
	m.oplog = NewOperationalLogRepository(db, m.log)
	m.users = NewUserRepository(db, m.log)
	m.stornos = NewStornoRepository(db, m.log)
	m.changes = NewChangeRepository(db, m.log)
	m.layouts = NewLayoutRepository(db, m.log)
	m.embeddings = NewEmbeddingRepository(db, m.log)
	m.system = NewSystemRepository(db, m.log)

	m.log.Info().Str("path", m.cfg.Path).Msg("Database opened")
	return nil
}

// Close releases the connection pool.
func (m *Manager) Close(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

func (m *Manager) Catalog() relationaldb.CatalogRepository            { return m.catalog }
func (m *Manager) Transactions() relationaldb.TransactionRepository   { return m.txns }
func (m *Manager) Fiscal() relationaldb.FiscalRepository              { return m.fiscal }
func (m *Manager) OperationalLog() relationaldb.OperationalLogRepository { return m.oplog }
func (m *Manager) Users() relationaldb.UserRepository                 { return m.users }
func (m *Manager) Stornos() relationaldb.StornoRepository             { return m.stornos }
func (m *Manager) Changes() relationaldb.ChangeRepository             { return m.changes }
func (m *Manager) Layouts() relationaldb.LayoutRepository             { return m.layouts }
func (m *Manager) Embeddings() relationaldb.EmbeddingRepository       { return m.embeddings }
func (m *Manager) System() relationaldb.SystemRepository              { return m.system }

// WithTransaction runs fn inside an immediate write transaction. Busy/locked
// failures surface as relationaldb.ErrConflict for the engine's single retry.
func (m *Manager) WithTransaction(ctx context.Context, fn func(relationaldb.TransactionContext) error) error {
	if m.db == nil {
		return relationaldb.ErrDatabaseClosed
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		if relationaldb.IsConflict(err) {
			return relationaldb.ErrConflict
		}
		return relationaldb.NewTransactionError("begin", "failed to begin transaction", err)
	}

	tc := NewTransactionContext(tx, m.log)

	if err := fn(tc); err != nil {
		if rbErr := tc.Rollback(ctx); rbErr != nil {
			m.log.Warn().Err(rbErr).Msg("Rollback failed")
		}
		if relationaldb.IsConflict(err) {
			return relationaldb.ErrConflict
		}
		return err
	}

	if err := tc.Commit(ctx); err != nil {
		if relationaldb.IsConflict(err) {
			return relationaldb.ErrConflict
		}
		return err
	}
	return nil
}
