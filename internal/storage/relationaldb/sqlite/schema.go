package sqlite

import (
	"context"
	"database/sql"
)

const schema = `
-- Catalog tree: company -> branch -> pos_device -> (category, item)
CREATE TABLE IF NOT EXISTS companies (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    display_names TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS branches (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    company_id INTEGER NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    display_names TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pos_devices (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    branch_id INTEGER NOT NULL REFERENCES branches(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS categories (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pos_device_id INTEGER NOT NULL REFERENCES pos_devices(id) ON DELETE CASCADE,
    display_names TEXT NOT NULL DEFAULT '{}',
    category_type TEXT NOT NULL DEFAULT 'other'
        CHECK(category_type IN ('food', 'drink', 'other')),
    audit TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    category_id INTEGER NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
    display_names TEXT NOT NULL DEFAULT '{}',
    price TEXT NOT NULL DEFAULT '0' CHECK(CAST(price AS REAL) >= 0),
    description TEXT NOT NULL DEFAULT '',
    embedding_hash TEXT NOT NULL DEFAULT '',
    audit TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_category ON items(category_id);

-- Full-text index over item and category display names
CREATE VIRTUAL TABLE IF NOT EXISTS items_fts USING fts5(
    name, category_name, item_id UNINDEXED
);

-- Vector side table: 768-dim float32 little-endian blobs
CREATE TABLE IF NOT EXISTS item_embeddings (
    item_id INTEGER PRIMARY KEY REFERENCES items(id) ON DELETE CASCADE,
    content_hash TEXT NOT NULL,
    vector BLOB NOT NULL
);

-- Active transactions (receipts under construction)
CREATE TABLE IF NOT EXISTS active_transactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    uuid TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL DEFAULT 'active'
        CHECK(status IN ('active', 'parked', 'finished', 'cancelled')),
    resolution_status TEXT NOT NULL DEFAULT 'none'
        CHECK(resolution_status IN ('none', 'pending', 'postponed')),
    user_id INTEGER NOT NULL DEFAULT 0,
    business_date TEXT NOT NULL,
    total_amount TEXT NOT NULL DEFAULT '0',
    tax_amount TEXT NOT NULL DEFAULT '0',
    payment_type TEXT,
    payment_amount TEXT,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_active_transactions_status ON active_transactions(status);
CREATE INDEX IF NOT EXISTS idx_active_transactions_resolution ON active_transactions(resolution_status);

CREATE TABLE IF NOT EXISTS active_transaction_items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    active_transaction_id INTEGER NOT NULL REFERENCES active_transactions(id) ON DELETE CASCADE,
    item_id INTEGER NOT NULL,
    quantity TEXT NOT NULL,
    unit_price TEXT NOT NULL,
    total_price TEXT NOT NULL,
    tax_rate TEXT NOT NULL,
    tax_amount TEXT NOT NULL,
    parent_transaction_item_id INTEGER,
    notes TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transaction_items_tx ON active_transaction_items(active_transaction_id);

-- Append-only fiscal log. Rows are never updated or deleted.
CREATE TABLE IF NOT EXISTS fiscal_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    transaction_uuid TEXT NOT NULL,
    event_type TEXT NOT NULL,
    user_id INTEGER,
    payload TEXT NOT NULL DEFAULT '{}',
    signature TEXT,
    signature_counter INTEGER,
    timestamp_utc TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fiscal_log_uuid ON fiscal_log(transaction_uuid);

-- Write-ahead half of the two-phase fiscal commit
CREATE TABLE IF NOT EXISTS pending_fiscal_operations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    operation_id TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL DEFAULT 'PENDING'
        CHECK(status IN ('PENDING', 'TSE_SUCCESS', 'TSE_FAILED', 'COMMITTED')),
    request_payload TEXT NOT NULL DEFAULT '{}',
    signed_payload TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_fiscal_status ON pending_fiscal_operations(status);

-- Durable non-fiscal events; partial_storno and price_override feed the
-- fiscal reconstruction at finish time.
CREATE TABLE IF NOT EXISTS operational_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    transaction_uuid TEXT,
    event_type TEXT NOT NULL,
    user_id INTEGER,
    payload TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operational_log_uuid ON operational_log(transaction_uuid);

CREATE TABLE IF NOT EXISTS roles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    permissions TEXT NOT NULL DEFAULT '[]',
    can_approve_changes INTEGER NOT NULL DEFAULT 0,
    can_manage_users INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    password_hash TEXT NOT NULL,
    role_id INTEGER NOT NULL REFERENCES roles(id),
    storno_daily_limit TEXT NOT NULL DEFAULT '50',
    storno_emergency_limit TEXT NOT NULL DEFAULT '25',
    storno_used_today TEXT NOT NULL DEFAULT '0',
    trust_score INTEGER NOT NULL DEFAULT 50 CHECK(trust_score >= 0 AND trust_score <= 100),
    is_active INTEGER NOT NULL DEFAULT 1,
    force_password_change INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS storno_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES users(id),
    original_transaction_id INTEGER,
    amount TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    is_emergency INTEGER NOT NULL DEFAULT 0,
    approval_status TEXT NOT NULL DEFAULT 'pending'
        CHECK(approval_status IN ('automatic', 'pending', 'approved', 'rejected')),
    credit_used TEXT NOT NULL DEFAULT '0',
    approver_id INTEGER,
    notes TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_storno_logs_status ON storno_logs(approval_status);

CREATE TABLE IF NOT EXISTS pending_changes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    change_type TEXT NOT NULL,
    target_table TEXT NOT NULL,
    target_id INTEGER NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    priority TEXT NOT NULL DEFAULT 'normal' CHECK(priority IN ('normal', 'high', 'urgent')),
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'approved', 'rejected')),
    requested_by INTEGER NOT NULL,
    reviewed_by INTEGER,
    review_notes TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_changes_status ON pending_changes(status);

CREATE TABLE IF NOT EXISTS layouts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    source_type TEXT NOT NULL DEFAULT 'manual',
    categories TEXT NOT NULL DEFAULT '[]',
    is_active INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);
`

// requiredTables is the schema surface the startup validation checks for.
var requiredTables = []string{
	"companies", "branches", "pos_devices", "categories", "items",
	"item_embeddings", "active_transactions", "active_transaction_items",
	"fiscal_log", "pending_fiscal_operations", "operational_log",
	"roles", "users", "storno_logs", "pending_changes", "layouts",
}

func createSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}
