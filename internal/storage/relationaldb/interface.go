package relationaldb

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle state of an active transaction.
type TransactionStatus string

const (
	StatusActive    TransactionStatus = "active"
	StatusParked    TransactionStatus = "parked"
	StatusFinished  TransactionStatus = "finished"
	StatusCancelled TransactionStatus = "cancelled"
)

// ResolutionStatus marks transactions left over from a previous session.
type ResolutionStatus string

const (
	ResolutionNone      ResolutionStatus = "none"
	ResolutionPending   ResolutionStatus = "pending"
	ResolutionPostponed ResolutionStatus = "postponed"
)

// PendingOperationStatus is the state of a two-phase fiscal write.
type PendingOperationStatus string

const (
	PendingStatusPending   PendingOperationStatus = "PENDING"
	PendingStatusSuccess   PendingOperationStatus = "TSE_SUCCESS"
	PendingStatusFailed    PendingOperationStatus = "TSE_FAILED"
	PendingStatusCommitted PendingOperationStatus = "COMMITTED"
)

// ApprovalStatus is the state of a storno request or pending change.
type ApprovalStatus string

const (
	ApprovalAutomatic ApprovalStatus = "automatic"
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
)

// Reserved note tokens on compliance child lines.
const (
	NoteStorno    = "STORNO"
	NoteDiscount  = "DISCOUNT"
	NoteSurcharge = "SURCHARGE"
)

// Company is the root of the catalog tree.
type Company struct {
	ID           int64
	Name         string
	DisplayNames map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Branch belongs to a company.
type Branch struct {
	ID           int64
	CompanyID    int64
	Name         string
	DisplayNames map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// POSDevice belongs to a branch.
type POSDevice struct {
	ID        int64
	BranchID  int64
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Category groups items and carries the tax-rate discriminator.
type Category struct {
	ID           int64
	POSDeviceID  int64
	DisplayNames map[string]string
	CategoryType string // food | drink | other
	Audit        map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Item is a sellable catalog entry.
type Item struct {
	ID            int64
	CategoryID    int64
	DisplayNames  map[string]string
	Price         decimal.Decimal
	Description   string
	EmbeddingHash string // sha256 over the semantic string, empty if never embedded
	Audit         map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ActiveTransaction is a receipt under construction (or finished).
type ActiveTransaction struct {
	ID               int64
	UUID             string
	Status           TransactionStatus
	ResolutionStatus ResolutionStatus
	UserID           int64
	BusinessDate     string // UTC calendar day, YYYY-MM-DD
	TotalAmount      decimal.Decimal
	TaxAmount        decimal.Decimal
	PaymentType      string // empty until finished
	PaymentAmount    decimal.Decimal
	PaymentSet       bool
	Metadata         map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ActiveTransactionItem is a line on a receipt. Negative quantities are
// compliance storno lines.
type ActiveTransactionItem struct {
	ID                  int64
	ActiveTransactionID int64
	ItemID              int64
	Quantity            decimal.Decimal
	UnitPrice           decimal.Decimal
	TotalPrice          decimal.Decimal
	TaxRate             decimal.Decimal
	TaxAmount           decimal.Decimal
	ParentItemID        int64 // 0 when not a compliance child
	Notes               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// FiscalLogEntry is an append-only, externally signed fiscal record.
type FiscalLogEntry struct {
	ID               int64
	TransactionUUID  string
	EventType        string
	UserID           int64
	Payload          map[string]interface{}
	Signature        string
	SignatureCounter int64
	TimestampUTC     time.Time
}

// PendingFiscalOperation is the write-ahead half of a fiscal commit.
type PendingFiscalOperation struct {
	ID             int64
	OperationID    string
	Status         PendingOperationStatus
	RequestPayload map[string]interface{}
	SignedPayload  map[string]interface{}
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OperationalLogEntry is a durable non-fiscal event. partial_storno and
// price_override entries feed the fiscal reconstruction at finish time.
type OperationalLogEntry struct {
	ID              int64
	TransactionUUID string
	EventType       string
	UserID          int64
	Payload         map[string]interface{}
	CreatedAt       time.Time
}

// Role carries a permission set.
type Role struct {
	ID                int64
	Name              string
	Permissions       []string
	CanApproveChanges bool
	CanManageUsers    bool
}

// User is an operator account with storno credit state.
type User struct {
	ID                   int64
	Username             string
	DisplayName          string
	PasswordHash         string
	RoleID               int64
	StornoDailyLimit     decimal.Decimal
	StornoEmergencyLimit decimal.Decimal
	StornoUsedToday      decimal.Decimal
	TrustScore           int
	IsActive             bool
	ForcePasswordChange  bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// StornoLog records a storno request and its approval outcome.
type StornoLog struct {
	ID                    int64
	UserID                int64
	OriginalTransactionID int64
	Amount                decimal.Decimal
	Reason                string
	IsEmergency           bool
	ApprovalStatus        ApprovalStatus
	CreditUsed            decimal.Decimal
	ApproverID            int64
	Notes                 string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// PendingChange is a generic manager-approval record.
type PendingChange struct {
	ID          int64
	ChangeType  string
	TargetTable string
	TargetID    int64
	Payload     map[string]interface{}
	Priority    string // normal | high | urgent
	Status      ApprovalStatus
	RequestedBy int64
	ReviewedBy  int64
	ReviewNotes string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Layout is a named snapshot of the catalog arrangement.
type Layout struct {
	ID         int64
	Name       string
	SourceType string
	Categories []map[string]interface{}
	IsActive   bool
	CreatedAt  time.Time
}

// ItemEmbedding maps an item to its 768-dim vector and the content hash the
// vector was computed from.
type ItemEmbedding struct {
	ItemID      int64
	ContentHash string
	Vector      []float32
}

// TaxBucket is one (rate, gross sum) pair of a transaction's tax breakdown.
type TaxBucket struct {
	Rate  decimal.Decimal
	Gross decimal.Decimal
}

// ProductRow is the flattened item view used by search.
type ProductRow struct {
	ItemID       int64
	Name         string
	CategoryName string
	Price        decimal.Decimal
}

// CatalogRepository handles the company/branch/device/category/item tree.
type CatalogRepository interface {
	GetCategories(ctx context.Context) ([]Category, error)
	GetCategoryByID(ctx context.Context, id int64) (*Category, error)
	GetItemsByCategory(ctx context.Context, categoryID int64) ([]Item, error)
	GetItemByID(ctx context.Context, id int64) (*Item, error)
	GetProducts(ctx context.Context) ([]ProductRow, error)
	SearchFullText(ctx context.Context, query string) ([]ProductRow, error)

	InsertCompany(ctx context.Context, c *Company) error
	InsertBranch(ctx context.Context, b *Branch) error
	InsertPOSDevice(ctx context.Context, d *POSDevice) error
	InsertCategory(ctx context.Context, c *Category) error
	InsertItem(ctx context.Context, i *Item) error
	DeleteCatalog(ctx context.Context) error
}

// TransactionRepository handles active transactions and their items.
type TransactionRepository interface {
	Create(ctx context.Context, t *ActiveTransaction) error
	FindByID(ctx context.Context, id int64) (*ActiveTransaction, error)
	FindByUUID(ctx context.Context, uuid string) (*ActiveTransaction, error)
	Update(ctx context.Context, t *ActiveTransaction) error
	Delete(ctx context.Context, id int64) error
	GetParkedTransactions(ctx context.Context) ([]ActiveTransaction, error)
	GetByStatus(ctx context.Context, status TransactionStatus, resolution ResolutionStatus) ([]ActiveTransaction, error)
	GetRecentFinished(ctx context.Context, limit int) ([]ActiveTransaction, error)
	IsTableInUse(ctx context.Context, table string, excludeID int64) (bool, error)

	GetItems(ctx context.Context, transactionID int64) ([]ActiveTransactionItem, error)
	GetItem(ctx context.Context, lineID int64) (*ActiveTransactionItem, error)
	InsertItem(ctx context.Context, item *ActiveTransactionItem) error
	UpdateItem(ctx context.Context, item *ActiveTransactionItem) error
	GetTaxBreakdown(ctx context.Context, transactionID int64) ([]TaxBucket, error)
}

// FiscalRepository handles the append-only fiscal log and the pending
// operations write-ahead table.
type FiscalRepository interface {
	AppendFiscalLog(ctx context.Context, e *FiscalLogEntry) error
	GetFiscalLogByUUID(ctx context.Context, transactionUUID string) ([]FiscalLogEntry, error)

	InsertPendingOperation(ctx context.Context, op *PendingFiscalOperation) error
	UpdatePendingOperation(ctx context.Context, op *PendingFiscalOperation) error
	GetPendingOperationByOperationID(ctx context.Context, operationID string) (*PendingFiscalOperation, error)
	GetPendingOperationsByStatus(ctx context.Context, status PendingOperationStatus) ([]PendingFiscalOperation, error)
}

// OperationalLogRepository handles durable non-fiscal events.
type OperationalLogRepository interface {
	Append(ctx context.Context, e *OperationalLogEntry) error
	GetByTransactionUUID(ctx context.Context, transactionUUID string) ([]OperationalLogEntry, error)
}

// UserRepository handles users and roles.
type UserRepository interface {
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	GetActiveUsers(ctx context.Context) ([]User, error)
	Create(ctx context.Context, u *User) error
	Update(ctx context.Context, u *User) error
	ResetDailyStornoCredits(ctx context.Context) error

	GetRoleByID(ctx context.Context, id int64) (*Role, error)
	GetRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, r *Role) error
}

// StornoRepository handles storno log rows.
type StornoRepository interface {
	Insert(ctx context.Context, s *StornoLog) error
	FindByID(ctx context.Context, id int64) (*StornoLog, error)
	Update(ctx context.Context, s *StornoLog) error
	GetPending(ctx context.Context) ([]StornoLog, error)
	GetByUser(ctx context.Context, userID int64) ([]StornoLog, error)
}

// ChangeRepository handles generic pending-change rows.
type ChangeRepository interface {
	Insert(ctx context.Context, c *PendingChange) error
	FindByID(ctx context.Context, id int64) (*PendingChange, error)
	Update(ctx context.Context, c *PendingChange) error
	GetPending(ctx context.Context) ([]PendingChange, error)
	FindPendingByTarget(ctx context.Context, targetTable string, targetID int64) (*PendingChange, error)
}

// LayoutRepository handles catalog arrangement snapshots.
type LayoutRepository interface {
	Insert(ctx context.Context, l *Layout) error
	List(ctx context.Context) ([]Layout, error)
	FindByID(ctx context.Context, id int64) (*Layout, error)
	DeactivateAll(ctx context.Context) error
	SetActive(ctx context.Context, id int64) error
	GetActive(ctx context.Context) (*Layout, error)
	GetMostRecent(ctx context.Context) (*Layout, error)
}

// EmbeddingRepository handles the vector side table.
type EmbeddingRepository interface {
	Upsert(ctx context.Context, e *ItemEmbedding) error
	GetByItemID(ctx context.Context, itemID int64) (*ItemEmbedding, error)
	GetAll(ctx context.Context) ([]ItemEmbedding, error)
	DeleteAll(ctx context.Context) error
}

// SystemRepository handles cross-cutting database operations.
type SystemRepository interface {
	Ping(ctx context.Context) error
	ValidateSchema(ctx context.Context) error
	ResetSequences(ctx context.Context, tables []string) error
}

// TransactionContext exposes every repository bound to one database
// transaction. Mutations inside the write envelope go through it.
type TransactionContext interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	Catalog() CatalogRepository
	Transactions() TransactionRepository
	Fiscal() FiscalRepository
	OperationalLog() OperationalLogRepository
	Users() UserRepository
	Stornos() StornoRepository
	Changes() ChangeRepository
	Layouts() LayoutRepository
	Embeddings() EmbeddingRepository
	System() SystemRepository
}

// RepositoryManager provides access to all repositories and transaction
// management.
type RepositoryManager interface {
	Catalog() CatalogRepository
	Transactions() TransactionRepository
	Fiscal() FiscalRepository
	OperationalLog() OperationalLogRepository
	Users() UserRepository
	Stornos() StornoRepository
	Changes() ChangeRepository
	Layouts() LayoutRepository
	Embeddings() EmbeddingRepository
	System() SystemRepository

	Open(ctx context.Context) error
	Close(ctx context.Context) error

	// WithTransaction runs fn inside an immediate write transaction. A
	// serialization conflict surfaces as ErrConflict; callers retry once.
	WithTransaction(ctx context.Context, fn func(TransactionContext) error) error
}
