package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Config{Path: filepath.Join(t.TempDir(), "kassad.db")}, zerolog.Nop())
	require.NoError(t, m.Open(context.Background()))
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

// seedCatalog inserts one company/branch/device, one category of each type,
// and a few items. Returns the drink category ID and the item IDs.
func seedCatalog(t *testing.T, m *Manager) (drinkCat int64, itemIDs []int64) {
	t.Helper()
	ctx := context.Background()

	company := &relationaldb.Company{Name: "Testwirt GmbH"}
	require.NoError(t, m.Catalog().InsertCompany(ctx, company))

	branch := &relationaldb.Branch{CompanyID: company.ID, Name: "Hauptfiliale"}
	require.NoError(t, m.Catalog().InsertBranch(ctx, branch))

	device := &relationaldb.POSDevice{BranchID: branch.ID, Name: "Kasse 1"}
	require.NoError(t, m.Catalog().InsertPOSDevice(ctx, device))

	drinks := &relationaldb.Category{
		POSDeviceID:  device.ID,
		DisplayNames: map[string]string{"de": "Getränke", "en": "Drinks"},
		CategoryType: "drink",
	}
	require.NoError(t, m.Catalog().InsertCategory(ctx, drinks))

	food := &relationaldb.Category{
		POSDeviceID:  device.ID,
		DisplayNames: map[string]string{"de": "Speisen"},
		CategoryType: "food",
	}
	require.NoError(t, m.Catalog().InsertCategory(ctx, food))

	seed := []struct {
		cat   int64
		names map[string]string
		price string
	}{
		{drinks.ID, map[string]string{"de": "Apfelschorle", "en": "Apple Spritzer"}, "3.50"},
		{drinks.ID, map[string]string{"de": "Espresso"}, "2.20"},
		{food.ID, map[string]string{"de": "Wiener Schnitzel"}, "18.90"},
	}
	for _, s := range seed {
		item := &relationaldb.Item{
			CategoryID:   s.cat,
			DisplayNames: s.names,
			Price:        decimal.RequireFromString(s.price),
		}
		require.NoError(t, m.Catalog().InsertItem(ctx, item))
		itemIDs = append(itemIDs, item.ID)
	}
	return drinks.ID, itemIDs
}

func TestOpenCreatesValidSchema(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.System().ValidateSchema(context.Background()))
	require.NoError(t, m.System().Ping(context.Background()))
}

func TestCatalogRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	drinkCat, itemIDs := seedCatalog(t, m)

	items, err := m.Catalog().GetItemsByCategory(ctx, drinkCat)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Apfelschorle", items[0].DisplayNames["de"])
	assert.True(t, items[0].Price.Equal(decimal.RequireFromString("3.50")))

	item, err := m.Catalog().GetItemByID(ctx, itemIDs[2])
	require.NoError(t, err)
	assert.Equal(t, "Wiener Schnitzel", item.DisplayNames["de"])

	_, err = m.Catalog().GetItemByID(ctx, 9999)
	assert.ErrorIs(t, err, relationaldb.ErrNotFound)

	products, err := m.Catalog().GetProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 3)
	assert.Equal(t, "Getränke", products[0].CategoryName)
}

func TestFullTextSearch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	seedCatalog(t, m)

	rows, err := m.Catalog().SearchFullText(ctx, "schnitzel")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Wiener Schnitzel", rows[0].Name)

	// Prefix match on the last token.
	rows, err = m.Catalog().SearchFullText(ctx, "apfel")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Apfelschorle", rows[0].Name)

	// Category names are indexed too.
	rows, err = m.Catalog().SearchFullText(ctx, "getränke")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = m.Catalog().SearchFullText(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, rows)

	// FTS5 syntax in user input must not be interpreted.
	_, err = m.Catalog().SearchFullText(ctx, `schnitzel" OR name:`)
	require.NoError(t, err)
}

func TestFtsQueryQuoting(t *testing.T) {
	assert.Equal(t, `"apfel"*`, ftsQuery("apfel"))
	assert.Equal(t, `"wiener" OR "schni"*`, ftsQuery("wiener schni"))
	assert.Equal(t, "", ftsQuery("   "))

	// A user-quoted phrase stays together as one token.
	assert.Equal(t, `"drop table"*`, ftsQuery(`"drop table"`))
	assert.Equal(t, `"wiener schnitzel" OR "klein"*`, ftsQuery(`"wiener schnitzel" klein`))

	// Unbalanced quotes must still produce a safe expression.
	assert.Equal(t, `"wiener" OR "rotes sofa"*`, ftsQuery(`wiener "rotes sofa`))
}

func TestTransactionLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	tx := &relationaldb.ActiveTransaction{
		UUID:             uuid.NewString(),
		Status:           relationaldb.StatusActive,
		ResolutionStatus: relationaldb.ResolutionNone,
		UserID:           0,
		BusinessDate:     "2026-08-24",
		Metadata:         map[string]string{"table": "7"},
	}
	require.NoError(t, m.Transactions().Create(ctx, tx))
	require.NotZero(t, tx.ID)

	got, err := m.Transactions().FindByUUID(ctx, tx.UUID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.StatusActive, got.Status)
	assert.Equal(t, "7", got.Metadata["table"])
	assert.False(t, got.PaymentSet)
	assert.Empty(t, got.PaymentType)

	got.Status = relationaldb.StatusFinished
	got.PaymentType = "cash"
	got.PaymentAmount = decimal.RequireFromString("50.00")
	got.PaymentSet = true
	got.TotalAmount = decimal.RequireFromString("42.10")
	require.NoError(t, m.Transactions().Update(ctx, got))

	finished, err := m.Transactions().FindByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, finished.PaymentSet)
	assert.Equal(t, "cash", finished.PaymentType)
	assert.True(t, finished.PaymentAmount.Equal(decimal.RequireFromString("50.00")))

	recent, err := m.Transactions().GetRecentFinished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, tx.UUID, recent[0].UUID)
}

func TestTableInUseChecksParkedOnly(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	parked := &relationaldb.ActiveTransaction{
		UUID:             uuid.NewString(),
		Status:           relationaldb.StatusParked,
		ResolutionStatus: relationaldb.ResolutionNone,
		BusinessDate:     "2026-08-24",
		Metadata:         map[string]string{"table": "3"},
	}
	require.NoError(t, m.Transactions().Create(ctx, parked))

	active := &relationaldb.ActiveTransaction{
		UUID:             uuid.NewString(),
		Status:           relationaldb.StatusActive,
		ResolutionStatus: relationaldb.ResolutionNone,
		BusinessDate:     "2026-08-24",
		Metadata:         map[string]string{"table": "5"},
	}
	require.NoError(t, m.Transactions().Create(ctx, active))

	inUse, err := m.Transactions().IsTableInUse(ctx, "3", 0)
	require.NoError(t, err)
	assert.True(t, inUse)

	// Active transactions do not hold tables.
	inUse, err = m.Transactions().IsTableInUse(ctx, "5", 0)
	require.NoError(t, err)
	assert.False(t, inUse)

	// A transaction never conflicts with itself.
	inUse, err = m.Transactions().IsTableInUse(ctx, "3", parked.ID)
	require.NoError(t, err)
	assert.False(t, inUse)
}

func TestTaxBreakdownGroupsByExactRate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	tx := &relationaldb.ActiveTransaction{
		UUID:             uuid.NewString(),
		Status:           relationaldb.StatusActive,
		ResolutionStatus: relationaldb.ResolutionNone,
		BusinessDate:     "2026-08-24",
	}
	require.NoError(t, m.Transactions().Create(ctx, tx))

	lines := []struct{ qty, unit, total, rate string }{
		{"2", "3.50", "7.00", "19.00"},
		{"1", "2.20", "2.20", "19"}, // same rate, different rendering
		{"1", "18.90", "18.90", "7.00"},
	}
	for _, l := range lines {
		require.NoError(t, m.Transactions().InsertItem(ctx, &relationaldb.ActiveTransactionItem{
			ActiveTransactionID: tx.ID,
			ItemID:              1,
			Quantity:            decimal.RequireFromString(l.qty),
			UnitPrice:           decimal.RequireFromString(l.unit),
			TotalPrice:          decimal.RequireFromString(l.total),
			TaxRate:             decimal.RequireFromString(l.rate),
		}))
	}

	buckets, err := m.Transactions().GetTaxBreakdown(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	byRate := make(map[string]decimal.Decimal)
	for _, b := range buckets {
		byRate[b.Rate.String()] = b.Gross
	}
	assert.True(t, byRate["19"].Equal(decimal.RequireFromString("9.20")))
	assert.True(t, byRate["7"].Equal(decimal.RequireFromString("18.90")))
}

func TestWithTransactionRollbackOnError(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id := uuid.NewString()
	err := m.WithTransaction(ctx, func(tc relationaldb.TransactionContext) error {
		if err := tc.Transactions().Create(ctx, &relationaldb.ActiveTransaction{
			UUID:             id,
			Status:           relationaldb.StatusActive,
			ResolutionStatus: relationaldb.ResolutionNone,
			BusinessDate:     "2026-08-24",
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = m.Transactions().FindByUUID(ctx, id)
	assert.ErrorIs(t, err, relationaldb.ErrNotFound)
}

func TestWithTransactionCommit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id := uuid.NewString()
	err := m.WithTransaction(ctx, func(tc relationaldb.TransactionContext) error {
		return tc.Transactions().Create(ctx, &relationaldb.ActiveTransaction{
			UUID:             id,
			Status:           relationaldb.StatusParked,
			ResolutionStatus: relationaldb.ResolutionNone,
			BusinessDate:     "2026-08-24",
		})
	})
	require.NoError(t, err)

	got, err := m.Transactions().FindByUUID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.StatusParked, got.Status)
}

func TestPendingFiscalOperationLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	op := &relationaldb.PendingFiscalOperation{
		OperationID:    uuid.NewString(),
		Status:         relationaldb.PendingStatusPending,
		RequestPayload: map[string]interface{}{"event_type": "transaction_finished"},
	}
	require.NoError(t, m.Fiscal().InsertPendingOperation(ctx, op))

	pending, err := m.Fiscal().GetPendingOperationsByStatus(ctx, relationaldb.PendingStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	op.Status = relationaldb.PendingStatusSuccess
	op.SignedPayload = map[string]interface{}{"signature": "abc", "signature_counter": float64(1)}
	require.NoError(t, m.Fiscal().UpdatePendingOperation(ctx, op))

	got, err := m.Fiscal().GetPendingOperationByOperationID(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.PendingStatusSuccess, got.Status)
	assert.Equal(t, "abc", got.SignedPayload["signature"])
	assert.Equal(t, "transaction_finished", got.RequestPayload["event_type"])

	pending, err = m.Fiscal().GetPendingOperationsByStatus(ctx, relationaldb.PendingStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFiscalLogAppendAndRead(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	txUUID := uuid.NewString()
	require.NoError(t, m.Fiscal().AppendFiscalLog(ctx, &relationaldb.FiscalLogEntry{
		TransactionUUID:  txUUID,
		EventType:        "transaction_finished",
		Payload:          map[string]interface{}{"total": "42.10"},
		Signature:        "sig-1",
		SignatureCounter: 7,
	}))

	entries, err := m.Fiscal().GetFiscalLogByUUID(ctx, txUUID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sig-1", entries[0].Signature)
	assert.Equal(t, int64(7), entries[0].SignatureCounter)
	assert.Equal(t, "42.10", entries[0].Payload["total"])
	assert.False(t, entries[0].TimestampUTC.IsZero())
}

func TestOperationalLogReplayOrder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	txUUID := uuid.NewString()
	for _, ev := range []string{"partial_storno", "price_override", "partial_storno"} {
		require.NoError(t, m.OperationalLog().Append(ctx, &relationaldb.OperationalLogEntry{
			TransactionUUID: txUUID,
			EventType:       ev,
			Payload:         map[string]interface{}{"k": ev},
		}))
	}

	entries, err := m.OperationalLog().GetByTransactionUUID(ctx, txUUID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "partial_storno", entries[0].EventType)
	assert.Equal(t, "price_override", entries[1].EventType)
}

func TestUserAndRoleStorage(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	role := &relationaldb.Role{
		Name:              "manager",
		Permissions:       []string{"storno_approve", "user_manage"},
		CanApproveChanges: true,
		CanManageUsers:    true,
	}
	require.NoError(t, m.Users().CreateRole(ctx, role))

	user := &relationaldb.User{
		Username:         "anna",
		DisplayName:      "Anna",
		PasswordHash:     "$2a$10$notarealhash",
		RoleID:           role.ID,
		StornoDailyLimit: decimal.RequireFromString("50.00"),
		StornoUsedToday:  decimal.RequireFromString("12.30"),
		TrustScore:       50,
		IsActive:         true,
	}
	require.NoError(t, m.Users().Create(ctx, user))

	got, err := m.Users().FindByUsername(ctx, "anna")
	require.NoError(t, err)
	assert.True(t, got.StornoUsedToday.Equal(decimal.RequireFromString("12.30")))

	gotRole, err := m.Users().GetRoleByID(ctx, role.ID)
	require.NoError(t, err)
	assert.Contains(t, gotRole.Permissions, "storno_approve")

	require.NoError(t, m.Users().ResetDailyStornoCredits(ctx))
	got, err = m.Users().FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.StornoUsedToday.IsZero())
}

func TestLayoutActivationIsExclusive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first := &relationaldb.Layout{Name: "import 1", SourceType: "import", IsActive: true}
	require.NoError(t, m.Layouts().Insert(ctx, first))
	second := &relationaldb.Layout{Name: "import 2", SourceType: "import"}
	require.NoError(t, m.Layouts().Insert(ctx, second))

	require.NoError(t, m.Layouts().DeactivateAll(ctx))
	require.NoError(t, m.Layouts().SetActive(ctx, second.ID))

	active, err := m.Layouts().GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	assert.ErrorIs(t, m.Layouts().SetActive(ctx, 9999), relationaldb.ErrNotFound)

	recent, err := m.Layouts().GetMostRecent(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, recent.ID)
}

func TestEmbeddingUpsert(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	_, itemIDs := seedCatalog(t, m)

	e := &relationaldb.ItemEmbedding{
		ItemID:      itemIDs[0],
		ContentHash: "hash-1",
		Vector:      []float32{0.1, 0.2, 0.3},
	}
	require.NoError(t, m.Embeddings().Upsert(ctx, e))

	e.ContentHash = "hash-2"
	e.Vector = []float32{0.4, 0.5, 0.6}
	require.NoError(t, m.Embeddings().Upsert(ctx, e))

	got, err := m.Embeddings().GetByItemID(ctx, itemIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "hash-2", got.ContentHash)
	assert.InDelta(t, 0.4, got.Vector[0], 1e-6)

	all, err := m.Embeddings().GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPendingChangePriorityOrdering(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, p := range []string{"normal", "urgent", "high"} {
		require.NoError(t, m.Changes().Insert(ctx, &relationaldb.PendingChange{
			ChangeType:  "price_update",
			TargetTable: "items",
			TargetID:    1,
			Payload:     map[string]interface{}{"price": "9.99"},
			Priority:    p,
			Status:      relationaldb.ApprovalPending,
			RequestedBy: 1,
		}))
	}

	pending, err := m.Changes().GetPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "urgent", pending[0].Priority)
	assert.Equal(t, "high", pending[1].Priority)
	assert.Equal(t, "normal", pending[2].Priority)
}
