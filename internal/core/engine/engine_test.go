package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkasse/kassad/internal/core/fiscal"
	"github.com/openkasse/kassad/internal/core/tax"
	"github.com/openkasse/kassad/internal/printer"
	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/storage/relationaldb/sqlite"
	"github.com/openkasse/kassad/internal/types"
)

type stubSigner struct{ counter int64 }

func (s *stubSigner) Sign(ctx context.Context, payload []byte) (*fiscal.Signature, error) {
	s.counter++
	return &fiscal.Signature{Signature: "sig", Counter: s.counter, TSETimestamp: time.Now().UTC()}, nil
}

type failingPrinter struct{ calls int }

func (p *failingPrinter) PrintReceipt(ctx context.Context, r *printer.Receipt) error {
	p.calls++
	return errors.New("paper jam")
}

type testRig struct {
	engine   *Engine
	repos    relationaldb.RepositoryManager
	coffee   int64 // drink, 3.00
	widget   int64 // food, 10.00
	printerF *failingPrinter
}

func newRig(t *testing.T, failPrint bool) *testRig {
	t.Helper()
	ctx := context.Background()

	m := sqlite.NewManager(sqlite.Config{Path: filepath.Join(t.TempDir(), "engine.db")}, zerolog.Nop())
	require.NoError(t, m.Open(ctx))
	t.Cleanup(func() { m.Close(ctx) })

	company := &relationaldb.Company{Name: "Test"}
	require.NoError(t, m.Catalog().InsertCompany(ctx, company))
	branch := &relationaldb.Branch{CompanyID: company.ID, Name: "Main"}
	require.NoError(t, m.Catalog().InsertBranch(ctx, branch))
	device := &relationaldb.POSDevice{BranchID: branch.ID, Name: "POS"}
	require.NoError(t, m.Catalog().InsertPOSDevice(ctx, device))

	drinks := &relationaldb.Category{POSDeviceID: device.ID, CategoryType: "drink",
		DisplayNames: map[string]string{"en": "Drinks"}}
	require.NoError(t, m.Catalog().InsertCategory(ctx, drinks))
	food := &relationaldb.Category{POSDeviceID: device.ID, CategoryType: "food",
		DisplayNames: map[string]string{"en": "Food"}}
	require.NoError(t, m.Catalog().InsertCategory(ctx, food))

	coffee := &relationaldb.Item{CategoryID: drinks.ID,
		DisplayNames: map[string]string{"en": "Coffee"}, Price: decimal.RequireFromString("3.00")}
	require.NoError(t, m.Catalog().InsertItem(ctx, coffee))
	widget := &relationaldb.Item{CategoryID: food.ID,
		DisplayNames: map[string]string{"en": "Widget"}, Price: decimal.RequireFromString("10.00")}
	require.NoError(t, m.Catalog().InsertItem(ctx, widget))

	fiscalSvc := fiscal.NewService(m, &stubSigner{}, zerolog.Nop())

	rig := &testRig{repos: m, coffee: coffee.ID, widget: widget.ID}
	var prn printer.Printer = printer.NewLogPrinter(zerolog.Nop())
	if failPrint {
		rig.printerF = &failingPrinter{}
		prn = rig.printerF
	}
	rig.engine = New(m, fiscalSvc, tax.DefaultTable(), prn, zerolog.Nop())
	return rig
}

func mustCreate(t *testing.T, rig *testRig) *TransactionView {
	t.Helper()
	v, err := rig.engine.FindOrCreateActiveTransaction(context.Background(), CreateCriteria{}, 1)
	require.NoError(t, err)
	return v
}

func TestHappyPathFinish(t *testing.T) {
	rig := newRig(t, false)
	ctx := context.Background()

	v := mustCreate(t, rig)
	txID := v.Transaction.ID

	v, err := rig.engine.AddItemToTransaction(ctx, txID, rig.coffee, decimal.NewFromInt(2), 1, "")
	require.NoError(t, err)
	require.Len(t, v.Items, 1)
	assert.True(t, v.Items[0].Quantity.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, "Coffee", v.Items[0].Name)

	result, err := rig.engine.FinishTransaction(ctx, txID,
		PaymentData{Type: "CASH", Amount: decimal.RequireFromString("6.00")}, 1)
	require.NoError(t, err)

	assert.True(t, result.Transaction.TotalAmount.Equal(decimal.RequireFromString("6.00")))
	taxF, _ := result.Transaction.TaxAmount.Float64()
	assert.InDelta(t, 0.957983, taxF, 1e-5)
	assert.Equal(t, "Beleg^6.00_0.00_0.00_0.00_0.00^6.00:CASH", result.ProcessData)
	assert.Empty(t, result.Warning)
	assert.Equal(t, "ok", result.PrintStatus)

	// Fiscal events in order.
	log, err := rig.repos.Fiscal().GetFiscalLogByUUID(ctx, result.Transaction.UUID)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, "startTransaction", log[0].EventType)
	assert.Equal(t, "updateTransaction", log[1].EventType)
	assert.Equal(t, "finishTransaction", log[2].EventType)

	// Totals equal signed item sums.
	items, err := rig.repos.Transactions().GetItems(ctx, txID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(it.TotalPrice)
	}
	assert.True(t, sum.Equal(result.Transaction.TotalAmount))
}

func TestPartialStornoReconstruction(t *testing.T) {
	rig := newRig(t, false)
	ctx := context.Background()

	v := mustCreate(t, rig)
	txID := v.Transaction.ID

	v, err := rig.engine.AddItemToTransaction(ctx, txID, rig.coffee, decimal.NewFromInt(3), 1, "")
	require.NoError(t, err)
	lineID := v.Items[0].ID

	// Live view shows the reduced quantity.
	v, err = rig.engine.UpdateItemQuantity(ctx, txID, lineID, decimal.NewFromInt(1), 1)
	require.NoError(t, err)
	assert.True(t, v.Items[0].Quantity.Equal(decimal.NewFromInt(1)))
	assert.True(t, v.Transaction.TotalAmount.Equal(decimal.RequireFromString("3.00")))

	result, err := rig.engine.FinishTransaction(ctx, txID,
		PaymentData{Type: "CASH", Amount: decimal.RequireFromString("3.00")}, 1)
	require.NoError(t, err)

	require.Len(t, result.Items, 2)
	original, child := result.Items[0], result.Items[1]
	assert.True(t, original.Quantity.Equal(decimal.NewFromInt(3)))
	assert.True(t, original.TotalPrice.Equal(decimal.RequireFromString("9.00")))
	assert.Equal(t, lineID, child.ParentItemID)
	assert.True(t, child.Quantity.Equal(decimal.NewFromInt(-2)))
	assert.True(t, child.UnitPrice.Equal(decimal.RequireFromString("3.00")))
	assert.True(t, child.TotalPrice.Equal(decimal.RequireFromString("-6.00")))
	assert.Equal(t, relationaldb.NoteStorno, child.Notes)

	assert.True(t, result.Transaction.TotalAmount.Equal(decimal.RequireFromString("3.00")))
	assert.Equal(t, "Beleg^3.00_0.00_0.00_0.00_0.00^3.00:CASH", result.ProcessData)
}

func TestPriceOverrideDiscount(t *testing.T) {
	rig := newRig(t, false)
	ctx := context.Background()

	v := mustCreate(t, rig)
	txID := v.Transaction.ID

	v, err := rig.engine.AddItemToTransaction(ctx, txID, rig.widget, decimal.NewFromInt(1), 1, "")
	require.NoError(t, err)
	lineID := v.Items[0].ID

	_, err = rig.engine.UpdateItemPrice(ctx, txID, lineID, decimal.RequireFromString("8.00"), false, 1)
	require.NoError(t, err)

	result, err := rig.engine.FinishTransaction(ctx, txID,
		PaymentData{Type: "CASH", Amount: decimal.RequireFromString("8.00")}, 1)
	require.NoError(t, err)

	require.Len(t, result.Items, 2)
	original, child := result.Items[0], result.Items[1]
	assert.True(t, original.UnitPrice.Equal(decimal.RequireFromString("10.00")))
	assert.True(t, child.Quantity.Equal(decimal.NewFromInt(1)))
	assert.True(t, child.UnitPrice.Equal(decimal.RequireFromString("-2.00")))
	assert.True(t, child.TotalPrice.Equal(decimal.RequireFromString("-2.00")))
	assert.Equal(t, relationaldb.NoteDiscount, child.Notes)
	assert.Equal(t, lineID, child.ParentItemID)

	assert.True(t, result.Transaction.TotalAmount.Equal(decimal.RequireFromString("8.00")))
	// Widget is food: 7% bucket.
	assert.Equal(t, "Beleg^0.00_8.00_0.00_0.00_0.00^8.00:CASH", result.ProcessData)
}

func TestPaymentTolerance(t *testing.T) {
	rig := newRig(t, false)
	ctx := context.Background()

	v := mustCreate(t, rig)
	txID := v.Transaction.ID
	_, err := rig.engine.AddItemToTransaction(ctx, txID, rig.coffee, decimal.NewFromInt(2), 1, "")
	require.NoError(t, err)

	// 0.002 off: rejected, transaction stays active.
	_, err = rig.engine.FinishTransaction(ctx, txID,
		PaymentData{Type: "CASH", Amount: decimal.RequireFromString("6.002")}, 1)
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	tx, err := rig.repos.Transactions().FindByID(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.StatusActive, tx.Status)

	// 0.001 off: accepted.
	result, err := rig.engine.FinishTransaction(ctx, txID,
		PaymentData{Type: "CASH", Amount: decimal.RequireFromString("6.001")}, 1)
	require.NoError(t, err)
	assert.True(t, result.Transaction.PaymentAmount.Equal(decimal.RequireFromString("6.00")))
}

func TestParkActivateRoundTrip(t *testing.T) {
	rig := newRig(t, false)
	ctx := context.Background()

	v := mustCreate(t, rig)
	txID := v.Transaction.ID

	parked, err := rig.engine.ParkTransaction(ctx, txID, "5", 1, true)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.StatusParked, parked.Transaction.Status)
	assert.Equal(t, "5", parked.Transaction.Metadata["table"])

	// Parking twice is an invalid transition.
	_, err = rig.engine.ParkTransaction(ctx, txID, "5", 1, true)
	assert.Equal(t, types.KindInvalidState, types.KindOf(err))

	active, err := rig.engine.ActivateTransaction(ctx, txID, 1)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.StatusActive, active.Transaction.Status)
	assert.Equal(t, "5", active.Transaction.Metadata["table"])
}

func TestTableConflictExcludesSelf(t *testing.T) {
	rig := newRig(t, false)
	ctx := context.Background()

	v := mustCreate(t, rig)
	_, err := rig.engine.ParkTransaction(ctx, v.Transaction.ID, "5", 1, true)
	require.NoError(t, err)

	inUse, err := rig.engine.CheckTableNumberInUse(ctx, "5", 0)
	require.NoError(t, err)
	assert.True(t, inUse)

	inUse, err = rig.engine.CheckTableNumberInUse(ctx, "5", v.Transaction.ID)
	require.NoError(t, err)
	assert.False(t, inUse)
}

func TestMetadataMergeKeepsFields(t *testing.T) {
	rig := newRig(t, false)
	ctx := context.Background()

	v, err := rig.engine.FindOrCreateActiveTransaction(ctx,
		CreateCriteria{Metadata: map[string]string{"table": "2", "guests": "4"}}, 1)
	require.NoError(t, err)

	updated, err := rig.engine.UpdateTransactionMetadata(ctx, v.Transaction.ID,
		map[string]string{"guests": "5"}, 1, false)
	require.NoError(t, err)
	assert.Equal(t, "2", updated.Transaction.Metadata["table"])
	assert.Equal(t, "5", updated.Transaction.Metadata["guests"])
}

func TestFindOrCreateReturnsExistingActive(t *testing.T) {
	rig := newRig(t, false)
	ctx := context.Background()

	v := mustCreate(t, rig)
	again, err := rig.engine.FindOrCreateActiveTransaction(ctx,
		CreateCriteria{TransactionID: v.Transaction.ID}, 1)
	require.NoError(t, err)
	assert.Equal(t, v.Transaction.UUID, again.Transaction.UUID)
}

func TestResolvePendingTransaction(t *testing.T) {
	rig := newRig(t, false)
	ctx := context.Background()

	v := mustCreate(t, rig)
	tx, err := rig.repos.Transactions().FindByID(ctx, v.Transaction.ID)
	require.NoError(t, err)
	tx.ResolutionStatus = relationaldb.ResolutionPending
	require.NoError(t, rig.repos.Transactions().Update(ctx, tx))

	pending, err := rig.engine.GetPendingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Reserved resolutions fail.
	_, err = rig.engine.ResolvePendingTransaction(ctx, tx.ID, "cancel", 1)
	assert.Equal(t, types.KindNotImplemented, types.KindOf(err))
	_, err = rig.engine.ResolvePendingTransaction(ctx, tx.ID, "fiscalize", 1)
	assert.Equal(t, types.KindNotImplemented, types.KindOf(err))

	resolved, err := rig.engine.ResolvePendingTransaction(ctx, tx.ID, "postpone", 1)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.ResolutionPostponed, resolved.Transaction.ResolutionStatus)
}

func TestPrintFailureIsNonFatal(t *testing.T) {
	rig := newRig(t, true)
	ctx := context.Background()

	v := mustCreate(t, rig)
	txID := v.Transaction.ID
	_, err := rig.engine.AddItemToTransaction(ctx, txID, rig.coffee, decimal.NewFromInt(1), 1, "")
	require.NoError(t, err)

	result, err := rig.engine.FinishTransaction(ctx, txID,
		PaymentData{Type: "CARD", Amount: decimal.RequireFromString("3.00")}, 1)
	require.NoError(t, err)
	assert.Equal(t, "failed", result.PrintStatus)
	assert.Equal(t, relationaldb.StatusFinished, result.Transaction.Status)
	assert.Equal(t, 1, rig.printerF.calls)

	// print_failed recorded in the operational log.
	events, err := rig.repos.OperationalLog().GetByTransactionUUID(ctx, result.Transaction.UUID)
	require.NoError(t, err)
	var found bool
	for _, ev := range events {
		if ev.EventType == "print_failed" {
			found = true
		}
	}
	assert.True(t, found)

	// Reprint also reports the failure without touching state.
	reprint, err := rig.engine.ReprintReceipt(ctx, result.Transaction.UUID, 1)
	require.NoError(t, err)
	assert.Equal(t, "failed", reprint.PrintStatus)
}

func TestCustomPriceItemAnnotatesNotes(t *testing.T) {
	rig := newRig(t, false)
	ctx := context.Background()

	v := mustCreate(t, rig)
	v, err := rig.engine.AddCustomPriceItem(ctx, v.Transaction.ID, rig.coffee,
		decimal.NewFromInt(1), decimal.RequireFromString("1.50"), 1)
	require.NoError(t, err)
	require.Len(t, v.Items, 1)
	assert.Equal(t, "Custom price: 1.50", v.Items[0].Notes)
	assert.True(t, v.Items[0].UnitPrice.Equal(decimal.RequireFromString("1.50")))
}

func TestFinishRequiresActiveStatus(t *testing.T) {
	rig := newRig(t, false)
	ctx := context.Background()

	v := mustCreate(t, rig)
	_, err := rig.engine.AddItemToTransaction(ctx, v.Transaction.ID, rig.coffee, decimal.NewFromInt(1), 1, "")
	require.NoError(t, err)
	_, err = rig.engine.FinishTransaction(ctx, v.Transaction.ID,
		PaymentData{Type: "CASH", Amount: decimal.RequireFromString("3.00")}, 1)
	require.NoError(t, err)

	// Finished is terminal.
	_, err = rig.engine.FinishTransaction(ctx, v.Transaction.ID,
		PaymentData{Type: "CASH", Amount: decimal.RequireFromString("3.00")}, 1)
	assert.Equal(t, types.KindInvalidState, types.KindOf(err))
}
