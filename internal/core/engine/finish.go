package engine

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/openkasse/kassad/internal/core/fiscal"
	"github.com/openkasse/kassad/internal/core/tax"
	"github.com/openkasse/kassad/internal/printer"
	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/types"
)

// FinishTransaction reconstructs the fiscal line view, validates the payment,
// and finalizes the receipt. The reconstruction replays partial_storno and
// price_override operational events: the in-place edits made for the live
// view are reverted and each delta becomes a signed compliance child line.
func (e *Engine) FinishTransaction(ctx context.Context, txID int64, payment PaymentData, userID int64) (*FinishResult, error) {
	if payment.Type == "" {
		return nil, types.Validation("payment type is required")
	}

	var (
		tx          *relationaldb.ActiveTransaction
		sorted      []relationaldb.ActiveTransactionItem
		processData string
	)

	err := e.withEnvelope(ctx, func(tc relationaldb.TransactionContext) error {
		loaded, err := loadInStatus(ctx, tc.Transactions(), txID, relationaldb.StatusActive)
		if err != nil {
			return err
		}

		items, err := tc.Transactions().GetItems(ctx, loaded.ID)
		if err != nil {
			return types.WrapError(types.KindInternal, "failed to load lines", err)
		}
		displayIndex := make(map[int64]int, len(items))
		for i, it := range items {
			displayIndex[it.ID] = i
		}

		if err := e.reconstruct(ctx, tc, loaded); err != nil {
			return err
		}

		// Reload: reconstruction reverted lines and appended children.
		items, err = tc.Transactions().GetItems(ctx, loaded.ID)
		if err != nil {
			return types.WrapError(types.KindInternal, "failed to reload lines", err)
		}

		total, taxSum := decimal.Zero, decimal.Zero
		for _, it := range items {
			total = total.Add(it.TotalPrice)
			taxSum = taxSum.Add(it.TaxAmount)
		}

		if payment.Amount.Sub(total).Abs().GreaterThan(paymentTolerance) {
			return types.Validation("payment %s does not match total %s",
				payment.Amount.StringFixed(2), total.StringFixed(2))
		}

		buckets, err := tc.Transactions().GetTaxBreakdown(ctx, loaded.ID)
		if err != nil {
			return types.WrapError(types.KindInternal, "failed to compute tax breakdown", err)
		}
		processData = fiscal.ProcessData(buckets, total, payment.Type)

		loaded.Status = relationaldb.StatusFinished
		loaded.TotalAmount = total
		loaded.TaxAmount = taxSum
		loaded.PaymentType = payment.Type
		loaded.PaymentAmount = total
		loaded.PaymentSet = true
		loaded.UpdatedAt = nowUTC()
		if err := tc.Transactions().Update(ctx, loaded); err != nil {
			return types.WrapError(types.KindInternal, "failed to finalize transaction", err)
		}

		// Display order: each compliance child follows its parent, children
		// in insertion order.
		sorted = items
		sort.SliceStable(sorted, func(a, b int) bool {
			ka, kb := displayKey(sorted[a], displayIndex), displayKey(sorted[b], displayIndex)
			if ka != kb {
				return ka < kb
			}
			return sorted[a].ID < sorted[b].ID
		})

		tx = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &FinishResult{
		Transaction: tx,
		Items:       e.itemViews(ctx, sorted),
		ProcessData: processData,
	}

	result.Warning = e.emitFiscal(ctx, "finishTransaction", userID, tx.UUID, map[string]interface{}{
		"processData":    processData,
		"total_amount":   tx.TotalAmount.String(),
		"tax_amount":     tx.TaxAmount.String(),
		"payment_type":   tx.PaymentType,
		"payment_amount": tx.PaymentAmount.String(),
	})

	result.PrintStatus = e.printReceipt(ctx, tx, result.Items, userID)
	return result, nil
}

func displayKey(it relationaldb.ActiveTransactionItem, displayIndex map[int64]int) int {
	anchor := it.ID
	if it.ParentItemID != 0 {
		anchor = it.ParentItemID
	}
	if idx, ok := displayIndex[anchor]; ok {
		return idx
	}
	return int(^uint(0) >> 1)
}

// reconstruct replays the operational log in ascending order. Only the first
// partial_storno per line performs the revert; its original_quantity is the
// true pre-edit state because events are ordered.
func (e *Engine) reconstruct(ctx context.Context, tc relationaldb.TransactionContext, tx *relationaldb.ActiveTransaction) error {
	events, err := tc.OperationalLog().GetByTransactionUUID(ctx, tx.UUID)
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to load operational log", err)
	}

	reverted := make(map[int64]bool)
	for _, ev := range events {
		switch ev.EventType {
		case "partial_storno":
			if err := e.replayPartialStorno(ctx, tc, ev, reverted); err != nil {
				return err
			}
		case "price_override":
			if err := e.replayPriceOverride(ctx, tc, ev, reverted); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) replayPartialStorno(ctx context.Context, tc relationaldb.TransactionContext, ev relationaldb.OperationalLogEntry, reverted map[int64]bool) error {
	lineID := intPayload(ev.Payload, "item_line_id")
	itemID := intPayload(ev.Payload, "item_id")
	originalQty := decimalPayload(ev.Payload, "original_quantity")
	newQty := decimalPayload(ev.Payload, "new_quantity")
	if lineID == 0 || !originalQty.GreaterThan(newQty) {
		return nil
	}

	line, err := tc.Transactions().GetItem(ctx, lineID)
	if err != nil {
		if relationaldb.IsNotFound(err) {
			e.log.Warn().Int64("line_id", lineID).Msg("Partial storno references a missing line")
			return nil
		}
		return types.WrapError(types.KindInternal, "failed to load line", err)
	}

	item, err := tc.Catalog().GetItemByID(ctx, itemID)
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to load catalog item", err)
	}
	originalUnit := item.Price

	if !reverted[lineID] {
		line.Quantity = originalQty
		line.UnitPrice = originalUnit
		line.TotalPrice = originalUnit.Mul(originalQty)
		line.TaxAmount = tax.TaxPortion(line.TotalPrice, line.TaxRate)
		if err := tc.Transactions().UpdateItem(ctx, line); err != nil {
			return types.WrapError(types.KindInternal, "failed to revert line", err)
		}
		reverted[lineID] = true
	}

	stornoQty := newQty.Sub(originalQty) // negative
	stornoTotal := originalUnit.Mul(stornoQty)
	child := &relationaldb.ActiveTransactionItem{
		ActiveTransactionID: line.ActiveTransactionID,
		ItemID:              line.ItemID,
		Quantity:            stornoQty,
		UnitPrice:           originalUnit,
		TotalPrice:          stornoTotal,
		TaxRate:             line.TaxRate,
		TaxAmount:           tax.TaxPortion(stornoTotal, line.TaxRate),
		ParentItemID:        line.ID,
		Notes:               relationaldb.NoteStorno,
	}
	if err := tc.Transactions().InsertItem(ctx, child); err != nil {
		return types.WrapError(types.KindInternal, "failed to insert storno line", err)
	}
	return nil
}

func (e *Engine) replayPriceOverride(ctx context.Context, tc relationaldb.TransactionContext, ev relationaldb.OperationalLogEntry, reverted map[int64]bool) error {
	lineID := intPayload(ev.Payload, "item_line_id")
	itemID := intPayload(ev.Payload, "item_id")
	originalUnit := decimalPayload(ev.Payload, "original_unit_price")
	newUnit := decimalPayload(ev.Payload, "new_unit_price")
	quantity := decimalPayload(ev.Payload, "quantity")
	if lineID == 0 || newUnit.Equal(originalUnit) {
		return nil
	}

	line, err := tc.Transactions().GetItem(ctx, lineID)
	if err != nil {
		if relationaldb.IsNotFound(err) {
			e.log.Warn().Int64("line_id", lineID).Msg("Price override references a missing line")
			return nil
		}
		return types.WrapError(types.KindInternal, "failed to load line", err)
	}

	item, err := tc.Catalog().GetItemByID(ctx, itemID)
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to load catalog item", err)
	}

	if !reverted[lineID] {
		line.UnitPrice = item.Price
		line.TotalPrice = item.Price.Mul(line.Quantity)
		line.TaxAmount = tax.TaxPortion(line.TotalPrice, line.TaxRate)
		if err := tc.Transactions().UpdateItem(ctx, line); err != nil {
			return types.WrapError(types.KindInternal, "failed to revert line", err)
		}
		reverted[lineID] = true
	}

	totalDiff := newUnit.Sub(originalUnit).Mul(quantity)
	notes := relationaldb.NoteSurcharge
	if totalDiff.IsNegative() {
		notes = relationaldb.NoteDiscount
	}
	child := &relationaldb.ActiveTransactionItem{
		ActiveTransactionID: line.ActiveTransactionID,
		ItemID:              line.ItemID,
		Quantity:            decimal.NewFromInt(1),
		UnitPrice:           totalDiff,
		TotalPrice:          totalDiff,
		TaxRate:             line.TaxRate,
		TaxAmount:           tax.TaxPortion(totalDiff, line.TaxRate),
		ParentItemID:        line.ID,
		Notes:               notes,
	}
	if err := tc.Transactions().InsertItem(ctx, child); err != nil {
		return types.WrapError(types.KindInternal, "failed to insert override line", err)
	}
	return nil
}

// printReceipt hands the receipt to the printer collaborator. Failures are
// recorded as print_failed operational events and reported to the client,
// never reverted.
func (e *Engine) printReceipt(ctx context.Context, tx *relationaldb.ActiveTransaction, items []ItemView, userID int64) string {
	receipt := &printer.Receipt{
		TransactionUUID: tx.UUID,
		BusinessDate:    tx.BusinessDate,
		TotalAmount:     tx.TotalAmount,
		TaxAmount:       tx.TaxAmount,
		PaymentType:     tx.PaymentType,
		PaymentAmount:   tx.PaymentAmount,
	}
	for _, it := range items {
		receipt.Lines = append(receipt.Lines, printer.Line{
			Name:       it.Name,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice,
			TotalPrice: it.TotalPrice,
			Notes:      it.Notes,
		})
	}

	if err := e.printer.PrintReceipt(ctx, receipt); err != nil {
		e.log.Warn().Err(err).Str("transaction_uuid", tx.UUID).Msg("Receipt print failed")
		if opErr := e.fiscal.LogOperationalEvent(ctx, "print_failed", userID, tx.UUID, map[string]interface{}{
			"error": err.Error(),
		}); opErr != nil {
			e.log.Error().Err(opErr).Msg("Failed to record print failure")
		}
		return "failed"
	}
	return "ok"
}

// ReprintReceipt re-renders a finished receipt.
func (e *Engine) ReprintReceipt(ctx context.Context, txUUID string, userID int64) (*FinishResult, error) {
	tx, err := e.repos.Transactions().FindByUUID(ctx, txUUID)
	if err != nil {
		if relationaldb.IsNotFound(err) {
			return nil, types.NotFound("transaction", txUUID)
		}
		return nil, types.WrapError(types.KindInternal, "failed to load transaction", err)
	}
	if tx.Status != relationaldb.StatusFinished {
		return nil, types.InvalidState("transaction %s is %s, only finished receipts reprint", txUUID, tx.Status)
	}

	view, err := e.view(ctx, tx)
	if err != nil {
		return nil, err
	}

	result := &FinishResult{Transaction: tx, Items: view.Items}
	result.PrintStatus = e.printReceipt(ctx, tx, view.Items, userID)
	return result, nil
}

func intPayload(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func decimalPayload(m map[string]interface{}, key string) decimal.Decimal {
	switch v := m[key].(type) {
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	case int64:
		return decimal.NewFromInt(v)
	}
	return decimal.Zero
}
