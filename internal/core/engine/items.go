package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/openkasse/kassad/internal/core/tax"
	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/types"
)

// AddItemToTransaction appends a catalog item line. The tax rate follows the
// item's category type through the configured tax table.
func (e *Engine) AddItemToTransaction(ctx context.Context, txID, itemID int64, quantity decimal.Decimal, userID int64, notes string) (*TransactionView, error) {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, types.Validation("quantity must be positive, got %s", quantity)
	}
	return e.addLine(ctx, txID, itemID, quantity, nil, userID, notes)
}

// AddCustomPriceItem appends a line at a caller-supplied unit price instead
// of the catalog price, annotating the notes field.
func (e *Engine) AddCustomPriceItem(ctx context.Context, txID, itemID int64, quantity, unitPrice decimal.Decimal, userID int64) (*TransactionView, error) {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, types.Validation("quantity must be positive, got %s", quantity)
	}
	if unitPrice.IsNegative() {
		return nil, types.Validation("custom price must not be negative, got %s", unitPrice)
	}
	notes := fmt.Sprintf("Custom price: %s", unitPrice.StringFixed(2))
	return e.addLine(ctx, txID, itemID, quantity, &unitPrice, userID, notes)
}

func (e *Engine) addLine(ctx context.Context, txID, itemID int64, quantity decimal.Decimal, customPrice *decimal.Decimal, userID int64, notes string) (*TransactionView, error) {
	var (
		tx   *relationaldb.ActiveTransaction
		line *relationaldb.ActiveTransactionItem
	)

	err := e.withEnvelope(ctx, func(tc relationaldb.TransactionContext) error {
		loaded, err := loadInStatus(ctx, tc.Transactions(), txID, relationaldb.StatusActive)
		if err != nil {
			return err
		}

		item, err := tc.Catalog().GetItemByID(ctx, itemID)
		if err != nil {
			if relationaldb.IsNotFound(err) {
				return types.NotFound("item", itemID)
			}
			return types.WrapError(types.KindInternal, "failed to load item", err)
		}
		category, err := tc.Catalog().GetCategoryByID(ctx, item.CategoryID)
		if err != nil {
			if relationaldb.IsNotFound(err) {
				return types.NotFound("category", item.CategoryID)
			}
			return types.WrapError(types.KindInternal, "failed to load category", err)
		}

		unitPrice := item.Price
		if customPrice != nil {
			unitPrice = *customPrice
		}
		rate := e.taxes.RateFor(category.CategoryType)
		totalPrice := unitPrice.Mul(quantity)
		taxAmount := tax.TaxPortion(totalPrice, rate)

		line = &relationaldb.ActiveTransactionItem{
			ActiveTransactionID: loaded.ID,
			ItemID:              itemID,
			Quantity:            quantity,
			UnitPrice:           unitPrice,
			TotalPrice:          totalPrice,
			TaxRate:             rate,
			TaxAmount:           taxAmount,
			Notes:               notes,
		}
		if err := tc.Transactions().InsertItem(ctx, line); err != nil {
			return types.WrapError(types.KindInternal, "failed to insert line", err)
		}

		loaded.TotalAmount = loaded.TotalAmount.Add(totalPrice)
		loaded.TaxAmount = loaded.TaxAmount.Add(taxAmount)
		loaded.UpdatedAt = nowUTC()
		tx = loaded
		return tc.Transactions().Update(ctx, loaded)
	})
	if err != nil {
		return nil, err
	}

	if warning := e.emitFiscal(ctx, "updateTransaction", userID, tx.UUID, map[string]interface{}{
		"item_line_id": line.ID,
		"item_id":      itemID,
		"quantity":     line.Quantity.String(),
		"total_price":  line.TotalPrice.String(),
	}); warning != "" {
		e.log.Warn().Str("warning", warning).Msg("Line fiscal event diverged")
	}
	return e.view(ctx, tx)
}

// UpdateItemQuantity changes a line's quantity in place. Reductions record a
// partial_storno operational event so the finish-time reconstruction can
// restore the original and append a signed compliance child line.
func (e *Engine) UpdateItemQuantity(ctx context.Context, txID, lineID int64, newQuantity decimal.Decimal, userID int64) (*TransactionView, error) {
	if newQuantity.LessThanOrEqual(decimal.Zero) {
		return nil, types.Validation("quantity must be positive, got %s", newQuantity)
	}

	var tx *relationaldb.ActiveTransaction
	err := e.withEnvelope(ctx, func(tc relationaldb.TransactionContext) error {
		loaded, err := loadInStatus(ctx, tc.Transactions(), txID, relationaldb.StatusActive)
		if err != nil {
			return err
		}
		line, err := e.loadLine(ctx, tc, loaded.ID, lineID)
		if err != nil {
			return err
		}

		if newQuantity.LessThan(line.Quantity) {
			if err := tc.OperationalLog().Append(ctx, &relationaldb.OperationalLogEntry{
				TransactionUUID: loaded.UUID,
				EventType:       "partial_storno",
				UserID:          userID,
				Payload: map[string]interface{}{
					"item_line_id":      line.ID,
					"item_id":           line.ItemID,
					"original_quantity": line.Quantity.String(),
					"new_quantity":      newQuantity.String(),
				},
			}); err != nil {
				return types.WrapError(types.KindInternal, "failed to record partial storno", err)
			}
		}

		oldTotal, oldTax := line.TotalPrice, line.TaxAmount
		line.Quantity = newQuantity
		line.TotalPrice = line.UnitPrice.Mul(newQuantity)
		line.TaxAmount = tax.TaxPortion(line.TotalPrice, line.TaxRate)
		if err := tc.Transactions().UpdateItem(ctx, line); err != nil {
			return types.WrapError(types.KindInternal, "failed to update line", err)
		}

		loaded.TotalAmount = loaded.TotalAmount.Sub(oldTotal).Add(line.TotalPrice)
		loaded.TaxAmount = loaded.TaxAmount.Sub(oldTax).Add(line.TaxAmount)
		loaded.UpdatedAt = nowUTC()
		tx = loaded
		return tc.Transactions().Update(ctx, loaded)
	})
	if err != nil {
		return nil, err
	}

	if warning := e.emitFiscal(ctx, "updateTransaction", userID, tx.UUID, map[string]interface{}{
		"item_line_id": lineID,
		"new_quantity": newQuantity.String(),
	}); warning != "" {
		e.log.Warn().Str("warning", warning).Msg("Quantity fiscal event diverged")
	}
	return e.view(ctx, tx)
}

// UpdateItemPrice overrides a line's price. isTotalPrice means the argument
// is the post-quantity total; the unit price is derived. The override is
// recorded as a price_override operational event for reconstruction.
func (e *Engine) UpdateItemPrice(ctx context.Context, txID, lineID int64, newPrice decimal.Decimal, isTotalPrice bool, userID int64) (*TransactionView, error) {
	if newPrice.IsNegative() {
		return nil, types.Validation("price must not be negative, got %s", newPrice)
	}

	var tx *relationaldb.ActiveTransaction
	err := e.withEnvelope(ctx, func(tc relationaldb.TransactionContext) error {
		loaded, err := loadInStatus(ctx, tc.Transactions(), txID, relationaldb.StatusActive)
		if err != nil {
			return err
		}
		line, err := e.loadLine(ctx, tc, loaded.ID, lineID)
		if err != nil {
			return err
		}

		newUnitPrice := newPrice
		if isTotalPrice {
			if line.Quantity.IsZero() {
				return types.InvalidState("line %d has zero quantity", lineID)
			}
			newUnitPrice = newPrice.DivRound(line.Quantity, 10)
		}

		if err := tc.OperationalLog().Append(ctx, &relationaldb.OperationalLogEntry{
			TransactionUUID: loaded.UUID,
			EventType:       "price_override",
			UserID:          userID,
			Payload: map[string]interface{}{
				"item_line_id":        line.ID,
				"item_id":             line.ItemID,
				"original_unit_price": line.UnitPrice.String(),
				"new_unit_price":      newUnitPrice.String(),
				"quantity":            line.Quantity.String(),
			},
		}); err != nil {
			return types.WrapError(types.KindInternal, "failed to record price override", err)
		}

		oldTotal, oldTax := line.TotalPrice, line.TaxAmount
		line.UnitPrice = newUnitPrice
		line.TotalPrice = newUnitPrice.Mul(line.Quantity)
		line.TaxAmount = tax.TaxPortion(line.TotalPrice, line.TaxRate)
		if err := tc.Transactions().UpdateItem(ctx, line); err != nil {
			return types.WrapError(types.KindInternal, "failed to update line", err)
		}

		loaded.TotalAmount = loaded.TotalAmount.Sub(oldTotal).Add(line.TotalPrice)
		loaded.TaxAmount = loaded.TaxAmount.Sub(oldTax).Add(line.TaxAmount)
		loaded.UpdatedAt = nowUTC()
		tx = loaded
		return tc.Transactions().Update(ctx, loaded)
	})
	if err != nil {
		return nil, err
	}

	if warning := e.emitFiscal(ctx, "updateTransaction", userID, tx.UUID, map[string]interface{}{
		"item_line_id": lineID,
		"price":        newPrice.String(),
	}); warning != "" {
		e.log.Warn().Str("warning", warning).Msg("Price fiscal event diverged")
	}
	return e.view(ctx, tx)
}

func (e *Engine) loadLine(ctx context.Context, tc relationaldb.TransactionContext, txID, lineID int64) (*relationaldb.ActiveTransactionItem, error) {
	line, err := tc.Transactions().GetItem(ctx, lineID)
	if err != nil {
		if relationaldb.IsNotFound(err) {
			return nil, types.NotFound("transaction line", lineID)
		}
		return nil, types.WrapError(types.KindInternal, "failed to load line", err)
	}
	if line.ActiveTransactionID != txID {
		return nil, types.Validation("line %d does not belong to transaction %d", lineID, txID)
	}
	return line, nil
}
