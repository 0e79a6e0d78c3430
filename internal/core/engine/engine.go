// Package engine implements the transaction state machine: receipts are
// created active, mutate under a serializable write envelope, park and
// reactivate, and finish into immutable fiscal form.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/openkasse/kassad/internal/core/fiscal"
	"github.com/openkasse/kassad/internal/core/tax"
	"github.com/openkasse/kassad/internal/printer"
	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/types"
)

// paymentTolerance is the only site where monetary comparison is inexact.
var paymentTolerance = decimal.RequireFromString("0.001")

// Engine drives the active-transaction lifecycle.
type Engine struct {
	repos   relationaldb.RepositoryManager
	fiscal  *fiscal.Service
	taxes   *tax.Table
	printer printer.Printer
	log     zerolog.Logger
}

func New(repos relationaldb.RepositoryManager, fiscalSvc *fiscal.Service, taxes *tax.Table, prn printer.Printer, logger zerolog.Logger) *Engine {
	if taxes == nil {
		taxes = tax.DefaultTable()
	}
	if prn == nil {
		prn = printer.NewLogPrinter(logger)
	}
	return &Engine{
		repos:   repos,
		fiscal:  fiscalSvc,
		taxes:   taxes,
		printer: prn,
		log:     logger.With().Str("component", "engine").Logger(),
	}
}

// ItemView is a receipt line enriched with its catalog display name.
type ItemView struct {
	relationaldb.ActiveTransactionItem
	Name string `json:"name"`
}

// TransactionView is a transaction with its lines, ready for the client.
type TransactionView struct {
	Transaction *relationaldb.ActiveTransaction `json:"transaction"`
	Items       []ItemView                      `json:"items"`
}

// PaymentData is the payment vector supplied on finish.
type PaymentData struct {
	Type   string
	Amount decimal.Decimal
}

// FinishResult reports a finished transaction. Warning is set when the
// fiscal commit diverged after the business commit; PrintStatus is "failed"
// when the printer collaborator errored.
type FinishResult struct {
	Transaction *relationaldb.ActiveTransaction `json:"transaction"`
	Items       []ItemView                      `json:"items"`
	ProcessData string                          `json:"processData"`
	Warning     string                          `json:"warning,omitempty"`
	PrintStatus string                          `json:"printStatus,omitempty"`
}

// withEnvelope runs fn in a write envelope, retrying once on a serialization
// conflict before surfacing Conflict.
func (e *Engine) withEnvelope(ctx context.Context, fn func(tc relationaldb.TransactionContext) error) error {
	err := e.repos.WithTransaction(ctx, fn)
	if errors.Is(err, relationaldb.ErrConflict) {
		e.log.Debug().Msg("Write conflict, retrying once")
		err = e.repos.WithTransaction(ctx, fn)
		if errors.Is(err, relationaldb.ErrConflict) {
			return types.WrapError(types.KindConflict, "write conflict persisted after retry", err)
		}
	}
	return err
}

// loadInStatus loads a transaction and requires it to be in the given status.
func loadInStatus(ctx context.Context, txns relationaldb.TransactionRepository, txID int64, want relationaldb.TransactionStatus) (*relationaldb.ActiveTransaction, error) {
	tx, err := txns.FindByID(ctx, txID)
	if err != nil {
		if relationaldb.IsNotFound(err) {
			return nil, types.NotFound("transaction", txID)
		}
		return nil, types.WrapError(types.KindInternal, "failed to load transaction", err)
	}
	if tx.Status != want {
		return nil, types.InvalidState("transaction %d is %s, expected %s", txID, tx.Status, want)
	}
	return tx, nil
}

// view assembles the client view of a transaction with item display names.
func (e *Engine) view(ctx context.Context, tx *relationaldb.ActiveTransaction) (*TransactionView, error) {
	items, err := e.repos.Transactions().GetItems(ctx, tx.ID)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to load transaction items", err)
	}
	return &TransactionView{Transaction: tx, Items: e.itemViews(ctx, items)}, nil
}

func (e *Engine) itemViews(ctx context.Context, items []relationaldb.ActiveTransactionItem) []ItemView {
	names := make(map[int64]string)
	out := make([]ItemView, 0, len(items))
	for _, it := range items {
		name, ok := names[it.ItemID]
		if !ok {
			if catalogItem, err := e.repos.Catalog().GetItemByID(ctx, it.ItemID); err == nil {
				name = displayName(catalogItem.DisplayNames)
			}
			names[it.ItemID] = name
		}
		out = append(out, ItemView{ActiveTransactionItem: it, Name: name})
	}
	return out
}

func displayName(names map[string]string) string {
	if n := names["de"]; n != "" {
		return n
	}
	if n := names["en"]; n != "" {
		return n
	}
	for _, n := range names {
		if n != "" {
			return n
		}
	}
	return ""
}

// emitFiscal logs a fiscal event after a business commit. Failures become a
// divergence record and a warning string, never a rollback.
func (e *Engine) emitFiscal(ctx context.Context, eventType string, userID int64, txUUID string, payload map[string]interface{}) string {
	if _, err := e.fiscal.LogFiscalEvent(ctx, eventType, userID, txUUID, payload); err != nil {
		e.log.Warn().Err(err).Str("event_type", eventType).Str("transaction_uuid", txUUID).
			Msg("Fiscal event failed after business commit")
		if opErr := e.fiscal.LogOperationalEvent(ctx, "fiscal_divergence", userID, txUUID, map[string]interface{}{
			"event_type": eventType,
			"error":      err.Error(),
		}); opErr != nil {
			e.log.Error().Err(opErr).Msg("Failed to record fiscal divergence")
		}
		return "fiscal event " + eventType + " diverged: " + err.Error()
	}
	return ""
}

func nowUTC() time.Time { return time.Now().UTC() }
