package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/types"
)

// CreateCriteria selects or seeds a transaction for FindOrCreate.
type CreateCriteria struct {
	TransactionID int64
	Metadata      map[string]string
}

// FindOrCreateActiveTransaction returns the referenced transaction when it is
// still active, otherwise creates a fresh one and emits startTransaction.
// When the fiscal emit fails the new row is deleted again: a receipt must not
// exist without its opening fiscal event.
func (e *Engine) FindOrCreateActiveTransaction(ctx context.Context, criteria CreateCriteria, userID int64) (*TransactionView, error) {
	if criteria.TransactionID != 0 {
		tx, err := e.repos.Transactions().FindByID(ctx, criteria.TransactionID)
		if err == nil && tx.Status == relationaldb.StatusActive {
			return e.view(ctx, tx)
		}
		if err != nil && !relationaldb.IsNotFound(err) {
			return nil, types.WrapError(types.KindInternal, "failed to load transaction", err)
		}
	}

	tx := &relationaldb.ActiveTransaction{
		UUID:             uuid.NewString(),
		Status:           relationaldb.StatusActive,
		ResolutionStatus: relationaldb.ResolutionNone,
		UserID:           userID,
		BusinessDate:     types.BusinessDate(nowUTC()),
		Metadata:         criteria.Metadata,
	}
	if err := e.repos.Transactions().Create(ctx, tx); err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to create transaction", err)
	}

	if _, err := e.fiscal.LogFiscalEvent(ctx, "startTransaction", userID, tx.UUID, map[string]interface{}{
		"business_date": tx.BusinessDate,
		"metadata":      tx.Metadata,
	}); err != nil {
		if delErr := e.repos.Transactions().Delete(ctx, tx.ID); delErr != nil {
			e.log.Error().Err(delErr).Int64("transaction_id", tx.ID).
				Msg("Failed to remove transaction after fiscal failure")
		}
		if types.IsKind(err, types.KindExternalTimeout) {
			return nil, err
		}
		return nil, types.WrapError(types.KindFiscalCommitFail, "startTransaction fiscal event failed", err)
	}

	return &TransactionView{Transaction: tx, Items: []ItemView{}}, nil
}

// ParkTransaction sets an active transaction aside under a table identifier.
// updateTimestamp=false preserves arrival order in parked lists when the
// caller is only moving focus.
func (e *Engine) ParkTransaction(ctx context.Context, txID int64, table string, userID int64, updateTimestamp bool) (*TransactionView, error) {
	var tx *relationaldb.ActiveTransaction
	err := e.withEnvelope(ctx, func(tc relationaldb.TransactionContext) error {
		loaded, err := loadInStatus(ctx, tc.Transactions(), txID, relationaldb.StatusActive)
		if err != nil {
			return err
		}
		if loaded.Metadata == nil {
			loaded.Metadata = make(map[string]string)
		}
		if table != "" {
			loaded.Metadata["table"] = table
		}
		loaded.Status = relationaldb.StatusParked
		if updateTimestamp {
			loaded.UpdatedAt = nowUTC()
		}
		tx = loaded
		return tc.Transactions().Update(ctx, loaded)
	})
	if err != nil {
		return nil, err
	}

	if warning := e.emitFiscal(ctx, "parkTransaction", userID, tx.UUID, map[string]interface{}{
		"table": table,
	}); warning != "" {
		e.log.Warn().Str("warning", warning).Msg("Park fiscal event diverged")
	}
	return e.view(ctx, tx)
}

// ActivateTransaction brings a parked transaction back to active. Any
// operator may reactivate a parked transaction.
func (e *Engine) ActivateTransaction(ctx context.Context, txID int64, userID int64) (*TransactionView, error) {
	var tx *relationaldb.ActiveTransaction
	err := e.withEnvelope(ctx, func(tc relationaldb.TransactionContext) error {
		loaded, err := loadInStatus(ctx, tc.Transactions(), txID, relationaldb.StatusParked)
		if err != nil {
			return err
		}
		loaded.Status = relationaldb.StatusActive
		tx = loaded
		return tc.Transactions().Update(ctx, loaded)
	})
	if err != nil {
		return nil, err
	}

	if warning := e.emitFiscal(ctx, "activateTransaction", userID, tx.UUID, nil); warning != "" {
		e.log.Warn().Str("warning", warning).Msg("Activate fiscal event diverged")
	}
	return e.view(ctx, tx)
}

// UpdateTransactionMetadata merges the patch into existing metadata. Merge,
// not replace: a partial patch must not drop fields.
func (e *Engine) UpdateTransactionMetadata(ctx context.Context, txID int64, patch map[string]string, userID int64, updateTimestamp bool) (*TransactionView, error) {
	var tx *relationaldb.ActiveTransaction
	err := e.withEnvelope(ctx, func(tc relationaldb.TransactionContext) error {
		loaded, err := tc.Transactions().FindByID(ctx, txID)
		if err != nil {
			if relationaldb.IsNotFound(err) {
				return types.NotFound("transaction", txID)
			}
			return types.WrapError(types.KindInternal, "failed to load transaction", err)
		}
		if loaded.Status == relationaldb.StatusFinished || loaded.Status == relationaldb.StatusCancelled {
			return types.InvalidState("transaction %d is %s", txID, loaded.Status)
		}
		if loaded.Metadata == nil {
			loaded.Metadata = make(map[string]string)
		}
		for k, v := range patch {
			loaded.Metadata[k] = v
		}
		if updateTimestamp {
			loaded.UpdatedAt = nowUTC()
		}
		tx = loaded
		return tc.Transactions().Update(ctx, loaded)
	})
	if err != nil {
		return nil, err
	}
	return e.view(ctx, tx)
}

// CheckTableNumberInUse reports whether a parked transaction other than
// excludeTxID holds the table identifier.
func (e *Engine) CheckTableNumberInUse(ctx context.Context, table string, excludeTxID int64) (bool, error) {
	inUse, err := e.repos.Transactions().IsTableInUse(ctx, table, excludeTxID)
	if err != nil {
		return false, types.WrapError(types.KindInternal, "failed to check table usage", err)
	}
	return inUse, nil
}

// GetParkedTransactions lists parked transactions in arrival order with
// their items.
func (e *Engine) GetParkedTransactions(ctx context.Context) ([]TransactionView, error) {
	parked, err := e.repos.Transactions().GetParkedTransactions(ctx)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to list parked transactions", err)
	}
	return e.views(ctx, parked)
}

// GetPendingTransactions lists transactions awaiting post-restart resolution.
func (e *Engine) GetPendingTransactions(ctx context.Context) ([]TransactionView, error) {
	pending, err := e.repos.Transactions().GetByStatus(ctx, relationaldb.StatusActive, relationaldb.ResolutionPending)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to list pending transactions", err)
	}
	return e.views(ctx, pending)
}

// GetRecentReceipts lists the newest finished transactions with items.
func (e *Engine) GetRecentReceipts(ctx context.Context, limit int) ([]TransactionView, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	finished, err := e.repos.Transactions().GetRecentFinished(ctx, limit)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to list recent receipts", err)
	}
	return e.views(ctx, finished)
}

func (e *Engine) views(ctx context.Context, txs []relationaldb.ActiveTransaction) ([]TransactionView, error) {
	out := make([]TransactionView, 0, len(txs))
	for i := range txs {
		v, err := e.view(ctx, &txs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// ResolvePendingTransaction handles a post-restart resolution choice.
// Only postpone is defined; cancel and fiscalize are reserved until the
// fiscal authority's cancellation contract is specified.
func (e *Engine) ResolvePendingTransaction(ctx context.Context, txID int64, resolution string, userID int64) (*TransactionView, error) {
	switch resolution {
	case "postpone":
	case "cancel", "fiscalize":
		return nil, types.NotImplemented("resolvePendingTransaction/" + resolution)
	default:
		return nil, types.Validation("unknown resolution %q", resolution)
	}

	var tx *relationaldb.ActiveTransaction
	err := e.withEnvelope(ctx, func(tc relationaldb.TransactionContext) error {
		loaded, err := tc.Transactions().FindByID(ctx, txID)
		if err != nil {
			if relationaldb.IsNotFound(err) {
				return types.NotFound("transaction", txID)
			}
			return types.WrapError(types.KindInternal, "failed to load transaction", err)
		}
		if loaded.ResolutionStatus != relationaldb.ResolutionPending {
			return types.InvalidState("transaction %d is not pending resolution", txID)
		}
		loaded.ResolutionStatus = relationaldb.ResolutionPostponed
		loaded.UpdatedAt = nowUTC()
		tx = loaded
		return tc.Transactions().Update(ctx, loaded)
	})
	if err != nil {
		return nil, err
	}

	if warning := e.emitFiscal(ctx, "postponeTransaction", userID, tx.UUID, nil); warning != "" {
		e.log.Warn().Str("warning", warning).Msg("Postpone fiscal event diverged")
	}
	return e.view(ctx, tx)
}
