package fiscal

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/types"
)

// EventRecovered is the event type used when recovery commits a signed but
// uncommitted operation. The original type is not stored in the pending row.
const EventRecovered = "recovered_transaction"

// Service implements the two-phase fiscal write-ahead protocol:
//
//  1. insert a pending_fiscal_operations row with status PENDING
//  2. sign the payload; update the row to TSE_SUCCESS or TSE_FAILED
//  3. append the immutable fiscal_log row and mark the pending row COMMITTED
//
// Fiscal logging always runs outside the business write envelope. Callers
// that have already committed business state treat a failure here as a
// warning, never as a rollback trigger.
type Service struct {
	repos  relationaldb.RepositoryManager
	signer Signer
	log    zerolog.Logger

	// commitMu linearizes fiscal log appends so identifier order is the
	// authoritative commit order even when commits race.
	commitMu sync.Mutex
}

func NewService(repos relationaldb.RepositoryManager, signer Signer, logger zerolog.Logger) *Service {
	return &Service{
		repos:  repos,
		signer: signer,
		log:    logger.With().Str("component", "fiscal").Logger(),
	}
}

// LogFiscalEvent runs the full two-phase protocol for one event and returns
// the committed fiscal log entry.
func (s *Service) LogFiscalEvent(ctx context.Context, eventType string, userID int64, transactionUUID string, payload map[string]interface{}) (*relationaldb.FiscalLogEntry, error) {
	request := map[string]interface{}{
		"event_type":       eventType,
		"transaction_uuid": transactionUUID,
		"payload":          payload,
	}
	if userID != 0 {
		request["user_id"] = userID
	}

	op := &relationaldb.PendingFiscalOperation{
		OperationID:    newOperationID(),
		Status:         relationaldb.PendingStatusPending,
		RequestPayload: request,
	}
	if err := s.repos.Fiscal().InsertPendingOperation(ctx, op); err != nil {
		return nil, types.WrapError(types.KindFiscalCommitFail, "failed to record pending fiscal operation", err)
	}

	toSign, err := json.Marshal(request)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to serialize fiscal payload", err)
	}

	sig, err := s.signer.Sign(ctx, toSign)
	if err != nil {
		op.Status = relationaldb.PendingStatusFailed
		if upErr := s.repos.Fiscal().UpdatePendingOperation(ctx, op); upErr != nil {
			s.log.Error().Err(upErr).Str("operation_id", op.OperationID).
				Msg("Failed to mark fiscal operation TSE_FAILED")
		}
		if types.IsKind(err, types.KindExternalTimeout) {
			return nil, err
		}
		return nil, types.WrapError(types.KindFiscalCommitFail, "signer rejected fiscal event", err)
	}

	op.Status = relationaldb.PendingStatusSuccess
	op.SignedPayload = map[string]interface{}{
		"signature":         sig.Signature,
		"signature_counter": sig.Counter,
		"tse_timestamp":     sig.TSETimestamp,
	}
	if err := s.repos.Fiscal().UpdatePendingOperation(ctx, op); err != nil {
		return nil, types.WrapError(types.KindFiscalCommitFail, "failed to record signature", err)
	}

	return s.commit(ctx, op, eventType, userID)
}

// CommitFiscalOperation completes a previously signed but uncommitted
// operation, appending the fiscal log row under the given event type.
func (s *Service) CommitFiscalOperation(ctx context.Context, operationID, eventType string, userID int64) (*relationaldb.FiscalLogEntry, error) {
	op, err := s.repos.Fiscal().GetPendingOperationByOperationID(ctx, operationID)
	if err != nil {
		if relationaldb.IsNotFound(err) {
			return nil, types.NotFound("pending fiscal operation", operationID)
		}
		return nil, types.WrapError(types.KindFiscalCommitFail, "failed to load pending operation", err)
	}
	if op.Status != relationaldb.PendingStatusSuccess {
		return nil, types.InvalidState("pending operation %s is %s, expected TSE_SUCCESS", operationID, op.Status)
	}
	return s.commit(ctx, op, eventType, userID)
}

// commit appends the immutable fiscal log row and marks the pending row
// complete. The mutex produces a single linearization of racing commits.
func (s *Service) commit(ctx context.Context, op *relationaldb.PendingFiscalOperation, eventType string, userID int64) (*relationaldb.FiscalLogEntry, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	entry := &relationaldb.FiscalLogEntry{
		TransactionUUID:  stringField(op.RequestPayload, "transaction_uuid"),
		EventType:        eventType,
		UserID:           userID,
		Payload:          op.RequestPayload,
		Signature:        stringField(op.SignedPayload, "signature"),
		SignatureCounter: intField(op.SignedPayload, "signature_counter"),
	}
	if err := s.repos.Fiscal().AppendFiscalLog(ctx, entry); err != nil {
		return nil, types.WrapError(types.KindFiscalCommitFail, "failed to append fiscal log", err)
	}

	op.Status = relationaldb.PendingStatusCommitted
	if err := s.repos.Fiscal().UpdatePendingOperation(ctx, op); err != nil {
		// The fiscal row exists; recovery would re-commit this operation as
		// recovered_transaction. Log loudly but report success.
		s.log.Error().Err(err).Str("operation_id", op.OperationID).
			Msg("Fiscal log committed but pending row not marked complete")
	}

	s.log.Debug().Str("event_type", eventType).Int64("id", entry.ID).
		Str("transaction_uuid", entry.TransactionUUID).Msg("Fiscal event committed")
	return entry, nil
}

// LogOperationalEvent appends a durable non-fiscal event. partial_storno and
// price_override entries feed the reconstruction at finish time.
func (s *Service) LogOperationalEvent(ctx context.Context, eventType string, userID int64, transactionUUID string, payload map[string]interface{}) error {
	entry := &relationaldb.OperationalLogEntry{
		TransactionUUID: transactionUUID,
		EventType:       eventType,
		UserID:          userID,
		Payload:         payload,
	}
	if err := s.repos.OperationalLog().Append(ctx, entry); err != nil {
		return types.WrapError(types.KindInternal, "failed to append operational log", err)
	}
	return nil
}

// RecoverPendingOperations commits every TSE_SUCCESS row left over from a
// previous session as recovered_transaction. PENDING and TSE_FAILED rows are
// logged for manual review and left intact.
func (s *Service) RecoverPendingOperations(ctx context.Context) (int, error) {
	signed, err := s.repos.Fiscal().GetPendingOperationsByStatus(ctx, relationaldb.PendingStatusSuccess)
	if err != nil {
		return 0, types.WrapError(types.KindInternal, "failed to scan pending fiscal operations", err)
	}

	committed := 0
	for i := range signed {
		op := signed[i]
		if _, err := s.commit(ctx, &op, EventRecovered, 0); err != nil {
			s.log.Error().Err(err).Str("operation_id", op.OperationID).
				Msg("Failed to commit recovered fiscal operation")
			continue
		}
		committed++
	}

	for _, status := range []relationaldb.PendingOperationStatus{
		relationaldb.PendingStatusPending,
		relationaldb.PendingStatusFailed,
	} {
		stuck, err := s.repos.Fiscal().GetPendingOperationsByStatus(ctx, status)
		if err != nil {
			return committed, types.WrapError(types.KindInternal, "failed to scan pending fiscal operations", err)
		}
		for _, op := range stuck {
			s.log.Warn().Str("operation_id", op.OperationID).Str("status", string(op.Status)).
				Msg("Fiscal operation needs manual review")
		}
	}

	return committed, nil
}

func newOperationID() string { return uuid.NewString() }

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func intField(m map[string]interface{}, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}
