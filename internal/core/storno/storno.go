// Package storno implements the void-credit system: per-user daily limits,
// automatic grants within credit, and the manager approval queue.
package storno

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/openkasse/kassad/internal/core/fiscal"
	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/types"
)

// limitRecalcDrift is the trust drift at which credit limits snap to the
// trust score: daily = 50 * trust / 50, emergency = daily * 0.5.
var limitRecalcDrift = decimal.NewFromInt(5)

// Service drives storno requests and their approval workflow.
type Service struct {
	repos  relationaldb.RepositoryManager
	fiscal *fiscal.Service
	log    zerolog.Logger

	resetMu       sync.Mutex
	lastResetDate string
}

func NewService(repos relationaldb.RepositoryManager, fiscalSvc *fiscal.Service, logger zerolog.Logger) *Service {
	return &Service{
		repos:  repos,
		fiscal: fiscalSvc,
		log:    logger.With().Str("component", "storno").Logger(),
	}
}

// Result reports the outcome of a storno request.
type Result struct {
	Storno          *relationaldb.StornoLog `json:"storno"`
	Status          relationaldb.ApprovalStatus `json:"status"`
	AvailableCredit decimal.Decimal         `json:"availableCredit"`
}

// PerformStorno grants the storno automatically when the user's remaining
// credit covers the amount, otherwise queues it for manager approval.
func (s *Service) PerformStorno(ctx context.Context, userID, originalTxID int64, amount decimal.Decimal, reason string, isEmergency bool) (*Result, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, types.Validation("storno amount must be positive, got %s", amount)
	}

	var result *Result
	err := s.repos.WithTransaction(ctx, func(tc relationaldb.TransactionContext) error {
		user, err := tc.Users().FindByID(ctx, userID)
		if err != nil {
			if relationaldb.IsNotFound(err) {
				return types.NotFound("user", userID)
			}
			return types.WrapError(types.KindInternal, "failed to load user", err)
		}

		limit := user.StornoDailyLimit
		if isEmergency {
			limit = user.StornoEmergencyLimit
		}
		available := limit.Sub(user.StornoUsedToday)
		if available.IsNegative() {
			available = decimal.Zero
		}

		entry := &relationaldb.StornoLog{
			UserID:                userID,
			OriginalTransactionID: originalTxID,
			Amount:                amount,
			Reason:                reason,
			IsEmergency:           isEmergency,
		}

		if amount.LessThanOrEqual(available) {
			entry.ApprovalStatus = relationaldb.ApprovalAutomatic
			entry.CreditUsed = amount
			if err := tc.Stornos().Insert(ctx, entry); err != nil {
				return types.WrapError(types.KindInternal, "failed to record storno", err)
			}
			user.StornoUsedToday = user.StornoUsedToday.Add(amount)
			adjustTrust(user, 1)
			if err := tc.Users().Update(ctx, user); err != nil {
				return types.WrapError(types.KindInternal, "failed to debit storno credit", err)
			}
			result = &Result{Storno: entry, Status: relationaldb.ApprovalAutomatic,
				AvailableCredit: limit.Sub(user.StornoUsedToday)}
			return nil
		}

		entry.ApprovalStatus = relationaldb.ApprovalPending
		entry.CreditUsed = decimal.Zero
		if err := tc.Stornos().Insert(ctx, entry); err != nil {
			return types.WrapError(types.KindInternal, "failed to record storno", err)
		}

		priority := "high"
		if isEmergency {
			priority = "urgent"
		}
		change := &relationaldb.PendingChange{
			ChangeType:  "storno_approval",
			TargetTable: "storno_logs",
			TargetID:    entry.ID,
			Payload: map[string]interface{}{
				"amount":       amount.String(),
				"reason":       reason,
				"is_emergency": isEmergency,
			},
			Priority:    priority,
			Status:      relationaldb.ApprovalPending,
			RequestedBy: userID,
		}
		if err := tc.Changes().Insert(ctx, change); err != nil {
			return types.WrapError(types.KindInternal, "failed to queue storno approval", err)
		}
		result = &Result{Storno: entry, Status: relationaldb.ApprovalPending, AvailableCredit: available}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Status == relationaldb.ApprovalAutomatic {
		s.emitFiscal(ctx, "storno_automatic", userID, originalTxID, result.Storno)
	}
	return result, nil
}

// ApproveStorno applies a pending storno: the debit happens here, never at
// request time.
func (s *Service) ApproveStorno(ctx context.Context, managerID, stornoID int64, notes string) (*relationaldb.StornoLog, error) {
	var entry *relationaldb.StornoLog
	err := s.repos.WithTransaction(ctx, func(tc relationaldb.TransactionContext) error {
		if err := s.requireApprover(ctx, tc, managerID); err != nil {
			return err
		}

		loaded, err := tc.Stornos().FindByID(ctx, stornoID)
		if err != nil {
			if relationaldb.IsNotFound(err) {
				return types.NotFound("storno", stornoID)
			}
			return types.WrapError(types.KindInternal, "failed to load storno", err)
		}
		if loaded.ApprovalStatus != relationaldb.ApprovalPending {
			return types.InvalidState("storno %d is %s, expected pending", stornoID, loaded.ApprovalStatus)
		}

		user, err := tc.Users().FindByID(ctx, loaded.UserID)
		if err != nil {
			return types.WrapError(types.KindInternal, "failed to load storno user", err)
		}
		user.StornoUsedToday = user.StornoUsedToday.Add(loaded.Amount)
		adjustTrust(user, 0.5)
		if err := tc.Users().Update(ctx, user); err != nil {
			return types.WrapError(types.KindInternal, "failed to debit storno credit", err)
		}

		loaded.ApprovalStatus = relationaldb.ApprovalApproved
		loaded.CreditUsed = loaded.Amount
		loaded.ApproverID = managerID
		loaded.Notes = notes
		if err := tc.Stornos().Update(ctx, loaded); err != nil {
			return types.WrapError(types.KindInternal, "failed to update storno", err)
		}

		if err := s.resolveChangeRow(ctx, tc, stornoID, relationaldb.ApprovalApproved, managerID, notes); err != nil {
			return err
		}
		entry = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emitFiscal(ctx, "storno_approved", managerID, entry.OriginalTransactionID, entry)
	return entry, nil
}

// RejectStorno declines a pending storno. No credit is debited.
func (s *Service) RejectStorno(ctx context.Context, managerID, stornoID int64, notes string) (*relationaldb.StornoLog, error) {
	var entry *relationaldb.StornoLog
	err := s.repos.WithTransaction(ctx, func(tc relationaldb.TransactionContext) error {
		if err := s.requireApprover(ctx, tc, managerID); err != nil {
			return err
		}

		loaded, err := tc.Stornos().FindByID(ctx, stornoID)
		if err != nil {
			if relationaldb.IsNotFound(err) {
				return types.NotFound("storno", stornoID)
			}
			return types.WrapError(types.KindInternal, "failed to load storno", err)
		}
		if loaded.ApprovalStatus != relationaldb.ApprovalPending {
			return types.InvalidState("storno %d is %s, expected pending", stornoID, loaded.ApprovalStatus)
		}

		user, err := tc.Users().FindByID(ctx, loaded.UserID)
		if err != nil {
			return types.WrapError(types.KindInternal, "failed to load storno user", err)
		}
		adjustTrust(user, -1)
		if err := tc.Users().Update(ctx, user); err != nil {
			return types.WrapError(types.KindInternal, "failed to adjust trust", err)
		}

		loaded.ApprovalStatus = relationaldb.ApprovalRejected
		loaded.ApproverID = managerID
		loaded.Notes = notes
		if err := tc.Stornos().Update(ctx, loaded); err != nil {
			return types.WrapError(types.KindInternal, "failed to update storno", err)
		}

		if err := s.resolveChangeRow(ctx, tc, stornoID, relationaldb.ApprovalRejected, managerID, notes); err != nil {
			return err
		}
		entry = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emitFiscal(ctx, "storno_rejected", managerID, entry.OriginalTransactionID, entry)
	return entry, nil
}

// GetPendingStornos lists stornos awaiting review.
func (s *Service) GetPendingStornos(ctx context.Context) ([]relationaldb.StornoLog, error) {
	pending, err := s.repos.Stornos().GetPending(ctx)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to list pending stornos", err)
	}
	return pending, nil
}

// ResetDailyStornoCredits zeroes every user's used credit. Idempotent within
// one business day.
func (s *Service) ResetDailyStornoCredits(ctx context.Context) error {
	today := types.BusinessDate(nowUTC())

	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	if s.lastResetDate == today {
		return nil
	}
	if err := s.repos.Users().ResetDailyStornoCredits(ctx); err != nil {
		return types.WrapError(types.KindInternal, "failed to reset storno credits", err)
	}
	s.lastResetDate = today
	s.log.Info().Str("business_date", today).Msg("Daily storno credits reset")
	return nil
}

func (s *Service) requireApprover(ctx context.Context, tc relationaldb.TransactionContext, managerID int64) error {
	manager, err := tc.Users().FindByID(ctx, managerID)
	if err != nil {
		if relationaldb.IsNotFound(err) {
			return types.NotFound("user", managerID)
		}
		return types.WrapError(types.KindInternal, "failed to load manager", err)
	}
	role, err := tc.Users().GetRoleByID(ctx, manager.RoleID)
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to load role", err)
	}
	if !role.CanApproveChanges {
		return types.PermissionDenied("approval requires a role with can_approve_changes")
	}
	return nil
}

func (s *Service) resolveChangeRow(ctx context.Context, tc relationaldb.TransactionContext, stornoID int64, status relationaldb.ApprovalStatus, managerID int64, notes string) error {
	change, err := tc.Changes().FindPendingByTarget(ctx, "storno_logs", stornoID)
	if err != nil {
		if relationaldb.IsNotFound(err) {
			return nil // automatic stornos have no change row
		}
		return types.WrapError(types.KindInternal, "failed to load change row", err)
	}
	change.Status = status
	change.ReviewedBy = managerID
	change.ReviewNotes = notes
	if err := tc.Changes().Update(ctx, change); err != nil {
		return types.WrapError(types.KindInternal, "failed to update change row", err)
	}
	return nil
}

func (s *Service) emitFiscal(ctx context.Context, eventType string, userID, originalTxID int64, entry *relationaldb.StornoLog) {
	txUUID := ""
	if originalTxID != 0 {
		if tx, err := s.repos.Transactions().FindByID(ctx, originalTxID); err == nil {
			txUUID = tx.UUID
		}
	}
	if _, err := s.fiscal.LogFiscalEvent(ctx, eventType, userID, txUUID, map[string]interface{}{
		"storno_id": entry.ID,
		"amount":    entry.Amount.String(),
		"reason":    entry.Reason,
	}); err != nil {
		s.log.Warn().Err(err).Str("event_type", eventType).Int64("storno_id", entry.ID).
			Msg("Storno fiscal event failed after commit")
	}
}

// adjustTrust applies a trust delta, clamps to [0,100], and snaps the credit
// limits once the score has drifted at least 5 points from the daily limit.
func adjustTrust(user *relationaldb.User, delta float64) {
	score := int(math.Round(float64(user.TrustScore) + delta))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	user.TrustScore = score

	drift := decimal.NewFromInt(int64(score)).Sub(user.StornoDailyLimit).Abs()
	if drift.GreaterThanOrEqual(limitRecalcDrift) {
		// daily = 50 * trust / 50
		daily := decimal.NewFromInt(50).
			Mul(decimal.NewFromInt(int64(score))).
			DivRound(decimal.NewFromInt(50), 2)
		user.StornoDailyLimit = daily
		user.StornoEmergencyLimit = daily.Mul(decimal.RequireFromString("0.5"))
	}
}
