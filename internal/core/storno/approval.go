package storno

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/types"
)

// GetPendingChanges lists manager-approval records, urgent first.
func (s *Service) GetPendingChanges(ctx context.Context) ([]relationaldb.PendingChange, error) {
	pending, err := s.repos.Changes().GetPending(ctx)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to list pending changes", err)
	}
	return pending, nil
}

// ApproveChange approves a generic pending change. Storno approvals route
// through the storno workflow so the credit debit happens exactly once.
func (s *Service) ApproveChange(ctx context.Context, managerID, changeID int64, notes string) (*relationaldb.PendingChange, error) {
	change, err := s.loadChange(ctx, changeID)
	if err != nil {
		return nil, err
	}

	if change.ChangeType == "storno_approval" {
		if _, err := s.ApproveStorno(ctx, managerID, change.TargetID, notes); err != nil {
			return nil, err
		}
		return s.loadChange(ctx, changeID)
	}

	err = s.repos.WithTransaction(ctx, func(tc relationaldb.TransactionContext) error {
		if err := s.requireApprover(ctx, tc, managerID); err != nil {
			return err
		}
		return s.markChange(ctx, tc, change, relationaldb.ApprovalApproved, managerID, notes)
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// RejectChange declines a generic pending change.
func (s *Service) RejectChange(ctx context.Context, managerID, changeID int64, notes string) (*relationaldb.PendingChange, error) {
	change, err := s.loadChange(ctx, changeID)
	if err != nil {
		return nil, err
	}

	if change.ChangeType == "storno_approval" {
		if _, err := s.RejectStorno(ctx, managerID, change.TargetID, notes); err != nil {
			return nil, err
		}
		return s.loadChange(ctx, changeID)
	}

	err = s.repos.WithTransaction(ctx, func(tc relationaldb.TransactionContext) error {
		if err := s.requireApprover(ctx, tc, managerID); err != nil {
			return err
		}
		return s.markChange(ctx, tc, change, relationaldb.ApprovalRejected, managerID, notes)
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// BatchDecision is one entry of a batch review.
type BatchDecision struct {
	ChangeID int64  `json:"changeId"`
	Approve  bool   `json:"approve"`
	Notes    string `json:"notes"`
}

// BatchOutcome reports one processed decision.
type BatchOutcome struct {
	ChangeID int64  `json:"changeId"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// BatchProcessChanges reviews several changes in one call. Failures are
// per-entry; the batch continues.
func (s *Service) BatchProcessChanges(ctx context.Context, managerID int64, decisions []BatchDecision) []BatchOutcome {
	out := make([]BatchOutcome, 0, len(decisions))
	for _, d := range decisions {
		var err error
		if d.Approve {
			_, err = s.ApproveChange(ctx, managerID, d.ChangeID, d.Notes)
		} else {
			_, err = s.RejectChange(ctx, managerID, d.ChangeID, d.Notes)
		}
		outcome := BatchOutcome{ChangeID: d.ChangeID, Status: "approved"}
		if !d.Approve {
			outcome.Status = "rejected"
		}
		if err != nil {
			outcome.Status = "error"
			outcome.Error = err.Error()
		}
		out = append(out, outcome)
	}
	return out
}

// DashboardUser is one row of the manager dashboard usage table.
type DashboardUser struct {
	UserID          int64           `json:"userId"`
	Username        string          `json:"username"`
	DisplayName     string          `json:"displayName"`
	TrustScore      int             `json:"trustScore"`
	StornoUsedToday decimal.Decimal `json:"stornoUsedToday"`
	StornoLimit     decimal.Decimal `json:"stornoLimit"`
}

// Dashboard is the manager overview payload.
type Dashboard struct {
	PendingStornos []relationaldb.StornoLog     `json:"pendingStornos"`
	PendingChanges []relationaldb.PendingChange `json:"pendingChanges"`
	Users          []DashboardUser              `json:"users"`
}

// GetManagerDashboard assembles the review overview.
func (s *Service) GetManagerDashboard(ctx context.Context) (*Dashboard, error) {
	stornos, err := s.GetPendingStornos(ctx)
	if err != nil {
		return nil, err
	}
	changes, err := s.GetPendingChanges(ctx)
	if err != nil {
		return nil, err
	}
	users, err := s.repos.Users().GetActiveUsers(ctx)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to list users", err)
	}

	dash := &Dashboard{PendingStornos: stornos, PendingChanges: changes}
	for _, u := range users {
		dash.Users = append(dash.Users, DashboardUser{
			UserID:          u.ID,
			Username:        u.Username,
			DisplayName:     u.DisplayName,
			TrustScore:      u.TrustScore,
			StornoUsedToday: u.StornoUsedToday,
			StornoLimit:     u.StornoDailyLimit,
		})
	}
	return dash, nil
}

func (s *Service) loadChange(ctx context.Context, changeID int64) (*relationaldb.PendingChange, error) {
	change, err := s.repos.Changes().FindByID(ctx, changeID)
	if err != nil {
		if relationaldb.IsNotFound(err) {
			return nil, types.NotFound("pending change", changeID)
		}
		return nil, types.WrapError(types.KindInternal, "failed to load pending change", err)
	}
	return change, nil
}

func (s *Service) markChange(ctx context.Context, tc relationaldb.TransactionContext, change *relationaldb.PendingChange, status relationaldb.ApprovalStatus, managerID int64, notes string) error {
	if change.Status != relationaldb.ApprovalPending {
		return types.InvalidState("change %d is %s, expected pending", change.ID, change.Status)
	}
	change.Status = status
	change.ReviewedBy = managerID
	change.ReviewNotes = notes
	if err := tc.Changes().Update(ctx, change); err != nil {
		return types.WrapError(types.KindInternal, "failed to update change", err)
	}
	return nil
}
