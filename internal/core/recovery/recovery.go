// Package recovery runs the startup sequence: schema validation, admin
// bootstrap, pending fiscal recovery, and stale-transaction marking. It
// completes before the server accepts traffic.
package recovery

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/openkasse/kassad/internal/core/fiscal"
	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/types"
)

// Default administrator bootstrap credential. The account is created with
// force_password_change set; the credential only opens the first session.
const (
	DefaultAdminUsername = "admin"
	DefaultAdminPassword = "admin"
	adminRoleName        = "admin"
)

var adminPermissions = []string{
	"transaction_manage", "storno_request", "storno_approve",
	"catalog_import", "layout_manage", "user_manage", "dashboard_view",
}

// Report summarizes what the startup sequence did.
type Report struct {
	AdminRoleCreated   bool
	AdminUserCreated   bool
	FiscalOpsCommitted int
	TransactionsMarked int
}

// Runner executes the startup sequence.
type Runner struct {
	repos  relationaldb.RepositoryManager
	fiscal *fiscal.Service
	log    zerolog.Logger
}

func NewRunner(repos relationaldb.RepositoryManager, fiscalSvc *fiscal.Service, logger zerolog.Logger) *Runner {
	return &Runner{
		repos:  repos,
		fiscal: fiscalSvc,
		log:    logger.With().Str("component", "recovery").Logger(),
	}
}

// Run executes the full sequence. A schema failure is fatal; the caller
// terminates the process.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	if err := r.repos.System().ValidateSchema(ctx); err != nil {
		return nil, types.WrapError(types.KindInternal, "schema validation failed", err)
	}

	if err := r.ensureAdmin(ctx, report); err != nil {
		return nil, err
	}

	committed, err := r.fiscal.RecoverPendingOperations(ctx)
	if err != nil {
		return nil, err
	}
	report.FiscalOpsCommitted = committed

	marked, err := r.markStaleTransactions(ctx)
	if err != nil {
		return nil, err
	}
	report.TransactionsMarked = marked

	r.log.Info().
		Int("fiscal_ops_committed", report.FiscalOpsCommitted).
		Int("transactions_marked", report.TransactionsMarked).
		Bool("admin_created", report.AdminUserCreated).
		Msg("Startup recovery complete")
	return report, nil
}

// ensureAdmin guarantees an administrative role and at least one user
// holding it.
func (r *Runner) ensureAdmin(ctx context.Context, report *Report) error {
	roles, err := r.repos.Users().GetRoles(ctx)
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to list roles", err)
	}

	var adminRole *relationaldb.Role
	for i := range roles {
		if roles[i].CanApproveChanges && roles[i].CanManageUsers {
			adminRole = &roles[i]
			break
		}
	}
	if adminRole == nil {
		adminRole = &relationaldb.Role{
			Name:              adminRoleName,
			Permissions:       adminPermissions,
			CanApproveChanges: true,
			CanManageUsers:    true,
		}
		if err := r.repos.Users().CreateRole(ctx, adminRole); err != nil {
			return types.WrapError(types.KindInternal, "failed to create admin role", err)
		}
		report.AdminRoleCreated = true
		r.log.Warn().Msg("No administrative role found, created default")
	}

	users, err := r.repos.Users().GetActiveUsers(ctx)
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to list users", err)
	}
	for _, u := range users {
		if u.RoleID == adminRole.ID {
			return nil
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(DefaultAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to hash bootstrap credential", err)
	}
	admin := &relationaldb.User{
		Username:             DefaultAdminUsername,
		DisplayName:          "Administrator",
		PasswordHash:         string(hash),
		RoleID:               adminRole.ID,
		TrustScore:           50,
		IsActive:             true,
		ForcePasswordChange:  true,
		StornoDailyLimit:     decimal.NewFromInt(50),
		StornoEmergencyLimit: decimal.NewFromInt(25),
	}
	if err := r.repos.Users().Create(ctx, admin); err != nil {
		return types.WrapError(types.KindInternal, "failed to create admin user", err)
	}
	report.AdminUserCreated = true
	r.log.Warn().Str("username", DefaultAdminUsername).
		Msg("Created default administrator, password change required on first login")
	return nil
}

// markStaleTransactions flags every active/none transaction left over from
// the previous session for operator resolution.
func (r *Runner) markStaleTransactions(ctx context.Context) (int, error) {
	stale, err := r.repos.Transactions().GetByStatus(ctx,
		relationaldb.StatusActive, relationaldb.ResolutionNone)
	if err != nil {
		return 0, types.WrapError(types.KindInternal, "failed to scan stale transactions", err)
	}

	marked := 0
	for i := range stale {
		tx := stale[i]
		tx.ResolutionStatus = relationaldb.ResolutionPending
		if err := r.repos.Transactions().Update(ctx, &tx); err != nil {
			return marked, types.WrapError(types.KindInternal, "failed to mark stale transaction", err)
		}
		r.log.Info().Str("uuid", tx.UUID).Msg("Marked stale transaction for resolution")
		marked++
	}
	return marked, nil
}
