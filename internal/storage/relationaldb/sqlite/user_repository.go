package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
)

// UserRepository implements relationaldb.UserRepository.
type UserRepository struct {
	exec executor
	log  zerolog.Logger
}

func NewUserRepository(db *sql.DB, logger zerolog.Logger) *UserRepository {
	return &UserRepository{exec: db, log: logger}
}

func NewUserRepositoryWithTx(tx *sql.Tx, logger zerolog.Logger) *UserRepository {
	return &UserRepository{exec: tx, log: logger}
}

const userColumns = `id, username, display_name, password_hash, role_id,
	storno_daily_limit, storno_emergency_limit, storno_used_today,
	trust_score, is_active, force_password_change, created_at, updated_at`

func (r *UserRepository) scanUser(row interface{ Scan(...interface{}) error }) (*relationaldb.User, error) {
	var u relationaldb.User
	var daily, emergency, used, createdAt, updatedAt string
	var isActive, forceChange int
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.RoleID,
		&daily, &emergency, &used, &u.TrustScore, &isActive, &forceChange,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.StornoDailyLimit = parseDecimal(daily, r.log)
	u.StornoEmergencyLimit = parseDecimal(emergency, r.log)
	u.StornoUsedToday = parseDecimal(used, r.log)
	u.IsActive = isActive != 0
	u.ForcePasswordChange = forceChange != 0
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

func (r *UserRepository) FindByID(ctx context.Context, id int64) (*relationaldb.User, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := r.scanUser(row)
	if err == sql.ErrNoRows {
		return nil, relationaldb.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("find_user", "failed to query user", err)
	}
	return u, nil
}

func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*relationaldb.User, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	u, err := r.scanUser(row)
	if err == sql.ErrNoRows {
		return nil, relationaldb.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("find_user_by_username", "failed to query user", err)
	}
	return u, nil
}

func (r *UserRepository) GetActiveUsers(ctx context.Context) ([]relationaldb.User, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE is_active = 1 ORDER BY username ASC`)
	if err != nil {
		return nil, relationaldb.NewQueryError("get_active_users", "failed to query users", err)
	}
	defer rows.Close()

	var out []relationaldb.User
	for rows.Next() {
		u, err := r.scanUser(rows)
		if err != nil {
			return nil, relationaldb.NewQueryError("get_active_users", "failed to scan row", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (r *UserRepository) Create(ctx context.Context, u *relationaldb.User) error {
	now := nowUTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	res, err := r.exec.ExecContext(ctx, `
		INSERT INTO users (username, display_name, password_hash, role_id,
			storno_daily_limit, storno_emergency_limit, storno_used_today,
			trust_score, is_active, force_password_change, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Username, u.DisplayName, u.PasswordHash, u.RoleID,
		u.StornoDailyLimit.String(), u.StornoEmergencyLimit.String(),
		u.StornoUsedToday.String(), u.TrustScore, boolToInt(u.IsActive),
		boolToInt(u.ForcePasswordChange), formatTime(now), formatTime(now))
	if err != nil {
		return relationaldb.NewQueryError("create_user", "failed to insert user", err)
	}

	u.ID, err = res.LastInsertId()
	if err != nil {
		return relationaldb.NewQueryError("create_user", "failed to read insert id", err)
	}
	return nil
}

func (r *UserRepository) Update(ctx context.Context, u *relationaldb.User) error {
	u.UpdatedAt = nowUTC()
	_, err := r.exec.ExecContext(ctx, `
		UPDATE users
		SET username = ?, display_name = ?, password_hash = ?, role_id = ?,
			storno_daily_limit = ?, storno_emergency_limit = ?, storno_used_today = ?,
			trust_score = ?, is_active = ?, force_password_change = ?, updated_at = ?
		WHERE id = ?`,
		u.Username, u.DisplayName, u.PasswordHash, u.RoleID,
		u.StornoDailyLimit.String(), u.StornoEmergencyLimit.String(),
		u.StornoUsedToday.String(), u.TrustScore, boolToInt(u.IsActive),
		boolToInt(u.ForcePasswordChange), formatTime(u.UpdatedAt), u.ID)
	if err != nil {
		return relationaldb.NewQueryError("update_user", "failed to update user", err)
	}
	return nil
}

func (r *UserRepository) ResetDailyStornoCredits(ctx context.Context) error {
	_, err := r.exec.ExecContext(ctx,
		`UPDATE users SET storno_used_today = '0', updated_at = ?`, formatTime(nowUTC()))
	if err != nil {
		return relationaldb.NewQueryError("reset_storno_credits", "failed to reset storno credits", err)
	}
	return nil
}

func (r *UserRepository) scanRole(row interface{ Scan(...interface{}) error }) (*relationaldb.Role, error) {
	var role relationaldb.Role
	var permissions string
	var canApprove, canManage int
	if err := row.Scan(&role.ID, &role.Name, &permissions, &canApprove, &canManage); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(permissions), &role.Permissions); err != nil {
		r.log.Warn().Str("column", "roles.permissions").Msg("Unparseable JSON column, returning empty set")
		role.Permissions = []string{}
	}
	role.CanApproveChanges = canApprove != 0
	role.CanManageUsers = canManage != 0
	return &role, nil
}

func (r *UserRepository) GetRoleByID(ctx context.Context, id int64) (*relationaldb.Role, error) {
	row := r.exec.QueryRowContext(ctx,
		`SELECT id, name, permissions, can_approve_changes, can_manage_users FROM roles WHERE id = ?`, id)
	role, err := r.scanRole(row)
	if err == sql.ErrNoRows {
		return nil, relationaldb.ErrNotFound
	}
	if err != nil {
		return nil, relationaldb.NewQueryError("get_role", "failed to query role", err)
	}
	return role, nil
}

func (r *UserRepository) GetRoles(ctx context.Context) ([]relationaldb.Role, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT id, name, permissions, can_approve_changes, can_manage_users FROM roles ORDER BY id ASC`)
	if err != nil {
		return nil, relationaldb.NewQueryError("get_roles", "failed to query roles", err)
	}
	defer rows.Close()

	var out []relationaldb.Role
	for rows.Next() {
		role, err := r.scanRole(rows)
		if err != nil {
			return nil, relationaldb.NewQueryError("get_roles", "failed to scan row", err)
		}
		out = append(out, *role)
	}
	return out, rows.Err()
}

func (r *UserRepository) CreateRole(ctx context.Context, role *relationaldb.Role) error {
	permissions, err := json.Marshal(role.Permissions)
	if err != nil {
		return relationaldb.NewQueryError("create_role", "failed to encode permissions", err)
	}

	res, err := r.exec.ExecContext(ctx, `
		INSERT INTO roles (name, permissions, can_approve_changes, can_manage_users)
		VALUES (?, ?, ?, ?)`,
		role.Name, string(permissions), boolToInt(role.CanApproveChanges), boolToInt(role.CanManageUsers))
	if err != nil {
		return relationaldb.NewQueryError("create_role", "failed to insert role", err)
	}

	role.ID, err = res.LastInsertId()
	if err != nil {
		return relationaldb.NewQueryError("create_role", "failed to read insert id", err)
	}
	return nil
}
