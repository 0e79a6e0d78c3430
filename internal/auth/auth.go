// Package auth handles operator login, session tracking, and permission
// checks. Sessions live in process memory and expire after a TTL; a restart
// logs everyone out.
package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/openkasse/kassad/internal/storage/relationaldb"
	"github.com/openkasse/kassad/internal/types"
)

const (
	DefaultSessionTTL  = 8 * time.Hour
	defaultMaxSessions = 256
)

// Session is one logged-in operator.
type Session struct {
	ID                  string    `json:"sessionId"`
	UserID              int64     `json:"userId"`
	Username            string    `json:"username"`
	DisplayName         string    `json:"displayName"`
	RoleID              int64     `json:"roleId"`
	RoleName            string    `json:"roleName"`
	Permissions         []string  `json:"permissions"`
	CanApproveChanges   bool      `json:"canApproveChanges"`
	ForcePasswordChange bool      `json:"forcePasswordChange"`
	CreatedAt           time.Time `json:"createdAt"`
}

// LoginUser is one entry of the login screen user list.
type LoginUser struct {
	UserID      int64  `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	RoleName    string `json:"roleName"`
}

// Service authenticates operators and answers permission probes.
type Service struct {
	repos    relationaldb.RepositoryManager
	sessions *expirable.LRU[string, *Session]
	log      zerolog.Logger
}

func NewService(repos relationaldb.RepositoryManager, ttl time.Duration, logger zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Service{
		repos:    repos,
		sessions: expirable.NewLRU[string, *Session](defaultMaxSessions, nil, ttl),
		log:      logger.With().Str("component", "auth").Logger(),
	}
}

// Login verifies credentials and opens a session. Unknown users and wrong
// passwords produce the same error.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	user, err := s.repos.Users().FindByUsername(ctx, username)
	if err != nil {
		if relationaldb.IsNotFound(err) {
			return nil, types.PermissionDenied("invalid credentials")
		}
		return nil, types.WrapError(types.KindInternal, "login lookup failed", err)
	}
	if !user.IsActive {
		return nil, types.PermissionDenied("invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		s.log.Warn().Str("username", username).Msg("Failed login attempt")
		return nil, types.PermissionDenied("invalid credentials")
	}

	role, err := s.repos.Users().GetRoleByID(ctx, user.RoleID)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "role lookup failed", err)
	}

	session := &Session{
		ID:                  uuid.NewString(),
		UserID:              user.ID,
		Username:            user.Username,
		DisplayName:         user.DisplayName,
		RoleID:              role.ID,
		RoleName:            role.Name,
		Permissions:         role.Permissions,
		CanApproveChanges:   role.CanApproveChanges,
		ForcePasswordChange: user.ForcePasswordChange,
		CreatedAt:           time.Now().UTC(),
	}
	s.sessions.Add(session.ID, session)
	s.log.Info().Str("username", username).Str("role", role.Name).Msg("Operator logged in")
	return session, nil
}

// Logout closes a session. Unknown or expired session IDs are a no-op.
func (s *Service) Logout(sessionID string) {
	s.sessions.Remove(sessionID)
}

// GetCurrentUser resolves a session ID.
func (s *Service) GetCurrentUser(sessionID string) (*Session, error) {
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, types.PermissionDenied("session expired or unknown")
	}
	return session, nil
}

// CanPerformAction answers a permission probe for a live session.
func (s *Service) CanPerformAction(sessionID, permission string) bool {
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return false
	}
	for _, p := range session.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission verifies a user holds a permission, by user ID.
func (s *Service) CheckPermission(ctx context.Context, userID int64, permission string) (bool, error) {
	user, err := s.repos.Users().FindByID(ctx, userID)
	if err != nil {
		if relationaldb.IsNotFound(err) {
			return false, types.NotFound("user", userID)
		}
		return false, types.WrapError(types.KindInternal, "user lookup failed", err)
	}
	role, err := s.repos.Users().GetRoleByID(ctx, user.RoleID)
	if err != nil {
		return false, types.WrapError(types.KindInternal, "role lookup failed", err)
	}
	for _, p := range role.Permissions {
		if p == permission {
			return true, nil
		}
	}
	return false, nil
}

// GetLoginUsers lists active operators for the login screen. Password hashes
// never leave this package.
func (s *Service) GetLoginUsers(ctx context.Context) ([]LoginUser, error) {
	users, err := s.repos.Users().GetActiveUsers(ctx)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to list users", err)
	}

	roleNames := make(map[int64]string)
	out := make([]LoginUser, 0, len(users))
	for _, u := range users {
		name, ok := roleNames[u.RoleID]
		if !ok {
			role, err := s.repos.Users().GetRoleByID(ctx, u.RoleID)
			if err != nil {
				return nil, types.WrapError(types.KindInternal, "role lookup failed", err)
			}
			name = role.Name
			roleNames[u.RoleID] = name
		}
		out = append(out, LoginUser{
			UserID:      u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			RoleName:    name,
		})
	}
	return out, nil
}

// ChangePassword sets a new credential and clears the force-change flag.
// Live sessions of the user are updated in place.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	if len(next) < 4 {
		return types.Validation("new password too short")
	}
	user, err := s.repos.Users().FindByID(ctx, userID)
	if err != nil {
		if relationaldb.IsNotFound(err) {
			return types.NotFound("user", userID)
		}
		return types.WrapError(types.KindInternal, "user lookup failed", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)) != nil {
		return types.PermissionDenied("current password does not match")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to hash password", err)
	}
	user.PasswordHash = string(hash)
	user.ForcePasswordChange = false
	if err := s.repos.Users().Update(ctx, user); err != nil {
		return types.WrapError(types.KindInternal, "failed to update user", err)
	}

	for _, key := range s.sessions.Keys() {
		if session, ok := s.sessions.Get(key); ok && session.UserID == userID {
			session.ForcePasswordChange = false
		}
	}
	return nil
}
