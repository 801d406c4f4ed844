package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"radiochat/internal/auth"
	"radiochat/internal/moderation"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type permissionRow struct {
	Name string `gorm:"primaryKey"`
}

func (permissionRow) TableName() string { return "permissions" }

type roleRow struct {
	Name        string          `gorm:"primaryKey"`
	Description string          `gorm:"not null;default:''"`
	Permissions []permissionRow `gorm:"many2many:role_permissions;joinForeignKey:RoleName;joinReferences:PermissionName"`
}

func (roleRow) TableName() string { return "roles" }

type userRow struct {
	ID        uint    `gorm:"primaryKey"`
	Username  string  `gorm:"uniqueIndex;not null"`
	RoleName  string  `gorm:"not null;default:user"`
	Role      roleRow `gorm:"foreignKey:RoleName;references:Name"`
	Note      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (userRow) TableName() string { return "users" }

type sessionRow struct {
	TokenHash string `gorm:"primaryKey"`
	Username  string `gorm:"index;not null"`
	CreatedAt int64  `gorm:"autoCreateTime:false"`
	ExpiresAt int64  `gorm:"index"`
}

func (sessionRow) TableName() string { return "sessions" }

// migrate creates the gorm-managed tables and seeds the default roles.
// Existing roles are left as they are so operator edits survive restarts.
func (s *Store) migrate(ctx context.Context) error {
	db := s.gorm.WithContext(ctx)
	if err := db.AutoMigrate(&permissionRow{}, &roleRow{}, &userRow{}, &sessionRow{}); err != nil {
		return fmt.Errorf("failed to migrate user tables: %w", err)
	}

	for _, c := range moderation.AllCapabilities() {
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&permissionRow{Name: string(c)}).Error; err != nil {
			return fmt.Errorf("failed to seed permission %s: %w", c, err)
		}
	}

	for name, role := range moderation.DefaultRoles() {
		var existing roleRow
		err := db.Where("name = ?", string(name)).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to look up role %s: %w", name, err)
		}

		row := roleRow{Name: string(name), Description: role.Description}
		for _, c := range role.Capabilities {
			row.Permissions = append(row.Permissions, permissionRow{Name: string(c)})
		}
		if err := db.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to seed role %s: %w", name, err)
		}
	}
	return nil
}

// UserInfo is a user with its role, as listed by the operator tool.
type UserInfo struct {
	Username  string              `json:"username"`
	Role      moderation.RoleName `json:"role"`
	Note      string              `json:"note,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
}

// UserStore implements moderation.PermissionResolver over the users, roles
// and permissions tables.
type UserStore struct {
	db *gorm.DB
}

var _ moderation.PermissionResolver = (*UserStore)(nil)

// ResolveByUsername loads the user with its role and the role's permissions.
// Lookups are case-insensitive.
func (s *UserStore) ResolveByUsername(ctx context.Context, username string) (*moderation.Principal, error) {
	var u userRow
	err := s.db.WithContext(ctx).
		Preload("Role.Permissions").
		Where("lower(username) = ?", strings.ToLower(username)).
		First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, moderation.ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}

	p := &moderation.Principal{
		ID:       fmt.Sprintf("user:%d", u.ID),
		Username: u.Username,
		Role:     moderation.RoleName(u.RoleName),
	}
	for _, perm := range u.Role.Permissions {
		p.Capabilities = append(p.Capabilities, moderation.Capability(perm.Name))
	}
	return p, nil
}

// AddUser creates a user with the given role.
func (s *UserStore) AddUser(ctx context.Context, username string, role moderation.RoleName, note string) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("username is required")
	}
	if err := s.checkRole(ctx, role); err != nil {
		return err
	}
	u := userRow{Username: username, RoleName: string(role), Note: note}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		return fmt.Errorf("add user %s: %w", username, err)
	}
	return nil
}

// SetRole changes the role of an existing user.
func (s *UserStore) SetRole(ctx context.Context, username string, role moderation.RoleName) error {
	if err := s.checkRole(ctx, role); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&userRow{}).
		Where("lower(username) = ?", strings.ToLower(username)).
		Update("role_name", string(role))
	if res.Error != nil {
		return fmt.Errorf("set role for %s: %w", username, res.Error)
	}
	if res.RowsAffected == 0 {
		return moderation.ErrPrincipalNotFound
	}
	return nil
}

// ListUsers returns all users ordered by username.
func (s *UserStore) ListUsers(ctx context.Context) ([]UserInfo, error) {
	var rows []userRow
	if err := s.db.WithContext(ctx).Order("username").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]UserInfo, 0, len(rows))
	for _, u := range rows {
		users = append(users, UserInfo{
			Username:  u.Username,
			Role:      moderation.RoleName(u.RoleName),
			Note:      u.Note,
			CreatedAt: u.CreatedAt,
		})
	}
	return users, nil
}

// CountUsers returns the number of users.
func (s *UserStore) CountUsers(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&userRow{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return int(n), nil
}

func (s *UserStore) checkRole(ctx context.Context, role moderation.RoleName) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&roleRow{}).Where("name = ?", string(role)).Count(&n).Error; err != nil {
		return fmt.Errorf("look up role %s: %w", role, err)
	}
	if n == 0 {
		return fmt.Errorf("unknown role %q", role)
	}
	return nil
}

// SessionStore implements auth.SessionStore on the sessions table.
type SessionStore struct {
	db *gorm.DB
}

var _ auth.SessionStore = (*SessionStore)(nil)

func (s *SessionStore) SaveSession(ctx context.Context, sess auth.Session) error {
	row := sessionRow{
		TokenHash: sess.TokenHash,
		Username:  sess.Username,
		CreatedAt: sess.CreatedAt.Unix(),
		ExpiresAt: sess.ExpiresAt.Unix(),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, tokenHash string) (*auth.Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, auth.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &auth.Session{
		TokenHash: row.TokenHash,
		Username:  row.Username,
		CreatedAt: time.Unix(row.CreatedAt, 0).UTC(),
		ExpiresAt: time.Unix(row.ExpiresAt, 0).UTC(),
	}, nil
}

func (s *SessionStore) DeleteSession(ctx context.Context, tokenHash string) error {
	if err := s.db.WithContext(ctx).Where("token_hash = ?", tokenHash).Delete(&sessionRow{}).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpired deletes sessions that expired before now.
func (s *SessionStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now.Unix()).Delete(&sessionRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge sessions: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
