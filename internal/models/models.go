package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RoleAdmin  = "admin"
	RoleStaff1 = "staff1"
	RoleStaff2 = "staff2"
	RoleStaff3 = "staff3"
	RoleAgent  = "agent"
	RoleUser   = "user"
)

// User is the principal. Role is a soft reference to Role.Name; nothing enforces it.
type User struct {
	ID                  uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Email               string     `gorm:"uniqueIndex;not null" json:"email"`
	Phone               string     `gorm:"index" json:"phone,omitempty"`
	PasswordHash        string     `json:"-"`
	Role                string     `gorm:"not null;default:user" json:"role"`
	PermissionOverrides StringList `json:"permission_overrides,omitempty"`
	Active              bool       `gorm:"not null" json:"active"`
	Blocked             bool       `gorm:"not null;default:false" json:"blocked"`
	Verified            bool       `gorm:"not null;default:false" json:"verified"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

func (u *User) CanAuthenticate() bool {
	return u.Active && !u.Blocked
}

type Role struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Name        string     `gorm:"uniqueIndex;not null" json:"name"`
	Permissions StringList `json:"permissions"`
	Level       int        `gorm:"not null;default:0" json:"level"`
	System      bool       `gorm:"column:is_system;not null;default:false" json:"system"`
	Active      bool       `gorm:"not null" json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RefreshToken holds the single current refresh token of a principal.
// Only the sha256 of the token is stored.
type RefreshToken struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uuid.UUID `gorm:"type:uuid;uniqueIndex" json:"user_id"`
	TokenHash   string    `gorm:"not null" json:"-"`
	JTI         string    `gorm:"not null" json:"jti"`
	Blacklisted bool      `gorm:"not null;default:false" json:"blacklisted"`
	IssuedAt    time.Time `gorm:"not null" json:"issued_at"`
	ExpiresAt   time.Time `gorm:"not null" json:"expires_at"`
}

func All() []any {
	return []any{&User{}, &Role{}, &RefreshToken{}}
}
