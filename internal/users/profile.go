package users

import (
	"strings"
	"time"
)

// Profile is the stored record of an operator: how their name appears on
// reconciliation boards and exports, and their fallback role.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	Role        string    `gorm:"column:role;size:32;not null;default:operator"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing operator profiles.
func (Profile) TableName() string {
	return "operator_profiles"
}

// Name returns the display name, falling back to the email.
func (p Profile) Name() string {
	if name := normalize(p.DisplayName); name != "" {
		return name
	}
	return normalize(p.Email)
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
