package voters

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login to the canonical opaque voter id
// that the polls core keys votes by.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing voter identities.
func (Identity) TableName() string {
	return "voter_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
