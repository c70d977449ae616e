package models

import (
	"time"

	"gorm.io/gorm"
)

// Webhook is an opaque inbound token bound to a bot. Issued by the dashboard,
// consulted read-only here.
type Webhook struct {
	gorm.Model
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	BotID     uint      `gorm:"not null;index" json:"bot_id"`
	Token     string    `gorm:"size:64;uniqueIndex;not null" json:"token"`
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`
}

// Expired reports whether the webhook is past its expiry timestamp.
func (w *Webhook) Expired(now time.Time) bool {
	return now.After(w.ExpiresAt)
}
