package models

import "gorm.io/gorm"

// Account types accepted by the exchange.
const (
	AccountTypeMain = "main"
	AccountTypeSub  = "sub"
)

// ApiKey holds exchange credentials for a user. Secrets are stored by the
// out-of-scope credential layer; the core only reads them to sign requests
// and never logs or echoes them.
type ApiKey struct {
	gorm.Model
	UserID      uint   `gorm:"not null;index" json:"user_id"`
	Name        string `gorm:"size:255" json:"name"`
	Key         string `gorm:"size:255;not null" json:"-"`
	Secret      string `gorm:"size:255;not null" json:"-"`
	AccountType string `gorm:"size:10;default:'main'" json:"account_type"`
	IsDefault   bool   `gorm:"default:false" json:"is_default"`
}
