// Package models defines the rows and payloads of the connector.
package models

import "time"

type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// Connection holds the site's Gen Wave credentials. Secret is kept
// encrypted at rest and only decrypted when signing API calls.
type Connection struct {
	LicenseKey      string    `json:"-"`
	EncryptedSecret string    `json:"-"`
	Email           string    `json:"email"`
	Plan            Plan      `json:"plan"`
	ConnectedAt     time.Time `json:"connected_at"`
}

// MaskedLicenseKey hides all but the last four characters.
func (c Connection) MaskedLicenseKey() string {
	if len(c.LicenseKey) <= 4 {
		return "****"
	}
	return "****" + c.LicenseKey[len(c.LicenseKey)-4:]
}

// ConnectSession is the pending credential exchange started by an editor.
type ConnectSession struct {
	TokenHash string    `json:"token_hash"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
