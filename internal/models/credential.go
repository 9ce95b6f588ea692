package models

import "time"

// Credential is the encrypted token material of an account.
// AccessToken and RefreshToken hold ciphertext; plaintext never lands here.
type Credential struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
}

// NeverExpires reports whether the token has no expiry (bot tokens, app passwords).
func (c *Credential) NeverExpires() bool {
	return c.ExpiresAt.IsZero()
}

// DueForRefresh reports whether now falls inside the refresh window
// that opens buffer before expiry.
func (c *Credential) DueForRefresh(now time.Time, buffer time.Duration) bool {
	if c.NeverExpires() {
		return false
	}
	return !now.Before(c.ExpiresAt.Add(-buffer))
}

// Age returns how long ago the current access token was issued.
func (c *Credential) Age(now time.Time) time.Duration {
	if c.IssuedAt.IsZero() {
		return 0
	}
	return now.Sub(c.IssuedAt)
}
