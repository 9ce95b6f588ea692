package models

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Account is a tracked profile on one external platform.
type Account struct {
	ID          string      `json:"id"`
	Platform    string      `json:"platform"`
	ExternalID  string      `json:"external_id"`
	URL         string      `json:"url"`
	DisplayName string      `json:"display_name,omitempty"`
	Active      bool        `json:"active"`
	Credential  *Credential `json:"-"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// NormalizePlatform lower-cases and trims a platform key.
func NormalizePlatform(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// Validate checks if the account is valid.
func (a *Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("account ID is required")
	}
	if NormalizePlatform(a.Platform) == "" {
		return fmt.Errorf("platform is required")
	}
	if a.ExternalID == "" && a.URL == "" {
		return fmt.Errorf("external ID or URL is required")
	}
	if a.URL != "" {
		u, err := url.Parse(a.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid account URL %q", a.URL)
		}
	}
	return nil
}

// Label renders the account as "platform:external_id" for logs and error lines.
func (a *Account) Label() string {
	id := a.ExternalID
	if id == "" {
		id = a.ID
	}
	return a.Platform + ":" + id
}

// HasCredential reports whether an encrypted credential is stored.
func (a *Account) HasCredential() bool {
	return a.Credential != nil && a.Credential.AccessToken != ""
}

// AccountSlice is a slice of accounts with helper methods.
type AccountSlice []*Account

// Eligible returns active accounts whose platform matches filter,
// ordered by ID. An empty filter matches every platform.
func (as AccountSlice) Eligible(filter string) AccountSlice {
	filter = NormalizePlatform(filter)
	out := make(AccountSlice, 0, len(as))
	for _, acc := range as {
		if acc == nil || !acc.Active {
			continue
		}
		if filter != "" && NormalizePlatform(acc.Platform) != filter {
			continue
		}
		out = append(out, acc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// FindByID returns an account by ID.
func (as AccountSlice) FindByID(id string) (*Account, bool) {
	for _, acc := range as {
		if acc != nil && acc.ID == id {
			return acc, true
		}
	}
	return nil, false
}
