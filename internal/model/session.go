package model

import "time"

// Session is the authoritative record of an issued token pair. Raw tokens
// are never stored, only their fingerprints.
type Session struct {
	ID                 string    `json:"id"`
	PrincipalID        string    `json:"principal_id"`
	AccessFingerprint  string    `json:"-"`
	RefreshFingerprint string    `json:"-"`
	IssuedAt           time.Time `json:"issued_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	ClientIP           string    `json:"client_ip"`
	UserAgent          string    `json:"user_agent"`
}

func (s Session) ActiveAt(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

type NewSession struct {
	PrincipalID        string
	AccessFingerprint  string
	RefreshFingerprint string
	ExpiresAt          time.Time
	Client             ClientMeta
}

type ClientMeta struct {
	IP        string
	UserAgent string
}

// SessionCacheEntry mirrors an active session in the ephemeral cache, keyed
// by access-token fingerprint.
type SessionCacheEntry struct {
	PrincipalID string    `json:"principal_id"`
	Role        string    `json:"role"`
	SessionID   string    `json:"session_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type SessionList struct {
	Sessions []Session `json:"sessions"`
}
