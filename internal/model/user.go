package model

import "time"

// Principal is the user record owned by the user-management collaborator.
// The auth core only reads it, except for self registration.
type Principal struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	IsActive     bool       `json:"is_active"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (p Principal) IsDeleted() bool {
	return p.DeletedAt != nil
}

// Identity is what a protected handler receives once a request is authorized.
type Identity struct {
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role"`
	SessionID   string `json:"session_id,omitempty"`
}

type PrincipalView struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type LoginResult struct {
	Principal PrincipalView `json:"principal"`
	TokenPair
}

// RefreshResult carries only the new access token; the refresh token the
// client already holds stays valid until its own expiry.
type RefreshResult struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
