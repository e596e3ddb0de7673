package model

type LoginRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

// RegisterRequest caps the password at bcrypt's 72 byte input limit.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type PermissionCheck struct {
	Permission string `json:"permission"`
	Allowed    bool   `json:"allowed"`
}
