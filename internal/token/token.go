// Package token issues and verifies the signed bearer tokens used by the
// session layer. Access and refresh tokens are distinct Go types signed with
// distinct secrets, so one can never stand in for the other.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"go-estate-market/internal/model"
)

type AccessToken string

type RefreshToken string

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

// Kind classifies why a token failed verification. The distinction is for
// logs and metrics only; clients always see 401.
type Kind int

const (
	Malformed Kind = iota + 1
	BadSignature
	Expired
)

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case BadSignature:
		return "bad_signature"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

type VerifyError struct {
	Kind Kind
	Err  error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token %s: %v", e.Kind, e.Err)
	}
	return "token " + e.Kind.String()
}

func (e *VerifyError) Unwrap() error {
	if e.Kind == Expired {
		return model.ErrTokenExpired
	}
	return model.ErrTokenInvalid
}

// KindOf returns the verification failure kind carried by err, or 0.
func KindOf(err error) Kind {
	var verr *VerifyError
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return 0
}

type Claims struct {
	PrincipalID string
	Email       string
	Role        string
	TokenID     string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Leeway        time.Duration
	Now           func() time.Time
}

type Issuer struct {
	access  signer
	refresh signer
}

type signer struct {
	secret []byte
	ttl    time.Duration
	typ    string
	issuer string
	leeway time.Duration
	now    func() time.Time
}

type jwtClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	Type  string `json:"typ"`
	jwt.RegisteredClaims
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("token secrets are required")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Issuer{
		access: signer{
			secret: cfg.AccessSecret,
			ttl:    cfg.AccessTTL,
			typ:    typeAccess,
			issuer: cfg.Issuer,
			leeway: cfg.Leeway,
			now:    cfg.Now,
		},
		refresh: signer{
			secret: cfg.RefreshSecret,
			ttl:    cfg.RefreshTTL,
			typ:    typeRefresh,
			issuer: cfg.Issuer,
			leeway: cfg.Leeway,
			now:    cfg.Now,
		},
	}, nil
}

func (i *Issuer) AccessTTL() time.Duration {
	return i.access.ttl
}

func (i *Issuer) IssueAccess(p model.Principal) (AccessToken, time.Time, error) {
	raw, expiresAt, err := i.access.sign(p)
	return AccessToken(raw), expiresAt, err
}

func (i *Issuer) IssueRefresh(p model.Principal) (RefreshToken, time.Time, error) {
	raw, expiresAt, err := i.refresh.sign(p)
	return RefreshToken(raw), expiresAt, err
}

func (i *Issuer) VerifyAccess(t AccessToken) (Claims, error) {
	return i.access.verify(string(t))
}

func (i *Issuer) VerifyRefresh(t RefreshToken) (Claims, error) {
	return i.refresh.verify(string(t))
}

func (s signer) sign(p model.Principal) (string, time.Time, error) {
	now := s.now().UTC()
	expiresAt := now.Add(s.ttl)

	claims := jwtClaims{
		Email: p.Email,
		Role:  p.Role,
		Type:  s.typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", s.typ, err)
	}

	return signed, claims.ExpiresAt.Time.UTC(), nil
}

func (s signer) verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, &VerifyError{Kind: Malformed, Err: errors.New("empty token")}
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.leeway > 0 {
		options = append(options, jwt.WithLeeway(s.leeway))
	}
	if s.issuer != "" {
		options = append(options, jwt.WithIssuer(s.issuer))
	}

	var parsed jwtClaims
	_, err := jwt.NewParser(options...).ParseWithClaims(raw, &parsed, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return Claims{}, classify(err)
	}

	if parsed.Type != s.typ {
		return Claims{}, &VerifyError{Kind: BadSignature, Err: fmt.Errorf("unexpected token type %q", parsed.Type)}
	}
	if parsed.Subject == "" {
		return Claims{}, &VerifyError{Kind: Malformed, Err: errors.New("missing subject")}
	}

	out := Claims{
		PrincipalID: parsed.Subject,
		Email:       parsed.Email,
		Role:        parsed.Role,
		TokenID:     parsed.ID,
	}
	if parsed.IssuedAt != nil {
		out.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	if parsed.ExpiresAt != nil {
		out.ExpiresAt = parsed.ExpiresAt.Time.UTC()
	}

	return out, nil
}

func classify(err error) *VerifyError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &VerifyError{Kind: Expired, Err: err}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &VerifyError{Kind: Malformed, Err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return &VerifyError{Kind: BadSignature, Err: err}
	default:
		return &VerifyError{Kind: BadSignature, Err: err}
	}
}

// Fingerprint is the fixed-length one-way digest used to look a token up
// without storing it.
func Fingerprint[T AccessToken | RefreshToken](t T) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}
