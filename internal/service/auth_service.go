package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/bcrypt"

	"go-estate-market/internal/metrics"
	"go-estate-market/internal/model"
	"go-estate-market/internal/permission"
	"go-estate-market/internal/token"
	"go-estate-market/internal/tracing"
	"go-estate-market/pkg/apierror"
)

const (
	sessionCachePrefix = "session:"
	tombstonePrefix    = "session-revoked:"
	tokenType          = "Bearer"
	minPasswordLength  = 8
	maxPasswordLength  = 72
)

type PrincipalStore interface {
	FindByEmail(ctx context.Context, email string) (model.Principal, error)
	FindByID(ctx context.Context, id string) (model.Principal, error)
	Create(ctx context.Context, p model.Principal) error
}

type SessionStore interface {
	Create(ctx context.Context, s model.NewSession) (model.Session, error)
	FindActiveByAccessFingerprint(ctx context.Context, fingerprint string) (model.Session, error)
	FindActiveByRefreshFingerprint(ctx context.Context, fingerprint string) (model.Session, error)
	RotateAccessFingerprint(ctx context.Context, id string, expectedOld string, next string) (model.Session, error)
	Delete(ctx context.Context, id string) error
	DeleteByAccessFingerprint(ctx context.Context, fingerprint string) error
	ListActiveByPrincipal(ctx context.Context, principalID string) ([]model.Session, error)
	DeleteForPrincipal(ctx context.Context, principalID string, id string) (string, error)
	DeleteAllForPrincipal(ctx context.Context, principalID string) ([]string, error)
	CleanExpired(ctx context.Context) (int64, error)
}

// SessionCache is the best-effort mirror of active sessions. Its methods
// report success but never fail. Entries are read and written only while
// no tombstone exists for their fingerprint.
type SessionCache interface {
	GetJSONUnless(ctx context.Context, key string, tombstone string, dst any) bool
	SetJSONUnless(ctx context.Context, key string, tombstone string, v any, ttl time.Duration) bool
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool
	Delete(ctx context.Context, keys ...string) bool
}

type AuthConfig struct {
	SessionCacheTTL time.Duration
	StoreTimeout    time.Duration
	BcryptCost      int
	DefaultRole     string
	Now             func() time.Time
}

type LoginInput struct {
	Email    string
	Password string
	Client   model.ClientMeta
}

type AuthService struct {
	principals PrincipalStore
	sessions   SessionStore
	cache      SessionCache
	tokens     *token.Issuer
	resolver   *permission.Resolver

	cacheTTL     time.Duration
	storeTimeout time.Duration
	bcryptCost   int
	defaultRole  string
	now          func() time.Time

	// dummyHash is compared against when the email is unknown so both
	// failure paths cost one bcrypt comparison.
	dummyHash []byte
}

func NewAuthService(
	principals PrincipalStore,
	sessions SessionStore,
	cache SessionCache,
	tokens *token.Issuer,
	resolver *permission.Resolver,
	cfg AuthConfig,
) (*AuthService, error) {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.SessionCacheTTL <= 0 {
		cfg.SessionCacheTTL = 5 * time.Minute
	}
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = "user"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("prepare credential hash: %w", err)
	}

	return &AuthService{
		principals:   principals,
		sessions:     sessions,
		cache:        cache,
		tokens:       tokens,
		resolver:     resolver,
		cacheTTL:     cfg.SessionCacheTTL,
		storeTimeout: cfg.StoreTimeout,
		bcryptCost:   cfg.BcryptCost,
		defaultRole:  cfg.DefaultRole,
		now:          cfg.Now,
		dummyHash:    dummy,
	}, nil
}

func (s *AuthService) Login(ctx context.Context, in LoginInput) (model.LoginResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "AuthService.Login")
	defer span.End()

	email := normalizeEmail(in.Email)

	principal, err := storeCall(ctx, s.storeTimeout, func(ctx context.Context) (model.Principal, error) {
		return s.principals.FindByEmail(ctx, email)
	})
	if errors.Is(err, model.ErrPrincipalNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(in.Password))
		return model.LoginResult{}, model.ErrInvalidCredentials
	}
	if err != nil {
		return model.LoginResult{}, storeUnavailable("find principal", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(principal.PasswordHash), []byte(in.Password)); err != nil {
		return model.LoginResult{}, model.ErrInvalidCredentials
	}

	if principal.IsDeleted() {
		return model.LoginResult{}, model.ErrAccountDeleted
	}
	if !principal.IsActive {
		return model.LoginResult{}, model.ErrAccountInactive
	}

	return s.openSession(ctx, principal, in.Client)
}

// Register creates an active principal with the default role and signs it in.
func (s *AuthService) Register(ctx context.Context, in LoginInput) (model.LoginResult, error) {
	email := normalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return model.LoginResult{}, apierror.BadRequest("a valid email is required", "email")
	}
	if len(in.Password) < minPasswordLength || len(in.Password) > maxPasswordLength {
		return model.LoginResult{}, apierror.BadRequest(
			fmt.Sprintf("password must be %d to %d characters", minPasswordLength, maxPasswordLength), "password")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return model.LoginResult{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	principal := model.Principal{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Role:         s.defaultRole,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = storeCall(ctx, s.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.principals.Create(ctx, principal)
	})
	if errors.Is(err, model.ErrEmailTaken) {
		return model.LoginResult{}, err
	}
	if err != nil {
		return model.LoginResult{}, storeUnavailable("create principal", err)
	}

	slog.InfoContext(ctx, "principal registered", "principal_id", principal.ID)
	return s.openSession(ctx, principal, in.Client)
}

// Validate resolves an access token to the identity it belongs to. A cached
// entry short circuits; otherwise the token must verify and its session must
// still exist in the store.
func (s *AuthService) Validate(ctx context.Context, access token.AccessToken) (model.Identity, error) {
	ctx, span := tracing.Tracer().Start(ctx, "AuthService.Validate")
	defer span.End()

	fingerprint := token.Fingerprint(access)

	var entry model.SessionCacheEntry
	if s.cache.GetJSONUnless(ctx, sessionCacheKey(fingerprint), tombstoneKey(fingerprint), &entry) && entry.ExpiresAt.After(s.now()) {
		span.SetAttributes(attribute.Bool("session.cache_hit", true))
		return model.Identity{PrincipalID: entry.PrincipalID, Role: entry.Role, SessionID: entry.SessionID}, nil
	}

	claims, err := s.tokens.VerifyAccess(access)
	if err != nil {
		metrics.TokenFailures.WithLabelValues(token.KindOf(err).String()).Inc()
		return model.Identity{}, err
	}

	session, err := storeCall(ctx, s.storeTimeout, func(ctx context.Context) (model.Session, error) {
		return s.sessions.FindActiveByAccessFingerprint(ctx, fingerprint)
	})
	if errors.Is(err, model.ErrSessionNotFound) {
		metrics.SessionEvents.WithLabelValues("rejected").Inc()
		return model.Identity{}, model.ErrSessionRevoked
	}
	if err != nil {
		return model.Identity{}, storeUnavailable("find session", err)
	}
	if !session.ActiveAt(s.now()) {
		return model.Identity{}, model.ErrSessionRevoked
	}
	if session.PrincipalID != claims.PrincipalID {
		slog.WarnContext(ctx, "session principal mismatch", "session_id", session.ID)
		return model.Identity{}, model.ErrSessionRevoked
	}

	s.cacheSession(ctx, fingerprint, model.SessionCacheEntry{
		PrincipalID: claims.PrincipalID,
		Role:        claims.Role,
		SessionID:   session.ID,
		ExpiresAt:   claims.ExpiresAt,
	})

	return model.Identity{PrincipalID: claims.PrincipalID, Role: claims.Role, SessionID: session.ID}, nil
}

// Refresh issues a new access token for the session holding refresh and
// retires the previous access token immediately. When two refreshes of the
// same session race, the one whose rotation lands second gets
// ErrSessionConflict and may retry.
func (s *AuthService) Refresh(ctx context.Context, refresh token.RefreshToken) (model.RefreshResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "AuthService.Refresh")
	defer span.End()

	if _, err := s.tokens.VerifyRefresh(refresh); err != nil {
		metrics.TokenFailures.WithLabelValues(token.KindOf(err).String()).Inc()
		return model.RefreshResult{}, fmt.Errorf("%w: %w", model.ErrInvalidRefreshToken, err)
	}

	session, err := storeCall(ctx, s.storeTimeout, func(ctx context.Context) (model.Session, error) {
		return s.sessions.FindActiveByRefreshFingerprint(ctx, token.Fingerprint(refresh))
	})
	if errors.Is(err, model.ErrSessionNotFound) {
		return model.RefreshResult{}, model.ErrInvalidRefreshToken
	}
	if err != nil {
		return model.RefreshResult{}, storeUnavailable("find session by refresh token", err)
	}
	if !session.ActiveAt(s.now()) {
		return model.RefreshResult{}, model.ErrInvalidRefreshToken
	}

	principal, err := storeCall(ctx, s.storeTimeout, func(ctx context.Context) (model.Principal, error) {
		return s.principals.FindByID(ctx, session.PrincipalID)
	})
	switch {
	case errors.Is(err, model.ErrPrincipalNotFound):
		s.endSession(ctx, session)
		return model.RefreshResult{}, model.ErrInvalidRefreshToken
	case err != nil:
		return model.RefreshResult{}, storeUnavailable("find principal", err)
	case principal.IsDeleted():
		s.endSession(ctx, session)
		return model.RefreshResult{}, model.ErrAccountDeleted
	case !principal.IsActive:
		s.endSession(ctx, session)
		return model.RefreshResult{}, model.ErrAccountInactive
	}

	access, expiresAt, err := s.tokens.IssueAccess(principal)
	if err != nil {
		return model.RefreshResult{}, err
	}
	nextFingerprint := token.Fingerprint(access)

	rotated, err := storeCall(ctx, s.storeTimeout, func(ctx context.Context) (model.Session, error) {
		return s.sessions.RotateAccessFingerprint(ctx, session.ID, session.AccessFingerprint, nextFingerprint)
	})
	switch {
	case errors.Is(err, model.ErrSessionConflict):
		span.SetAttributes(attribute.Bool("session.refresh_conflict", true))
		slog.InfoContext(ctx, "concurrent refresh lost rotation", "session_id", session.ID)
		return model.RefreshResult{}, err
	case errors.Is(err, model.ErrSessionNotFound):
		return model.RefreshResult{}, model.ErrInvalidRefreshToken
	case err != nil:
		return model.RefreshResult{}, storeUnavailable("rotate session", err)
	}

	s.retire(ctx, session.AccessFingerprint)
	s.cacheSession(ctx, nextFingerprint, model.SessionCacheEntry{
		PrincipalID: principal.ID,
		Role:        principal.Role,
		SessionID:   rotated.ID,
		ExpiresAt:   expiresAt,
	})
	metrics.SessionEvents.WithLabelValues("refreshed").Inc()

	return model.RefreshResult{
		AccessToken: string(access),
		TokenType:   tokenType,
		ExpiresIn:   int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}

// Logout is idempotent: an unknown or already revoked token is not an error.
func (s *AuthService) Logout(ctx context.Context, access token.AccessToken) error {
	fingerprint := token.Fingerprint(access)

	_, err := storeCall(ctx, s.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.sessions.DeleteByAccessFingerprint(ctx, fingerprint)
	})
	if err != nil {
		return storeUnavailable("delete session", err)
	}

	s.retire(ctx, fingerprint)
	metrics.SessionEvents.WithLabelValues("revoked").Inc()
	return nil
}

func (s *AuthService) Principal(ctx context.Context, id string) (model.PrincipalView, error) {
	principal, err := storeCall(ctx, s.storeTimeout, func(ctx context.Context) (model.Principal, error) {
		return s.principals.FindByID(ctx, id)
	})
	if errors.Is(err, model.ErrPrincipalNotFound) {
		return model.PrincipalView{}, err
	}
	if err != nil {
		return model.PrincipalView{}, storeUnavailable("find principal", err)
	}
	return s.view(principal), nil
}

func (s *AuthService) ListSessions(ctx context.Context, principalID string) (model.SessionList, error) {
	sessions, err := storeCall(ctx, s.storeTimeout, func(ctx context.Context) ([]model.Session, error) {
		return s.sessions.ListActiveByPrincipal(ctx, principalID)
	})
	if err != nil {
		return model.SessionList{}, storeUnavailable("list sessions", err)
	}
	return model.SessionList{Sessions: sessions}, nil
}

// RevokeSession ends one of the principal's own sessions.
func (s *AuthService) RevokeSession(ctx context.Context, principalID string, sessionID string) error {
	fingerprint, err := storeCall(ctx, s.storeTimeout, func(ctx context.Context) (string, error) {
		return s.sessions.DeleteForPrincipal(ctx, principalID, sessionID)
	})
	if errors.Is(err, model.ErrSessionNotFound) {
		return err
	}
	if err != nil {
		return storeUnavailable("revoke session", err)
	}

	s.retire(ctx, fingerprint)
	metrics.SessionEvents.WithLabelValues("revoked").Inc()
	return nil
}

// RevokeAllSessions ends every session of a principal and returns how many
// were removed.
func (s *AuthService) RevokeAllSessions(ctx context.Context, principalID string) (int, error) {
	fingerprints, err := storeCall(ctx, s.storeTimeout, func(ctx context.Context) ([]string, error) {
		return s.sessions.DeleteAllForPrincipal(ctx, principalID)
	})
	if err != nil {
		return 0, storeUnavailable("revoke all sessions", err)
	}

	s.retire(ctx, fingerprints...)

	metrics.SessionEvents.WithLabelValues("revoked").Add(float64(len(fingerprints)))
	slog.InfoContext(ctx, "sessions revoked", "principal_id", principalID, "count", len(fingerprints))
	return len(fingerprints), nil
}

func (s *AuthService) CleanupExpired(ctx context.Context) {
	removed, err := storeCall(ctx, s.storeTimeout, s.sessions.CleanExpired)
	if err != nil {
		slog.Error("expired session cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("expired sessions removed", "count", removed)
	}
}

// StartCleanupTicker runs CleanupExpired on a regular interval until ctx is cancelled.
func (s *AuthService) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.CleanupExpired(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CleanupExpired(ctx)
		}
	}
}

func (s *AuthService) openSession(ctx context.Context, principal model.Principal, client model.ClientMeta) (model.LoginResult, error) {
	access, accessExpiresAt, err := s.tokens.IssueAccess(principal)
	if err != nil {
		return model.LoginResult{}, err
	}
	refresh, refreshExpiresAt, err := s.tokens.IssueRefresh(principal)
	if err != nil {
		return model.LoginResult{}, err
	}
	accessFingerprint := token.Fingerprint(access)

	session, err := storeCall(ctx, s.storeTimeout, func(ctx context.Context) (model.Session, error) {
		return s.sessions.Create(ctx, model.NewSession{
			PrincipalID:        principal.ID,
			AccessFingerprint:  accessFingerprint,
			RefreshFingerprint: token.Fingerprint(refresh),
			ExpiresAt:          refreshExpiresAt,
			Client:             client,
		})
	})
	if err != nil {
		slog.ErrorContext(ctx, "session write failed during login", "principal_id", principal.ID, "error", err)
		metrics.SessionEvents.WithLabelValues("create_failed").Inc()
	} else {
		metrics.SessionEvents.WithLabelValues("created").Inc()
	}

	// Written even when the row is missing: the caller keeps a working
	// session until this entry expires, and Validate rejects the token
	// after that. SessionID is empty in that case.
	s.cacheSession(ctx, accessFingerprint, model.SessionCacheEntry{
		PrincipalID: principal.ID,
		Role:        principal.Role,
		SessionID:   session.ID,
		ExpiresAt:   accessExpiresAt,
	})

	return model.LoginResult{
		Principal: s.view(principal),
		TokenPair: model.TokenPair{
			AccessToken:  string(access),
			RefreshToken: string(refresh),
			TokenType:    tokenType,
			ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
		},
	}, nil
}

// cacheSession writes entry with a TTL that never outlives the token.
func (s *AuthService) cacheSession(ctx context.Context, fingerprint string, entry model.SessionCacheEntry) {
	ttl := s.cacheTTL
	if remaining := entry.ExpiresAt.Sub(s.now()); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}
	s.cache.SetJSONUnless(ctx, sessionCacheKey(fingerprint), tombstoneKey(fingerprint), entry, ttl)
}

// retire drops the cache entries of ended sessions. Each fingerprint gets a
// tombstone before its entry is deleted, so a Validate that read the row
// before it was removed cannot put the entry back. The tombstone lives for a
// full access TTL, which outlasts every token it can refer to.
func (s *AuthService) retire(ctx context.Context, fingerprints ...string) {
	if len(fingerprints) == 0 {
		return
	}
	keys := make([]string, 0, len(fingerprints))
	for _, fp := range fingerprints {
		s.cache.Set(ctx, tombstoneKey(fp), []byte("1"), s.tokens.AccessTTL())
		keys = append(keys, sessionCacheKey(fp))
	}
	s.cache.Delete(ctx, keys...)
}

// endSession removes a session whose principal can no longer use it.
func (s *AuthService) endSession(ctx context.Context, session model.Session) {
	_, err := storeCall(ctx, s.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.sessions.Delete(ctx, session.ID)
	})
	if err != nil {
		slog.WarnContext(ctx, "ending session failed", "session_id", session.ID, "error", err)
		return
	}
	s.retire(ctx, session.AccessFingerprint)
	metrics.SessionEvents.WithLabelValues("revoked").Inc()
}

func (s *AuthService) view(p model.Principal) model.PrincipalView {
	return model.PrincipalView{
		ID:          p.ID,
		Email:       p.Email,
		Role:        p.Role,
		Permissions: s.resolver.Permissions(p.Role),
	}
}

func sessionCacheKey(fingerprint string) string {
	return sessionCachePrefix + fingerprint
}

func tombstoneKey(fingerprint string) string {
	return tombstonePrefix + fingerprint
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// storeCall bounds a store operation so a hung database fails the request
// instead of holding the worker.
func storeCall[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func storeUnavailable(op string, err error) error {
	return apierror.Wrap(fmt.Errorf("%s: %w: %w", op, model.ErrStoreUnavailable, err),
		"STORE_UNAVAILABLE", "Service temporarily unavailable", http.StatusServiceUnavailable)
}
