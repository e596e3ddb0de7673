package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"go-estate-market/internal/model"
)

const sessionColumns = `id, user_id, access_fingerprint, refresh_fingerprint, issued_at, expires_at, client_ip, user_agent`

// SessionRepository is the authoritative session store. Lookups only ever
// see sessions whose expiry is still in the future.
type SessionRepository struct {
	db DBTX
}

func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, s model.NewSession) (model.Session, error) {
	created, err := scanSession(r.db.QueryRow(ctx,
		`INSERT INTO sessions (id, user_id, access_fingerprint, refresh_fingerprint, issued_at, expires_at, client_ip, user_agent)
		 VALUES ($1, $2, $3, $4, now(), $5, $6, $7)
		 RETURNING `+sessionColumns,
		uuid.NewString(), s.PrincipalID, s.AccessFingerprint, s.RefreshFingerprint, s.ExpiresAt, s.Client.IP, s.Client.UserAgent))
	if err != nil {
		return model.Session{}, fmt.Errorf("create session: %w", err)
	}
	return created, nil
}

func (r *SessionRepository) FindActiveByAccessFingerprint(ctx context.Context, fingerprint string) (model.Session, error) {
	return r.findActive(ctx, "access_fingerprint", fingerprint)
}

func (r *SessionRepository) FindActiveByRefreshFingerprint(ctx context.Context, fingerprint string) (model.Session, error) {
	return r.findActive(ctx, "refresh_fingerprint", fingerprint)
}

func (r *SessionRepository) findActive(ctx context.Context, column string, fingerprint string) (model.Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+column+` = $1 AND expires_at > now()`, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, model.ErrSessionNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("find session by %s: %w", column, err)
	}
	return s, nil
}

// RotateAccessFingerprint swaps the access fingerprint in one conditional
// update. It fails with ErrSessionConflict when another rotation already
// replaced expectedOld, and ErrSessionNotFound when the session is gone.
func (r *SessionRepository) RotateAccessFingerprint(ctx context.Context, id string, expectedOld string, next string) (model.Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx,
		`UPDATE sessions SET access_fingerprint = $3
		 WHERE id = $1 AND access_fingerprint = $2 AND expires_at > now()
		 RETURNING `+sessionColumns,
		id, expectedOld, next))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, fmt.Errorf("rotate access fingerprint: %w", err)
	}

	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1 AND expires_at > now())`, id).Scan(&exists); err != nil {
		return model.Session{}, fmt.Errorf("check rotated session: %w", err)
	}
	if exists {
		return model.Session{}, model.ErrSessionConflict
	}
	return model.Session{}, model.ErrSessionNotFound
}

// Delete is idempotent.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteByAccessFingerprint is idempotent.
func (r *SessionRepository) DeleteByAccessFingerprint(ctx context.Context, fingerprint string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE access_fingerprint = $1`, fingerprint); err != nil {
		return fmt.Errorf("delete session by fingerprint: %w", err)
	}
	return nil
}

func (r *SessionRepository) ListActiveByPrincipal(ctx context.Context, principalID string) ([]model.Session, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = $1 AND expires_at > now()
		 ORDER BY issued_at DESC`, principalID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]model.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteForPrincipal removes one session owned by principalID and returns its
// access fingerprint so the caller can evict the cache entry.
func (r *SessionRepository) DeleteForPrincipal(ctx context.Context, principalID string, id string) (string, error) {
	var fingerprint string
	err := r.db.QueryRow(ctx,
		`DELETE FROM sessions WHERE id = $1 AND user_id = $2 RETURNING access_fingerprint`,
		id, principalID).Scan(&fingerprint)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", model.ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("delete principal session: %w", err)
	}
	return fingerprint, nil
}

// DeleteAllForPrincipal returns the access fingerprints of every removed session.
func (r *SessionRepository) DeleteAllForPrincipal(ctx context.Context, principalID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`DELETE FROM sessions WHERE user_id = $1 RETURNING access_fingerprint`, principalID)
	if err != nil {
		return nil, fmt.Errorf("delete all sessions: %w", err)
	}
	defer rows.Close()

	fingerprints := make([]string, 0)
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		fingerprints = append(fingerprints, fp)
	}
	return fingerprints, rows.Err()
}

func (r *SessionRepository) CleanExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("clean expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (model.Session, error) {
	var s model.Session
	err := row.Scan(&s.ID, &s.PrincipalID, &s.AccessFingerprint, &s.RefreshFingerprint,
		&s.IssuedAt, &s.ExpiresAt, &s.ClientIP, &s.UserAgent)
	return s, err
}
