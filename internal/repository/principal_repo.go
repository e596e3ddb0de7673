package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"go-estate-market/internal/model"
)

const principalColumns = `id, email, password_hash, role, is_active, deleted_at, created_at, updated_at`

type PrincipalRepository struct {
	db DBTX
}

func NewPrincipalRepository(db DBTX) *PrincipalRepository {
	return &PrincipalRepository{db: db}
}

func (r *PrincipalRepository) FindByID(ctx context.Context, id string) (model.Principal, error) {
	p, err := scanPrincipal(r.db.QueryRow(ctx,
		`SELECT `+principalColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Principal{}, model.ErrPrincipalNotFound
	}
	if err != nil {
		return model.Principal{}, fmt.Errorf("find principal by id: %w", err)
	}
	return p, nil
}

// FindByEmail matches case-insensitively. Soft-deleted rows are returned so
// the caller can tell a deleted account apart from an unknown one.
func (r *PrincipalRepository) FindByEmail(ctx context.Context, email string) (model.Principal, error) {
	p, err := scanPrincipal(r.db.QueryRow(ctx,
		`SELECT `+principalColumns+` FROM users WHERE lower(email) = lower($1)`, strings.TrimSpace(email)))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Principal{}, model.ErrPrincipalNotFound
	}
	if err != nil {
		return model.Principal{}, fmt.Errorf("find principal by email: %w", err)
	}
	return p, nil
}

func (r *PrincipalRepository) Create(ctx context.Context, p model.Principal) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, role, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Email, p.PasswordHash, p.Role, p.IsActive, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return model.ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("create principal: %w", err)
	}
	return nil
}

func scanPrincipal(row pgx.Row) (model.Principal, error) {
	var p model.Principal
	err := row.Scan(&p.ID, &p.Email, &p.PasswordHash, &p.Role, &p.IsActive, &p.DeletedAt, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}
