package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-estate-market/internal/model"
)

type fakePrincipals struct {
	mu      sync.Mutex
	byID    map[string]model.Principal
	failErr error
}

func newFakePrincipals(ps ...model.Principal) *fakePrincipals {
	f := &fakePrincipals{byID: map[string]model.Principal{}}
	for _, p := range ps {
		f.byID[p.ID] = p
	}
	return f
}

func (f *fakePrincipals) FindByEmail(_ context.Context, email string) (model.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return model.Principal{}, f.failErr
	}
	for _, p := range f.byID {
		if strings.EqualFold(p.Email, strings.TrimSpace(email)) {
			return p, nil
		}
	}
	return model.Principal{}, model.ErrPrincipalNotFound
}

func (f *fakePrincipals) FindByID(_ context.Context, id string) (model.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return model.Principal{}, f.failErr
	}
	p, ok := f.byID[id]
	if !ok {
		return model.Principal{}, model.ErrPrincipalNotFound
	}
	return p, nil
}

func (f *fakePrincipals) Create(_ context.Context, p model.Principal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byID {
		if strings.EqualFold(existing.Email, p.Email) {
			return model.ErrEmailTaken
		}
	}
	f.byID[p.ID] = p
	return nil
}

// fakeSessions mimics the row-level semantics of the Postgres session table,
// including the conditional fingerprint swap.
type fakeSessions struct {
	mu   sync.Mutex
	rows map[string]model.Session

	createErr error
	failErr   error
	block     bool

	// refreshBarrier, when set, holds every refresh lookup until all
	// expected callers have read the session.
	refreshBarrier *sync.WaitGroup

	// afterAccessLookup runs once a lookup by access fingerprint has read
	// the row and before the caller sees the result.
	afterAccessLookup func()
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{rows: map[string]model.Session{}}
}

func (f *fakeSessions) fail(ctx context.Context) error {
	f.mu.Lock()
	block, err := f.block, f.failErr
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeSessions) setFailure(err error, block bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
	f.block = block
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeSessions) Create(ctx context.Context, s model.NewSession) (model.Session, error) {
	if err := f.fail(ctx); err != nil {
		return model.Session{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return model.Session{}, f.createErr
	}

	row := model.Session{
		ID:                 uuid.NewString(),
		PrincipalID:        s.PrincipalID,
		AccessFingerprint:  s.AccessFingerprint,
		RefreshFingerprint: s.RefreshFingerprint,
		IssuedAt:           time.Now().UTC(),
		ExpiresAt:          s.ExpiresAt,
		ClientIP:           s.Client.IP,
		UserAgent:          s.Client.UserAgent,
	}
	f.rows[row.ID] = row
	return row, nil
}

func (f *fakeSessions) find(ctx context.Context, match func(model.Session) bool) (model.Session, error) {
	if err := f.fail(ctx); err != nil {
		return model.Session{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if match(row) && row.ActiveAt(time.Now()) {
			return row, nil
		}
	}
	return model.Session{}, model.ErrSessionNotFound
}

func (f *fakeSessions) FindActiveByAccessFingerprint(ctx context.Context, fp string) (model.Session, error) {
	row, err := f.find(ctx, func(s model.Session) bool { return s.AccessFingerprint == fp })

	f.mu.Lock()
	hook := f.afterAccessLookup
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return row, err
}

func (f *fakeSessions) setAfterAccessLookup(hook func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterAccessLookup = hook
}

func (f *fakeSessions) FindActiveByRefreshFingerprint(ctx context.Context, fp string) (model.Session, error) {
	row, err := f.find(ctx, func(s model.Session) bool { return s.RefreshFingerprint == fp })

	f.mu.Lock()
	barrier := f.refreshBarrier
	f.mu.Unlock()
	if barrier != nil {
		barrier.Done()
		barrier.Wait()
	}
	return row, err
}

func (f *fakeSessions) RotateAccessFingerprint(ctx context.Context, id string, expectedOld string, next string) (model.Session, error) {
	if err := f.fail(ctx); err != nil {
		return model.Session{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	row, ok := f.rows[id]
	if !ok || !row.ActiveAt(time.Now()) {
		return model.Session{}, model.ErrSessionNotFound
	}
	if row.AccessFingerprint != expectedOld {
		return model.Session{}, model.ErrSessionConflict
	}
	row.AccessFingerprint = next
	f.rows[id] = row
	return row, nil
}

func (f *fakeSessions) Delete(ctx context.Context, id string) error {
	if err := f.fail(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeSessions) DeleteByAccessFingerprint(ctx context.Context, fp string) error {
	if err := f.fail(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, row := range f.rows {
		if row.AccessFingerprint == fp {
			delete(f.rows, id)
		}
	}
	return nil
}

func (f *fakeSessions) ListActiveByPrincipal(ctx context.Context, principalID string) ([]model.Session, error) {
	if err := f.fail(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Session, 0)
	for _, row := range f.rows {
		if row.PrincipalID == principalID && row.ActiveAt(time.Now()) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeSessions) DeleteForPrincipal(ctx context.Context, principalID string, id string) (string, error) {
	if err := f.fail(ctx); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.PrincipalID != principalID {
		return "", model.ErrSessionNotFound
	}
	delete(f.rows, id)
	return row.AccessFingerprint, nil
}

func (f *fakeSessions) DeleteAllForPrincipal(ctx context.Context, principalID string) ([]string, error) {
	if err := f.fail(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0)
	for id, row := range f.rows {
		if row.PrincipalID == principalID {
			out = append(out, row.AccessFingerprint)
			delete(f.rows, id)
		}
	}
	return out, nil
}

func (f *fakeSessions) CleanExpired(ctx context.Context) (int64, error) {
	if err := f.fail(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, row := range f.rows {
		if !row.ActiveAt(time.Now()) {
			delete(f.rows, id)
			n++
		}
	}
	return n, nil
}
