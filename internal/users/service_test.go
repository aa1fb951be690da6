package users

import (
	"context"
	"errors"
	"testing"
	"time"
)

type memStore struct {
	users  []User
	tokens map[string]*RefreshToken
}

func (m *memStore) InsertUser(_ context.Context, u User) (bool, error) {
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return false, nil
		}
	}
	m.users = append(m.users, u)
	return true, nil
}

func (m *memStore) UserByEmail(_ context.Context, email string) (*User, error) {
	for i := range m.users {
		if m.users[i].Email == email {
			return &m.users[i], nil
		}
	}
	return nil, nil
}

func (m *memStore) SaveRefreshToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	if m.tokens == nil {
		m.tokens = map[string]*RefreshToken{}
	}
	m.tokens[token] = &RefreshToken{UserID: userID, Token: token, ExpiresAt: expiresAt}
	return nil
}

func (m *memStore) RefreshTokenByValue(_ context.Context, token string) (*RefreshToken, error) {
	return m.tokens[token], nil
}

func (m *memStore) RevokeRefreshToken(_ context.Context, token string) error {
	if rt, ok := m.tokens[token]; ok {
		rt.Revoked = true
	}
	return nil
}

func (m *memStore) ListIDsByRole(_ context.Context, role string) ([]string, error) {
	var ids []string
	for _, u := range m.users {
		if role == "" || u.Role == role {
			ids = append(ids, u.ID)
		}
	}
	return ids, nil
}

func (m *memStore) EmailsByIDs(_ context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, u := range m.users {
		for _, id := range ids {
			if u.ID == id {
				out[id] = u.Email
			}
		}
	}
	return out, nil
}

func TestRegisterAndLogin(t *testing.T) {
	svc := NewService(&memStore{})
	ctx := context.Background()

	u, err := svc.Register(ctx, "Ada", "Ada@Example.com", "correct-horse", "student")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Email != "ada@example.com" {
		t.Fatalf("email not normalized: %q", u.Email)
	}
	if u.PasswordHash == "correct-horse" || u.PasswordHash == "" {
		t.Fatal("password stored without hashing")
	}

	got, err := svc.Login(ctx, "ada@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("logged in as %q, want %q", got.ID, u.ID)
	}
}

func TestLoginFailures(t *testing.T) {
	svc := NewService(&memStore{})
	ctx := context.Background()
	if _, err := svc.Register(ctx, "Ada", "ada@example.com", "correct-horse", "student"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := svc.Login(ctx, "ada@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password err = %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email err = %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := NewService(&memStore{})
	ctx := context.Background()

	if _, err := svc.Register(ctx, "Ada", "ada@example.com", "short", "student"); err == nil {
		t.Fatal("expected error for short password")
	}
	if _, err := svc.Register(ctx, "Ada", "ada@example.com", "correct-horse", "superuser"); err == nil {
		t.Fatal("expected error for unknown role")
	}

	if _, err := svc.Register(ctx, "Ada", "ada@example.com", "correct-horse", "student"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, "Ada 2", "ada@example.com", "correct-horse", "student"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("duplicate email err = %v, want ErrEmailTaken", err)
	}
}

func TestRotateRefresh(t *testing.T) {
	store := &memStore{}
	svc := NewService(store)
	ctx := context.Background()

	exp := time.Now().UTC().Add(time.Hour)
	if err := store.SaveRefreshToken(ctx, "user-1", "tok-1", exp); err != nil {
		t.Fatalf("SaveRefreshToken: %v", err)
	}

	if err := svc.RotateRefresh(ctx, "user-1", "tok-1"); err != nil {
		t.Fatalf("RotateRefresh: %v", err)
	}

	// A rotated token is revoked; replaying it fails.
	if err := svc.RotateRefresh(ctx, "user-1", "tok-1"); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("replay err = %v, want ErrRefreshInvalid", err)
	}
}

func TestRotateRefreshRejections(t *testing.T) {
	store := &memStore{}
	svc := NewService(store)
	ctx := context.Background()

	if err := svc.RotateRefresh(ctx, "user-1", "missing"); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("unknown token err = %v, want ErrRefreshInvalid", err)
	}

	_ = store.SaveRefreshToken(ctx, "user-1", "stale", time.Now().UTC().Add(-time.Minute))
	if err := svc.RotateRefresh(ctx, "user-1", "stale"); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expired token err = %v, want ErrRefreshInvalid", err)
	}

	_ = store.SaveRefreshToken(ctx, "user-1", "tok-1", time.Now().UTC().Add(time.Hour))
	if err := svc.RotateRefresh(ctx, "user-2", "tok-1"); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("wrong owner err = %v, want ErrRefreshInvalid", err)
	}
	// Still usable by its real owner after the failed attempts.
	if err := svc.RotateRefresh(ctx, "user-1", "tok-1"); err != nil {
		t.Fatalf("owner rotate after rejections: %v", err)
	}
}
