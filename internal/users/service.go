package users

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrRefreshInvalid     = errors.New("refresh token unknown, revoked or expired")
)

// User is an account on the platform.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// RefreshToken is a persisted refresh credential, checked and revoked
// on rotation.
type RefreshToken struct {
	UserID    string
	Token     string
	Revoked   bool
	ExpiresAt time.Time
}

// Store is the persistence surface the service needs.
type Store interface {
	// InsertUser reports inserted=false when the email is taken.
	InsertUser(ctx context.Context, u User) (inserted bool, err error)
	UserByEmail(ctx context.Context, email string) (*User, error)
	SaveRefreshToken(ctx context.Context, userID, token string, expiresAt time.Time) error
	RefreshTokenByValue(ctx context.Context, token string) (*RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, token string) error
	ListIDsByRole(ctx context.Context, role string) ([]string, error)
	EmailsByIDs(ctx context.Context, ids []string) (map[string]string, error)
}

// Service handles account registration and login.
type Service struct {
	store Store
}

// NewService creates a service backed by a store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

var validRoles = map[string]bool{"student": true, "faculty": true, "admin": true}

// Register creates an account with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, name, email, password, role string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" || email == "" {
		return User{}, errors.New("name and email required")
	}
	if len(password) < 8 {
		return User{}, errors.New("password must be at least 8 characters")
	}
	if !validRoles[role] {
		return User{}, errors.New("role must be student, faculty or admin")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}

	u := User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	inserted, err := s.store.InsertUser(ctx, u)
	if err != nil {
		return User{}, err
	}
	if !inserted {
		return User{}, ErrEmailTaken
	}
	return u, nil
}

// Login verifies credentials and returns the account. Unknown email
// and wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		return User{}, err
	}
	if u == nil {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return *u, nil
}

// RotateRefresh checks a presented refresh token against its stored
// row and revokes it, so the caller can issue a fresh pair. A token
// that is unknown, revoked, owned by someone else or past its expiry
// fails with ErrRefreshInvalid.
func (s *Service) RotateRefresh(ctx context.Context, userID, token string) error {
	rt, err := s.store.RefreshTokenByValue(ctx, token)
	if err != nil {
		return err
	}
	if rt == nil || rt.Revoked || rt.UserID != userID || !time.Now().UTC().Before(rt.ExpiresAt) {
		return ErrRefreshInvalid
	}
	return s.store.RevokeRefreshToken(ctx, token)
}
