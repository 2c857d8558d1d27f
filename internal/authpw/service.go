// Package authpw provides email/password authentication with verification.
package authpw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/aikidochris/NEST-sub000/internal/auth"
	"github.com/aikidochris/NEST-sub000/internal/store"
	"github.com/aikidochris/NEST-sub000/internal/util"
	"golang.org/x/crypto/bcrypt"
)

const (
	PurposeVerifyEmail   = "verify_email"
	PurposePasswordReset = "password_reset"

	verifyTTL = 24 * time.Hour
	resetTTL  = time.Hour
)

var (
	ErrMissingFields      = errors.New("email, password, and name are required")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// UserStore is what authentication needs from the record store.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	MarkUserEmailVerified(ctx context.Context, userID string) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	CreateAuthToken(ctx context.Context, token store.AuthToken) error
	ConsumeAuthToken(ctx context.Context, purpose, tokenHash string) (store.AuthToken, error)
}

type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

type SignUpRequest struct {
	Email    string
	Password string
	Name     string
}

// SignUpResponse carries the raw verification token so the caller can mail
// it. Only its hash is persisted.
type SignUpResponse struct {
	User              store.User
	VerificationToken string
}

func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	if req.Email == "" || req.Password == "" || req.Name == "" {
		return nil, ErrMissingFields
	}
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	if _, err := s.store.GetUserByEmail(ctx, req.Email); err == nil {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	token, err := s.issueToken(ctx, user.ID, PurposeVerifyEmail, verifyTTL)
	if err != nil {
		return nil, err
	}

	return &SignUpResponse{User: user, VerificationToken: token}, nil
}

type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates a user. Unverified accounts may sign in; the caller
// surfaces the verification state on the user payload.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	if req.Email == "" || req.Password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) VerifyEmail(ctx context.Context, rawToken string) error {
	if rawToken == "" {
		return ErrInvalidToken
	}
	token, err := s.store.ConsumeAuthToken(ctx, PurposeVerifyEmail, auth.HashToken(rawToken))
	if err != nil {
		return ErrInvalidToken
	}
	if err := s.store.MarkUserEmailVerified(ctx, token.UserID); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return nil
}

// RequestPasswordReset returns a raw reset token, or "" when the email is
// unknown. The empty result is deliberate: the endpoint must not reveal
// which addresses have accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", nil
	}
	return s.issueToken(ctx, user.ID, PurposePasswordReset, resetTTL)
}

type ResetPasswordRequest struct {
	Token       string
	NewPassword string
}

func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if req.Token == "" || req.NewPassword == "" {
		return ErrInvalidToken
	}
	if len(req.NewPassword) < 8 {
		return ErrWeakPassword
	}

	token, err := s.store.ConsumeAuthToken(ctx, PurposePasswordReset, auth.HashToken(req.Token))
	if err != nil {
		return ErrInvalidToken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateUserPassword(ctx, token.UserID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *Service) issueToken(ctx context.Context, userID, purpose string, ttl time.Duration) (string, error) {
	raw, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	record := store.AuthToken{
		ID:        util.NewID("tok"),
		UserID:    userID,
		Purpose:   purpose,
		TokenHash: auth.HashToken(raw),
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := s.store.CreateAuthToken(ctx, record); err != nil {
		return "", fmt.Errorf("save %s token: %w", purpose, err)
	}
	return raw, nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
