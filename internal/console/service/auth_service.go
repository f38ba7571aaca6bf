package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/usbmode/internal/domain"
	"github.com/xela07ax/usbmode/internal/infra/auth"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type AuthProvider interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
}

type AuthService struct {
	repo   AuthProvider
	signer *auth.Signer
}

func NewAuthService(repo AuthProvider, signer *auth.Signer) *AuthService {
	return &AuthService{
		repo:   repo,
		signer: signer,
	}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация (Источник правды — Postgres)
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	// 2. Проверка пароля (используем bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	// 3. Scopes берем из прав пользователя в БД, подпись RS256
	return s.signer.Sign(user.ID, user.Scopes)
}
