package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeAdmin — владелец устройства (admin user). Только ему доступен тетеринг
// и управление ограничениями в консоли.
const ScopeAdmin = "admin"

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "admin": true
	jwt.RegisteredClaims
}

// Principal собирает из claims субъекта для движка.
func (c *CustomClaims) Principal() Principal {
	return Principal{UserID: c.UserID, Admin: c.Scopes[ScopeAdmin]}
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

type User struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"` // Никогда не отдаём наружу
	Scopes       map[string]bool `json:"scopes"`
	CreatedAt    time.Time       `json:"created_at"`
}
