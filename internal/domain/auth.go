package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "memory.write": true и т.п.
	jwt.RegisteredClaims
}

// Identity — результат внешней аутентификации. Пустой UserID означает "не аутентифицирован".
type Identity struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes,omitempty"`
}

func (i *Identity) Authenticated() bool {
	return i != nil && i.UserID != ""
}
