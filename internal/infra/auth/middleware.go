package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/xela07ax/agentgate/internal/domain"
	"go.uber.org/zap"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// TokenValidator — интерфейс, который реализует BaseValidator
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

// Authenticator — внешний шаг аутентификации для цепочки гвардов.
type Authenticator struct {
	v      TokenValidator
	logger *zap.Logger
}

func NewAuthenticator(v TokenValidator, logger *zap.Logger) *Authenticator {
	return &Authenticator{v: v, logger: logger.Named("auth")}
}

// Authenticate достает токен из Authorization, а для WS-апгрейда еще и из ?access_token=
// (браузер не умеет ставить заголовки на WebSocket).
func (a *Authenticator) Authenticate(r *http.Request) (*domain.Identity, error) {
	token := r.Header.Get("Authorization")
	if token == "" && isUpgrade(r) {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return nil, ErrUnauthenticated
	}

	claims, err := a.v.VerifyToken(token)
	if err != nil {
		a.logger.Warn("auth failure", zap.Error(err))
		return nil, ErrUnauthenticated
	}
	return &domain.Identity{UserID: claims.UserID, Scopes: claims.Scopes}, nil
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
