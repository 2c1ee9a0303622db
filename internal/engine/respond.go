package engine

import (
	"encoding/json"
	"net/http"

	"github.com/xela07ax/agentgate/internal/domain"
)

// Стабильные коды ошибок для клиента.
const (
	CodeForbidden          = "forbidden"
	CodeUnauthorized       = "unauthorized"
	CodeServiceUnavailable = "service_unavailable"
	CodeNotFound           = "not_found"
	CodeMethodNotAllowed   = "method_not_allowed"
)

// ErrorBody — единый конверт ошибки. Детали конфигурации сюда никогда не попадают.
type ErrorBody struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, code, reason string) {
	WriteJSON(w, status, ErrorBody{OK: false, Error: code, Reason: reason})
}

// writeRejection рендерит GuardRejection. Наружу уходит только публичный код причины.
func writeRejection(w http.ResponseWriter, d domain.GuardDecision) {
	status, code := http.StatusForbidden, CodeForbidden
	if d.Guard == domain.GuardAuth {
		status, code = http.StatusUnauthorized, CodeUnauthorized
	}
	WriteError(w, status, code, d.Reason.Public())
}
