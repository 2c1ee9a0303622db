package audit

import (
	"context"
	"time"
)

// DecisionEvent — запись аудита, которая сопровождает решение гварда.
// Хранит адрес пира и идентичность: это внутренний журнал, клиенту он не отдается.
type DecisionEvent struct {
	ID        string    `json:"id"`       // UUID события
	TraceID   string    `json:"trace_id"` // Сквозной ID запроса
	Guard     string    `json:"guard"`    // allowlist, auth, admin, mount
	Allow     bool      `json:"allow"`
	Reason    string    `json:"reason"`
	Peer      string    `json:"peer"`
	UserID    string    `json:"user_id,omitempty"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Upgrade   bool      `json:"upgrade"` // попытка WS-апгрейда
	Timestamp time.Time `json:"timestamp"`
}

// DecisionFilter — выборка журнала для admin-просмотра. Пустые поля не фильтруют.
type DecisionFilter struct {
	Guard      string
	UserID     string
	DeniedOnly bool
	Limit      int
}

// Reader — чтение журнала решений (реализуется Postgres-репозиторием).
type Reader interface {
	FetchDecisions(ctx context.Context, f DecisionFilter) ([]DecisionEvent, error)
}
