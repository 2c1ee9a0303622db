package domain

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// MemoryEntry — одна запись key-value памяти агента, изолированная по пользователю.
type MemoryEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionInfo описывает живое WS-подключение агента.
type SessionInfo struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Peer        string    `json:"peer"`
	ConnectedAt time.Time `json:"connected_at"`
}
