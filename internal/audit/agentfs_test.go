package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]DecisionEvent
	err     error
}

func (m *memStorage) WriteBatch(_ context.Context, events []DecisionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]DecisionEvent(nil), events...)
	m.batches = append(m.batches, cp)
	return m.err
}

func (m *memStorage) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func TestAgentFSDrainsOnStop(t *testing.T) {
	store := &memStorage{}
	fs := NewAgentFS(store, zap.NewNop(), Options{FlushInterval: time.Hour})
	fs.Start()

	for i := 0; i < 250; i++ {
		fs.Log(DecisionEvent{ID: fmt.Sprint(i), Guard: "allowlist"})
	}
	fs.Stop()

	if got := store.total(); got != 250 {
		t.Fatalf("expected 250 events flushed, got %d", got)
	}
	for _, b := range store.batches {
		if len(b) > batchSize {
			t.Fatalf("batch larger than %d: %d", batchSize, len(b))
		}
	}
	for _, e := range store.batches[0] {
		if e.Timestamp.IsZero() {
			t.Fatal("timestamp must be filled in")
		}
	}

	// после Stop события отбрасываются, повторный Stop не паникует
	fs.Log(DecisionEvent{ID: "late"})
	fs.Stop()
	if got := store.total(); got != 250 {
		t.Fatalf("late event must be dropped, total=%d", got)
	}
}

func TestAgentFSFlushesOnTicker(t *testing.T) {
	store := &memStorage{}
	fs := NewAgentFS(store, zap.NewNop(), Options{FlushInterval: 10 * time.Millisecond})
	fs.Start()
	defer fs.Stop()

	fs.Log(DecisionEvent{ID: "1"})
	deadline := time.Now().Add(2 * time.Second)
	for store.total() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event was not flushed by ticker")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgentFSOverflowDoesNotBlock(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	var fills []int
	fs := NewAgentFS(&memStorage{}, zap.New(core), Options{BufferSize: 2, OnFill: func(n int) { fills = append(fills, n) }})
	// воркер не запущен: буфер заполняется и следующий Log уходит в overflow

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			fs.Log(DecisionEvent{ID: fmt.Sprint(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked on a full buffer")
	}
	if logs.FilterMessage("audit_buffer_overflow").Len() != 3 {
		t.Fatalf("expected 3 overflow entries, got %d", logs.Len())
	}
	if len(fills) != 5 || fills[4] != 2 {
		t.Fatalf("unexpected fill reports: %v", fills)
	}
}

func TestAgentFSLogsFlushError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	fs := NewAgentFS(&memStorage{err: errors.New("db down")}, zap.New(core), Options{})
	fs.Start()
	fs.Log(DecisionEvent{ID: "1"})
	fs.Stop()
	if logs.FilterMessage("audit flush failed").Len() != 1 {
		t.Fatalf("expected flush failure to be logged, got %v", logs.All())
	}
}

func TestLogStorage(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := NewLogStorage(zap.New(core))
	if err := s.WriteBatch(context.Background(), []DecisionEvent{{Guard: "admin", Reason: "not-admin"}}); err != nil {
		t.Fatal(err)
	}
	entries := logs.FilterMessage("guard decision").All()
	if len(entries) != 1 || entries[0].ContextMap()["reason"] != "not-admin" {
		t.Fatalf("unexpected log entries: %v", logs.All())
	}
}
