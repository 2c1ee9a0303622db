package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/xela07ax/agentgate/internal/audit"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *AuditRepo) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return mock, NewAuditRepoFromDB(db)
}

func TestAuditRepoWriteBatch(t *testing.T) {
	mock, repo := setupMockDB(t)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []audit.DecisionEvent{
		{ID: "e1", TraceID: "t1", Guard: "allowlist", Allow: false, Reason: "not-allowlisted", Peer: "203.0.113.5", Method: "GET", Path: "/agent/status", Timestamp: ts},
		{ID: "e2", TraceID: "t2", Guard: "admin", Allow: true, Reason: "admin", Peer: "127.0.0.1", UserID: "u1", Method: "GET", Path: "/agent/ws", Upgrade: true, Timestamp: ts},
	}

	mock.ExpectExec(`INSERT INTO guard_decisions \(id, trace_id, guard, allow, reason, peer, user_id, method, path, upgrade, timestamp\) VALUES \(\$1, .*\$11\),\(\$12, .*\$22\)`).
		WithArgs(
			"e1", "t1", "allowlist", false, "not-allowlisted", "203.0.113.5", nil, "GET", "/agent/status", false, ts,
			"e2", "t2", "admin", true, "admin", "127.0.0.1", "u1", "GET", "/agent/ws", true, ts,
		).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := repo.WriteBatch(context.Background(), events); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditRepoWriteBatchEmpty(t *testing.T) {
	mock, repo := setupMockDB(t)
	if err := repo.WriteBatch(context.Background(), nil); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected query: %v", err)
	}
}

func TestAuditRepoWriteBatchError(t *testing.T) {
	mock, repo := setupMockDB(t)
	mock.ExpectExec("INSERT INTO guard_decisions").WillReturnError(errors.New("connection reset"))

	err := repo.WriteBatch(context.Background(), []audit.DecisionEvent{{ID: "e1"}})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestAuditRepoMigrate(t *testing.T) {
	mock, repo := setupMockDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS guard_decisions").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditRepoFetchDecisions(t *testing.T) {
	mock, repo := setupMockDB(t)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cols := []string{"id", "trace_id", "guard", "allow", "reason", "peer", "user_id", "method", "path", "upgrade", "timestamp"}

	mock.ExpectQuery(`SELECT .* FROM guard_decisions WHERE guard = \$1 AND allow = FALSE ORDER BY timestamp DESC LIMIT \$2`).
		WithArgs("admin", 100).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("e1", "t1", "admin", false, "not-admin", "127.0.0.1", "u2", "GET", "/agent/admin/sessions", false, ts))

	got, err := repo.FetchDecisions(context.Background(), audit.DecisionFilter{Guard: "admin", DeniedOnly: true, Limit: 10000})
	if err != nil {
		t.Fatalf("FetchDecisions() error = %v", err)
	}
	if len(got) != 1 || got[0].Reason != "not-admin" || got[0].UserID != "u2" || !got[0].Timestamp.Equal(ts) {
		t.Fatalf("unexpected rows: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditRepoFetchDecisionsNoFilter(t *testing.T) {
	mock, repo := setupMockDB(t)
	mock.ExpectQuery(`FROM guard_decisions ORDER BY timestamp DESC LIMIT \$1`).
		WithArgs(20).
		WillReturnError(errors.New("relation does not exist"))

	if _, err := repo.FetchDecisions(context.Background(), audit.DecisionFilter{Limit: 20}); err == nil || !strings.Contains(err.Error(), "fetch guard decisions") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
