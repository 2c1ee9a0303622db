package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/agentgate/internal/audit"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

const auditColumns = 11

const createGuardDecisions = `
CREATE TABLE IF NOT EXISTS guard_decisions (
	id         UUID PRIMARY KEY,
	trace_id   TEXT NOT NULL,
	guard      TEXT NOT NULL,
	allow      BOOLEAN NOT NULL,
	reason     TEXT NOT NULL,
	peer       TEXT NOT NULL,
	user_id    TEXT,
	method     TEXT NOT NULL,
	path       TEXT NOT NULL,
	upgrade    BOOLEAN NOT NULL DEFAULT FALSE,
	timestamp  TIMESTAMPTZ NOT NULL
)`

type AuditRepo struct {
	db *sql.DB
}

// NewAuditRepo открывает пул через pgx stdlib. Доступность проверяется отдельно через Ping.
func NewAuditRepo(connString string, maxConns int) (*AuditRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 15
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &AuditRepo{db: db}, nil
}

func NewAuditRepoFromDB(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Ping проверяет доступность базы при старте
func (r *AuditRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Migrate создает таблицу журнала, если ее еще нет.
func (r *AuditRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createGuardDecisions); err != nil {
		return fmt.Errorf("postgres: migrate guard_decisions: %w", err)
	}
	return nil
}

func (r *AuditRepo) Close() error {
	return r.db.Close()
}

// WriteBatch — один INSERT на всю пачку.
func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.DecisionEvent) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	vals := make([]interface{}, 0, len(events)*auditColumns)

	for i, e := range events {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(")
		for c := 1; c <= auditColumns; c++ {
			if c > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*auditColumns+c)
		}
		sb.WriteString(")")

		var userID interface{}
		if e.UserID != "" {
			userID = e.UserID
		}
		vals = append(vals,
			e.ID, e.TraceID, e.Guard, e.Allow, e.Reason, e.Peer,
			userID, e.Method, e.Path, e.Upgrade, e.Timestamp,
		)
	}

	query := "INSERT INTO guard_decisions (id, trace_id, guard, allow, reason, peer, user_id, method, path, upgrade, timestamp) VALUES " + sb.String()

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write guard decisions: %w", err)
	}
	return nil
}

const maxFetchLimit = 500

// FetchDecisions отдает последние решения, новые первыми.
func (r *AuditRepo) FetchDecisions(ctx context.Context, f audit.DecisionFilter) ([]audit.DecisionEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Guard != "" {
		args = append(args, f.Guard)
		where = append(where, fmt.Sprintf("guard = $%d", len(args)))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.DeniedOnly {
		where = append(where, "allow = FALSE")
	}
	if f.Limit <= 0 || f.Limit > maxFetchLimit {
		f.Limit = 100
	}
	args = append(args, f.Limit)

	query := "SELECT id, trace_id, guard, allow, reason, peer, COALESCE(user_id, ''), method, path, upgrade, timestamp FROM guard_decisions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch guard decisions: %w", err)
	}
	defer rows.Close()

	out := make([]audit.DecisionEvent, 0, f.Limit)
	for rows.Next() {
		var e audit.DecisionEvent
		if err := rows.Scan(&e.ID, &e.TraceID, &e.Guard, &e.Allow, &e.Reason, &e.Peer, &e.UserID, &e.Method, &e.Path, &e.Upgrade, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan guard decision: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: fetch guard decisions: %w", err)
	}
	return out, nil
}
