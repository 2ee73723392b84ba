package account

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore persists accounts to SQLite/Postgres, following the same
// dual-dialect ddl/bind shape as ledger.SQLStore.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteStore opens (and migrates) a SQLite-backed account store.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "creditgw-accounts.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite account store: %w", err)
	}
	s := &SQLStore{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore opens (and migrates) a Postgres-backed account store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres account store: %w", err)
	}
	s := &SQLStore{db: db, dialect: "postgres"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s account store: %w", s.dialect, err)
	}
	ddl := `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	plan TEXT NOT NULL,
	credits BIGINT NOT NULL DEFAULT 0,
	is_master_admin BOOLEAN NOT NULL DEFAULT FALSE,
	is_rp_verified BOOLEAN NOT NULL DEFAULT FALSE,
	ip_whitelist TEXT NOT NULL DEFAULT '',
	max_concurrent_requests INTEGER NOT NULL DEFAULT 0,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	disabled_reason TEXT NOT NULL DEFAULT '',
	disabled_at TIMESTAMP
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize accounts schema: %w", err)
	}
	return nil
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	index := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", index)
			index++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) FindByID(ctx context.Context, id string) (Account, error) {
	query := s.bind(`SELECT id, plan, credits, is_master_admin, is_rp_verified, ip_whitelist, max_concurrent_requests, enabled, disabled_reason, disabled_at FROM accounts WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, query, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("find account: %w", err)
	}
	return a, nil
}

func (s *SQLStore) All(ctx context.Context) ([]Account, error) {
	query := s.bind(`SELECT id, plan, credits, is_master_admin, is_rp_verified, ip_whitelist, max_concurrent_requests, enabled, disabled_reason, disabled_at FROM accounts`)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	out := make([]Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Disable flips a user's enabled flag off (spec.md §4.7 critical
// content violation path) and records when/why.
func (s *SQLStore) Disable(ctx context.Context, id, reason string) error {
	query := s.bind(`UPDATE accounts SET enabled = FALSE, disabled_reason = ?, disabled_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("disable account: %w", err)
	}
	return nil
}

// Upsert inserts or replaces an account row, used by bootstrap seeding
// and by any admin-facing credit/plan update.
func (s *SQLStore) Upsert(ctx context.Context, a Account) error {
	query := s.bind(`
INSERT INTO accounts(id, plan, credits, is_master_admin, is_rp_verified, ip_whitelist, max_concurrent_requests, enabled, disabled_reason, disabled_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	plan = excluded.plan,
	credits = excluded.credits,
	is_master_admin = excluded.is_master_admin,
	is_rp_verified = excluded.is_rp_verified,
	ip_whitelist = excluded.ip_whitelist,
	max_concurrent_requests = excluded.max_concurrent_requests,
	enabled = excluded.enabled,
	disabled_reason = excluded.disabled_reason,
	disabled_at = excluded.disabled_at`)

	var disabledAt interface{}
	if !a.DisabledAt.IsZero() {
		disabledAt = a.DisabledAt
	}
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Plan, a.Credits, a.IsMasterAdmin, a.IsRPVerified, strings.Join(a.IPWhitelist, ","),
		a.MaxConcurrentRequests, a.Enabled, a.DisabledReason, disabledAt,
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		a           Account
		ipWhitelist string
		disabledAt  sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.Plan, &a.Credits, &a.IsMasterAdmin, &a.IsRPVerified, &ipWhitelist,
		&a.MaxConcurrentRequests, &a.Enabled, &a.DisabledReason, &disabledAt); err != nil {
		return Account{}, err
	}
	if ipWhitelist != "" {
		a.IPWhitelist = strings.Split(ipWhitelist, ",")
	}
	if disabledAt.Valid {
		a.DisabledAt = disabledAt.Time
	}
	return a, nil
}
