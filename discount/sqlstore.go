package discount

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/google/uuid"
)

// SQLStore persists UserDiscount rows to SQLite/Postgres, following the
// same dual-dialect ddl/bind shape as ledger.SQLStore and account.SQLStore.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "creditgw-discounts.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite discount store: %w", err)
	}
	s := &SQLStore{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres discount store: %w", err)
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
		return fmt.Errorf("ping %s discount store: %w", s.dialect, err)
	}
	ddl := `
CREATE TABLE IF NOT EXISTS user_discounts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	model_id TEXT NOT NULL,
	multiplier DOUBLE PRECISION NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize user_discounts schema: %w", err)
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

// DeleteExpired removes every row whose expiry has passed, called at the
// start of each daily fire (spec.md §4.6 step 1).
func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM user_discounts WHERE expires_at <= ?`), now.UTC())
	if err != nil {
		return fmt.Errorf("delete expired user_discounts: %w", err)
	}
	return nil
}

// DeleteActiveForUser clears a user's existing rows before assigning a
// fresh one, so a user never holds two discounts at once.
func (s *SQLStore) DeleteActiveForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM user_discounts WHERE user_id = ?`), userID)
	if err != nil {
		return fmt.Errorf("delete active user_discounts for %q: %w", userID, err)
	}
	return nil
}

// Insert adds a newly assigned discount row. If d.ID is empty a uuid is
// generated, matching the teacher's id-generation convention elsewhere
// in the core (ledger request ids, request ids).
func (s *SQLStore) Insert(ctx context.Context, d UserDiscount) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	query := s.bind(`INSERT INTO user_discounts(id, user_id, model_id, multiplier, expires_at, created_at) VALUES(?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, d.ID, d.UserID, d.ModelID, d.Multiplier, d.ExpiresAt.UTC(), d.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert user_discount: %w", err)
	}
	return nil
}

// FindActiveByUserID returns every non-expired discount row for userID.
func (s *SQLStore) FindActiveByUserID(ctx context.Context, userID string, now time.Time) ([]UserDiscount, error) {
	query := s.bind(`SELECT id, user_id, model_id, multiplier, expires_at, created_at FROM user_discounts WHERE user_id = ? AND expires_at > ?`)
	rows, err := s.db.QueryContext(ctx, query, userID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("find active user_discounts for %q: %w", userID, err)
	}
	defer rows.Close()

	out := make([]UserDiscount, 0)
	for rows.Next() {
		var d UserDiscount
		if err := rows.Scan(&d.ID, &d.UserID, &d.ModelID, &d.Multiplier, &d.ExpiresAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user_discount row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
