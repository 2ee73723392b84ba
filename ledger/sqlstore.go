package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore persists ApiRequest rows and user credit balances to
// SQLite/Postgres, adapted from the teacher's internal/requestlog.SQLWriter:
// same dual-dialect ddl/bind approach, extended with an UPDATE ... WHERE
// balance check for the atomic credit debit (spec.md §4.9's "exclusive
// row lock or compare-and-update" requirement).
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "creditgw-ledger.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger store: %w", err)
	}
	s := &SQLStore{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore opens (and migrates) a Postgres-backed store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger store: %w", err)
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
		return fmt.Errorf("ping %s ledger store: %w", s.dialect, err)
	}

	requestsDDL := `
CREATE TABLE IF NOT EXISTS api_requests (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	model TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	status TEXT NOT NULL,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	credits INTEGER NOT NULL DEFAULT 0,
	provider_id TEXT,
	sub_provider_id TEXT,
	response_size INTEGER NOT NULL DEFAULT 0,
	http_status INTEGER NOT NULL DEFAULT 0,
	failure_reason TEXT
);`
	creditsDDL := `
CREATE TABLE IF NOT EXISTS user_credit_balances (
	user_id TEXT PRIMARY KEY,
	credits BIGINT NOT NULL DEFAULT 0
);`

	if _, err := s.db.Exec(requestsDDL); err != nil {
		return fmt.Errorf("initialize api_requests schema: %w", err)
	}
	if _, err := s.db.Exec(creditsDDL); err != nil {
		return fmt.Errorf("initialize user_credit_balances schema: %w", err)
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

func (s *SQLStore) Save(ctx context.Context, r ApiRequest) error {
	query := s.bind(`
INSERT INTO api_requests(id, user_id, endpoint, model, started_at, completed_at, status, total_tokens, credits, provider_id, sub_provider_id, response_size, http_status, failure_reason)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	completed_at = excluded.completed_at,
	status = excluded.status,
	total_tokens = excluded.total_tokens,
	credits = excluded.credits,
	provider_id = excluded.provider_id,
	sub_provider_id = excluded.sub_provider_id,
	response_size = excluded.response_size,
	http_status = excluded.http_status,
	failure_reason = excluded.failure_reason`)

	var completedAt interface{}
	if !r.CompletedAt.IsZero() {
		completedAt = r.CompletedAt
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.UserID, r.Endpoint, r.Model, r.StartedAt, completedAt, string(r.Status),
		r.TotalTokens, r.Credits, r.ProviderID, r.SubProviderID, r.ResponseSize, r.HTTPStatus, r.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("save api_request: %w", err)
	}
	return nil
}

func (s *SQLStore) FindByID(ctx context.Context, id string) (ApiRequest, error) {
	query := s.bind(`SELECT id, user_id, endpoint, model, started_at, completed_at, status, total_tokens, credits, provider_id, sub_provider_id, response_size, http_status, failure_reason FROM api_requests WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, query, id)
	r, err := scanApiRequest(row)
	if err == sql.ErrNoRows {
		return ApiRequest{}, ErrNotFound
	}
	if err != nil {
		return ApiRequest{}, fmt.Errorf("find api_request: %w", err)
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApiRequest(row rowScanner) (ApiRequest, error) {
	var (
		r           ApiRequest
		status      string
		completedAt sql.NullTime
		providerID  sql.NullString
		subProvID   sql.NullString
		reason      sql.NullString
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Endpoint, &r.Model, &r.StartedAt, &completedAt, &status,
		&r.TotalTokens, &r.Credits, &providerID, &subProvID, &r.ResponseSize, &r.HTTPStatus, &reason); err != nil {
		return ApiRequest{}, err
	}
	r.Status = Status(status)
	if completedAt.Valid {
		r.CompletedAt = completedAt.Time
	}
	r.ProviderID = providerID.String
	r.SubProviderID = subProvID.String
	r.FailureReason = reason.String
	return r, nil
}

func (s *SQLStore) FindMany(ctx context.Context, f Filter) ([]ApiRequest, error) {
	where, args := whereClause(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := s.bind(`SELECT id, user_id, endpoint, model, started_at, completed_at, status, total_tokens, credits, provider_id, sub_provider_id, response_size, http_status, failure_reason FROM api_requests` + where + ` ORDER BY started_at DESC LIMIT ? OFFSET ?`)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list api_requests: %w", err)
	}
	defer rows.Close()

	out := make([]ApiRequest, 0)
	for rows.Next() {
		r, err := scanApiRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api_request row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM api_requests WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete api_request: %w", err)
	}
	return nil
}

func (s *SQLStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := whereClause(f)
	var total int
	query := s.bind(`SELECT COUNT(*) FROM api_requests` + where)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count api_requests: %w", err)
	}
	return total, nil
}

func whereClause(f Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Since != nil {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// DeductCredits performs the atomic compare-and-update named in
// spec.md §4.9: the UPDATE's own WHERE clause rechecks the balance, so
// two concurrent callers racing against the same row can never both
// succeed past zero.
func (s *SQLStore) DeductCredits(ctx context.Context, userID string, credits int64) (bool, error) {
	query := s.bind(`UPDATE user_credit_balances SET credits = credits - ? WHERE user_id = ? AND credits >= ?`)
	res, err := s.db.ExecContext(ctx, query, credits, userID, credits)
	if err != nil {
		return false, fmt.Errorf("deduct credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deduct credits rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLStore) ResetCredits(ctx context.Context, userIDs []string, amount int64) error {
	upsert := s.bind(`
INSERT INTO user_credit_balances(user_id, credits) VALUES(?, ?)
ON CONFLICT(user_id) DO UPDATE SET credits = excluded.credits`)
	for _, id := range userIDs {
		if _, err := s.db.ExecContext(ctx, upsert, id, amount); err != nil {
			return fmt.Errorf("reset credits for %q: %w", id, err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
