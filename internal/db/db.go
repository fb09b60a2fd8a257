package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
	ErrStale    = errors.New("record changed since it was read")
)

// migration dialect and sqlx bind style; libSQL speaks the SQLite dialect
const dialect = "sqlite3"

type LibSQL struct {
	db *sqlx.DB
}

// NewLibSQL opens a hub database. Local "file:" URLs (and ":memory:") are
// served by the embedded SQLite driver, anything else is handed to the
// libSQL client (libsql://, https://, wss://).
func NewLibSQL(url string) (*LibSQL, error) {
	driver := "libsql"
	local := url == ":memory:" || strings.HasPrefix(url, "file:")
	if local {
		driver = "sqlite"
	}

	sqlDB, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if local {
		// SQLite serializes writers anyway; one connection also keeps
		// in-memory databases alive.
		sqlDB.SetMaxOpenConns(1)
	}

	return &LibSQL{db: sqlx.NewDb(sqlDB, dialect)}, nil
}

// Initialize applies all pending migrations.
func (s *LibSQL) Initialize(ctx context.Context) error {
	_, err := s.Migrate(ctx, migrate.Up)
	return err
}

// Migrate applies migrations in the given direction and reports how many
// were run.
func (s *LibSQL) Migrate(ctx context.Context, dir migrate.MigrationDirection) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := migrate.Exec(s.db.DB, dialect, Migrations(), dir)
	if err != nil {
		return n, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return n, nil
}

func (s *LibSQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *LibSQL) Close() error {
	return s.db.Close()
}

func (s *LibSQL) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func newID() string {
	return uuid.NewString()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

// deleteIn removes the rows of table whose column matches one of ids.
func deleteIn(ctx context.Context, tx *sqlx.Tx, table, column string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q, args, err := sqlx.In(fmt.Sprintf("DELETE FROM %s WHERE %s IN (?)", table, column), ids)
	if err != nil {
		return 0, fmt.Errorf("failed to build delete: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(q), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return res.RowsAffected()
}

func count(ctx context.Context, db *sqlx.DB, table string) (int, error) {
	var n int
	if err := db.GetContext(ctx, &n, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// where joins conditions with AND.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) build(base string) (string, []any, error) {
	q := base
	if len(w.conds) > 0 {
		q += " WHERE " + strings.Join(w.conds, " AND ")
	}
	return sqlx.In(q, w.args...)
}
