package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/ledger"
	"github.com/xtrntr/p2pexchange/internal/models"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Ping checks that the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w: %v", apperr.ErrPersistence, err)
	}
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if uniqueViolation(err, "") {
			return nil, fmt.Errorf("%w: username %s is taken", apperr.ErrInvalidInput, username)
		}
		return nil, storageError("failed to create user", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, storageError("failed to get user", err)
	}
	return user, nil
}

// uniqueViolation reports whether err is a unique_violation, on constraint
// when it is not empty
func uniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// storageError maps pgx.ErrNoRows to ErrNotFound and everything else to
// ErrPersistence.
func storageError(msg string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, apperr.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", msg, apperr.ErrPersistence, err)
}

// numeric canonicalizes a NUMERIC column read as text
func numeric(s string) (string, error) {
	c, err := ledger.Canonical(s)
	if err != nil {
		return "", fmt.Errorf("failed to read stored amount %q: %w: %v", s, apperr.ErrPersistence, err)
	}
	return c, nil
}

func nullableNumeric(s *string) (string, error) {
	if s == nil {
		return "", nil
	}
	return numeric(*s)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// where builds a WHERE clause from column = value pairs, skipping empty values
type where struct {
	clauses []string
	args    []any
}

func (w *where) eq(column, value string) {
	if value == "" {
		return
	}
	w.args = append(w.args, value)
	w.clauses = append(w.clauses, fmt.Sprintf("%s = $%d", column, len(w.args)))
}

// anyOf adds (a = $n OR b = $n)
func (w *where) anyOf(a, b, value string) {
	if value == "" {
		return
	}
	w.args = append(w.args, value)
	n := len(w.args)
	w.clauses = append(w.clauses, fmt.Sprintf("(%s = $%d OR %s = $%d)", a, n, b, n))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}
