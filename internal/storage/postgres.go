package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"quipucords/internal/logger"
	"quipucords/internal/metrics"
	"quipucords/internal/models"
)

// PostgresStorage implements Storage using PostgreSQL
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage creates a new PostgreSQL-backed storage
func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	metrics.RegisterDBMetrics(db, "quipucords")

	return &PostgresStorage{db: db}, nil
}

// RunMigrations applies the SQL migrations found at migrationsPath
func RunMigrations(databaseURL, migrationsPath string) error {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Logger.Info().Msg("Database is up to date, no migrations to run")
	} else {
		logger.Logger.Info().Msg("Database migrations completed successfully")
	}
	return nil
}

// Close closes the database connection
func (ps *PostgresStorage) Close() error {
	return ps.db.Close()
}

// Ping checks the database connection
func (ps *PostgresStorage) Ping(ctx context.Context) error {
	return ps.db.PingContext(ctx)
}

// withTx runs fn inside a transaction, rolling back on error
func (ps *PostgresStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ServerID returns the persisted server identity, creating it on first use
func (ps *PostgresStorage) ServerID(ctx context.Context) (string, error) {
	_, err := ps.db.ExecContext(ctx,
		`INSERT INTO server_identity (singleton, server_id) VALUES (TRUE, $1) ON CONFLICT (singleton) DO NOTHING`,
		uuid.NewString())
	if err != nil {
		return "", fmt.Errorf("failed to initialize server id: %w", err)
	}

	var id string
	if err := ps.db.QueryRowContext(ctx, `SELECT server_id FROM server_identity`).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to read server id: %w", err)
	}
	return id, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint violation
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func ptrInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func ptrTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time
	return &v
}

// CreateUser creates a new user
func (ps *PostgresStorage) CreateUser(username, passwordHash string, isAdmin bool) (*models.User, error) {
	query := `
		INSERT INTO users (username, password_hash, is_admin)
		VALUES ($1, $2, $3)
		RETURNING id, username, is_active, is_admin, created_at
	`

	user := &models.User{}
	err := ps.db.QueryRow(query, username, passwordHash, isAdmin).Scan(
		&user.ID, &user.Username, &user.IsActive, &user.IsAdmin, &user.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: username %q already exists", ErrConflict, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user and its password hash by username
func (ps *PostgresStorage) GetUserByUsername(username string) (*models.User, string, error) {
	query := `
		SELECT id, username, is_active, is_admin, created_at, password_hash
		FROM users
		WHERE username = $1
	`

	user := &models.User{}
	var passwordHash string
	err := ps.db.QueryRow(query, username).Scan(
		&user.ID, &user.Username, &user.IsActive, &user.IsAdmin, &user.CreatedAt, &passwordHash,
	)
	if err == sql.ErrNoRows {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get user: %w", err)
	}
	return user, passwordHash, nil
}

// GetUserByID retrieves a user by ID
func (ps *PostgresStorage) GetUserByID(userID string) (*models.User, error) {
	query := `
		SELECT id, username, is_active, is_admin, created_at
		FROM users
		WHERE id = $1
	`

	user := &models.User{}
	err := ps.db.QueryRow(query, userID).Scan(
		&user.ID, &user.Username, &user.IsActive, &user.IsAdmin, &user.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// CreateAPIKey creates a new API key
func (ps *PostgresStorage) CreateAPIKey(userID, keyHash, keyPrefix, name string, expiresAt *time.Time) (*models.APIKey, error) {
	query := `
		INSERT INTO api_keys (user_id, key_hash, key_prefix, name, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, user_id, key_hash, key_prefix, name, last_used_at, expires_at, created_at
	`

	return scanAPIKey(ps.db.QueryRow(query, userID, keyHash, keyPrefix, name, expiresAt))
}

// GetAPIKeyByPrefix retrieves all API keys sharing a prefix
func (ps *PostgresStorage) GetAPIKeyByPrefix(keyPrefix string) ([]*models.APIKey, error) {
	return ps.queryAPIKeys(`
		SELECT id, user_id, key_hash, key_prefix, name, last_used_at, expires_at, created_at
		FROM api_keys
		WHERE key_prefix = $1
	`, keyPrefix)
}

// GetAPIKeysByUserID retrieves all API keys for a user
func (ps *PostgresStorage) GetAPIKeysByUserID(userID string) ([]*models.APIKey, error) {
	return ps.queryAPIKeys(`
		SELECT id, user_id, key_hash, key_prefix, name, last_used_at, expires_at, created_at
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
}

// DeleteAPIKey removes an API key
func (ps *PostgresStorage) DeleteAPIKey(keyID string) error {
	result, err := ps.db.Exec("DELETE FROM api_keys WHERE id = $1", keyID)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAPIKeyLastUsed stamps the last usage time of an API key
func (ps *PostgresStorage) UpdateAPIKeyLastUsed(keyID string) error {
	_, err := ps.db.Exec("UPDATE api_keys SET last_used_at = NOW() WHERE id = $1", keyID)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	return nil
}

func (ps *PostgresStorage) queryAPIKeys(query string, arg any) ([]*models.APIKey, error) {
	rows, err := ps.db.Query(query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query api keys: %w", err)
	}
	defer rows.Close()

	keys := []*models.APIKey{}
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	key := &models.APIKey{}
	var lastUsed, expires sql.NullTime
	err := row.Scan(&key.ID, &key.UserID, &key.KeyHash, &key.KeyPrefix, &key.Name, &lastUsed, &expires, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan api key: %w", err)
	}
	key.LastUsedAt = ptrTime(lastUsed)
	key.ExpiresAt = ptrTime(expires)
	return key, nil
}
