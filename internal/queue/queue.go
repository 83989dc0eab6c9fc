// Package queue stores pending certificate requests and the API keys of the
// management interface in PostgreSQL. The daemon picks pending rows up at
// startup and marks them issued or failed when their order process resolves.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq" // PostgreSQL driver and helpers like pq.Array
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certforge/internal/model"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "queue"))
}

// ErrNotFound is returned when no request row matches the given ID.
var ErrNotFound = errors.New("queue: request not found")

// Querier defines common methods implemented by *sql.DB and *sql.Tx, so the
// query functions work against either a pool or a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Storage is the persistence interface for the request queue.
type Storage interface {
	// Certificate request methods
	SaveRequest(ctx context.Context, req *model.CertificateRequest) error
	GetRequest(ctx context.Context, id string) (*model.CertificateRequest, error)
	ListRequests(ctx context.Context) ([]*model.CertificateRequest, error)
	ListPendingRequests(ctx context.Context) ([]*model.CertificateRequest, error)
	MarkIssued(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, detail string) error
	DeleteRequest(ctx context.Context, id string) error

	// API key methods
	SaveAPIKey(ctx context.Context, apiKey string, roles []string) error
	GetAPIKey(ctx context.Context, apiKey string) ([]string, error)

	// Transaction helper (only implemented on PostgreSQLStorage)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error

	Close() error
}

// PostgreSQLStorage holds the connection pool.
type PostgreSQLStorage struct {
	db *sql.DB
}

// postgresTxStore holds a transaction and implements the Storage interface.
type postgresTxStore struct {
	tx *sql.Tx
}

var _ Storage = (*PostgreSQLStorage)(nil)
var _ Storage = (*postgresTxStore)(nil)

// NewStorage is the factory function.
func NewStorage(storageType, dbHost, dbUser, dbPassword, dbName string, dbPort int, dbSSLMode string) (Storage, error) {
	switch strings.ToLower(storageType) {
	case "postgres":
		return NewPostgreSQLStorage(dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode)
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", storageType))
		return nil, fmt.Errorf("queue: invalid storage type: %s", storageType)
	}
}

// NewPostgreSQLStorage creates a new PostgreSQLStorage instance and ensures the schema exists.
func NewPostgreSQLStorage(dbHost, dbUser, dbPassword, dbName string, dbPort int, dbSSLMode string) (*PostgreSQLStorage, error) {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("queue: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err),
			zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))
		return nil, fmt.Errorf("queue: failed to connect to PostgreSQL database: %w", err)
	}

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("PostgreSQLStorage initialized",
		zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))
	return &PostgreSQLStorage{db: db}, nil
}

// ensureSchema creates tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS certificate_requests (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			common_name TEXT NOT NULL,
			dns_names TEXT[] NOT NULL,
			key_bits INTEGER NOT NULL,
			status TEXT NOT NULL,
			last_error TEXT,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			completed_at TIMESTAMP WITH TIME ZONE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_certificate_requests_status ON certificate_requests (status);`,
		`CREATE INDEX IF NOT EXISTS idx_certificate_requests_name ON certificate_requests (name);`,
		`CREATE TABLE IF NOT EXISTS api_keys ( api_key TEXT PRIMARY KEY, roles TEXT[] NOT NULL );`,
	}

	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			logger.Error("Failed to execute schema statement", zap.Error(err),
				zap.Int("statement_index", i), zap.String("statement", stmt))
			return fmt.Errorf("queue: failed to initialize database schema: %w", err)
		}
	}
	logger.Info("Database schema initialization check complete")
	return nil
}

// Close shuts down the database connection pool.
func (s *PostgreSQLStorage) Close() error {
	logger.Info("Closing database connection pool")
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithinTransaction executes the given function within a database transaction.
func (s *PostgreSQLStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: failed to begin transaction: %w", err)
	}
	txStore := &postgresTxStore{tx: tx}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("Transaction function failed and rollback failed", zap.Error(err), zap.NamedError("rollback_error", rbErr))
			return fmt.Errorf("queue: transaction function failed (%w) and rollback failed (%v)", err, rbErr)
		}
		logger.Warn("Transaction rolled back due to error", zap.Error(err))
		return err
	}
	if err := tx.Commit(); err != nil {
		logger.Error("Failed to commit transaction", zap.Error(err))
		return fmt.Errorf("queue: failed to commit transaction: %w", err)
	}
	return nil
}

func (s *postgresTxStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	// Already inside a transaction; run against it.
	return fn(ctx, s)
}

func (s *postgresTxStore) Close() error { return nil }

// --- Certificate requests ---

func (s *PostgreSQLStorage) SaveRequest(ctx context.Context, req *model.CertificateRequest) error {
	return saveRequest(ctx, s.db, req)
}
func (s *PostgreSQLStorage) GetRequest(ctx context.Context, id string) (*model.CertificateRequest, error) {
	return getRequest(ctx, s.db, id)
}
func (s *PostgreSQLStorage) ListRequests(ctx context.Context) ([]*model.CertificateRequest, error) {
	return listRequests(ctx, s.db, "")
}
func (s *PostgreSQLStorage) ListPendingRequests(ctx context.Context) ([]*model.CertificateRequest, error) {
	return listRequests(ctx, s.db, model.StatusPending)
}
func (s *PostgreSQLStorage) MarkIssued(ctx context.Context, id string) error {
	return markComplete(ctx, s.db, id, "issued", "")
}
func (s *PostgreSQLStorage) MarkFailed(ctx context.Context, id string, detail string) error {
	return markComplete(ctx, s.db, id, "failed", detail)
}
func (s *PostgreSQLStorage) DeleteRequest(ctx context.Context, id string) error {
	return deleteRequest(ctx, s.db, id)
}
func (s *PostgreSQLStorage) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	return saveAPIKey(ctx, s.db, apiKey, roles)
}
func (s *PostgreSQLStorage) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	return getAPIKey(ctx, s.db, apiKey)
}

func (s *postgresTxStore) SaveRequest(ctx context.Context, req *model.CertificateRequest) error {
	return saveRequest(ctx, s.tx, req)
}
func (s *postgresTxStore) GetRequest(ctx context.Context, id string) (*model.CertificateRequest, error) {
	return getRequest(ctx, s.tx, id)
}
func (s *postgresTxStore) ListRequests(ctx context.Context) ([]*model.CertificateRequest, error) {
	return listRequests(ctx, s.tx, "")
}
func (s *postgresTxStore) ListPendingRequests(ctx context.Context) ([]*model.CertificateRequest, error) {
	return listRequests(ctx, s.tx, model.StatusPending)
}
func (s *postgresTxStore) MarkIssued(ctx context.Context, id string) error {
	return markComplete(ctx, s.tx, id, "issued", "")
}
func (s *postgresTxStore) MarkFailed(ctx context.Context, id string, detail string) error {
	return markComplete(ctx, s.tx, id, "failed", detail)
}
func (s *postgresTxStore) DeleteRequest(ctx context.Context, id string) error {
	return deleteRequest(ctx, s.tx, id)
}
func (s *postgresTxStore) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	return saveAPIKey(ctx, s.tx, apiKey, roles)
}
func (s *postgresTxStore) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	return getAPIKey(ctx, s.tx, apiKey)
}

// --- Query functions (work on pool or transaction) ---

func saveRequest(ctx context.Context, q Querier, req *model.CertificateRequest) error {
	query := `INSERT INTO certificate_requests (id, name, common_name, dns_names, key_bits, status, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, common_name = EXCLUDED.common_name, dns_names = EXCLUDED.dns_names,
			key_bits = EXCLUDED.key_bits, status = EXCLUDED.status, last_error = EXCLUDED.last_error`
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, query,
		req.ID, req.Name, req.CommonName, pq.Array(req.DNSNames),
		req.KeyBits, req.Status, req.LastError, createdAt)
	if err != nil {
		return fmt.Errorf("queue: failed to save request %s: %w", req.ID, err)
	}
	return nil
}

func getRequest(ctx context.Context, q Querier, id string) (*model.CertificateRequest, error) {
	query := `SELECT id, name, common_name, dns_names, key_bits, status, COALESCE(last_error, ''), created_at, COALESCE(completed_at, 'epoch'::timestamptz)
		FROM certificate_requests WHERE id = $1`
	req := &model.CertificateRequest{}
	err := q.QueryRowContext(ctx, query, id).Scan(
		&req.ID, &req.Name, &req.CommonName, pq.Array(&req.DNSNames),
		&req.KeyBits, &req.Status, &req.LastError, &req.CreatedAt, &req.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: failed to get request %s: %w", id, err)
	}
	return req, nil
}

func listRequests(ctx context.Context, q Querier, status string) ([]*model.CertificateRequest, error) {
	query := `SELECT id, name, common_name, dns_names, key_bits, status, COALESCE(last_error, ''), created_at, COALESCE(completed_at, 'epoch'::timestamptz)
		FROM certificate_requests`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: failed to list requests: %w", err)
	}
	defer rows.Close()

	var requests []*model.CertificateRequest
	for rows.Next() {
		req := &model.CertificateRequest{}
		if err := rows.Scan(
			&req.ID, &req.Name, &req.CommonName, pq.Array(&req.DNSNames),
			&req.KeyBits, &req.Status, &req.LastError, &req.CreatedAt, &req.CompletedAt); err != nil {
			return nil, fmt.Errorf("queue: failed to scan request row: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func markComplete(ctx context.Context, q Querier, id, status, detail string) error {
	query := `UPDATE certificate_requests SET status = $2, last_error = $3, completed_at = NOW() WHERE id = $1`
	result, err := q.ExecContext(ctx, query, id, status, detail)
	if err != nil {
		return fmt.Errorf("queue: failed to mark request %s %s: %w", id, status, err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func deleteRequest(ctx context.Context, q Querier, id string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM certificate_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("queue: failed to delete request %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- API keys ---

func saveAPIKey(ctx context.Context, q Querier, apiKey string, roles []string) error {
	query := `INSERT INTO api_keys (api_key, roles) VALUES ($1, $2)
		ON CONFLICT (api_key) DO UPDATE SET roles = EXCLUDED.roles`
	if _, err := q.ExecContext(ctx, query, apiKey, pq.Array(roles)); err != nil {
		return fmt.Errorf("queue: failed to save API key: %w", err)
	}
	return nil
}

func getAPIKey(ctx context.Context, q Querier, apiKey string) ([]string, error) {
	var roles []string
	err := q.QueryRowContext(ctx, `SELECT roles FROM api_keys WHERE api_key = $1`, apiKey).Scan(pq.Array(&roles))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: failed to get API key: %w", err)
	}
	return roles, nil
}
