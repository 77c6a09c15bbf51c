package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Consensys/defi-fuzzing-toolbox/pkg/types"
)

// lockTimeout bounds how long a writer waits for another process holding the journal.
const lockTimeout = 5 * time.Second

// SQLiteJournal implements Journal using SQLite. Writers from several
// processes sharing the same file are serialized through a lock file.
type SQLiteJournal struct {
	db   *sql.DB
	mu   sync.Mutex // flock does not exclude goroutines sharing one handle
	lock *flock.Flock
}

var _ Journal = (*SQLiteJournal)(nil)

// NewSQLiteJournal opens (or creates) the journal at dbPath.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrent performance
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteJournal{db: db, lock: flock.New(dbPath + ".lock")}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteJournal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deployments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chain_id INTEGER NOT NULL,
		contract TEXT NOT NULL,
		address TEXT NOT NULL,
		tx_hash TEXT NOT NULL,
		deployer TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deployments_chain ON deployments(chain_id, id DESC);

	CREATE TABLE IF NOT EXISTS pools (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chain_id INTEGER NOT NULL,
		factory TEXT NOT NULL,
		token0 TEXT NOT NULL,
		token1 TEXT NOT NULL,
		pair TEXT NOT NULL,
		tx_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pools_chain ON pools(chain_id, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first release
	migrations := []struct {
		table  string
		column string
		stmt   string
	}{
		{"deployments", "gas_used", "ALTER TABLE deployments ADD COLUMN gas_used INTEGER DEFAULT 0"},
		{"deployments", "block_number", "ALTER TABLE deployments ADD COLUMN block_number INTEGER DEFAULT 0"},
	}
	for _, m := range migrations {
		if s.columnExists(m.table, m.column) {
			continue
		}
		if _, err := s.db.Exec(m.stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

// columnExists checks if a column exists in a table.
// Note: table and column names are validated to prevent SQL injection.
func (s *SQLiteJournal) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier checks if a string is a valid SQLite identifier.
// Only allows alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}

// withLock runs fn while holding the cross-process write lock.
func (s *SQLiteJournal) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock journal: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock journal: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

// RecordDeployment appends a deployment and sets rec.ID.
func (s *SQLiteJournal) RecordDeployment(ctx context.Context, rec *types.DeploymentRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return s.withLock(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO deployments (chain_id, contract, address, tx_hash, deployer, gas_used, block_number, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ChainID, string(rec.Contract), rec.Address, rec.TxHash, rec.Deployer,
			int64(rec.GasUsed), int64(rec.BlockNumber), rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("record deployment: %w", err)
		}
		rec.ID, _ = res.LastInsertId()
		return nil
	})
}

// RecordPool appends a pool creation and sets rec.ID.
func (s *SQLiteJournal) RecordPool(ctx context.Context, rec *types.PoolRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return s.withLock(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO pools (chain_id, factory, token0, token1, pair, tx_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rec.ChainID, rec.Factory, rec.Token0, rec.Token1, rec.Pair, rec.TxHash, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("record pool: %w", err)
		}
		rec.ID, _ = res.LastInsertId()
		return nil
	})
}

// ListDeployments returns deployments on chainID, newest first.
func (s *SQLiteJournal) ListDeployments(ctx context.Context, chainID int64, limit, offset int) (*types.PaginatedDeployments, error) {
	// Get total count
	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM deployments WHERE chain_id = ?", chainID).Scan(&total)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chain_id, contract, address, tx_hash, deployer,
			COALESCE(gas_used, 0), COALESCE(block_number, 0), created_at
		FROM deployments
		WHERE chain_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, chainID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := []types.DeploymentRecord{}
	for rows.Next() {
		var (
			rec      types.DeploymentRecord
			contract string
			gasUsed  int64
			block    int64
		)
		if err := rows.Scan(&rec.ID, &rec.ChainID, &contract, &rec.Address, &rec.TxHash, &rec.Deployer,
			&gasUsed, &block, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Contract = types.ContractName(contract)
		rec.GasUsed = uint64(gasUsed)
		rec.BlockNumber = uint64(block)
		deployments = append(deployments, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &types.PaginatedDeployments{
		Deployments: deployments,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	}, nil
}

// ListPools returns pools created on chainID in creation order.
func (s *SQLiteJournal) ListPools(ctx context.Context, chainID int64) ([]types.PoolRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chain_id, factory, token0, token1, pair, tx_hash, created_at
		FROM pools
		WHERE chain_id = ?
		ORDER BY id
	`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pools := []types.PoolRecord{}
	for rows.Next() {
		var rec types.PoolRecord
		if err := rows.Scan(&rec.ID, &rec.ChainID, &rec.Factory, &rec.Token0, &rec.Token1,
			&rec.Pair, &rec.TxHash, &rec.CreatedAt); err != nil {
			return nil, err
		}
		pools = append(pools, rec)
	}
	return pools, rows.Err()
}
