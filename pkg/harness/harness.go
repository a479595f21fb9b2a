// Package harness provisions isolated test databases for scenario runs:
// a dedicated schema per run on relational stores, a dedicated numeric
// keyspace on key-value stores, plus transactions and full snapshots.
package harness

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrTransactionOpen is returned by Begin when a transaction is already
	// in progress, and by Restore when it cannot own the transaction.
	ErrTransactionOpen = errors.New("transaction already in progress")

	// ErrNoTransaction is returned by Commit/Rollback without an open transaction.
	ErrNoTransaction = errors.New("no transaction in progress")

	// ErrUnsupported is returned for operations the backend cannot serve
	// (e.g. SQL queries against a key-value store).
	ErrUnsupported = errors.New("operation not supported by this backend")
)

// Backend selects the storage engine behind a TestDatabase.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
)

// CleanupStrategy controls what teardown does with the isolated data.
type CleanupStrategy string

const (
	CleanupTruncate CleanupStrategy = "truncate" // empty all known tables/keys
	CleanupDrop     CleanupStrategy = "drop"     // remove the isolated schema entirely
	CleanupNone     CleanupStrategy = "none"     // leave data for inspection
)

// Config describes the database a scenario run should get.
type Config struct {
	Name    string
	Backend Backend
	// DSN overrides the sqlite data source; empty means a private in-memory
	// database named after the isolation schema.
	DSN string
	// Addr is the redis address for BackendRedis.
	Addr    string
	Cleanup CleanupStrategy
	Logger  *zap.Logger
}

// Snapshot is an immutable capture of a database's full contents, keyed by
// table name (relational) or key name (key-value).
type Snapshot struct {
	ID        string                      `json:"id"`
	Database  string                      `json:"database"`
	Tables    map[string][]map[string]any `json:"tables"`
	CreatedAt time.Time                   `json:"created_at"`
}

// TestDatabase is one isolated database owned by a single scenario run.
type TestDatabase struct {
	name    string
	backend Backend
	schema  string
	cleanup CleanupStrategy
	logger  *zap.Logger

	// relational
	db *gorm.DB
	tx *gorm.DB

	// key-value
	rdb      *redis.Client
	keyspace int
	kvtx     redis.Pipeliner
}

var keyspaceCounter atomic.Int64

// allocateKeyspace hands out redis logical database indexes 1..15 round-robin.
// Index 0 is left alone so test runs never collide with default clients.
func allocateKeyspace() int {
	n := keyspaceCounter.Add(1)
	return int(1 + (n-1)%15)
}

// newSchemaName generates a per-run isolation schema name.
func newSchemaName() string {
	return fmt.Sprintf("dito_%s", uuid.NewString()[:8])
}

// Setup provisions an isolated TestDatabase per the config. The caller
// owns the returned handle and must Close it at teardown.
func Setup(ctx context.Context, cfg Config) (*TestDatabase, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Cleanup == "" {
		cfg.Cleanup = CleanupDrop
	}
	if cfg.Name == "" {
		cfg.Name = "testdb"
	}

	switch cfg.Backend {
	case BackendSQLite, "":
		return setupSQLite(ctx, cfg)
	case BackendRedis:
		return setupRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Name returns the logical database name.
func (t *TestDatabase) Name() string { return t.name }

// Backend returns the backing store type.
func (t *TestDatabase) Backend() Backend { return t.backend }

// Schema returns the isolation schema name (relational) or the keyspace
// label (key-value).
func (t *TestDatabase) Schema() string { return t.schema }

// InTransaction reports whether a transaction is open.
func (t *TestDatabase) InTransaction() bool {
	return t.tx != nil || t.kvtx != nil
}
