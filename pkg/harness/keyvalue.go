package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupRedis(ctx context.Context, cfg Config) (*TestDatabase, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	keyspace := allocateKeyspace()
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   keyspace,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s db %d: %w", addr, keyspace, err)
	}

	t := &TestDatabase{
		name:     cfg.Name,
		backend:  BackendRedis,
		schema:   fmt.Sprintf("keyspace-%d", keyspace),
		cleanup:  cfg.Cleanup,
		logger:   cfg.Logger,
		rdb:      rdb,
		keyspace: keyspace,
	}
	t.logger.Debug("test database provisioned",
		zap.String("name", t.name),
		zap.Int("keyspace", keyspace),
		zap.String("backend", string(BackendRedis)))
	return t, nil
}

// Keyspace returns the allocated redis logical database index.
func (t *TestDatabase) Keyspace() int { return t.keyspace }

// Set writes a string value into the isolated keyspace. Writes route
// through the open transaction pipeline when one exists.
func (t *TestDatabase) Set(ctx context.Context, key, value string) error {
	if t.backend != BackendRedis {
		return ErrUnsupported
	}
	if t.kvtx != nil {
		t.kvtx.Set(ctx, key, value, 0)
		return nil
	}
	return t.rdb.Set(ctx, key, value, 0).Err()
}

// Get reads a string value from the isolated keyspace.
func (t *TestDatabase) Get(ctx context.Context, key string) (string, error) {
	if t.backend != BackendRedis {
		return "", ErrUnsupported
	}
	return t.rdb.Get(ctx, key).Result()
}

// snapshotKV captures every key in the keyspace via DUMP.
func (t *TestDatabase) snapshotKV(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		ID:        uuid.NewString(),
		Database:  t.name,
		Tables:    make(map[string][]map[string]any),
		CreatedAt: time.Now(),
	}
	iter := t.rdb.Scan(ctx, 0, "*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		dump, err := t.rdb.Dump(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("dump key %s: %w", key, err)
		}
		snap.Tables[key] = []map[string]any{{"dump": dump}}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	return snap, nil
}

// restoreKV flushes the keyspace and restores every dumped key inside one
// MULTI/EXEC pipeline, so the restore is observed atomically.
func (t *TestDatabase) restoreKV(ctx context.Context, snap *Snapshot) error {
	if t.InTransaction() {
		return ErrTransactionOpen
	}
	pipe := t.rdb.TxPipeline()
	pipe.FlushDB(ctx)
	for key, rows := range snap.Tables {
		if len(rows) == 0 {
			continue
		}
		dump, ok := rows[0]["dump"].(string)
		if !ok {
			return fmt.Errorf("snapshot entry for key %s has no dump payload", key)
		}
		pipe.RestoreReplace(ctx, key, 0, dump)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("restore keyspace: %w", err)
	}
	t.logger.Debug("snapshot restored", zap.String("snapshot", snap.ID))
	return nil
}

func (t *TestDatabase) existsKV(ctx context.Context, key string) (bool, error) {
	n, err := t.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (t *TestDatabase) cleanupKV(ctx context.Context) error {
	switch t.cleanup {
	case CleanupNone:
		return nil
	default:
		// Truncate and drop are the same operation for a numeric keyspace.
		return t.rdb.FlushDB(ctx).Err()
	}
}
