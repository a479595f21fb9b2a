package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
)

func setupSQLite(ctx context.Context, cfg Config) (*TestDatabase, error) {
	schema := newSchemaName()
	dsn := cfg.DSN
	if dsn == "" {
		// A private shared-cache in-memory database named after the schema:
		// every run gets its own store, so isolation holds by construction.
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", schema)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	t := &TestDatabase{
		name:    cfg.Name,
		backend: BackendSQLite,
		schema:  schema,
		cleanup: cfg.Cleanup,
		logger:  cfg.Logger,
		db:      db,
	}
	t.logger.Debug("test database provisioned",
		zap.String("name", t.name),
		zap.String("schema", schema),
		zap.String("backend", string(BackendSQLite)))
	return t, nil
}

// conn returns the open transaction if one exists, otherwise the base handle.
func (t *TestDatabase) conn() *gorm.DB {
	if t.tx != nil {
		return t.tx
	}
	return t.db
}

// Query runs a parameterized SQL query and returns the rows as maps.
func (t *TestDatabase) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	if t.backend != BackendSQLite {
		return nil, ErrUnsupported
	}
	var rows []map[string]any
	if err := t.conn().WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return rows, nil
}

// Exec runs a parameterized SQL statement.
func (t *TestDatabase) Exec(ctx context.Context, stmt string, args ...any) error {
	if t.backend != BackendSQLite {
		return ErrUnsupported
	}
	if err := t.conn().WithContext(ctx).Exec(stmt, args...).Error; err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// Begin opens a transaction. A second Begin while one is open is an error.
func (t *TestDatabase) Begin(ctx context.Context) error {
	if t.InTransaction() {
		return ErrTransactionOpen
	}
	switch t.backend {
	case BackendSQLite:
		tx := t.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return fmt.Errorf("begin: %w", tx.Error)
		}
		t.tx = tx
	case BackendRedis:
		t.kvtx = t.rdb.TxPipeline()
	}
	return nil
}

// Commit commits the open transaction.
func (t *TestDatabase) Commit(ctx context.Context) error {
	if !t.InTransaction() {
		return ErrNoTransaction
	}
	switch t.backend {
	case BackendSQLite:
		err := t.tx.Commit().Error
		t.tx = nil
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	case BackendRedis:
		_, err := t.kvtx.Exec(ctx)
		t.kvtx = nil
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	return nil
}

// Rollback discards the open transaction.
func (t *TestDatabase) Rollback(ctx context.Context) error {
	if !t.InTransaction() {
		return ErrNoTransaction
	}
	switch t.backend {
	case BackendSQLite:
		err := t.tx.Rollback().Error
		t.tx = nil
		if err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
	case BackendRedis:
		t.kvtx.Discard()
		t.kvtx = nil
	}
	return nil
}

// tables lists user tables in the isolated database.
func (t *TestDatabase) tables(ctx context.Context) ([]string, error) {
	var names []string
	err := t.conn().WithContext(ctx).
		Raw(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`).
		Scan(&names).Error
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

// Snapshot captures the full row set of every table currently present.
func (t *TestDatabase) Snapshot(ctx context.Context) (*Snapshot, error) {
	if t.backend == BackendRedis {
		return t.snapshotKV(ctx)
	}
	names, err := t.tables(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		ID:        uuid.NewString(),
		Database:  t.name,
		Tables:    make(map[string][]map[string]any, len(names)),
		CreatedAt: time.Now(),
	}
	for _, name := range names {
		var rows []map[string]any
		if err := t.conn().WithContext(ctx).Table(name).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("snapshot table %s: %w", name, err)
		}
		snap.Tables[name] = rows
	}
	t.logger.Debug("snapshot captured",
		zap.String("snapshot", snap.ID),
		zap.Int("tables", len(snap.Tables)))
	return snap, nil
}

// Restore replaces the contents of every table in the snapshot with the
// captured rows, inside a single transaction with referential-integrity
// checks deferred. Either the whole snapshot is restored or nothing is.
func (t *TestDatabase) Restore(ctx context.Context, snap *Snapshot) error {
	if t.backend == BackendRedis {
		return t.restoreKV(ctx, snap)
	}
	if t.InTransaction() {
		return ErrTransactionOpen
	}

	tx := t.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("restore begin: %w", tx.Error)
	}
	if err := t.restoreTables(tx, snap); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("restore commit: %w", err)
	}
	t.logger.Debug("snapshot restored", zap.String("snapshot", snap.ID))
	return nil
}

func (t *TestDatabase) restoreTables(tx *gorm.DB, snap *Snapshot) error {
	// Foreign keys stay deferred for the rest of this transaction, so
	// truncate/reinsert order does not matter.
	if err := tx.Exec("PRAGMA defer_foreign_keys = ON").Error; err != nil {
		return fmt.Errorf("defer foreign keys: %w", err)
	}
	for name, rows := range snap.Tables {
		if err := tx.Exec("DELETE FROM " + quoteIdent(name)).Error; err != nil {
			return fmt.Errorf("truncate %s: %w", name, err)
		}
		if len(rows) == 0 {
			continue
		}
		if err := tx.Table(name).Create(&rows).Error; err != nil {
			return fmt.Errorf("reinsert %s: %w", name, err)
		}
	}
	return nil
}

// Exists reports whether a row matching conds exists in table.
func (t *TestDatabase) Exists(ctx context.Context, table string, conds map[string]any) (bool, error) {
	if t.backend == BackendRedis {
		return t.existsKV(ctx, table)
	}
	var count int64
	q := t.conn().WithContext(ctx).Table(table)
	if len(conds) > 0 {
		q = q.Where(conds)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, fmt.Errorf("exists %s: %w", table, err)
	}
	return count > 0, nil
}

// Cleanup applies the configured cleanup strategy.
func (t *TestDatabase) Cleanup(ctx context.Context) error {
	if t.backend == BackendRedis {
		return t.cleanupKV(ctx)
	}
	switch t.cleanup {
	case CleanupNone:
		return nil
	case CleanupTruncate, CleanupDrop:
		names, err := t.tables(ctx)
		if err != nil {
			return err
		}
		stmt := "DELETE FROM "
		if t.cleanup == CleanupDrop {
			stmt = "DROP TABLE IF EXISTS "
		}
		for _, name := range names {
			if err := t.db.WithContext(ctx).Exec(stmt + quoteIdent(name)).Error; err != nil {
				return fmt.Errorf("cleanup %s: %w", name, err)
			}
		}
	}
	return nil
}

// Close releases the backing connection. Any open transaction is rolled back.
func (t *TestDatabase) Close() error {
	if t.InTransaction() {
		_ = t.Rollback(context.Background())
	}
	if t.backend == BackendRedis {
		return t.rdb.Close()
	}
	sqlDB, err := t.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
