// Package storedb is the durable store: a single SQLite file per
// account holding a `folders` table, one `messages_<folder_id>` table
// per folder, and a `keys` table of versioned metadata. It owns
// schema migration, writer/reader locking, and the registered scalar
// functions the search compiler emits calls to.
package storedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/localmail/storecore/internal/iosched"
	"github.com/localmail/storecore/internal/logging"
	"github.com/localmail/storecore/internal/storeerr"
)

// SQLite in WAL mode only supports one writer at a time, so a large
// pool just adds contention.
const (
	MaxOpenConns  = 8
	BaseIdleConns = 2
	MaxIdleConns  = 4

	// CheckpointIdle is how long the deferred-sync timer waits for
	// writes to go quiet before checkpointing.
	CheckpointIdle = 5 * time.Second
)

// Reserved key names.
const (
	KeyFoldersVersion  = "csdb::folders_version"
	KeyMessagesVersion = "csdb::messages_version"
	userKeyPrefix      = "user::"

	// CurrentFoldersVersion / CurrentMessagesVersion are the schema
	// versions this package writes/expects.
	CurrentFoldersVersion  = 1
	CurrentMessagesVersion = 1
)

// DB is a single StoreDB file: one embedded SQL connection pool, one
// writer mutex, and an IoScheduler draining deferred checkpoints.
type DB struct {
	sqlDB    *sql.DB
	path     string
	log      zerolog.Logger
	writerMu sync.Mutex
	sched    iosched.Scheduler
}

type writeTxnKey struct{}

// WriteTxn is the recursive writer-lock handle: nested WriterLock
// calls against a context that already carries one issue a named
// SAVEPOINT instead of acquiring a new transaction.
type WriteTxn struct {
	tx    *sql.Tx
	depth int
}

// Tx exposes the underlying transaction for callers building queries.
func (w *WriteTxn) Tx() *sql.Tx { return w.tx }

// Open opens or creates the StoreDB file at path. If the file exists
// but the engine reports it unreadable/corrupt, the original file is
// renamed to "<path>.corrupt" and a fresh file is created in its
// place.
func Open(path string) (*DB, error) {
	const op = "storedb.Open"
	log := logging.WithComponent("storedb")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, storeerr.New(storeerr.KindIO, op, err)
		}
	}

	db, err := openSQLite(path)
	if err != nil {
		if storeerr.Is(err, storeerr.KindCorrupt) {
			log.Warn().Str("path", path).Msg("database file unreadable, rescuing to .corrupt")
			if rerr := os.Rename(path, path+".corrupt"); rerr != nil && !os.IsNotExist(rerr) {
				return nil, storeerr.New(storeerr.KindIO, op, rerr)
			}
			db, err = openSQLite(path)
		}
		if err != nil {
			return nil, err
		}
	}

	sdb := &DB{sqlDB: db, path: path, log: log}
	sdb.sched = iosched.NewTimer(CheckpointIdle, sdb.checkpoint)

	if err := sdb.ensureKeysTable(); err != nil {
		db.Close()
		return nil, err
	}
	if err := sdb.migrateIfNeeded(); err != nil {
		db.Close()
		return nil, err
	}
	return sdb, nil
}

func openSQLite(path string) (*sql.DB, error) {
	const op = "storedb.open"
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(%s)",
		path, cacheSizePragma())
	if os.Getenv("CAMEL_SQLITE_IN_MEMORY") != "" {
		dsn += "&_pragma=journal_mode(MEMORY)&_pragma=temp_store(MEMORY)"
	}
	if os.Getenv("CAMEL_SQLITE_SHARED_CACHE") != "" {
		dsn += "&cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeerr.New(storeerr.KindIO, op, err)
	}
	db.SetMaxOpenConns(MaxOpenConns)
	db.SetMaxIdleConns(BaseIdleConns)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storeerr.FromSQLite(op, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, storeerr.New(storeerr.KindIO, op, err)
	}
	return db, nil
}

// cacheSizePragma honors CAMEL_SQLITE_DEFAULT_CACHE_SIZE, falling
// back to 64MB.
func cacheSizePragma() string {
	if v := os.Getenv("CAMEL_SQLITE_DEFAULT_CACHE_SIZE"); v != "" {
		return v
	}
	return "-64000"
}

func (db *DB) checkpoint() error {
	_, err := db.sqlDB.Exec("PRAGMA wal_checkpoint(PASSIVE)")
	if err != nil {
		return storeerr.FromSQLite("storedb.checkpoint", err)
	}
	// CAMEL_SQLITE_FREE_CACHE disables the periodic memory release.
	if os.Getenv("CAMEL_SQLITE_FREE_CACHE") == "" {
		db.sqlDB.Exec("PRAGMA shrink_memory")
	}
	return nil
}

// Close drains any pending deferred sync and closes the connection
// pool.
func (db *DB) Close() error {
	if err := db.sched.Close(); err != nil {
		db.log.Error().Err(err).Msg("final checkpoint failed")
	}
	return db.sqlDB.Close()
}

// Path returns the file path this DB was opened from.
func (db *DB) Path() string { return db.path }

// WriterLock acquires (or, if ctx already carries one, extends) the
// recursive writer lock. The returned context must be passed to
// nested calls that should join this transaction. Every WriterLock
// must be matched by exactly one EndTransaction or AbortTransaction.
func (db *DB) WriterLock(ctx context.Context) (context.Context, *WriteTxn, error) {
	const op = "storedb.WriterLock"
	if err := storeerr.FromContext(ctx, op); err != nil {
		return ctx, nil, err
	}
	if wt, ok := ctx.Value(writeTxnKey{}).(*WriteTxn); ok {
		wt.depth++
		sp := savepointName(wt.depth)
		if _, err := wt.tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			wt.depth--
			return ctx, nil, storeerr.FromSQLite(op, err)
		}
		return ctx, wt, nil
	}

	db.writerMu.Lock()
	tx, err := db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		db.writerMu.Unlock()
		return ctx, nil, storeerr.FromSQLite(op, err)
	}
	wt := &WriteTxn{tx: tx}
	return context.WithValue(ctx, writeTxnKey{}, wt), wt, nil
}

func savepointName(depth int) string { return fmt.Sprintf("sp_%d", depth) }

// EndTransaction commits the innermost open savepoint/transaction
// held by wt.
func (db *DB) EndTransaction(wt *WriteTxn) error {
	const op = "storedb.EndTransaction"
	if wt.depth > 0 {
		sp := savepointName(wt.depth)
		wt.depth--
		if _, err := wt.tx.Exec("RELEASE SAVEPOINT " + sp); err != nil {
			return storeerr.FromSQLite(op, err)
		}
		return nil
	}
	err := wt.tx.Commit()
	db.writerMu.Unlock()
	if err != nil {
		return storeerr.FromSQLite(op, err)
	}
	db.sched.Nudge()
	return nil
}

// AbortTransaction rolls back to the innermost savepoint and releases
// it, or rolls back the whole transaction at depth 0.
func (db *DB) AbortTransaction(wt *WriteTxn) error {
	const op = "storedb.AbortTransaction"
	if wt.depth > 0 {
		sp := savepointName(wt.depth)
		wt.depth--
		if _, err := wt.tx.Exec("ROLLBACK TO SAVEPOINT " + sp); err != nil {
			return storeerr.FromSQLite(op, err)
		}
		// ROLLBACK TO does not pop the savepoint; release it so a
		// later lock at the same depth starts clean.
		if _, err := wt.tx.Exec("RELEASE SAVEPOINT " + sp); err != nil {
			return storeerr.FromSQLite(op, err)
		}
		return nil
	}
	err := wt.tx.Rollback()
	db.writerMu.Unlock()
	if err != nil {
		return storeerr.FromSQLite(op, err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting read
// helpers run either inside an active WriteTxn or directly against
// the pool.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// reader returns the querier a read should run against: the active
// WriteTxn if ctx carries one (so reads see the writer's own
// uncommitted changes), otherwise the shared pool.
func (db *DB) reader(ctx context.Context) querier {
	if wt, ok := ctx.Value(writeTxnKey{}).(*WriteTxn); ok {
		return wt.tx
	}
	return db.sqlDB
}
