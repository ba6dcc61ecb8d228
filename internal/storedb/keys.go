package storedb

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/localmail/storecore/internal/storeerr"
)

// userKey returns the "user::"-prefixed key isolating caller keys
// from internal ones such as csdb::folders_version.
func userKey(key string) string { return userKeyPrefix + key }

// GetIntKey reads a caller key as an integer, returning ok=false if
// unset (a missing key is not an error, matching ReadFolder's
// zero-value convention).
func (db *DB) GetIntKey(ctx context.Context, key string) (value int64, ok bool, err error) {
	s, ok, err := db.getRawKey(ctx, userKey(key))
	if err != nil || !ok {
		return 0, ok, err
	}
	n, perr := strconv.ParseInt(s, 10, 64)
	if perr != nil {
		return 0, false, storeerr.New(storeerr.KindInvalid, "storedb.GetIntKey", perr)
	}
	return n, true, nil
}

// SetIntKey stores a caller key as an integer.
func (db *DB) SetIntKey(ctx context.Context, key string, value int64) error {
	return db.setRawKey(ctx, userKey(key), strconv.FormatInt(value, 10))
}

// DupStringKey reads a caller key as a string, returning "" if unset.
func (db *DB) DupStringKey(ctx context.Context, key string) (string, error) {
	s, _, err := db.getRawKey(ctx, userKey(key))
	return s, err
}

// SetStringKey stores a caller key as a string.
func (db *DB) SetStringKey(ctx context.Context, key, value string) error {
	return db.setRawKey(ctx, userKey(key), value)
}

// FoldersVersion returns the internal csdb::folders_version key.
func (db *DB) FoldersVersion(ctx context.Context) (int64, error) {
	v, _, err := db.getInternalIntKey(ctx, KeyFoldersVersion)
	return v, err
}

// MessagesVersion returns the internal csdb::messages_version key.
func (db *DB) MessagesVersion(ctx context.Context) (int64, error) {
	v, _, err := db.getInternalIntKey(ctx, KeyMessagesVersion)
	return v, err
}

func (db *DB) getInternalIntKey(ctx context.Context, key string) (int64, bool, error) {
	s, ok, err := db.getRawKey(ctx, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	n, perr := strconv.ParseInt(s, 10, 64)
	if perr != nil {
		return 0, false, storeerr.New(storeerr.KindInvalid, "storedb.getInternalIntKey", perr)
	}
	return n, true, nil
}

func (db *DB) getRawKey(ctx context.Context, key string) (string, bool, error) {
	const op = "storedb.getRawKey"
	var value string
	err := db.reader(ctx).QueryRowContext(ctx, "SELECT value FROM keys WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, storeerr.FromSQLite(op, err)
	}
	return value, true, nil
}

func (db *DB) setRawKey(ctx context.Context, key, value string) error {
	const op = "storedb.setRawKey"
	ctx, wt, err := db.WriterLock(ctx)
	if err != nil {
		return err
	}
	_, err = wt.Tx().ExecContext(ctx,
		`INSERT INTO keys (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		db.AbortTransaction(wt)
		return storeerr.FromSQLite(op, err)
	}
	return db.EndTransaction(wt)
}
