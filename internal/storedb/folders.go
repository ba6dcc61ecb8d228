package storedb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/localmail/storecore/internal/storeerr"
)

// ListFolders returns every known folder name, in folder_id order.
func (db *DB) ListFolders(ctx context.Context) ([]string, error) {
	const op = "storedb.ListFolders"
	rows, err := db.reader(ctx).QueryContext(ctx, "SELECT name FROM folders ORDER BY folder_id")
	if err != nil {
		return nil, storeerr.FromSQLite(op, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storeerr.FromSQLite(op, err)
		}
		names = append(names, name)
	}
	return names, storeerr.FromSQLite(op, rows.Err())
}

// WriteFolder upserts record under folder_name. If the folder is new,
// folder_id is assigned max(folder_id)+1 and a fresh messages_<id>
// table (plus its (uid,flags) index) is created.
func (db *DB) WriteFolder(ctx context.Context, folderName string, record FolderRecord) (FolderRecord, error) {
	const op = "storedb.WriteFolder"
	ctx, wt, err := db.WriterLock(ctx)
	if err != nil {
		return FolderRecord{}, err
	}

	existing, err := db.readFolderTx(ctx, wt.Tx(), folderName)
	if err != nil {
		db.AbortTransaction(wt)
		return FolderRecord{}, err
	}

	record.Name = folderName
	if existing.Exists() {
		record.FolderID = existing.FolderID
		if err := db.updateFolderRow(ctx, wt.Tx(), record); err != nil {
			db.AbortTransaction(wt)
			return FolderRecord{}, err
		}
	} else {
		var maxID sql.NullInt64
		if err := wt.Tx().QueryRowContext(ctx, "SELECT MAX(folder_id) FROM folders").Scan(&maxID); err != nil {
			db.AbortTransaction(wt)
			return FolderRecord{}, storeerr.FromSQLite(op, err)
		}
		record.FolderID = maxID.Int64 + 1
		if err := db.insertFolderRow(ctx, wt.Tx(), record); err != nil {
			db.AbortTransaction(wt)
			return FolderRecord{}, err
		}
		if _, err := wt.Tx().ExecContext(ctx, createMessagesTableSQL(record.FolderID)); err != nil {
			db.AbortTransaction(wt)
			return FolderRecord{}, storeerr.FromSQLite(op, err)
		}
		if _, err := wt.Tx().ExecContext(ctx, createMessagesIndexSQL(record.FolderID)); err != nil {
			db.AbortTransaction(wt)
			return FolderRecord{}, storeerr.FromSQLite(op, err)
		}
	}

	if err := db.EndTransaction(wt); err != nil {
		return FolderRecord{}, err
	}
	return record, nil
}

// ReadFolder returns the folder record for folderName, or a zero
// record (FolderID == 0) if it does not exist. A missing folder is
// not an error.
func (db *DB) ReadFolder(ctx context.Context, folderName string) (FolderRecord, error) {
	return db.readFolderTx(ctx, db.reader(ctx), folderName)
}

func (db *DB) readFolderTx(ctx context.Context, q querier, folderName string) (FolderRecord, error) {
	const op = "storedb.ReadFolder"
	var r FolderRecord
	row := q.QueryRowContext(ctx, `SELECT folder_id, name, version, flags, next_uid, last_sync,
		saved_count, unread_count, deleted_count, junk_count, visible_count,
		junk_not_deleted_count, bdata FROM folders WHERE name = ?`, folderName)
	err := row.Scan(&r.FolderID, &r.Name, &r.Version, &r.Flags, &r.NextUID, &r.LastSync,
		&r.SavedCount, &r.UnreadCount, &r.DeletedCount, &r.JunkCount, &r.VisibleCount,
		&r.JunkNotDelCnt, &r.BackendData)
	if errors.Is(err, sql.ErrNoRows) {
		return FolderRecord{}, nil
	}
	if err != nil {
		return FolderRecord{}, storeerr.FromSQLite(op, err)
	}
	return r, nil
}

func (db *DB) insertFolderRow(ctx context.Context, tx *sql.Tx, r FolderRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO folders
		(folder_id, name, version, flags, next_uid, last_sync, saved_count,
		 unread_count, deleted_count, junk_count, visible_count,
		 junk_not_deleted_count, bdata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.FolderID, r.Name, r.Version, r.Flags, r.NextUID, r.LastSync, r.SavedCount,
		r.UnreadCount, r.DeletedCount, r.JunkCount, r.VisibleCount, r.JunkNotDelCnt, r.BackendData)
	if err != nil {
		return storeerr.FromSQLite("storedb.insertFolderRow", err)
	}
	return nil
}

func (db *DB) updateFolderRow(ctx context.Context, tx *sql.Tx, r FolderRecord) error {
	_, err := tx.ExecContext(ctx, `UPDATE folders SET version=?, flags=?, next_uid=?, last_sync=?,
		saved_count=?, unread_count=?, deleted_count=?, junk_count=?, visible_count=?,
		junk_not_deleted_count=?, bdata=? WHERE folder_id=?`,
		r.Version, r.Flags, r.NextUID, r.LastSync, r.SavedCount, r.UnreadCount,
		r.DeletedCount, r.JunkCount, r.VisibleCount, r.JunkNotDelCnt, r.BackendData, r.FolderID)
	if err != nil {
		return storeerr.FromSQLite("storedb.updateFolderRow", err)
	}
	return nil
}

// RenameFolder renames old to new, preserving folder_id. Fails with
// KindNotFound if old is missing, KindExists if new is already taken.
func (db *DB) RenameFolder(ctx context.Context, oldName, newName string) error {
	const op = "storedb.RenameFolder"
	ctx, wt, err := db.WriterLock(ctx)
	if err != nil {
		return err
	}

	existing, err := db.readFolderTx(ctx, wt.Tx(), oldName)
	if err != nil {
		db.AbortTransaction(wt)
		return err
	}
	if !existing.Exists() {
		db.AbortTransaction(wt)
		return storeerr.New(storeerr.KindNotFound, op, nil)
	}
	target, err := db.readFolderTx(ctx, wt.Tx(), newName)
	if err != nil {
		db.AbortTransaction(wt)
		return err
	}
	if target.Exists() {
		db.AbortTransaction(wt)
		return storeerr.New(storeerr.KindExists, op, nil)
	}

	if _, err := wt.Tx().ExecContext(ctx, "UPDATE folders SET name = ? WHERE folder_id = ?",
		newName, existing.FolderID); err != nil {
		db.AbortTransaction(wt)
		return storeerr.FromSQLite(op, err)
	}
	return db.EndTransaction(wt)
}

// DeleteFolder drops the folder's messages table and its folders row
// in one transaction.
func (db *DB) DeleteFolder(ctx context.Context, folderName string) error {
	const op = "storedb.DeleteFolder"
	ctx, wt, err := db.WriterLock(ctx)
	if err != nil {
		return err
	}
	existing, err := db.readFolderTx(ctx, wt.Tx(), folderName)
	if err != nil {
		db.AbortTransaction(wt)
		return err
	}
	if !existing.Exists() {
		// Deleting a nonexistent folder is a no-op success: the
		// postcondition (read_folder(f).folder_id == 0) already holds.
		return db.EndTransaction(wt)
	}
	if _, err := wt.Tx().ExecContext(ctx, "DROP TABLE IF EXISTS "+messagesTableName(existing.FolderID)); err != nil {
		db.AbortTransaction(wt)
		return storeerr.FromSQLite(op, err)
	}
	if _, err := wt.Tx().ExecContext(ctx, "DELETE FROM folders WHERE folder_id = ?", existing.FolderID); err != nil {
		db.AbortTransaction(wt)
		return storeerr.FromSQLite(op, err)
	}
	return db.EndTransaction(wt)
}

// ClearFolder empties the messages table and zeroes all counters,
// inside one transaction.
func (db *DB) ClearFolder(ctx context.Context, folderName string) error {
	const op = "storedb.ClearFolder"
	ctx, wt, err := db.WriterLock(ctx)
	if err != nil {
		return err
	}
	existing, err := db.readFolderTx(ctx, wt.Tx(), folderName)
	if err != nil {
		db.AbortTransaction(wt)
		return err
	}
	if !existing.Exists() {
		db.AbortTransaction(wt)
		return storeerr.New(storeerr.KindNotFound, op, nil)
	}
	if _, err := wt.Tx().ExecContext(ctx, "DELETE FROM "+messagesTableName(existing.FolderID)); err != nil {
		db.AbortTransaction(wt)
		return storeerr.FromSQLite(op, err)
	}
	if _, err := wt.Tx().ExecContext(ctx, `UPDATE folders SET saved_count=0, unread_count=0,
		deleted_count=0, junk_count=0, visible_count=0, junk_not_deleted_count=0
		WHERE folder_id = ?`, existing.FolderID); err != nil {
		db.AbortTransaction(wt)
		return storeerr.FromSQLite(op, err)
	}
	return db.EndTransaction(wt)
}
