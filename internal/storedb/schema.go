package storedb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/localmail/storecore/internal/storeerr"
)

const createKeysTable = `CREATE TABLE IF NOT EXISTS keys (
	key   TEXT PRIMARY KEY,
	value TEXT
)`

const createFoldersTable = `CREATE TABLE IF NOT EXISTS folders (
	folder_id    INTEGER PRIMARY KEY,
	name         TEXT UNIQUE NOT NULL,
	version      INTEGER NOT NULL DEFAULT 0,
	flags        INTEGER NOT NULL DEFAULT 0,
	next_uid     INTEGER NOT NULL DEFAULT 1,
	last_sync    INTEGER NOT NULL DEFAULT 0,
	saved_count  INTEGER NOT NULL DEFAULT 0,
	unread_count INTEGER NOT NULL DEFAULT 0,
	deleted_count INTEGER NOT NULL DEFAULT 0,
	junk_count   INTEGER NOT NULL DEFAULT 0,
	visible_count INTEGER NOT NULL DEFAULT 0,
	junk_not_deleted_count INTEGER NOT NULL DEFAULT 0,
	bdata        TEXT NOT NULL DEFAULT ''
)`

const messageColumns = `
	uid TEXT NOT NULL,
	flags INTEGER NOT NULL DEFAULT 0,
	msg_type INTEGER NOT NULL DEFAULT 0,
	dirty INTEGER NOT NULL DEFAULT 0,
	size INTEGER NOT NULL DEFAULT 0,
	dsent INTEGER NOT NULL DEFAULT 0,
	dreceived INTEGER NOT NULL DEFAULT 0,
	subject TEXT NOT NULL DEFAULT '',
	mail_from TEXT NOT NULL DEFAULT '',
	mail_to TEXT NOT NULL DEFAULT '',
	mail_cc TEXT NOT NULL DEFAULT '',
	mlist TEXT NOT NULL DEFAULT '',
	part TEXT NOT NULL DEFAULT '',
	labels TEXT NOT NULL DEFAULT '',
	usertags TEXT NOT NULL DEFAULT '',
	cinfo TEXT NOT NULL DEFAULT '',
	bdata TEXT NOT NULL DEFAULT '',
	userheaders TEXT NOT NULL DEFAULT '',
	preview TEXT NOT NULL DEFAULT '',
	PRIMARY KEY(uid)
`

func messagesTableName(folderID int64) string {
	return fmt.Sprintf("messages_%d", folderID)
}

func createMessagesTableSQL(folderID int64) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", messagesTableName(folderID), messageColumns)
}

func createMessagesIndexSQL(folderID int64) string {
	tbl := messagesTableName(folderID)
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_uid_flags ON %s (uid, flags)", tbl, tbl)
}

func (db *DB) ensureKeysTable() error {
	_, err := db.sqlDB.Exec(createKeysTable)
	if err != nil {
		return storeerr.FromSQLite("storedb.ensureKeysTable", err)
	}
	return nil
}

// migrateIfNeeded brings the file up to the modern schema: a
// brand-new file gets it directly; an existing file without
// folders.folder_id is in the legacy "one table per folder, named
// after the folder" layout and is migrated in a single transaction.
func (db *DB) migrateIfNeeded() error {
	const op = "storedb.migrate"
	ctx := context.Background()

	exists, err := db.tableExists(ctx, "folders")
	if err != nil {
		return err
	}
	if !exists {
		tx, err := db.sqlDB.BeginTx(ctx, nil)
		if err != nil {
			return storeerr.FromSQLite(op, err)
		}
		defer tx.Rollback()
		if _, err := tx.Exec(createFoldersTable); err != nil {
			return storeerr.FromSQLite(op, err)
		}
		if err := setVersionKeys(tx, CurrentFoldersVersion, CurrentMessagesVersion); err != nil {
			return err
		}
		return storeerr.FromSQLite(op, tx.Commit())
	}

	hasFolderID, err := db.columnExists(ctx, "folders", "folder_id")
	if err != nil {
		return err
	}
	if hasFolderID {
		// Already on the modern schema; make sure the version keys
		// are present (e.g. a file that predates the keys table).
		tx, err := db.sqlDB.BeginTx(ctx, nil)
		if err != nil {
			return storeerr.FromSQLite(op, err)
		}
		defer tx.Rollback()
		if err := ensureVersionKeys(tx); err != nil {
			return err
		}
		return storeerr.FromSQLite(op, tx.Commit())
	}

	return db.migrateLegacySchema(ctx)
}

func (db *DB) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := db.sqlDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	if err != nil {
		return false, storeerr.FromSQLite("storedb.tableExists", err)
	}
	return n > 0, nil
}

func (db *DB) columnExists(ctx context.Context, table, column string) (bool, error) {
	rows, err := db.sqlDB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, storeerr.FromSQLite("storedb.columnExists", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name, ctyp string
			notnull    int
			dflt       sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctyp, &notnull, &dflt, &pk); err != nil {
			return false, storeerr.FromSQLite("storedb.columnExists", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, nil
}

func setVersionKeys(tx *sql.Tx, foldersVersion, messagesVersion int) error {
	if _, err := tx.Exec(createKeysTable); err != nil {
		return storeerr.FromSQLite("storedb.setVersionKeys", err)
	}
	for _, kv := range []struct {
		key string
		val int
	}{
		{KeyFoldersVersion, foldersVersion},
		{KeyMessagesVersion, messagesVersion},
	} {
		if _, err := tx.Exec(
			`INSERT INTO keys (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			kv.key, fmt.Sprintf("%d", kv.val)); err != nil {
			return storeerr.FromSQLite("storedb.setVersionKeys", err)
		}
	}
	return nil
}

func ensureVersionKeys(tx *sql.Tx) error {
	var n int
	if err := tx.QueryRow("SELECT COUNT(*) FROM keys WHERE key IN (?, ?)",
		KeyFoldersVersion, KeyMessagesVersion).Scan(&n); err != nil {
		return storeerr.FromSQLite("storedb.ensureVersionKeys", err)
	}
	if n >= 2 {
		return nil
	}
	return setVersionKeys(tx, CurrentFoldersVersion, CurrentMessagesVersion)
}

// migrateLegacySchema collects legacy folder names, allocates dense
// folder ids, stages rows through a temporary unified table, drops
// legacy objects, writes the keys table, then splits the staged rows
// back out into per-folder messages_<id> tables.
func (db *DB) migrateLegacySchema(ctx context.Context) error {
	const op = "storedb.migrateLegacySchema"
	log := db.log.With().Str("op", op).Logger()

	tx, err := db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storeerr.FromSQLite(op, err)
	}
	defer tx.Rollback()

	// Step 1: collect legacy folder names. The legacy `folders` table
	// has a `name`-equivalent column but no folder_id; we accept
	// either `name` or `folder_name` for robustness against older
	// Camel-derived dumps.
	nameCol := "name"
	if ok, _ := db.columnExists(ctx, "folders", "folder_name"); ok {
		nameCol = "folder_name"
	}
	rows, err := tx.Query(fmt.Sprintf("SELECT %s FROM folders ORDER BY %s", nameCol, nameCol))
	if err != nil {
		return storeerr.FromSQLite(op, err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return storeerr.FromSQLite(op, err)
		}
		names = append(names, n)
	}
	rows.Close()

	log.Info().Int("folders", len(names)).Msg("migrating legacy schema")

	// Step 2: allocate folder ids 1..N and step 3: stage a temporary
	// unified table with the modern column set. No primary key here:
	// uids are only unique within a folder.
	if _, err := tx.Exec(`CREATE TEMPORARY TABLE staged_messages (
		folder_id INTEGER, uid TEXT, flags INTEGER, msg_type INTEGER, dirty INTEGER,
		size INTEGER, dsent INTEGER, dreceived INTEGER, subject TEXT, mail_from TEXT,
		mail_to TEXT, mail_cc TEXT, mlist TEXT, part TEXT, labels TEXT, usertags TEXT,
		cinfo TEXT, bdata TEXT, userheaders TEXT, preview TEXT)`); err != nil {
		return storeerr.FromSQLite(op, err)
	}

	ids := make(map[string]int64, len(names))
	for i, name := range names {
		id := int64(i + 1)
		ids[name] = id

		legacyTable := legacyTableName(name)
		if exists, _ := db.tableExists(ctx, legacyTable); exists {
			insert := fmt.Sprintf(`INSERT INTO staged_messages
				(folder_id, uid, flags, msg_type, dirty, size, dsent, dreceived,
				 subject, mail_from, mail_to, mail_cc, mlist, part, labels,
				 usertags, cinfo, bdata, userheaders, preview)
				SELECT %d, uid, flags, msg_type, dirty, size, dsent, dreceived,
				 subject, mail_from, mail_to, mail_cc, mlist, part, labels,
				 usertags, cinfo, bdata, '', ''
				FROM %s`, id, legacyTable)
			if _, err := tx.Exec(insert); err != nil {
				return storeerr.FromSQLite(op, fmt.Errorf("copy %s: %w", legacyTable, err))
			}
		}
	}

	// Rebuild the folders table with the modern column set, carrying
	// the allocated ids; the legacy table lacks the counter columns.
	if _, err := tx.Exec("ALTER TABLE folders RENAME TO folders_legacy"); err != nil {
		return storeerr.FromSQLite(op, err)
	}
	if _, err := tx.Exec(createFoldersTable); err != nil {
		return storeerr.FromSQLite(op, err)
	}
	for _, name := range names {
		if _, err := tx.Exec("INSERT INTO folders (folder_id, name) VALUES (?, ?)", ids[name], name); err != nil {
			return storeerr.FromSQLite(op, err)
		}
	}
	if _, err := tx.Exec("DROP TABLE folders_legacy"); err != nil {
		return storeerr.FromSQLite(op, err)
	}

	// Step 4: drop legacy per-folder tables and their indexes.
	for _, name := range names {
		legacyTable := legacyTableName(name)
		if _, err := tx.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", legacyTable)); err != nil {
			return storeerr.FromSQLite(op, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("DROP INDEX IF EXISTS idx_%s", legacyTable)); err != nil {
			return storeerr.FromSQLite(op, err)
		}
	}

	// Step 5: create keys table, record versions.
	if err := setVersionKeys(tx, CurrentFoldersVersion, CurrentMessagesVersion); err != nil {
		return err
	}

	// Step 6: create each per-folder messages_<id> table and move
	// rows out of the staging table.
	for _, id := range ids {
		if _, err := tx.Exec(createMessagesTableSQL(id)); err != nil {
			return storeerr.FromSQLite(op, err)
		}
		if _, err := tx.Exec(createMessagesIndexSQL(id)); err != nil {
			return storeerr.FromSQLite(op, err)
		}
		insert := fmt.Sprintf(`INSERT INTO %s
			(uid, flags, msg_type, dirty, size, dsent, dreceived, subject,
			 mail_from, mail_to, mail_cc, mlist, part, labels, usertags,
			 cinfo, bdata, userheaders, preview)
			SELECT uid, flags, msg_type, dirty, size, dsent, dreceived, subject,
			 mail_from, mail_to, mail_cc, mlist, part, labels, usertags,
			 cinfo, bdata, userheaders, preview
			FROM staged_messages WHERE folder_id = ?`, messagesTableName(id))
		if _, err := tx.Exec(insert, id); err != nil {
			return storeerr.FromSQLite(op, err)
		}
	}
	if _, err := tx.Exec("DROP TABLE staged_messages"); err != nil {
		return storeerr.FromSQLite(op, err)
	}

	// Step 7: commit, then best-effort vacuum outside the transaction.
	if err := tx.Commit(); err != nil {
		return storeerr.FromSQLite(op, err)
	}
	if _, err := db.sqlDB.Exec("VACUUM"); err != nil {
		log.Warn().Err(err).Msg("post-migration VACUUM failed (non-fatal)")
	}
	return nil
}

func legacyTableName(folderName string) string {
	// Legacy Camel tables are named directly after the folder; '/'
	// cannot appear in a bare table name, so hierarchical folders
	// were flattened with '/' -> '_' in the legacy store.
	out := make([]rune, 0, len(folderName))
	for _, r := range folderName {
		if r == '/' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
