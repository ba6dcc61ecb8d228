package storedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/localmail/storecore/internal/storeerr"
)

// FolderID resolves folderName to its stable folder id, for callers
// (storesearch) that need to build raw SQL against a folder's message
// table themselves.
func (db *DB) FolderID(ctx context.Context, folderName string) (int64, error) {
	return db.folderID(ctx, db.reader(ctx), folderName)
}

// MessagesTable returns the per-folder message table name for
// folderID, exported for storesearch's compiled SELECTs.
func (db *DB) MessagesTable(folderID int64) string { return messagesTableName(folderID) }

// Querier is the read-only SQL surface storesearch compiles its
// SELECTs against.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Reader returns the querier a read should run against (the active
// WriteTxn if ctx carries one, otherwise the shared pool), letting
// storesearch's SELECTs see a writer's own uncommitted changes the
// same way the rest of this package's reads do.
func (db *DB) Reader(ctx context.Context) Querier { return db.reader(ctx) }

func (db *DB) folderID(ctx context.Context, q querier, folderName string) (int64, error) {
	const op = "storedb.folderID"
	var id int64
	err := q.QueryRowContext(ctx, "SELECT folder_id FROM folders WHERE name = ?", folderName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storeerr.New(storeerr.KindNotFound, op, nil)
	}
	if err != nil {
		return 0, storeerr.FromSQLite(op, err)
	}
	return id, nil
}

// WriteMessage upserts record into folderName's message table.
func (db *DB) WriteMessage(ctx context.Context, folderName string, record MessageRecord) error {
	const op = "storedb.WriteMessage"
	ctx, wt, err := db.WriterLock(ctx)
	if err != nil {
		return err
	}
	id, err := db.folderID(ctx, wt.Tx(), folderName)
	if err != nil {
		db.AbortTransaction(wt)
		return err
	}
	table := messagesTableName(id)
	dirty := 0
	if record.Dirty {
		dirty = 1
	}
	_, err = wt.Tx().ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s
		(uid, flags, msg_type, dirty, size, dsent, dreceived, subject, mail_from,
		 mail_to, mail_cc, mlist, part, labels, usertags, cinfo, bdata, userheaders, preview)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET flags=excluded.flags, msg_type=excluded.msg_type,
		 dirty=excluded.dirty, size=excluded.size, dsent=excluded.dsent,
		 dreceived=excluded.dreceived, subject=excluded.subject, mail_from=excluded.mail_from,
		 mail_to=excluded.mail_to, mail_cc=excluded.mail_cc, mlist=excluded.mlist,
		 part=excluded.part, labels=excluded.labels, usertags=excluded.usertags,
		 cinfo=excluded.cinfo, bdata=excluded.bdata, userheaders=excluded.userheaders,
		 preview=excluded.preview`, table),
		record.UID, record.Flags, record.MsgType, dirty, record.Size, record.DSent, record.DReceived,
		record.Subject, record.MailFrom, record.MailTo, record.MailCC, record.MList, record.Part,
		record.Labels, record.UserTags, record.CInfo, record.BData, record.UserHeaders, record.Preview)
	if err != nil {
		db.AbortTransaction(wt)
		return storeerr.FromSQLite(op, err)
	}
	return db.EndTransaction(wt)
}

// ReadMessage returns one message record, or ok=false if the uid
// does not exist.
func (db *DB) ReadMessage(ctx context.Context, folderName, uid string) (MessageRecord, bool, error) {
	const op = "storedb.ReadMessage"
	id, err := db.folderID(ctx, db.reader(ctx), folderName)
	if err != nil {
		return MessageRecord{}, false, err
	}
	row := db.reader(ctx).QueryRowContext(ctx, fmt.Sprintf(
		`SELECT uid, flags, msg_type, dirty, size, dsent, dreceived, subject, mail_from,
		 mail_to, mail_cc, mlist, part, labels, usertags, cinfo, bdata, userheaders, preview
		 FROM %s WHERE uid = ?`, messagesTableName(id)), uid)
	r, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRecord{}, false, nil
	}
	if err != nil {
		return MessageRecord{}, false, storeerr.FromSQLite(op, err)
	}
	return r, true, nil
}

func scanMessage(row *sql.Row) (MessageRecord, error) {
	var r MessageRecord
	var dirty int
	err := row.Scan(&r.UID, &r.Flags, &r.MsgType, &dirty, &r.Size, &r.DSent, &r.DReceived,
		&r.Subject, &r.MailFrom, &r.MailTo, &r.MailCC, &r.MList, &r.Part, &r.Labels,
		&r.UserTags, &r.CInfo, &r.BData, &r.UserHeaders, &r.Preview)
	r.Dirty = dirty != 0
	return r, err
}

// ReadMessages calls fn once per message row in folderName, in uid
// order. Returning a non-nil error from fn stops the scan early and
// is propagated to the caller.
func (db *DB) ReadMessages(ctx context.Context, folderName string, fn func(MessageRecord) error) error {
	const op = "storedb.ReadMessages"
	id, err := db.folderID(ctx, db.reader(ctx), folderName)
	if err != nil {
		return err
	}
	rows, err := db.reader(ctx).QueryContext(ctx, fmt.Sprintf(
		`SELECT uid, flags, msg_type, dirty, size, dsent, dreceived, subject, mail_from,
		 mail_to, mail_cc, mlist, part, labels, usertags, cinfo, bdata, userheaders, preview
		 FROM %s ORDER BY uid`, messagesTableName(id)))
	if err != nil {
		return storeerr.FromSQLite(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var r MessageRecord
		var dirty int
		if err := rows.Scan(&r.UID, &r.Flags, &r.MsgType, &dirty, &r.Size, &r.DSent, &r.DReceived,
			&r.Subject, &r.MailFrom, &r.MailTo, &r.MailCC, &r.MList, &r.Part, &r.Labels,
			&r.UserTags, &r.CInfo, &r.BData, &r.UserHeaders, &r.Preview); err != nil {
			return storeerr.FromSQLite(op, err)
		}
		r.Dirty = dirty != 0
		if err := ctx.Err(); err != nil {
			return storeerr.FromContext(ctx, op)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return storeerr.FromSQLite(op, rows.Err())
}

// DeleteMessage removes one uid.
func (db *DB) DeleteMessage(ctx context.Context, folderName, uid string) error {
	return db.DeleteMessages(ctx, folderName, []string{uid})
}

// DeleteMessages removes a batch of uids inside one transaction.
func (db *DB) DeleteMessages(ctx context.Context, folderName string, uids []string) error {
	const op = "storedb.DeleteMessages"
	if len(uids) == 0 {
		return nil
	}
	ctx, wt, err := db.WriterLock(ctx)
	if err != nil {
		return err
	}
	id, err := db.folderID(ctx, wt.Tx(), folderName)
	if err != nil {
		db.AbortTransaction(wt)
		return err
	}
	table := messagesTableName(id)
	placeholders, args := inClause(uids)
	_, err = wt.Tx().ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE uid IN (%s)", table, placeholders), args...)
	if err != nil {
		db.AbortTransaction(wt)
		return storeerr.FromSQLite(op, err)
	}
	return db.EndTransaction(wt)
}

func inClause(uids []string) (string, []any) {
	ph := ""
	args := make([]any, len(uids))
	for i, u := range uids {
		if i > 0 {
			ph += ","
		}
		ph += "?"
		args[i] = u
	}
	return ph, args
}

// countExpr maps a CountKind to its flag-mask WHERE fragment.
func countExpr(kind CountKind) string {
	seen := int(MessageSeen)
	junk := int(MessageJunk)
	deleted := int(MessageDeleted)
	switch kind {
	case CountTotal:
		return "1=1"
	case CountUnread:
		return fmt.Sprintf("(flags & %d) = 0", seen)
	case CountJunk:
		return fmt.Sprintf("(flags & %d) != 0", junk)
	case CountDeleted:
		return fmt.Sprintf("(flags & %d) != 0", deleted)
	case CountNotJunkNotDeleted:
		return fmt.Sprintf("(flags & %d) = 0 AND (flags & %d) = 0", junk, deleted)
	case CountNotJunkNotDeletedUnread:
		return fmt.Sprintf("(flags & %d) = 0 AND (flags & %d) = 0 AND (flags & %d) = 0", junk, deleted, seen)
	case CountJunkNotDeleted:
		return fmt.Sprintf("(flags & %d) != 0 AND (flags & %d) = 0", junk, deleted)
	default:
		return "1=1"
	}
}

// CountMessages counts messages in folderName matching kind.
func (db *DB) CountMessages(ctx context.Context, folderName string, kind CountKind) (int64, error) {
	const op = "storedb.CountMessages"
	id, err := db.folderID(ctx, db.reader(ctx), folderName)
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.reader(ctx).QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE %s", messagesTableName(id), countExpr(kind))).Scan(&n)
	if err != nil {
		return 0, storeerr.FromSQLite(op, err)
	}
	return n, nil
}

// DupUidsWithFlags returns a fresh copy of every uid->flags pair in
// folderName.
func (db *DB) DupUidsWithFlags(ctx context.Context, folderName string) (map[string]MessageFlag, error) {
	return db.dupUidsWhere(ctx, folderName, "1=1")
}

// DupJunkUids returns uids with the junk flag set.
func (db *DB) DupJunkUids(ctx context.Context, folderName string) (map[string]MessageFlag, error) {
	return db.dupUidsWhere(ctx, folderName, countExpr(CountJunk))
}

// DupDeletedUids returns uids with the deleted flag set.
func (db *DB) DupDeletedUids(ctx context.Context, folderName string) (map[string]MessageFlag, error) {
	return db.dupUidsWhere(ctx, folderName, countExpr(CountDeleted))
}

func (db *DB) dupUidsWhere(ctx context.Context, folderName, where string) (map[string]MessageFlag, error) {
	const op = "storedb.dupUidsWhere"
	id, err := db.folderID(ctx, db.reader(ctx), folderName)
	if err != nil {
		return nil, err
	}
	rows, err := db.reader(ctx).QueryContext(ctx, fmt.Sprintf(
		"SELECT uid, flags FROM %s WHERE %s", messagesTableName(id), where))
	if err != nil {
		return nil, storeerr.FromSQLite(op, err)
	}
	defer rows.Close()
	out := make(map[string]MessageFlag)
	for rows.Next() {
		var uid string
		var flags MessageFlag
		if err := rows.Scan(&uid, &flags); err != nil {
			return nil, storeerr.FromSQLite(op, err)
		}
		out[uid] = flags
	}
	return out, storeerr.FromSQLite(op, rows.Err())
}
