// Package maildir implements the maildir local folder adapter: three
// sibling directories tmp/cur/new, info-suffixed filenames, and
// maildir++ folder-name flattening.
package maildir

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/localmail/storecore/internal/localfolder/common"
	"github.com/localmail/storecore/internal/logging"
	"github.com/localmail/storecore/internal/storedb"
	"github.com/localmail/storecore/internal/storeerr"
)

// infoFlagOrder is maildir++'s sorted single-character flag alphabet,
// mapped 1:1 to summary flags.
var infoFlagOrder = []struct {
	ch   byte
	flag storedb.MessageFlag
}{
	{'D', storedb.MessageDraft},
	{'F', storedb.MessageFlagged},
	{'R', storedb.MessageAnswered},
	{'S', storedb.MessageSeen},
	{'T', storedb.MessageDeleted},
}

// Adapter implements common.Adapter over a maildir tree.
type Adapter struct {
	root  string // flattened directory, e.g. ".Archive.2024"
	lock  *common.FileLock
	log   zerolog.Logger
	state *common.State
	seq   int64
	known map[string]storedb.MessageFlag
}

// Open opens (creating if absent) the maildir tree at root, which
// must already contain or will be given tmp/cur/new subdirectories,
// along with the folder's state file next to it.
func Open(root string) (*Adapter, error) {
	const op = "maildir.Open"
	for _, sub := range []string{"tmp", "cur", "new"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0700); err != nil {
			return nil, storeerr.New(storeerr.KindIO, op, err)
		}
	}
	return &Adapter{
		root:  root,
		lock:  common.NewFileLock(filepath.Join(root, ".lock"), common.DefaultLockConfig),
		log:   logging.WithComponent("maildir"),
		state: common.OpenState(root),
	}, nil
}

// FlattenFolderName implements maildir++ naming: folder names
// containing "/" are flattened into one directory name prefixed with
// "." and with "/" replaced by ".".
func FlattenFolderName(folderName string) string {
	return "." + strings.ReplaceAll(folderName, "/", ".")
}

// infoSuffix encodes flags as maildir++'s "2," + sorted flag chars.
func infoSuffix(flags storedb.MessageFlag) string {
	var chars []byte
	seen := make(map[byte]bool)
	for _, e := range infoFlagOrder {
		if flags.Has(e.flag) && !seen[e.ch] {
			chars = append(chars, e.ch)
			seen[e.ch] = true
		}
	}
	sort.Slice(chars, func(i, j int) bool { return chars[i] < chars[j] })
	return "2," + string(chars)
}

func flagsFromInfo(info string) storedb.MessageFlag {
	var flags storedb.MessageFlag
	if !strings.HasPrefix(info, "2,") {
		return 0
	}
	for _, c := range info[2:] {
		for _, e := range infoFlagOrder {
			if byte(c) == e.ch {
				flags |= e.flag
			}
		}
	}
	return flags
}

// parseFilename splits "<uid>:<info>" into its parts.
func parseFilename(name string) (uid, info string) {
	i := strings.IndexByte(name, ':')
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

func (a *Adapter) curPath(uid string, flags storedb.MessageFlag) string {
	return filepath.Join(a.root, "cur", uid+":"+infoSuffix(flags))
}

// Append writes message to tmp/<uid> then renames to cur/<uid>:info.
// A failed write or rename unlinks the tmp file.
func (a *Adapter) Append(ctx context.Context, message common.Message) (string, error) {
	const op = "maildir.Append"
	if err := ctx.Err(); err != nil {
		return "", storeerr.FromContext(ctx, op)
	}
	if err := a.lock.Lock(false); err != nil {
		return "", err
	}
	defer a.lock.Unlock()

	n := atomic.AddInt64(&a.seq, 1)
	uid := strconv.FormatInt(time.Now().Unix(), 10) + "." + strconv.FormatInt(n, 10)
	tmp := filepath.Join(a.root, "tmp", uid)
	if err := os.WriteFile(tmp, message.Raw, 0600); err != nil {
		os.Remove(tmp)
		return "", storeerr.New(storeerr.KindIO, op, err)
	}
	dest := a.curPath(uid, storedb.MessageFlag(message.Flags))
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", storeerr.New(storeerr.KindIO, op, err)
	}
	return uid, nil
}

func (a *Adapter) findFile(uid string) (string, storedb.MessageFlag, error) {
	for _, sub := range []string{"cur", "new"} {
		dir := filepath.Join(a.root, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			u, info := parseFilename(e.Name())
			if u == uid {
				return filepath.Join(dir, e.Name()), flagsFromInfo(info), nil
			}
		}
	}
	return "", 0, storeerr.New(storeerr.KindNotFound, "maildir.findFile", nil)
}

// GetMessage returns the raw bytes of uid.
func (a *Adapter) GetMessage(ctx context.Context, uid string) ([]byte, error) {
	path, _, err := a.findFile(uid)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, storeerr.New(storeerr.KindIO, "maildir.GetMessage", err)
	}
	return data, nil
}

// GetFilename returns the absolute path backing uid.
func (a *Adapter) GetFilename(ctx context.Context, uid string) (string, error) {
	path, _, err := a.findFile(uid)
	return path, err
}

// SetFlags renames uid's file with an updated info suffix, moving it
// from new/ into cur/ if it is still in new/.
func (a *Adapter) SetFlags(uid string, flags storedb.MessageFlag) error {
	const op = "maildir.SetFlags"
	old, _, err := a.findFile(uid)
	if err != nil {
		return err
	}
	dest := a.curPath(uid, flags)
	if old == dest {
		return nil
	}
	if err := os.Rename(old, dest); err != nil {
		return storeerr.New(storeerr.KindIO, op, err)
	}
	return nil
}

// CmpUIDs compares uids lexically; maildir uids are already
// time-ordered by construction.
func (a *Adapter) CmpUIDs(x, y string) int { return strings.Compare(x, y) }

// SortUIDs sorts uids in place, lexically. Callers needing
// received-date tiebreaking sort via summary.Summary.Tiebreak
// instead.
func (a *Adapter) SortUIDs(uids []string) {
	sort.Strings(uids)
}

// Transfer attempts rename() first for a same-store
// maildir-to-maildir move, falling back to copy+delete on a
// cross-device failure.
func (a *Adapter) Transfer(ctx context.Context, uids []string, dest common.Adapter, deleteOriginals bool) error {
	destMD, sameType := dest.(*Adapter)
	for _, uid := range uids {
		if sameType {
			old, flags, err := a.findFile(uid)
			if err != nil {
				return err
			}
			newPath := destMD.curPath(uid, flags)
			if err := os.Rename(old, newPath); err == nil {
				continue
			}
			// EXDEV: fall through to copy+delete.
		}
		raw, err := a.GetMessage(ctx, uid)
		if err != nil {
			return err
		}
		if _, err := dest.Append(ctx, common.Message{Raw: raw}); err != nil {
			return err
		}
		if deleteOriginals {
			if old, _, err := a.findFile(uid); err == nil {
				os.Remove(old)
			}
		}
	}
	return nil
}

// RefreshInfo reconciles on-disk state in new/ and cur/ against the
// last scan, correlating uid and info-flags per filename with what
// was seen before.
func (a *Adapter) RefreshInfo(ctx context.Context) (added, removed, changed []string, err error) {
	seen := make(map[string]storedb.MessageFlag)
	for _, sub := range []string{"cur", "new"} {
		dir := filepath.Join(a.root, sub)
		entries, derr := os.ReadDir(dir)
		if derr != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			uid, info := parseFilename(e.Name())
			seen[uid] = flagsFromInfo(info)
		}
	}
	if a.known == nil {
		a.known = make(map[string]storedb.MessageFlag)
	}
	for uid, flags := range seen {
		prior, ok := a.known[uid]
		switch {
		case !ok:
			added = append(added, uid)
		case prior != flags:
			changed = append(changed, uid)
		}
	}
	for uid := range a.known {
		if _, ok := seen[uid]; !ok {
			removed = append(removed, uid)
		}
	}
	a.known = seen
	return added, removed, changed, nil
}

// Expunge permanently removes every file whose info suffix carries
// the Deleted flag.
func (a *Adapter) Expunge(ctx context.Context) ([]string, error) {
	const op = "maildir.Expunge"
	var removed []string
	for _, sub := range []string{"cur", "new"} {
		dir := filepath.Join(a.root, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			uid, info := parseFilename(e.Name())
			if flagsFromInfo(info).Has(storedb.MessageDeleted) {
				if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
					return removed, storeerr.New(storeerr.KindIO, op, err)
				}
				removed = append(removed, uid)
			}
		}
	}
	return removed, nil
}

// Options returns the folder's persistent option bag.
func (a *Adapter) Options() *common.State { return a.state }

// DeleteStateFile removes the folder's state file.
func (a *Adapter) DeleteStateFile() error { return a.state.Remove() }

// Close flushes dirty options and releases any held locks.
func (a *Adapter) Close() error {
	if a.state.Dirty() {
		return a.state.Save()
	}
	return nil
}

var _ common.Adapter = (*Adapter)(nil)
