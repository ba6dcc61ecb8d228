// Package mh implements the MH local folder adapter: one file per
// message named by a decimal integer, with an optional .folders index
// and symlink-safe tree scanning.
package mh

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/localmail/storecore/internal/localfolder/common"
	"github.com/localmail/storecore/internal/logging"
	"github.com/localmail/storecore/internal/storeerr"
)

// Adapter implements common.Adapter over an MH directory tree.
type Adapter struct {
	dir   string
	lock  *common.FileLock
	log   zerolog.Logger
	state *common.State
}

// Open opens (creating if absent) the MH directory at dir, along with
// the folder's state file next to it.
func Open(dir string) (*Adapter, error) {
	const op = "mh.Open"
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, storeerr.New(storeerr.KindIO, op, err)
	}
	return &Adapter{
		dir:   dir,
		lock:  common.NewFileLock(filepath.Join(dir, ".lock"), common.DefaultLockConfig),
		log:   logging.WithComponent("mh"),
		state: common.OpenState(dir),
	}, nil
}

// nextUID scans dir for the largest existing numeric filename and
// returns max+1.
func (a *Adapter) nextUID() (int64, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, err := strconv.ParseInt(e.Name(), 10, 64); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

// Append writes message to a new file named by the next decimal uid.
// A failed write unlinks the partial file.
func (a *Adapter) Append(ctx context.Context, message common.Message) (string, error) {
	const op = "mh.Append"
	if err := ctx.Err(); err != nil {
		return "", storeerr.FromContext(ctx, op)
	}
	if err := a.lock.Lock(false); err != nil {
		return "", err
	}
	defer a.lock.Unlock()

	uid, err := a.nextUID()
	if err != nil {
		return "", storeerr.New(storeerr.KindIO, op, err)
	}
	name := strconv.FormatInt(uid, 10)
	path := filepath.Join(a.dir, name)
	if err := os.WriteFile(path, message.Raw, 0600); err != nil {
		os.Remove(path)
		return "", storeerr.New(storeerr.KindIO, op, err)
	}
	return name, nil
}

// GetMessage returns the raw bytes of uid.
func (a *Adapter) GetMessage(ctx context.Context, uid string) ([]byte, error) {
	const op = "mh.GetMessage"
	data, err := os.ReadFile(filepath.Join(a.dir, uid))
	if os.IsNotExist(err) {
		return nil, storeerr.New(storeerr.KindNotFound, op, nil)
	}
	if err != nil {
		return nil, storeerr.New(storeerr.KindIO, op, err)
	}
	return data, nil
}

// GetFilename returns the absolute path of uid's file.
func (a *Adapter) GetFilename(ctx context.Context, uid string) (string, error) {
	path := filepath.Join(a.dir, uid)
	if _, err := os.Stat(path); err != nil {
		return "", storeerr.New(storeerr.KindNotFound, "mh.GetFilename", nil)
	}
	return path, nil
}

// CmpUIDs compares two MH filenames numerically.
func (a *Adapter) CmpUIDs(x, y string) int {
	nx, ex := strconv.ParseInt(x, 10, 64)
	ny, ey := strconv.ParseInt(y, 10, 64)
	if ex == nil && ey == nil {
		switch {
		case nx < ny:
			return -1
		case nx > ny:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(x, y)
}

// SortUIDs sorts uids numerically in place.
func (a *Adapter) SortUIDs(uids []string) {
	sort.SliceStable(uids, func(i, j int) bool { return a.CmpUIDs(uids[i], uids[j]) < 0 })
}

// Transfer moves or copies uids into dest. A same-device move uses
// os.Rename directly; a cross-device move falls back to copy+delete
// on EXDEV.
func (a *Adapter) Transfer(ctx context.Context, uids []string, dest common.Adapter, deleteOriginals bool) error {
	destMH, sameType := dest.(*Adapter)
	for _, uid := range uids {
		if sameType && deleteOriginals {
			newUID, err := destMH.nextUID()
			if err != nil {
				return storeerr.New(storeerr.KindIO, "mh.Transfer", err)
			}
			src := filepath.Join(a.dir, uid)
			dst := filepath.Join(destMH.dir, strconv.FormatInt(newUID, 10))
			if err := os.Rename(src, dst); err == nil {
				continue
			}
			// EXDEV or other rename failure: fall through to copy+delete.
		}
		raw, err := a.GetMessage(ctx, uid)
		if err != nil {
			return err
		}
		if _, err := dest.Append(ctx, common.Message{Raw: raw}); err != nil {
			return err
		}
		if deleteOriginals {
			os.Remove(filepath.Join(a.dir, uid))
		}
	}
	return nil
}

// RefreshInfo walks the tree following subdirectories, defeating
// symlink loops with a visited (device, inode) set, and returns every
// numeric uid found on disk as added. It keeps no record of earlier
// scans and no modification set, so removed and changed are always
// empty.
func (a *Adapter) RefreshInfo(ctx context.Context) ([]string, []string, []string, error) {
	const op = "mh.RefreshInfo"
	visited := common.NewVisitedSet()
	var found []string
	err := a.walk(a.dir, visited, &found)
	if err != nil {
		return nil, nil, nil, storeerr.New(storeerr.KindIO, op, err)
	}
	return found, nil, nil, nil
}

func (a *Adapter) walk(dir string, visited *common.VisitedSet, found *[]string) error {
	if already, err := visited.Visit(dir); err != nil {
		return err
	} else if already {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if err := a.walk(full, visited, found); err != nil {
				return err
			}
			continue
		}
		if _, err := strconv.ParseInt(e.Name(), 10, 64); err == nil {
			*found = append(*found, e.Name())
		}
	}
	return nil
}

// Expunge removes nothing and returns no uids: MH carries no
// deleted-set of its own, so this adapter cannot tell which files are
// deleted. ExpungeUIDs removes an explicitly given set.
func (a *Adapter) Expunge(ctx context.Context) ([]string, error) {
	return nil, nil
}

// ExpungeUIDs removes exactly the given files.
func (a *Adapter) ExpungeUIDs(ctx context.Context, uids []string) ([]string, error) {
	var removed []string
	for _, uid := range uids {
		if err := os.Remove(filepath.Join(a.dir, uid)); err == nil {
			removed = append(removed, uid)
		}
	}
	return removed, nil
}

// RewriteFoldersIndex rewrites the optional .folders index, replacing
// any line beginning with oldPrefix with one beginning newPrefix, so
// a folder rename keeps the index consistent.
func (a *Adapter) RewriteFoldersIndex(oldPrefix, newPrefix string) error {
	const op = "mh.RewriteFoldersIndex"
	path := filepath.Join(a.dir, ".folders")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return storeerr.New(storeerr.KindIO, op, err)
	}
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, oldPrefix) {
			lines[i] = newPrefix + line[len(oldPrefix):]
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")), 0600); err != nil {
		return storeerr.New(storeerr.KindIO, op, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return storeerr.New(storeerr.KindIO, op, err)
	}
	return nil
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
