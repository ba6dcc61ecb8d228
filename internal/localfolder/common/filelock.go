package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/localmail/storecore/internal/logging"
	"github.com/localmail/storecore/internal/storeerr"
)

// FileLock serializes cross-process access to one on-disk folder via
// an flock() advisory lock for the life of the process plus an
// optional dotlock file for interop with tools that only honor
// dotlocks.
type FileLock struct {
	path    string
	dotPath string
	f       *os.File
	dotHeld bool
	cfg     LockConfig
}

// NewFileLock returns a lock bound to path (the folder's primary
// file or directory). Nothing is locked until Lock is called.
func NewFileLock(path string, cfg LockConfig) *FileLock {
	return &FileLock{path: path, dotPath: path + ".lock", cfg: cfg}
}

// Lock acquires the flock() advisory lock and, if dotlock is true,
// the dotlock file too, retrying per cfg.
func (l *FileLock) Lock(dotlock bool) error {
	const op = "common.FileLock.Lock"
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return storeerr.New(storeerr.KindIO, op, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return storeerr.New(storeerr.KindIO, op, err)
	}
	l.f = f

	if dotlock {
		if err := l.acquireDotlock(); err != nil {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
			l.f = nil
			return err
		}
	}
	return nil
}

func (l *FileLock) acquireDotlock() error {
	const op = "common.FileLock.acquireDotlock"
	log := logging.WithComponent("localfolder-lock")
	for attempt := 0; attempt <= l.cfg.Retries; attempt++ {
		if l.breakStaleDotlock() {
			log.Warn().Str("path", l.dotPath).Msg("removed stale dotlock")
		}
		content := []byte(strconv.Itoa(os.Getpid()) + "\n")
		tmp := l.dotPath + "." + strconv.Itoa(os.Getpid())
		if err := os.WriteFile(tmp, content, 0600); err != nil {
			return storeerr.New(storeerr.KindIO, op, err)
		}
		if err := os.Link(tmp, l.dotPath); err == nil {
			os.Remove(tmp)
			l.dotHeld = true
			return nil
		}
		os.Remove(tmp)
		if attempt < l.cfg.Retries {
			time.Sleep(l.cfg.Delay)
		}
	}
	return storeerr.New(storeerr.KindIO, op, fmt.Errorf("dotlock %s held after %d retries", l.dotPath, l.cfg.Retries))
}

// breakStaleDotlock removes the dotlock file if it is older than
// cfg.Staleness. Returns true if it removed one.
func (l *FileLock) breakStaleDotlock() bool {
	fi, err := os.Stat(l.dotPath)
	if err != nil {
		return false
	}
	if time.Since(fi.ModTime()) > l.cfg.Staleness {
		os.Remove(l.dotPath)
		return true
	}
	return false
}

// Unlock releases the dotlock (if held) and the flock.
func (l *FileLock) Unlock() error {
	if l.dotHeld {
		os.Remove(l.dotPath)
		l.dotHeld = false
	}
	if l.f != nil {
		unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
		l.f.Close()
		l.f = nil
	}
	return nil
}

// visitedKey identifies a (device, inode) pair, used by the MH
// adapter to defeat symlink loops while walking a tree.
type visitedKey struct {
	dev, ino uint64
}

// VisitedSet tracks (device, inode) pairs already walked.
type VisitedSet struct {
	seen map[visitedKey]bool
}

// NewVisitedSet returns an empty VisitedSet.
func NewVisitedSet() *VisitedSet { return &VisitedSet{seen: make(map[visitedKey]bool)} }

// Visit records path's (device, inode) and reports whether it had
// already been visited.
func (v *VisitedSet) Visit(path string) (alreadyVisited bool, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return false, fmt.Errorf("%s: stat_t unavailable", filepath.Clean(path))
	}
	key := visitedKey{dev: uint64(st.Dev), ino: st.Ino}
	if v.seen[key] {
		return true, nil
	}
	v.seen[key] = true
	return false, nil
}
