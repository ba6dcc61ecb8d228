// Package mbox implements the mbox local folder adapter: a single
// "From "-line-delimited file, with atomic build-tmp-then-rename
// expunge and flock/dotlock locking.
package mbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/localmail/storecore/internal/localfolder/common"
	"github.com/localmail/storecore/internal/logging"
	"github.com/localmail/storecore/internal/storeerr"
)

// offsetEntry records a message's byte range within the mbox file.
type offsetEntry struct {
	start, end int64 // [start, end) including the "From " line
}

// Adapter implements common.Adapter over a single mbox file.
type Adapter struct {
	path    string
	lock    *common.FileLock
	log     zerolog.Logger
	state   *common.State
	nextUID int64

	offsets map[string]offsetEntry
	scanned map[string]bool // uids seen by the last scan
}

// Open opens (creating if absent) the mbox file at path, along with
// the folder's state file next to it.
func Open(path string) (*Adapter, error) {
	const op = "mbox.Open"
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, storeerr.New(storeerr.KindIO, op, err)
	}
	f.Close()
	a := &Adapter{
		path:    path,
		lock:    common.NewFileLock(path, common.DefaultLockConfig),
		log:     logging.WithComponent("mbox"),
		state:   common.OpenState(path),
		offsets: make(map[string]offsetEntry),
	}
	if err := a.scan(); err != nil {
		return nil, err
	}
	return a, nil
}

// scan rebuilds the uid->offset index by walking "From " lines.
func (a *Adapter) scan() error {
	const op = "mbox.scan"
	data, err := os.ReadFile(a.path)
	if err != nil {
		return storeerr.New(storeerr.KindIO, op, err)
	}
	a.offsets = make(map[string]offsetEntry)
	var maxUID int64
	starts := fromLineOffsets(data)
	for i, start := range starts {
		end := int64(len(data))
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		uid, ok := uidFromMessage(data[start:end])
		if !ok {
			uid = strconv.FormatInt(int64(i)+1, 10)
		}
		a.offsets[uid] = offsetEntry{start: start, end: end}
		if n, err := strconv.ParseInt(uid, 10, 64); err == nil && n > maxUID {
			maxUID = n
		}
	}
	a.scanned = make(map[string]bool, len(a.offsets))
	for uid := range a.offsets {
		a.scanned[uid] = true
	}
	a.nextUID = maxUID + 1
	return nil
}

// fromLineOffsets returns the byte offset of every "From " line that
// starts a line (i.e. is preceded by a newline or is offset 0).
func fromLineOffsets(data []byte) []int64 {
	var offsets []int64
	if bytes.HasPrefix(data, []byte("From ")) {
		offsets = append(offsets, 0)
	}
	for i := 0; i < len(data)-5; i++ {
		if data[i] == '\n' && bytes.HasPrefix(data[i+1:], []byte("From ")) {
			offsets = append(offsets, int64(i+1))
		}
	}
	return offsets
}

// uidFromMessage extracts an "X-Uid:" header if present.
func uidFromMessage(msg []byte) (string, bool) {
	sc := bufio.NewScanner(bytes.NewReader(msg))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break // end of headers
		}
		if strings.HasPrefix(strings.ToLower(line), "x-uid:") {
			return strings.TrimSpace(line[len("x-uid:"):]), true
		}
	}
	return "", false
}

// quoteFromLines applies mbox ">From " quoting on write.
func quoteFromLines(body []byte) []byte {
	lines := bytes.Split(body, []byte("\n"))
	for i, line := range lines {
		trimmed := bytes.TrimRight(line, "\r")
		if bytes.HasPrefix(trimmed, []byte("From ")) || (len(trimmed) > 0 && trimmed[0] == '>' && bytes.HasPrefix(bytes.TrimLeft(trimmed, ">"), []byte("From "))) {
			lines[i] = append([]byte(">"), line...)
		}
	}
	return bytes.Join(lines, []byte("\n"))
}

// Append writes message to the end of the mbox file under the
// folder's flock and dotlock, assigning it the next decimal uid.
func (a *Adapter) Append(ctx context.Context, message common.Message) (string, error) {
	const op = "mbox.Append"
	if err := ctx.Err(); err != nil {
		return "", storeerr.FromContext(ctx, op)
	}
	if err := a.lock.Lock(true); err != nil {
		return "", err
	}
	defer a.lock.Unlock()

	uid := strconv.FormatInt(a.nextUID, 10)
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return "", storeerr.New(storeerr.KindIO, op, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", storeerr.New(storeerr.KindIO, op, err)
	}
	needSep := fi.Size() > 0

	var buf bytes.Buffer
	if needSep {
		buf.WriteString("\n")
	}
	fmt.Fprintf(&buf, "From storecore %s\r\n", time.Now().UTC().Format(time.ANSIC))
	fmt.Fprintf(&buf, "X-Uid: %s\r\n", uid)
	buf.Write(quoteFromLines(message.Raw))

	n, err := f.Write(buf.Bytes())
	if err != nil {
		// Failed append: best effort truncate back to the prior size
		// so no partial message is left at the tail.
		f.Truncate(fi.Size())
		return "", storeerr.New(storeerr.KindIO, op, err)
	}
	start := fi.Size()
	a.offsets[uid] = offsetEntry{start: start, end: start + int64(n)}
	if id, err := strconv.ParseInt(uid, 10, 64); err == nil && id >= a.nextUID {
		a.nextUID = id + 1
	}
	return uid, nil
}

// GetMessage returns the raw bytes of uid, with the "From " envelope
// line and the adapter's own X-Uid header stripped back off.
func (a *Adapter) GetMessage(ctx context.Context, uid string) ([]byte, error) {
	const op = "mbox.GetMessage"
	entry, ok := a.offsets[uid]
	if !ok {
		return nil, storeerr.New(storeerr.KindNotFound, op, nil)
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, storeerr.New(storeerr.KindIO, op, err)
	}
	if entry.end > int64(len(data)) {
		return nil, storeerr.New(storeerr.KindIO, op, fmt.Errorf("offset out of range for uid %s", uid))
	}
	return stripEnvelope(data[entry.start:entry.end]), nil
}

// stripEnvelope removes the leading message separator, "From " line,
// and X-Uid header this adapter writes on Append.
func stripEnvelope(raw []byte) []byte {
	for len(raw) > 0 && raw[0] == '\n' {
		raw = raw[1:]
	}
	for _, prefix := range []string{"From ", "X-Uid:"} {
		if bytes.HasPrefix(raw, []byte(prefix)) {
			if i := bytes.IndexByte(raw, '\n'); i >= 0 {
				raw = raw[i+1:]
			} else {
				return nil
			}
		}
	}
	return raw
}

// GetFilename returns a pseudo-path encoding the byte offset, since
// mbox has no per-message file.
func (a *Adapter) GetFilename(ctx context.Context, uid string) (string, error) {
	entry, ok := a.offsets[uid]
	if !ok {
		return "", storeerr.New(storeerr.KindNotFound, "mbox.GetFilename", nil)
	}
	return fmt.Sprintf("%s#%d", a.path, entry.start), nil
}

// CmpUIDs compares the decimal uid values numerically.
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
	insertionSort(uids, a.CmpUIDs)
}

func insertionSort(uids []string, cmp func(a, b string) int) {
	for i := 1; i < len(uids); i++ {
		for j := i; j > 0 && cmp(uids[j-1], uids[j]) > 0; j-- {
			uids[j-1], uids[j] = uids[j], uids[j-1]
		}
	}
}

// Transfer copies uids' raw bytes into dest (an mbox file has no
// native rename-based move, so transfer is always an append to dest;
// with deleteOriginals the source file is then rewritten without them).
func (a *Adapter) Transfer(ctx context.Context, uids []string, dest common.Adapter, deleteOriginals bool) error {
	const op = "mbox.Transfer"
	for _, uid := range uids {
		raw, err := a.GetMessage(ctx, uid)
		if err != nil {
			return err
		}
		if _, err := dest.Append(ctx, common.Message{Raw: raw}); err != nil {
			return err
		}
	}
	if deleteOriginals {
		if err := a.deleteUIDs(ctx, uids); err != nil {
			return storeerr.New(storeerr.KindIO, op, err)
		}
	}
	return nil
}

// RefreshInfo re-scans the file and reports uids newly discovered or
// gone relative to the prior scan.
func (a *Adapter) RefreshInfo(ctx context.Context) ([]string, []string, []string, error) {
	prior := a.scanned
	if err := a.scan(); err != nil {
		return nil, nil, nil, err
	}
	var added, removed []string
	for uid := range a.offsets {
		if _, ok := prior[uid]; !ok {
			added = append(added, uid)
		}
	}
	for uid := range prior {
		if _, ok := a.offsets[uid]; !ok {
			removed = append(removed, uid)
		}
	}
	return added, removed, nil, nil
}

// Expunge removes nothing and returns no uids: the mbox file itself
// carries no flag state, so this adapter cannot tell which messages
// are deleted. ExpungeUIDs removes an explicitly given set.
func (a *Adapter) Expunge(ctx context.Context) ([]string, error) {
	return nil, nil
}

// ExpungeUIDs removes exactly the given uids via an atomic rewrite.
func (a *Adapter) ExpungeUIDs(ctx context.Context, uids []string) ([]string, error) {
	return a.expungeUIDs(ctx, uids)
}

type messageSpan struct {
	uid   string
	entry offsetEntry
}

// expungeUIDs removes exactly the uids in only by building the
// surviving messages into <path>.tmp and renaming over the original.
func (a *Adapter) expungeUIDs(ctx context.Context, only []string) ([]string, error) {
	const op = "mbox.Expunge"
	if err := a.lock.Lock(true); err != nil {
		return nil, err
	}
	defer a.lock.Unlock()

	selector := make(map[string]bool, len(only))
	for _, u := range only {
		selector[u] = true
	}

	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, storeerr.New(storeerr.KindIO, op, err)
	}

	var removed []string
	var spans []messageSpan
	for uid, entry := range a.offsets {
		if selector[uid] {
			removed = append(removed, uid)
			continue
		}
		spans = append(spans, messageSpan{uid: uid, entry: entry})
	}
	insertionSort2(spans, func(x, y messageSpan) bool { return a.CmpUIDs(x.uid, y.uid) < 0 })

	var out bytes.Buffer
	for _, sp := range spans {
		out.Write(data[sp.entry.start:sp.entry.end])
	}

	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, out.Bytes(), 0600); err != nil {
		return nil, storeerr.New(storeerr.KindIO, op, err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		os.Remove(tmp)
		return nil, storeerr.New(storeerr.KindIO, op, err)
	}
	if err := a.scan(); err != nil {
		return nil, err
	}
	return removed, nil
}

func insertionSort2[T any](s []T, less func(a, b T) bool) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(s[j], s[j-1]); j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func (a *Adapter) deleteUIDs(ctx context.Context, uids []string) error {
	_, err := a.expungeUIDs(ctx, uids)
	return err
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
