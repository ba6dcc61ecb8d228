package common

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/localmail/storecore/internal/logging"
)

// State is the per-folder key/value property bag, holding persistent
// object properties such as cached folder-info flags or the
// expand-state of a local tree view. Values are stored as bool,
// int32, int64, or a three-state (-1/0/1) tri-int.
type State struct {
	path  string
	vals  map[string]stateValue
	dirty bool
}

type stateKind int

const (
	kindBool stateKind = iota
	kindInt32
	kindInt64
	kindTri
)

type stateValue struct {
	kind stateKind
	i    int64
}

var legacyMagic = [4]byte{'C', 'L', 'M', 'D'}

// LoadState reads path, transparently upgrading a legacy binary
// "CLMD" state file to the modern INI form in memory; the caller must
// call Save to persist the rewrite. A missing or corrupt file yields
// an empty State and, for corruption, a logged warning — the corrupt
// file is replaced on the next Save rather than surfaced as an error.
func LoadState(path string) *State {
	log := logging.WithComponent("localfolder-statefile")
	s := &State{path: path, vals: make(map[string]stateValue)}

	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	if len(data) >= 4 && bytes.Equal(data[:4], legacyMagic[:]) {
		if err := s.loadLegacy(data); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("corrupt legacy state file, replacing")
			s.vals = make(map[string]stateValue)
		} else {
			s.dirty = true // force rewrite into modern format on next Save
		}
		return s
	}
	if err := s.loadINI(data); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("corrupt state file, replacing")
		s.vals = make(map[string]stateValue)
	}
	return s
}

// loadLegacy parses the legacy binary layout: 4-byte
// magic, uint32 version (0..2), then (for version >= 1) a
// count-prefixed list of (tag:uint32, value) tuples where the top 4
// bits of tag encode the value's type.
func (s *State) loadLegacy(data []byte) error {
	r := bytes.NewReader(data[4:])
	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return err
	}
	if version == 0 {
		return nil // version 0 carried no key/value payload
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		var tag uint32
		if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
			return err
		}
		typ := tag >> 28
		name := strconv.FormatUint(uint64(tag&0x0fffffff), 10)
		switch typ {
		case 0: // bool
			var v uint8
			if err := binary.Read(r, binary.BigEndian, &v); err != nil {
				return err
			}
			s.vals[name] = stateValue{kind: kindBool, i: int64(v)}
		case 1: // int32
			var v int32
			if err := binary.Read(r, binary.BigEndian, &v); err != nil {
				return err
			}
			s.vals[name] = stateValue{kind: kindInt32, i: int64(v)}
		case 2: // int64
			var v int64
			if err := binary.Read(r, binary.BigEndian, &v); err != nil {
				return err
			}
			s.vals[name] = stateValue{kind: kindInt64, i: v}
		case 3: // three-state
			var v int8
			if err := binary.Read(r, binary.BigEndian, &v); err != nil {
				return err
			}
			s.vals[name] = stateValue{kind: kindTri, i: int64(v)}
		default:
			return fmt.Errorf("unknown legacy state tag type %d", typ)
		}
	}
	return nil
}

// loadINI parses the modern "tag=kind:value" line format this
// package writes in Save.
func (s *State) loadINI(data []byte) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return fmt.Errorf("malformed state line %q", line)
		}
		key, rest := line[:eq], line[eq+1:]
		colon := strings.IndexByte(rest, ':')
		if colon < 0 {
			return fmt.Errorf("malformed state value %q", rest)
		}
		kindStr, valStr := rest[:colon], rest[colon+1:]
		var kind stateKind
		switch kindStr {
		case "bool":
			kind = kindBool
		case "i32":
			kind = kindInt32
		case "i64":
			kind = kindInt64
		case "tri":
			kind = kindTri
		default:
			return fmt.Errorf("unknown state kind %q", kindStr)
		}
		n, err := strconv.ParseInt(valStr, 10, 64)
		if err != nil {
			return err
		}
		s.vals[key] = stateValue{kind: kind, i: n}
	}
	return sc.Err()
}

// Save rewrites the state file in the modern INI format, always —
// including after transparently upgrading a legacy file.
func (s *State) Save() error {
	keys := make([]string, 0, len(s.vals))
	for k := range s.vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		v := s.vals[k]
		var kindStr string
		switch v.kind {
		case kindBool:
			kindStr = "bool"
		case kindInt32:
			kindStr = "i32"
		case kindInt64:
			kindStr = "i64"
		case kindTri:
			kindStr = "tri"
		}
		fmt.Fprintf(&buf, "%s=%s:%d\n", k, kindStr, v.i)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	s.dirty = false
	return nil
}

// GetBool, GetInt32, GetInt64, GetTri read a key with a default.
func (s *State) GetBool(key string, def bool) bool {
	if v, ok := s.vals[key]; ok && v.kind == kindBool {
		return v.i != 0
	}
	return def
}

func (s *State) GetInt32(key string, def int32) int32 {
	if v, ok := s.vals[key]; ok && v.kind == kindInt32 {
		return int32(v.i)
	}
	return def
}

func (s *State) GetInt64(key string, def int64) int64 {
	if v, ok := s.vals[key]; ok && v.kind == kindInt64 {
		return v.i
	}
	return def
}

// GetTri reads a three-state value: -1, 0, or 1.
func (s *State) GetTri(key string, def int8) int8 {
	if v, ok := s.vals[key]; ok && v.kind == kindTri {
		return int8(v.i)
	}
	return def
}

func (s *State) SetBool(key string, v bool) {
	n := int64(0)
	if v {
		n = 1
	}
	s.vals[key] = stateValue{kind: kindBool, i: n}
	s.dirty = true
}

func (s *State) SetInt32(key string, v int32) {
	s.vals[key] = stateValue{kind: kindInt32, i: int64(v)}
	s.dirty = true
}

func (s *State) SetInt64(key string, v int64) {
	s.vals[key] = stateValue{kind: kindInt64, i: v}
	s.dirty = true
}

func (s *State) SetTri(key string, v int8) {
	s.vals[key] = stateValue{kind: kindTri, i: int64(v)}
	s.dirty = true
}

// Dirty reports whether Save has unwritten changes to flush.
func (s *State) Dirty() bool { return s.dirty }

// Remove deletes the backing file; a missing file is not an error.
func (s *State) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Persistent per-folder option keys.
const (
	keyMarkSeen        = "folder-mark-seen"
	keyMarkSeenTimeout = "folder-mark-seen-timeout"
)

// DefaultMarkSeenTimeout is the delay before an opened message is
// marked seen, in milliseconds.
const DefaultMarkSeenTimeout = 1500

// MarkSeen returns the folder's mark-seen mode as a three-state:
// -1 inherit the account default, 0 never mark, 1 mark after the
// timeout.
func (s *State) MarkSeen() int8 { return s.GetTri(keyMarkSeen, -1) }

// SetMarkSeen sets the mark-seen mode.
func (s *State) SetMarkSeen(mode int8) { s.SetTri(keyMarkSeen, mode) }

// MarkSeenTimeout returns the mark-seen delay in milliseconds.
func (s *State) MarkSeenTimeout() int32 {
	return s.GetInt32(keyMarkSeenTimeout, DefaultMarkSeenTimeout)
}

// SetMarkSeenTimeout sets the mark-seen delay in milliseconds.
func (s *State) SetMarkSeenTimeout(ms int32) { s.SetInt32(keyMarkSeenTimeout, ms) }
