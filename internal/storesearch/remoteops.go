package storesearch

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/emersion/go-message"

	"github.com/localmail/storecore/internal/addressbook"
	"github.com/localmail/storecore/internal/localfolder/common"
)

// opKind distinguishes the "remote" operations too expensive or
// forbidden to run inline in a SELECT: body search (needs the full
// message body), header search (needs the full, possibly-folded
// header block beyond the few columns messages_<id> caches), and
// addressbook lookups (owned by an external collaborator the search
// may only call between passes).
type opKind int

const (
	opBody opKind = iota
	opHeader
	opAddressbook
)

// opKey identifies one distinct remote-op answer the resolver caches.
// Two UDF calls with identical fields always produce the same answer,
// so the cache collapses repeated calls across rows and across
// compiled-query passes. Addressbook ops leave uid empty: the answer
// depends only on the (book, email) pair.
type opKey struct {
	kind   opKind
	uid    string
	name   string // header name; unused for opBody/opAddressbook
	sub    string // the operator's "kind" argument, or the book uid
	needle string
}

// resolver accumulates the provisional-answer UDF calls made during
// one SELECT pass and resolves them in bulk afterward: expensive
// predicates default to a provisional answer during the SELECT; once
// the pass completes, every provisional answer is resolved for real,
// and if any flipped, the SELECT runs again.
type resolver struct {
	cache   map[opKey]bool
	pending map[opKey]bool
}

func newResolver() *resolver {
	return &resolver{cache: make(map[opKey]bool), pending: make(map[opKey]bool)}
}

// lookup returns the cached answer for key, recording it as pending
// (needing real resolution) on a miss and returning the operator's
// documented provisional default meanwhile.
func (r *resolver) lookup(key opKey, provisional bool) bool {
	if v, ok := r.cache[key]; ok {
		return v
	}
	r.pending[key] = true
	return provisional
}

// hasPending reports whether any answer is still provisional.
func (r *resolver) hasPending() bool { return len(r.pending) > 0 }

// resolve fetches the real answer for every pending key — the raw
// message once per uid regardless of how many distinct ops that uid
// has pending, and one addressbook query per distinct (book, email)
// pair — and reports whether any answer differs from the provisional
// default the SELECT pass already used.
func (r *resolver) resolve(ctx context.Context, adapter common.Adapter, book addressbook.AddressBook, provisionalOf func(opKey) bool) (changed bool, err error) {
	if len(r.pending) == 0 {
		return false, nil
	}
	byUID := make(map[string][]opKey)
	var bookOps []opKey
	for k := range r.pending {
		if k.kind == opAddressbook {
			bookOps = append(bookOps, k)
			continue
		}
		byUID[k.uid] = append(byUID[k.uid], k)
	}

	for _, k := range bookOps {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		// A failed lookup settles as "not matched" rather than
		// failing the query.
		answer := false
		if book != nil {
			if ok, lerr := book.Contains(ctx, k.sub, k.needle); lerr == nil {
				answer = ok
			}
		}
		r.cache[k] = answer
		if answer != provisionalOf(k) {
			changed = true
		}
	}

	for uid, keys := range byUID {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		var raw []byte
		if adapter != nil {
			raw, _ = adapter.GetMessage(ctx, uid) // best-effort: a missing message answers every op false
		}
		var ent *message.Entity
		if raw != nil {
			ent, _ = message.Read(bytes.NewReader(raw))
		}
		for _, k := range keys {
			var answer bool
			switch k.kind {
			case opBody:
				answer = matchBody(ent, raw, k.sub, k.needle)
			case opHeader:
				answer = matchHeader(ent, k.name, k.sub, k.needle)
			}
			r.cache[k] = answer
			if answer != provisionalOf(k) {
				changed = true
			}
		}
	}
	r.pending = make(map[opKey]bool)
	return changed, nil
}

func bodyText(ent *message.Entity, raw []byte) string {
	if ent == nil {
		return strings.ToLower(string(raw))
	}
	var buf bytes.Buffer
	if ent.Body != nil {
		buf.ReadFrom(ent.Body)
	}
	return strings.ToLower(buf.String())
}

func matchBody(ent *message.Entity, raw []byte, kind, needle string) bool {
	text := bodyText(ent, raw)
	switch kind {
	case "regex":
		re, err := regexp.Compile("(?i)" + needle)
		if err != nil {
			return false
		}
		return re.MatchString(text)
	default: // contains
		for _, word := range strings.Fields(needle) {
			if !strings.Contains(text, strings.ToLower(word)) {
				return false
			}
		}
		return needle != ""
	}
}

func headerValue(ent *message.Entity, name string) (string, bool) {
	if ent == nil {
		return "", false
	}
	v, err := ent.Header.Text(name)
	if err != nil || v == "" {
		raw := ent.Header.Get(name)
		return raw, raw != ""
	}
	return v, true
}

func matchHeader(ent *message.Entity, name, kind, needle string) bool {
	v, ok := headerValue(ent, name)
	return matchHeaderString(v, ok, kind, needle)
}

// matchHeaderString evaluates one header predicate against an
// already-extracted value; ok reports whether the header was present.
func matchHeaderString(v string, ok bool, kind, needle string) bool {
	switch kind {
	case "exists":
		return ok
	}
	if !ok {
		return false
	}
	lv, ln := strings.ToLower(v), strings.ToLower(needle)
	switch kind {
	case "contains", "matches":
		return strings.Contains(lv, ln)
	case "starts-with":
		return strings.HasPrefix(lv, ln)
	case "ends-with":
		return strings.HasSuffix(lv, ln)
	case "has-words":
		for _, w := range strings.Fields(ln) {
			if !strings.Contains(lv, w) {
				return false
			}
		}
		return true
	case "regex":
		re, err := regexp.Compile("(?i)" + needle)
		if err != nil {
			return false
		}
		return re.MatchString(v)
	case "full-regex":
		re, err := regexp.Compile("(?is)^" + needle + "$")
		if err != nil {
			return false
		}
		return re.MatchString(v)
	case "soundex":
		return soundex(v) == soundex(needle)
	default:
		return false
	}
}

// soundex is a minimal American Soundex implementation for
// header-soundex, per the classic Odell-Russell coding table.
func soundex(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	code := func(b byte) byte {
		switch b {
		case 'B', 'F', 'P', 'V':
			return '1'
		case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
			return '2'
		case 'D', 'T':
			return '3'
		case 'L':
			return '4'
		case 'M', 'N':
			return '5'
		case 'R':
			return '6'
		default:
			return 0
		}
	}
	var letters []byte
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			letters = append(letters, s[i])
		}
	}
	if len(letters) == 0 {
		return "0000"
	}
	out := []byte{letters[0]}
	last := code(letters[0])
	for _, c := range letters[1:] {
		d := code(c)
		if d != 0 && d != last {
			out = append(out, d)
		}
		last = d
	}
	for len(out) < 4 {
		out = append(out, '0')
	}
	return string(out[:4])
}
