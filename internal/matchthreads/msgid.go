package matchthreads

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// HashMessageID derives the 64-bit Message-ID hash: lowercase, strip
// angle brackets, hash. Two messages with equal hash are treated as
// equal references. Returned as a hex string so it can serve directly
// as the map key ThreadItem.MessageIDHash and the ThreadTree
// bucket-by-hash use.
func HashMessageID(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	h := fnv.New64a()
	h.Write([]byte(s))
	v := h.Sum64()
	return fmt.Sprintf("%08x%08x", uint32(v>>32), uint32(v))
}

// EncodePart builds the storedb `part` column value: a decimal count
// followed by "<hash-hi> <hash-lo>" pairs, first the message's own id
// and then its references. own and refs are raw
// Message-ID / References header values (with or without angle
// brackets); each is hashed via HashMessageID before encoding.
func EncodePart(own string, refs []string) string {
	hashes := make([]string, 0, 1+len(refs))
	hashes = append(hashes, HashMessageID(own))
	for _, r := range refs {
		hashes = append(hashes, HashMessageID(r))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d", len(hashes))
	for _, h := range hashes {
		b.WriteByte(' ')
		b.WriteString(splitPair(h))
	}
	return b.String()
}

// splitPair renders a 16-hex-digit combined hash as "<hi> <lo>".
func splitPair(h string) string {
	if len(h) != 16 {
		return h + " 0"
	}
	return h[:8] + " " + h[8:]
}

// DecodePart parses a `part` column value back into the message's own
// hash and its reference hashes, in the order EncodePart wrote them
// (own first). Malformed input yields a nil/empty result rather than
// an error; a bad part value must never fail a whole query.
func DecodePart(part string) (own string, refs []string) {
	fields := strings.Fields(part)
	if len(fields) < 1 {
		return "", nil
	}
	count, err := strconv.Atoi(fields[0])
	if err != nil || count <= 0 {
		return "", nil
	}
	fields = fields[1:]
	hashes := make([]string, 0, count)
	for i := 0; i+1 < len(fields) && len(hashes) < count; i += 2 {
		hashes = append(hashes, fields[i]+fields[i+1])
	}
	if len(hashes) == 0 {
		return "", nil
	}
	return hashes[0], hashes[1:]
}

// PartHashPrefix returns the "<hi> <lo>" prefix of a Message-ID's hash
// as it appears at the front of an EncodePart own-id pair, used by
// the compiler to turn header-matches "Message-ID" into a direct LIKE
// on the part column.
func PartHashPrefix(messageID string) string {
	return splitPair(HashMessageID(messageID))
}
