package storesearch

import "strings"

// Kind tags the type a compiled AST node evaluates to: int, bool,
// time, or a string-valued SQL fragment.
type Kind int

const (
	KindInt Kind = iota
	KindBool
	KindTime
	KindStringSQL
)

// Flag is a bitfield describing what a compiled node's evaluation
// requires.
type Flag uint8

const (
	// FlagIsSQL marks a node whose value is fully expressible as plain
	// SQL (no UDF call needed).
	FlagIsSQL Flag = 1 << iota
	// FlagNeedsUDF marks a node that calls into a registered scalar
	// function routed back to the SearchContext.
	FlagNeedsUDF
	// FlagNeedsHeaders marks a node whose UDF may need the full header
	// array of a message beyond the cached column/preview data.
	FlagNeedsHeaders
	// FlagNeedsMsgBody marks a node that may need the full message body.
	FlagNeedsMsgBody
	// FlagNeedsContacts marks a node that calls out to the addressbook.
	FlagNeedsContacts
)

// Value is one compiled AST node: the SQL fragment to splice into the
// WHERE clause plus its Kind and cost Flags. IsConst/Const are set
// only when the node is a compile-time-known boolean constant,
// enabling and/or constant folding.
type Value struct {
	Kind    Kind
	SQL     string
	Flags   Flag
	IsConst bool
	Const   bool
}

// sqlQuote renders s as a single-quoted SQL string literal, doubling
// embedded quotes. database/sql's driver-parameter binding isn't
// usable for SQL spliced into a dynamically-built WHERE fragment at
// compile time, so quoting happens here.
func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// boolSQL renders a Go bool as the 0/1 SQLite expects.
func boolSQL(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
