// Package storesearch compiles an internal/sexpr AST into a SQL
// WHERE clause over a folder's messages_<id> table, registers itself
// as the storedb.SearchContext the generated UDF calls dispatch to,
// and drives the remote-op bulk-resolution fixpoint loop.
package storesearch

import (
	"fmt"
	"strings"

	"github.com/localmail/storecore/internal/matchthreads"
	"github.com/localmail/storecore/internal/sexpr"
	"github.com/localmail/storecore/internal/storedb"
)

// headerColumns maps header names with a dedicated messages_<id>
// column to that column, letting the compiler emit a direct LIKE
// instead of a search_header UDF call.
var headerColumns = map[string]string{
	"subject":        "subject",
	"from":           "mail_from",
	"to":             "mail_to",
	"cc":             "mail_cc",
	"mlist":          "mlist",
	"x-mailing-list": "mlist",
	"labels":         "labels",
	"x-label":        "labels",
}

// systemFlagMasks maps the grammar's system-flag names to their bit.
var systemFlagMasks = map[string]storedb.MessageFlag{
	"answered":    storedb.MessageAnswered,
	"deleted":     storedb.MessageDeleted,
	"draft":       storedb.MessageDraft,
	"flagged":     storedb.MessageFlagged,
	"seen":        storedb.MessageSeen,
	"attachments": storedb.MessageAttachments,
	"junk":        storedb.MessageJunk,
	"secure":      storedb.MessageSecure,
}

// LocationResolver resolves a `message-location` URL to the folder id
// it names within the current store; sameStore is false when the URL
// refers to a different store, which compiles to constant false.
type LocationResolver func(url string) (folderID int64, sameStore bool)

// Compiled is the result of compiling one query expression: the SQL
// WHERE-clause text to splice after "WHERE", its aggregate cost
// flags, and the match-threads wrapper (if any) detected at the top
// of the expression.
type Compiled struct {
	SQL             string
	Flags           Flag
	HasThreads      bool
	ThreadKind      matchthreads.Kind
	ThreadNoSubject bool
}

// Compiler holds the per-rebuild state the compiler needs beyond the
// AST itself: the opaque search handle every UDF call carries, and a
// resolver for message-location.
type Compiler struct {
	Handle  int64
	Resolve LocationResolver
}

// Compile walks root and produces the SQL WHERE clause. A bare
// `(match-threads kind expr)` at the top is unwrapped into
// Compiled.ThreadKind/HasThreads; the caller upgrades the WHERE
// clause to in_result_index once the thread expansion has run.
func (c *Compiler) Compile(root sexpr.Node) (Compiled, error) {
	expr := root
	out := Compiled{}
	if expr.Kind == sexpr.KindList && expr.Op == "match-threads" {
		if len(expr.Children) != 2 {
			return Compiled{}, fmt.Errorf("match-threads: want 2 args, got %d", len(expr.Children))
		}
		kindStr := expr.Children[0].Str
		noSubject := false
		if strings.HasPrefix(kindStr, "no-subject,") {
			noSubject = true
			kindStr = strings.TrimPrefix(kindStr, "no-subject,")
		}
		kind, ok := matchthreads.ParseKind(kindStr)
		if !ok {
			return Compiled{}, fmt.Errorf("match-threads: unknown kind %q", kindStr)
		}
		out.HasThreads = kind != matchthreads.KindNone
		out.ThreadKind = kind
		out.ThreadNoSubject = noSubject
		expr = expr.Children[1]
	}

	v, err := c.compileNode(expr)
	if err != nil {
		return Compiled{}, err
	}
	out.SQL = asBoolSQL(v)
	out.Flags = v.Flags
	return out, nil
}

// asBoolSQL coerces a compiled Value to a 0/1 boolean SQL expression,
// since a handful of value-producing operators (get-size, user-tag,
// ...) are technically legal as a whole query: truthy means non-zero
// or non-empty.
func asBoolSQL(v Value) string {
	switch v.Kind {
	case KindBool:
		return v.SQL
	case KindStringSQL:
		return fmt.Sprintf("(%s <> '')", v.SQL)
	default:
		return fmt.Sprintf("(%s <> 0)", v.SQL)
	}
}

func (c *Compiler) compileNode(n sexpr.Node) (Value, error) {
	switch n.Kind {
	case sexpr.KindBool:
		return Value{Kind: KindBool, SQL: boolSQL(n.Bool), IsConst: true, Const: n.Bool, Flags: FlagIsSQL}, nil
	case sexpr.KindString:
		return Value{Kind: KindStringSQL, SQL: sqlQuote(n.Str), Flags: FlagIsSQL}, nil
	case sexpr.KindInt:
		return Value{Kind: KindInt, SQL: fmt.Sprintf("%d", n.Int), Flags: FlagIsSQL}, nil
	}

	switch n.Op {
	case "and":
		return c.compileBoolChain(n.Children, true)
	case "or":
		return c.compileBoolChain(n.Children, false)
	case "not":
		if len(n.Children) != 1 {
			return Value{}, fmt.Errorf("not: want 1 arg, got %d", len(n.Children))
		}
		child, err := c.compileNode(n.Children[0])
		if err != nil {
			return Value{}, err
		}
		if child.IsConst {
			return Value{Kind: KindBool, IsConst: true, Const: !child.Const, SQL: boolSQL(!child.Const), Flags: FlagIsSQL}, nil
		}
		return Value{Kind: KindBool, SQL: fmt.Sprintf("(NOT (%s))", asBoolSQL(child)), Flags: child.Flags}, nil
	case "match-all":
		if len(n.Children) != 1 {
			return Value{}, fmt.Errorf("match-all: want 1 arg, got %d", len(n.Children))
		}
		return c.compileNode(n.Children[0])
	case "=", "<", ">":
		return c.compileComparison(n.Op, n.Children)
	case "compare-date":
		return c.compileCompareDate(n.Children)
	case "header-contains":
		return c.compileHeaderOp(n.Children, "contains")
	case "header-matches":
		return c.compileHeaderMatches(n.Children)
	case "header-starts-with":
		return c.compileHeaderOp(n.Children, "starts-with")
	case "header-ends-with":
		return c.compileHeaderOp(n.Children, "ends-with")
	case "header-exists":
		return c.compileHeaderUDFOnly(n.Children, "exists", 1)
	case "header-soundex":
		return c.compileHeaderUDFOnly(n.Children, "soundex", 2)
	case "header-regex":
		return c.compileHeaderUDFOnly(n.Children, "regex", 2)
	case "header-full-regex":
		return c.compileHeaderUDFOnly(n.Children, "full-regex", 2)
	case "header-has-words":
		return c.compileHeaderUDFOnly(n.Children, "has-words", 2)
	case "body-contains":
		return c.compileBodyOp(n.Children, "contains")
	case "body-regex":
		return c.compileBodyOp(n.Children, "regex")
	case "user-tag":
		return c.compileUserTag(n.Children)
	case "user-flag":
		return c.compileUserFlag(n.Children)
	case "system-flag":
		return c.compileSystemFlag(n.Children)
	case "get-sent-date":
		return Value{Kind: KindTime, SQL: "dsent", Flags: FlagIsSQL}, nil
	case "get-received-date":
		return Value{Kind: KindTime, SQL: "dreceived", Flags: FlagIsSQL}, nil
	case "get-current-date":
		return Value{Kind: KindTime, SQL: "CAST(strftime('%s','now') AS INTEGER)", Flags: FlagIsSQL}, nil
	case "get-relative-months":
		return c.compileRelativeMonths(n.Children)
	case "get-size":
		return Value{Kind: KindInt, SQL: "size", Flags: FlagIsSQL}, nil
	case "uid":
		return c.compileUID(n.Children)
	case "message-location":
		return c.compileMessageLocation(n.Children)
	case "make-time":
		return c.compileMakeTime(n.Children)
	case "addressbook-contains":
		return c.compileAddressbookContains(n.Children)
	case "in-match-index":
		return c.compileInMatchIndex(n.Children)
	}
	return Value{}, fmt.Errorf("storesearch: unknown operator %q", n.Op)
}

// compileBoolChain compiles and/or, sorting children by ascending
// Flags (cheap checks first) and constant-folding:
// for `and`, a false child collapses the whole expression; for `or`,
// a true child does. Surviving constants are simply dropped.
func (c *Compiler) compileBoolChain(children []sexpr.Node, isAnd bool) (Value, error) {
	vals := make([]Value, 0, len(children))
	for _, ch := range children {
		v, err := c.compileNode(ch)
		if err != nil {
			return Value{}, err
		}
		if v.IsConst {
			if isAnd && !v.Const {
				return Value{Kind: KindBool, IsConst: true, Const: false, SQL: "0", Flags: FlagIsSQL}, nil
			}
			if !isAnd && v.Const {
				return Value{Kind: KindBool, IsConst: true, Const: true, SQL: "1", Flags: FlagIsSQL}, nil
			}
			continue // drop: true inside and, false inside or
		}
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		return Value{Kind: KindBool, IsConst: true, Const: isAnd, SQL: boolSQL(isAnd), Flags: FlagIsSQL}, nil
	}
	if len(vals) == 1 {
		return Value{Kind: KindBool, SQL: asBoolSQL(vals[0]), Flags: vals[0].Flags}, nil
	}
	sortByFlags(vals)

	var b strings.Builder
	var flags Flag
	cmp, fallback := "THEN 0", "ELSE 1"
	if !isAnd {
		cmp, fallback = "THEN 1", "ELSE 0"
	}
	b.WriteString("CASE ")
	for _, v := range vals {
		flags |= v.Flags
		cond := asBoolSQL(v)
		if isAnd {
			fmt.Fprintf(&b, "WHEN NOT (%s) %s ", cond, cmp)
		} else {
			fmt.Fprintf(&b, "WHEN (%s) %s ", cond, cmp)
		}
	}
	b.WriteString(fallback)
	b.WriteString(" END")
	return Value{Kind: KindBool, SQL: b.String(), Flags: flags}, nil
}

// sortByFlags orders values by ascending popcount of Flags, a cheap
// proxy for "checks that need SQL only" before "checks that call a
// UDF" before "checks that may touch headers/body/contacts", so the
// emitted CASE short-circuits past the expensive ones.
func sortByFlags(vals []Value) {
	weight := func(f Flag) int {
		n := 0
		for f != 0 {
			n += int(f & 1)
			f >>= 1
		}
		return n
	}
	for i := 1; i < len(vals); i++ {
		for j := i; j > 0 && weight(vals[j].Flags) < weight(vals[j-1].Flags); j-- {
			vals[j], vals[j-1] = vals[j-1], vals[j]
		}
	}
}

func (c *Compiler) compileComparison(op string, children []sexpr.Node) (Value, error) {
	if len(children) != 2 {
		return Value{}, fmt.Errorf("%s: want 2 args, got %d", op, len(children))
	}
	lhs, err := c.compileNode(children[0])
	if err != nil {
		return Value{}, err
	}
	rhs, err := c.compileNode(children[1])
	if err != nil {
		return Value{}, err
	}
	flags := lhs.Flags | rhs.Flags

	if op == "=" && (lhs.Kind == KindStringSQL || rhs.Kind == KindStringSQL) {
		// String equality goes through cmp_text so loaded in-memory
		// info and charset folding are honored.
		sql := fmt.Sprintf("cmp_text(%d, uid, '', 'eq', %s, %s)", c.Handle, lhs.SQL, rhs.SQL)
		return Value{Kind: KindBool, SQL: sql, Flags: flags | FlagNeedsUDF}, nil
	}
	return Value{Kind: KindBool, SQL: fmt.Sprintf("(%s %s %s)", lhs.SQL, op, rhs.SQL), Flags: flags | FlagIsSQL}, nil
}

func (c *Compiler) compileCompareDate(children []sexpr.Node) (Value, error) {
	if len(children) != 2 {
		return Value{}, fmt.Errorf("compare-date: want 2 args, got %d", len(children))
	}
	a, err := c.compileNode(children[0])
	if err != nil {
		return Value{}, err
	}
	b, err := c.compileNode(children[1])
	if err != nil {
		return Value{}, err
	}
	sql := fmt.Sprintf("compare_date(%s, %s)", a.SQL, b.SQL)
	return Value{Kind: KindInt, SQL: sql, Flags: a.Flags | b.Flags | FlagNeedsUDF}, nil
}

// literalStr requires n be a string atom and returns its value.
func literalStr(n sexpr.Node) (string, error) {
	if n.Kind != sexpr.KindString {
		return "", fmt.Errorf("storesearch: expected string literal, got kind %d", n.Kind)
	}
	return n.Str, nil
}

func (c *Compiler) compileHeaderOp(children []sexpr.Node, kind string) (Value, error) {
	if len(children) != 2 {
		return Value{}, fmt.Errorf("header-%s: want 2 args, got %d", kind, len(children))
	}
	name, err := literalStr(children[0])
	if err != nil {
		return Value{}, err
	}
	needle, err := literalStr(children[1])
	if err != nil {
		return Value{}, err
	}
	if col, ok := headerColumns[strings.ToLower(name)]; ok {
		return Value{Kind: KindBool, SQL: likeExpr(col, kind, needle), Flags: FlagIsSQL}, nil
	}
	return c.headerUDFCall(name, kind, needle), nil
}

func (c *Compiler) compileHeaderMatches(children []sexpr.Node) (Value, error) {
	if len(children) != 2 {
		return Value{}, fmt.Errorf("header-matches: want 2 args, got %d", len(children))
	}
	name, err := literalStr(children[0])
	if err != nil {
		return Value{}, err
	}
	needle, err := literalStr(children[1])
	if err != nil {
		return Value{}, err
	}
	if strings.EqualFold(name, "message-id") {
		// Short-circuit to a match on the hashed own-id pair at the
		// front of `part` (right after the decimal count), bypassing
		// message fetch entirely.
		prefix := matchthreads.PartHashPrefix(needle)
		sql := fmt.Sprintf("substr(part, instr(part, ' ') + 1) LIKE %s", sqlQuote(prefix+"%"))
		return Value{Kind: KindBool, SQL: sql, Flags: FlagIsSQL}, nil
	}
	if col, ok := headerColumns[strings.ToLower(name)]; ok {
		return Value{Kind: KindBool, SQL: likeExpr(col, "matches", needle), Flags: FlagIsSQL}, nil
	}
	return c.headerUDFCall(name, "matches", needle), nil
}

func (c *Compiler) compileHeaderUDFOnly(children []sexpr.Node, kind string, wantArgs int) (Value, error) {
	if len(children) != wantArgs {
		return Value{}, fmt.Errorf("header-%s: want %d args, got %d", kind, wantArgs, len(children))
	}
	name, err := literalStr(children[0])
	if err != nil {
		return Value{}, err
	}
	needle := ""
	if wantArgs == 2 {
		needle, err = literalStr(children[1])
		if err != nil {
			return Value{}, err
		}
	}
	return c.headerUDFCall(name, kind, needle), nil
}

func (c *Compiler) headerUDFCall(name, kind, needle string) Value {
	dbValue := "''"
	if col, ok := headerColumns[strings.ToLower(name)]; ok {
		dbValue = col
	}
	sql := fmt.Sprintf("search_header(%d, uid, %s, %s, %s, %s)",
		c.Handle, sqlQuote(name), sqlQuote(kind), sqlQuote(needle), dbValue)
	return Value{Kind: KindBool, SQL: sql, Flags: FlagNeedsUDF | FlagNeedsHeaders}
}

// likeExpr renders a LIKE-compatible comparison against a dedicated
// column, escaping SQLite's own LIKE wildcards in needle so a literal
// "%" or "_" in the search term doesn't act as a wildcard.
func likeExpr(col, kind, needle string) string {
	escaped := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_").Replace(needle)
	var pattern string
	switch kind {
	case "starts-with":
		pattern = escaped + "%"
	case "ends-with":
		pattern = "%" + escaped
	default: // contains, matches
		pattern = "%" + escaped + "%"
	}
	return fmt.Sprintf("%s LIKE %s ESCAPE '\\'", col, sqlQuote(pattern))
}

func (c *Compiler) compileBodyOp(children []sexpr.Node, kind string) (Value, error) {
	if len(children) != 1 {
		return Value{}, fmt.Errorf("body-%s: want 1 arg, got %d", kind, len(children))
	}
	needle, err := literalStr(children[0])
	if err != nil {
		return Value{}, err
	}
	sql := fmt.Sprintf("search_body(%d, uid, %s, %s)", c.Handle, sqlQuote(kind), sqlQuote(needle))
	return Value{Kind: KindBool, SQL: sql, Flags: FlagNeedsUDF | FlagNeedsMsgBody}, nil
}

func (c *Compiler) compileUserTag(children []sexpr.Node) (Value, error) {
	if len(children) != 1 {
		return Value{}, fmt.Errorf("user-tag: want 1 arg, got %d", len(children))
	}
	tag, err := literalStr(children[0])
	if err != nil {
		return Value{}, err
	}
	sql := fmt.Sprintf("get_user_tag(%d, uid, %s, usertags)", c.Handle, sqlQuote(tag))
	return Value{Kind: KindStringSQL, SQL: sql, Flags: FlagNeedsUDF}, nil
}

func (c *Compiler) compileUserFlag(children []sexpr.Node) (Value, error) {
	if len(children) != 1 {
		return Value{}, fmt.Errorf("user-flag: want 1 arg, got %d", len(children))
	}
	label, err := literalStr(children[0])
	if err != nil {
		return Value{}, err
	}
	sql := fmt.Sprintf("check_labels(%d, uid, %s, labels)", c.Handle, sqlQuote(label))
	return Value{Kind: KindBool, SQL: sql, Flags: FlagNeedsUDF}, nil
}

func (c *Compiler) compileSystemFlag(children []sexpr.Node) (Value, error) {
	if len(children) != 1 {
		return Value{}, fmt.Errorf("system-flag: want 1 arg, got %d", len(children))
	}
	name, err := literalStr(children[0])
	if err != nil {
		return Value{}, err
	}
	mask, ok := systemFlagMasks[strings.ToLower(name)]
	if !ok {
		return Value{}, fmt.Errorf("system-flag: unknown flag %q", name)
	}
	sql := fmt.Sprintf("check_flags(%d, uid, %d, flags)", c.Handle, int64(mask))
	return Value{Kind: KindBool, SQL: sql, Flags: FlagNeedsUDF}, nil
}

func (c *Compiler) compileRelativeMonths(children []sexpr.Node) (Value, error) {
	if len(children) != 1 || children[0].Kind != sexpr.KindInt {
		return Value{}, fmt.Errorf("get-relative-months: want 1 int arg")
	}
	sql := fmt.Sprintf("CAST(strftime('%%s','now','%d months') AS INTEGER)", -children[0].Int)
	return Value{Kind: KindTime, SQL: sql, Flags: FlagIsSQL}, nil
}

func (c *Compiler) compileUID(children []sexpr.Node) (Value, error) {
	if len(children) == 0 {
		return Value{Kind: KindBool, IsConst: true, Const: false, SQL: "0", Flags: FlagIsSQL}, nil
	}
	parts := make([]string, 0, len(children))
	for _, ch := range children {
		s, err := literalStr(ch)
		if err != nil {
			return Value{}, err
		}
		parts = append(parts, sqlQuote(s))
	}
	sql := fmt.Sprintf("uid IN (%s)", strings.Join(parts, ", "))
	return Value{Kind: KindBool, SQL: sql, Flags: FlagIsSQL}, nil
}

func (c *Compiler) compileMessageLocation(children []sexpr.Node) (Value, error) {
	if len(children) != 1 {
		return Value{}, fmt.Errorf("message-location: want 1 arg, got %d", len(children))
	}
	url, err := literalStr(children[0])
	if err != nil {
		return Value{}, err
	}
	if c.Resolve == nil {
		return Value{Kind: KindBool, IsConst: true, Const: false, SQL: "0", Flags: FlagIsSQL}, nil
	}
	id, ok := c.Resolve(url)
	if !ok {
		return Value{Kind: KindBool, IsConst: true, Const: false, SQL: "0", Flags: FlagIsSQL}, nil
	}
	sql := fmt.Sprintf("is_folder_id(%d, %d)", c.Handle, id)
	return Value{Kind: KindBool, SQL: sql, Flags: FlagNeedsUDF}, nil
}

func (c *Compiler) compileMakeTime(children []sexpr.Node) (Value, error) {
	if len(children) != 1 {
		return Value{}, fmt.Errorf("make-time: want 1 arg, got %d", len(children))
	}
	if children[0].Kind == sexpr.KindString {
		// A literal argument folds to an epoch literal at compile time.
		epoch := storedb.MakeTime(children[0].Str)
		return Value{Kind: KindTime, SQL: fmt.Sprintf("%d", epoch), IsConst: false, Flags: FlagIsSQL}, nil
	}
	v, err := c.compileNode(children[0])
	if err != nil {
		return Value{}, err
	}
	sql := fmt.Sprintf("make_time(%s)", v.SQL)
	return Value{Kind: KindTime, SQL: sql, Flags: v.Flags | FlagNeedsUDF}, nil
}

func (c *Compiler) compileAddressbookContains(children []sexpr.Node) (Value, error) {
	if len(children) != 2 {
		return Value{}, fmt.Errorf("addressbook-contains: want 2 args, got %d", len(children))
	}
	book, err := literalStr(children[0])
	if err != nil {
		return Value{}, err
	}
	header, err := literalStr(children[1])
	if err != nil {
		return Value{}, err
	}
	col := "mail_from"
	if c, ok := headerColumns[strings.ToLower(header)]; ok {
		col = c
	}
	sql := fmt.Sprintf("addressbook_contains(%d, %s, %s)", c.Handle, sqlQuote(book), col)
	return Value{Kind: KindBool, SQL: sql, Flags: FlagNeedsUDF | FlagNeedsContacts}, nil
}

func (c *Compiler) compileInMatchIndex(children []sexpr.Node) (Value, error) {
	if len(children) != 1 {
		return Value{}, fmt.Errorf("in-match-index: want 1 arg, got %d", len(children))
	}
	id, err := literalStr(children[0])
	if err != nil {
		return Value{}, err
	}
	sql := fmt.Sprintf("in_match_index(%d, %s, uid)", c.Handle, sqlQuote(id))
	return Value{Kind: KindBool, SQL: sql, Flags: FlagNeedsUDF}, nil
}
