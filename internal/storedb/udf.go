package storedb

import (
	"sync"
	"sync/atomic"

	"modernc.org/sqlite"

	"github.com/localmail/storecore/internal/logging"
)

// SearchContext is the callback surface the registered scalar
// functions delegate to. StoreSearch implements this interface;
// storedb only owns the SQL-engine-facing registration and the
// opaque-handle registry the function bodies resolve handles
// through.
type SearchContext interface {
	CmpText(uid, header, kind, hay, needle string) bool
	SearchBody(uid, kind, encodedWords string) bool
	SearchHeader(uid, name, kind, needle, dbValue string) bool
	GetUserTag(uid, tag, dbValue string) string
	FromLoadedInfoOrDB(uid, column, dbValue string) string
	AddressbookContains(bookUID, email string) bool
	CheckLabels(uid, label, dbValue string) bool
	CheckFlags(uid string, mask int64, dbValue int64) bool
	InResultIndex(uid string) bool
	InMatchIndex(indexID, uid string) bool
	IsFolderID(id int64) bool
	MakeTime(s string) int64
	CompareDate(a, b int64) int
}

var (
	handleCounter int64
	registry      sync.Map // int64 -> SearchContext
)

// RegisterSearch assigns a fresh opaque handle to sc and returns it.
// Every UDF call's first SQL argument carries this handle so the
// function body can look the originating search back up.
func RegisterSearch(sc SearchContext) int64 {
	h := atomic.AddInt64(&handleCounter, 1)
	registry.Store(h, sc)
	return h
}

// UnregisterSearch drops the registration. Call once the search's
// current rebuild/execute cycle has finished.
func UnregisterSearch(handle int64) {
	registry.Delete(handle)
}

func lookup(handle int64) (SearchContext, bool) {
	v, ok := registry.Load(handle)
	if !ok {
		return nil, false
	}
	sc, ok := v.(SearchContext)
	return sc, ok
}

// udfLog is shared by every registered function below for failure
// reporting; a UDF that cannot find its handle returns the operator's
// default rather than erroring the whole query.
var udfLog = logging.WithComponent("storedb-udf")

type scalarFunc = func(*sqlite.FunctionContext, []driverValue) (driverValue, error)

func init() {
	register := func(name string, nArgs int32, fn scalarFunc) {
		if err := sqlite.RegisterDeterministicScalarFunction(name, nArgs, fn); err != nil {
			udfLog.Error().Err(err).Str("fn", name).Msg("failed to register UDF")
		}
	}

	register("cmp_text", 6, func(fctx *sqlite.FunctionContext, args []driverValue) (driverValue, error) {
		sc, ok := lookupArg(args[0])
		if !ok {
			return false, nil
		}
		return sc.CmpText(str(args[1]), str(args[2]), str(args[3]), str(args[4]), str(args[5])), nil
	})

	register("search_body", 4, func(fctx *sqlite.FunctionContext, args []driverValue) (driverValue, error) {
		sc, ok := lookupArg(args[0])
		if !ok {
			return true, nil // no registered search: default favors "matches"
		}
		return sc.SearchBody(str(args[1]), str(args[2]), str(args[3])), nil
	})

	register("search_header", 6, func(fctx *sqlite.FunctionContext, args []driverValue) (driverValue, error) {
		sc, ok := lookupArg(args[0])
		if !ok {
			return true, nil
		}
		return sc.SearchHeader(str(args[1]), str(args[2]), str(args[3]), str(args[4]), str(args[5])), nil
	})

	register("get_user_tag", 4, func(fctx *sqlite.FunctionContext, args []driverValue) (driverValue, error) {
		sc, ok := lookupArg(args[0])
		if !ok {
			return str(args[3]), nil
		}
		return sc.GetUserTag(str(args[1]), str(args[2]), str(args[3])), nil
	})

	register("from_loaded_info_or_db", 4, func(fctx *sqlite.FunctionContext, args []driverValue) (driverValue, error) {
		sc, ok := lookupArg(args[0])
		if !ok {
			return str(args[3]), nil
		}
		return sc.FromLoadedInfoOrDB(str(args[1]), str(args[2]), str(args[3])), nil
	})

	register("addressbook_contains", 3, func(fctx *sqlite.FunctionContext, args []driverValue) (driverValue, error) {
		sc, ok := lookupArg(args[0])
		if !ok {
			// No registered search: answer true, the same provisional
			// answer a live search gives before the lookup resolves.
			return true, nil
		}
		return sc.AddressbookContains(str(args[1]), str(args[2])), nil
	})

	register("check_labels", 4, func(fctx *sqlite.FunctionContext, args []driverValue) (driverValue, error) {
		sc, ok := lookupArg(args[0])
		if !ok {
			return false, nil
		}
		return sc.CheckLabels(str(args[1]), str(args[2]), str(args[3])), nil
	})

	register("check_flags", 4, func(fctx *sqlite.FunctionContext, args []driverValue) (driverValue, error) {
		sc, ok := lookupArg(args[0])
		if !ok {
			return false, nil
		}
		return sc.CheckFlags(str(args[1]), toInt64(args[2]), toInt64(args[3])), nil
	})

	register("in_result_index", 2, func(fctx *sqlite.FunctionContext, args []driverValue) (driverValue, error) {
		sc, ok := lookupArg(args[0])
		if !ok {
			return false, nil
		}
		return sc.InResultIndex(str(args[1])), nil
	})

	register("in_match_index", 3, func(fctx *sqlite.FunctionContext, args []driverValue) (driverValue, error) {
		sc, ok := lookupArg(args[0])
		if !ok {
			return false, nil
		}
		return sc.InMatchIndex(str(args[1]), str(args[2])), nil
	})

	register("is_folder_id", 2, func(fctx *sqlite.FunctionContext, args []driverValue) (driverValue, error) {
		sc, ok := lookupArg(args[0])
		if !ok {
			return false, nil
		}
		return sc.IsFolderID(toInt64(args[1])), nil
	})

	register("make_time", 1, func(fctx *sqlite.FunctionContext, args []driverValue) (driverValue, error) {
		return makeTimeFallback(str(args[0])), nil
	})

	register("compare_date", 2, func(fctx *sqlite.FunctionContext, args []driverValue) (driverValue, error) {
		a, b := toInt64(args[0]), toInt64(args[1])
		switch {
		case a < b:
			return int64(-1), nil
		case a > b:
			return int64(1), nil
		default:
			return int64(0), nil
		}
	})
}

func lookupArg(v driverValue) (SearchContext, bool) {
	return lookup(toInt64(v))
}
