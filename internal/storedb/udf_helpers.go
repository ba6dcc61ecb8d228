package storedb

import (
	"database/sql/driver"
	"fmt"
	"time"
)

type driverValue = driver.Value

func str(v driverValue) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toInt64(v driverValue) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		var n int64
		fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// makeTimeFallback parses a date/time string into epoch seconds,
// backing the make_time UDF. storesearch also calls it at compile
// time to fold a literal make-time argument into a SQL literal.
func makeTimeFallback(s string) int64 {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix()
		}
	}
	return 0
}

// MakeTime is the exported form storesearch's compiler uses for
// constant-folding literal make-time arguments.
func MakeTime(s string) int64 { return makeTimeFallback(s) }
