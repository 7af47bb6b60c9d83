package protocol

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Field looks up name in obj ignoring case. The exact spelling wins when both exist.
func Field(obj gjson.Result, name string) gjson.Result {
	if !obj.IsObject() {
		return gjson.Result{}
	}
	var found gjson.Result
	obj.ForEach(func(key, value gjson.Result) bool {
		if key.String() == name {
			found = value
			return false
		}
		if !found.Exists() && strings.EqualFold(key.String(), name) {
			found = value
		}
		return true
	})
	return found
}

// FirstField returns the first of names present in obj.
func FirstField(obj gjson.Result, names ...string) gjson.Result {
	for _, n := range names {
		if r := Field(obj, n); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

// Bool converts loosely: true, "true", "1", 1 are all true.
func Bool(r gjson.Result) bool {
	if r.Type == gjson.String {
		switch strings.ToLower(strings.TrimSpace(r.Str)) {
		case "1", "true", "yes", "on":
			return true
		}
		return false
	}
	return r.Bool()
}

// String returns the value as a string; numbers keep their JSON text.
func String(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		return r.Raw
	case gjson.Null:
		return ""
	}
	if !r.Exists() {
		return ""
	}
	return r.String()
}

// Time accepts RFC3339 strings, unix seconds or unix milliseconds.
// Anything else yields the zero time.
func Time(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		return unixAuto(r.Int())
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if s == "" {
			return time.Time{}
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixAuto(n)
		}
	}
	return time.Time{}
}

func unixAuto(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	// Values past year 2286 in seconds are certainly milliseconds.
	if n > 1e10 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
