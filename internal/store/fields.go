package store

import (
	"fmt"
	"strconv"
	"time"

	"lumina/internal/types"
)

// Field map (de)serialization helpers. Records are stored as flat string
// hashes; reads validate required fields and fail with internal_corrupt_record
// rather than silently defaulting (loosely-typed field maps are not carried
// over from the original design).

const timeLayout = time.RFC3339

func corruptErr(key, field string, err error) error {
	return types.NewAppError(
		types.ErrCodeInternalCorruptData,
		fmt.Sprintf("record %s has invalid field %q", key, field),
		err,
	)
}

// fieldInt64 parses a required integer field.
func fieldInt64(key string, fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, corruptErr(key, name, nil)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, corruptErr(key, name, err)
	}
	return n, nil
}

// fieldInt64Opt parses an optional integer field, returning 0 when absent.
func fieldInt64Opt(key string, fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, corruptErr(key, name, err)
	}
	return n, nil
}

// fieldTime parses a required RFC3339 timestamp field.
func fieldTime(key string, fields map[string]string, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return time.Time{}, corruptErr(key, name, nil)
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, corruptErr(key, name, err)
	}
	return t.UTC(), nil
}

// fieldTimeOpt parses an optional timestamp field, zero when absent.
func fieldTimeOpt(key string, fields map[string]string, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, corruptErr(key, name, err)
	}
	return t.UTC(), nil
}

// fieldBool parses a "1"/"0" flag field, false when absent.
func fieldBool(fields map[string]string, name string) bool {
	return fields[name] == "1"
}

func encodeBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
