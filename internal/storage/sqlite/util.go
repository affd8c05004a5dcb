package sqlite

import (
	"database/sql"
	"strings"
	"time"
)

// timeFormat is the stored timestamp layout: UTC with fixed-width
// nanoseconds so that lexical order equals chronological order. Variable
// fractional digits (RFC 3339) would break index-ordered comparisons.
const timeFormat = "2006-01-02 15:04:05.000000000"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func fmtTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeFormat, s); err == nil {
		return t.UTC()
	}
	// Tolerate RFC 3339 values written by older builds
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// placeholders builds "?,?,?" for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// nullStr maps "" to NULL for optional text columns.
func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func strOrEmpty(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}
