// Package shared provides small helpers used across the bridge.
package shared

import "strings"

// IsSQLiteConflictError reports whether err is a SQLite concurrency failure
// worth retrying. The driver surfaces these as SQLITE_BUSY or "database is
// locked" in the error text rather than as typed errors.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
