package util

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// BuildBackupPrefix constructs the storage prefix holding one backup run:
// <prefix>/<db>_<timestamp>. All artifacts and the manifest live under it.
func BuildBackupPrefix(prefix, dbName string, when time.Time) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, strings.Trim(prefix, "/"))
	}
	parts = append(parts, fmt.Sprintf("%s_%s", dbName, when.UTC().Format("20060102T150405Z")))
	return path.Join(parts...)
}

// ObjectKey joins a backup prefix and a file name into a storage key.
func ObjectKey(backupPrefix, name string) string {
	return path.Join(backupPrefix, name)
}
