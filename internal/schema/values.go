package schema

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// binaryTypes are column DatabaseTypeNames whose []byte values are rendered
// as hex literals instead of quoted strings.
var binaryTypes = map[string]bool{
	"BINARY":     true,
	"VARBINARY":  true,
	"BLOB":       true,
	"TINYBLOB":   true,
	"MEDIUMBLOB": true,
	"LONGBLOB":   true,
	"BIT":        true,
	"GEOMETRY":   true,
}

// formatValue renders one scanned column value as a SQL literal.
func formatValue(val any, dbType string) string {
	switch v := val.(type) {
	case nil:
		return "NULL"
	case bool:
		if v {
			return "1"
		}
		return "0"
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case time.Time:
		return "'" + v.Format("2006-01-02 15:04:05") + "'"
	case []byte:
		if binaryTypes[strings.ToUpper(dbType)] {
			return "X'" + hex.EncodeToString(v) + "'"
		}
		return quoteString(string(v))
	case string:
		return quoteString(v)
	default:
		return quoteString(fmt.Sprint(v))
	}
}

// quoteString escapes a string for a single-quoted MySQL literal.
func quoteString(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'':
			sb.WriteString("''")
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case 0:
			sb.WriteString(`\0`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('\'')
	return sb.String()
}

// rowValues renders a scanned row as the inside of a VALUES tuple.
func rowValues(vals []any, dbTypes []string) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		dbType := ""
		if i < len(dbTypes) {
			dbType = dbTypes[i]
		}
		parts[i] = formatValue(v, dbType)
	}
	return strings.Join(parts, ", ")
}
