package storage

import "strings"

// prefixColumns qualifies every column in a comma-separated list with a
// table alias, e.g. "id, name" -> "d.id, d.name".
func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
