package storage

import (
	"fmt"
	"strings"
)

// Dialect selects the SQL flavour of a database/sql backed store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// Valid reports whether d is a supported dialect.
func (d Dialect) Valid() bool {
	return d == DialectSQLite || d == DialectPostgres || d == DialectMySQL
}

// Rebind rewrites ? bind variables into the dialect's form.
// Postgres uses $1, $2... while MySQL and SQLite use ?
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(fmt.Sprintf("$%d", n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Upsert builds an insert that replaces the row on a key conflict.
func (d Dialect) Upsert(table, key string, columns []string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), marks)

	updates := make([]string, 0, len(columns))
	for _, c := range columns {
		if c == key {
			continue
		}
		if d == DialectMySQL {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", c, c))
		} else {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	if d == DialectMySQL {
		return d.Rebind(insert + " ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", "))
	}
	return d.Rebind(insert + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET ", key) + strings.Join(updates, ", "))
}
