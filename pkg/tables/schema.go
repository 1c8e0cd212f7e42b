package tables

import (
	"fmt"
	"strings"
)

// Dialect selects the DDL flavor for replicated tables.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (t ColType) ddl(dialect Dialect) string {
	switch t {
	case Integer:
		if dialect == DialectPostgres {
			return "BIGINT"
		}
		return "INTEGER"
	case Boolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// CreateDDL renders the idempotent CREATE TABLE statement for one
// replicated table. Server and replica run the same statements, each in
// its own dialect.
func CreateDDL(d Descriptor, dialect Dialect) string {
	cols := make([]string, 0, len(d.Columns))
	for _, c := range d.Columns {
		def := fmt.Sprintf("%s %s", c.Name, c.Type.ddl(dialect))
		if c.Name == d.PrimaryKey {
			def += " PRIMARY KEY"
		}
		cols = append(cols, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.Name, strings.Join(cols, ", "))
}
