package database

import (
	"fmt"
	"strconv"
	"strings"

	"bpa-go/internal/database/migrations"
)

const (
	fileTable       = "bridge_pool_assignments_file"
	assignmentTable = "bridge_pool_assignment"

	// BatchSize is the number of assignment rows sent per INSERT.
	BatchSize = 1000
)

var fileColumns = []string{"digest", "published", "header"}

var assignmentColumns = []string{
	"digest", "published", "fingerprint", "distribution_method", "transport", "ip",
	"blocklist", "file_digest", "distributed", "state", "bandwidth", "ratio",
}

// Dialect captures the SQL differences between the supported stores.
type Dialect struct {
	name      string
	flavor    migrations.Flavor
	numbered  bool     // $1, $2, ... instead of ?
	ignore    bool     // INSERT IGNORE instead of ON CONFLICT DO NOTHING
	clearStmt []string // executed in order inside one transaction
}

var (
	SQLiteDialect = Dialect{
		name:   "sqlite",
		flavor: migrations.SQLite,
		clearStmt: []string{
			"DELETE FROM " + assignmentTable,
			"DELETE FROM " + fileTable,
		},
	}

	PostgresDialect = Dialect{
		name:      "postgres",
		flavor:    migrations.Postgres,
		numbered:  true,
		clearStmt: []string{"TRUNCATE TABLE " + assignmentTable + ", " + fileTable},
	}

	// MySQL refuses TRUNCATE on a table referenced by a foreign key.
	MySQLDialect = Dialect{
		name:   "mysql",
		flavor: migrations.MySQL,
		ignore: true,
		clearStmt: []string{
			"DELETE FROM " + assignmentTable,
			"DELETE FROM " + fileTable,
		},
	}
)

// Name returns the dialect name as used in configuration.
func (d Dialect) Name() string { return d.name }

// insertFileSQL returns the insert-or-ignore statement for one file row.
func (d Dialect) insertFileSQL() string {
	return d.insertSQL(fileTable, fileColumns, 1)
}

// insertAssignmentsSQL returns the insert-or-ignore statement for n assignment rows.
func (d Dialect) insertAssignmentsSQL(n int) string {
	return d.insertSQL(assignmentTable, assignmentColumns, n)
}

func (d Dialect) insertSQL(table string, columns []string, rows int) string {
	var b strings.Builder
	if d.ignore {
		b.WriteString("INSERT IGNORE INTO ")
	} else {
		b.WriteString("INSERT INTO ")
	}
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES ")

	arg := 1
	for r := range rows {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range columns {
			if c > 0 {
				b.WriteString(", ")
			}
			if d.numbered {
				b.WriteByte('$')
				b.WriteString(strconv.Itoa(arg))
			} else {
				b.WriteByte('?')
			}
			arg++
		}
		b.WriteByte(')')
	}

	if !d.ignore {
		b.WriteString(" ON CONFLICT (digest) DO NOTHING")
	}
	return b.String()
}

func (d Dialect) countSQL(table string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
}

// selectAssignmentsSQL selects every assignment column filtered by one
// equality predicate on where, ordered by orderBy, capped at limit when positive.
func (d Dialect) selectAssignmentsSQL(where, orderBy string, limit int) string {
	placeholder := "?"
	if d.numbered {
		placeholder = "$1"
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s ORDER BY %s",
		strings.Join(assignmentColumns, ", "), assignmentTable, where, placeholder, orderBy)
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return q
}
