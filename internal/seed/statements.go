package seed

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

const (
	savepointName = "before_table_load"

	beginSQL      = "BEGIN"
	commitSQL     = "COMMIT"
	rollbackSQL   = "ROLLBACK"
	savepointSQL  = "SAVEPOINT " + savepointName
	rollbackToSQL = "ROLLBACK TO SAVEPOINT " + savepointName
	releaseSQL    = "RELEASE SAVEPOINT " + savepointName
)

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// quoteLiteral renders s as a standard-conforming string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func dateStyleSQL(style string) string {
	return "SET datestyle = " + quoteLiteral(style)
}

func truncateSQL(table string) string {
	return fmt.Sprintf("TRUNCATE %s RESTART IDENTITY", ident(table))
}

func copySQL(table string, delimiter rune) string {
	return fmt.Sprintf("COPY %s FROM STDIN WITH (FORMAT csv, HEADER true, DELIMITER %s)",
		ident(table), quoteLiteral(string(delimiter)))
}

func dropColumnsSQL(table string, columns []string) string {
	drops := make([]string, len(columns))
	for i, c := range columns {
		drops[i] = "DROP COLUMN IF EXISTS " + ident(c)
	}
	return fmt.Sprintf("ALTER TABLE %s %s", ident(table), strings.Join(drops, ", "))
}
