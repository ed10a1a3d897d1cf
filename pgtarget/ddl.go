package pgtarget

import (
	"fmt"
	"strings"

	"github.com/Pablovelazquezb/electro"
)

func columnSQLType(t electro.ColumnType) string {
	switch t {
	case electro.ColumnID:
		return "UUID"
	case electro.ColumnDate:
		return "DATE"
	case electro.ColumnTime:
		return "TIME"
	case electro.ColumnInteger:
		return "BIGINT"
	case electro.ColumnTariff:
		return "VARCHAR(20)"
	case electro.ColumnCreatedAt:
		return "TIMESTAMPTZ"
	default:
		return "DOUBLE PRECISION"
	}
}

func columnDefinition(c electro.Column) string {
	def := quoteIdent(c.Name) + " " + columnSQLType(c.Type)
	switch c.Type {
	case electro.ColumnID:
		def += " PRIMARY KEY DEFAULT gen_random_uuid()"
	case electro.ColumnDate, electro.ColumnTime, electro.ColumnInteger:
		def += " NOT NULL"
	case electro.ColumnCreatedAt:
		def += " DEFAULT NOW()"
	case electro.ColumnFloat:
		def += " DEFAULT 0"
	}
	return def
}

// RenderCreateTableStatement renders an idempotent DDL script for schema: the table with a
// unique timestamp and one index per electro.IndexedColumns entry
func RenderCreateTableStatement(schema *electro.TableSchema) string {
	var b strings.Builder
	table := quoteIdent(schema.Name)

	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	for _, c := range schema.Columns {
		fmt.Fprintf(&b, "    %s,\n", columnDefinition(c))
	}
	fmt.Fprintf(&b, "    UNIQUE (%s)\n);\n", quoteIdent(electro.TimestampColumn))

	for _, col := range electro.IndexedColumns {
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS %s ON %s (%s);\n",
			quoteIdent(indexName(schema.Name, col)), table, quoteIdent(col))
	}
	return b.String()
}

func indexName(table, column string) string {
	name := fmt.Sprintf("idx_%s_%s", table, column)
	if len(name) > maxIdentifierLength {
		// keep the column suffix so indexes of one table stay distinct
		suffix := "_" + column
		name = name[:maxIdentifierLength-len(suffix)] + suffix
	}
	return name
}
