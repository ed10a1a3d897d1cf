package electro

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// ColumnType is the logical type of a client table column, mapped to SQL types by each gateway
type ColumnType string

const (
	ColumnID        ColumnType = "id"
	ColumnDate      ColumnType = "date"
	ColumnTime      ColumnType = "time"
	ColumnInteger   ColumnType = "integer"
	ColumnTariff    ColumnType = "tariff"
	ColumnCreatedAt ColumnType = "created_at"
	ColumnFloat     ColumnType = "float"
)

// Fixed column names of every client table
const (
	IDColumn        = "id"
	DateColumn      = "date"
	TimeColumn      = "time"
	TimestampColumn = "timestamp" // natural key
	TariffColumn    = "tariff"
	CreatedAtColumn = "created_at"
)

// Column is one column of a client table
type Column struct {
	Name string
	Type ColumnType
}

// TableSchema describes a client table: fixed columns followed by one float column per register
type TableSchema struct {
	Name    string
	Columns []Column
}

var fixedColumns = []Column{
	{Name: IDColumn, Type: ColumnID},
	{Name: DateColumn, Type: ColumnDate},
	{Name: TimeColumn, Type: ColumnTime},
	{Name: TimestampColumn, Type: ColumnInteger},
	{Name: TariffColumn, Type: ColumnTariff},
	{Name: CreatedAtColumn, Type: ColumnCreatedAt},
}

// FixedColumnNames returns the names of the columns every client table carries
func FixedColumnNames() []string {
	return lo.Map(fixedColumns, func(c Column, _ int) string { return c.Name })
}

// IndexedColumns are the columns that get a supporting index
var IndexedColumns = []string{DateColumn, TimestampColumn, TariffColumn}

// NewTableSchema builds the schema of table for the given sanitized register columns
func NewTableSchema(table string, sanitizedColumns []string) (*TableSchema, error) {
	if table == "" {
		return nil, errors.New("table name is required")
	}
	if table != SanitizeTableName(table) {
		return nil, errors.Errorf("table name %q is not sanitized", table)
	}

	schema := &TableSchema{Name: table}
	schema.Columns = append(schema.Columns, fixedColumns...)

	seen := lo.SliceToMap(FixedColumnNames(), func(name string) (string, struct{}) { return name, struct{}{} })
	for _, col := range sanitizedColumns {
		if col != SanitizeIdentifier(col) {
			return nil, errors.Errorf("column %q is not sanitized", col)
		}
		if _, dup := seen[col]; dup {
			return nil, errors.Errorf("duplicate column %q in table %s", col, table)
		}
		seen[col] = struct{}{}
		schema.Columns = append(schema.Columns, Column{Name: col, Type: ColumnFloat})
	}
	return schema, nil
}

// ValueColumns returns the register columns in order
func (s *TableSchema) ValueColumns() []string {
	var out []string
	for _, c := range s.Columns {
		if c.Type == ColumnFloat {
			out = append(out, c.Name)
		}
	}
	return out
}

// WritableColumns returns the columns populated from an IntervalRecord, in schema order.
// id and created_at are filled by the store.
func (s *TableSchema) WritableColumns() []string {
	var out []string
	for _, c := range s.Columns {
		if c.Type == ColumnID || c.Type == ColumnCreatedAt {
			continue
		}
		out = append(out, c.Name)
	}
	return out
}

// Row flattens a record into column -> value for the writable columns of the schema.
// Registers missing from the record are written as 0.
func (s *TableSchema) Row(rec *IntervalRecord) map[string]any {
	row := map[string]any{
		DateColumn:      rec.Date,
		TimeColumn:      rec.Time,
		TimestampColumn: rec.Timestamp,
		TariffColumn:    string(rec.Tariff),
	}
	for _, col := range s.ValueColumns() {
		row[col] = rec.Values[col]
	}
	return row
}

// DedupeByTimestamp keeps the last record for every timestamp, preserving first-seen order
func DedupeByTimestamp(records []*IntervalRecord) []*IntervalRecord {
	index := make(map[int64]int, len(records))
	out := make([]*IntervalRecord, 0, len(records))
	for _, rec := range records {
		if i, ok := index[rec.Timestamp]; ok {
			out[i] = rec
			continue
		}
		index[rec.Timestamp] = len(out)
		out = append(out, rec)
	}
	return out
}
