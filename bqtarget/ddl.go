package bqtarget

import (
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/pkg/errors"

	"github.com/Pablovelazquezb/electro"
)

func quote(name string) string {
	return "`" + name + "`"
}

func columnType(t electro.ColumnType) bigquery.FieldType {
	switch t {
	case electro.ColumnID, electro.ColumnTariff:
		return bigquery.StringFieldType
	case electro.ColumnDate:
		return bigquery.DateFieldType
	case electro.ColumnTime:
		return bigquery.TimeFieldType
	case electro.ColumnInteger:
		return bigquery.IntegerFieldType
	case electro.ColumnCreatedAt:
		return bigquery.TimestampFieldType
	default:
		return bigquery.FloatFieldType
	}
}

func ddlType(t electro.ColumnType) string {
	switch columnType(t) {
	case bigquery.IntegerFieldType:
		return "INT64"
	case bigquery.FloatFieldType:
		return "FLOAT64"
	default:
		return string(columnType(t))
	}
}

// renderCreateTableStatement renders the client table DDL; clustering replaces the secondary indexes
func renderCreateTableStatement(projectID, datasetID string, schema *electro.TableSchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS `%s.%s.%s` (\n", projectID, datasetID, schema.Name)
	for i, c := range schema.Columns {
		def := fmt.Sprintf("    %s %s", quote(c.Name), ddlType(c.Type))
		switch c.Type {
		case electro.ColumnDate, electro.ColumnTime, electro.ColumnInteger:
			def += " NOT NULL"
		case electro.ColumnCreatedAt:
			def += " DEFAULT CURRENT_TIMESTAMP()"
		}
		if i < len(schema.Columns)-1 {
			def += ","
		}
		b.WriteString(def + "\n")
	}
	fmt.Fprintf(&b, ")\nCLUSTER BY %s, %s", quote(electro.DateColumn), quote(electro.TariffColumn))
	return b.String()
}

// stagingSchema is the insert schema of a staging table: the writable columns of schema
func stagingSchema(schema *electro.TableSchema) bigquery.Schema {
	writable := make(map[string]struct{})
	for _, c := range schema.WritableColumns() {
		writable[c] = struct{}{}
	}

	var out bigquery.Schema
	for _, c := range schema.Columns {
		if _, ok := writable[c.Name]; !ok {
			continue
		}
		out = append(out, &bigquery.FieldSchema{
			Name:     c.Name,
			Type:     columnType(c.Type),
			Required: c.Type == electro.ColumnDate || c.Type == electro.ColumnTime || c.Type == electro.ColumnInteger,
		})
	}
	return out
}

func valuesSaver(bqSchema bigquery.Schema, schema *electro.TableSchema, rec *electro.IntervalRecord) (*bigquery.ValuesSaver, error) {
	date, err := civil.ParseDate(rec.Date)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid date %q of record %d", rec.Date, rec.Timestamp)
	}
	clock, err := civil.ParseTime(rec.Time)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid time %q of record %d", rec.Time, rec.Timestamp)
	}

	row := schema.Row(rec)
	row[electro.DateColumn] = date
	row[electro.TimeColumn] = clock

	values := make([]bigquery.Value, 0, len(bqSchema))
	for _, f := range bqSchema {
		values = append(values, row[f.Name])
	}
	return &bigquery.ValuesSaver{
		Schema:   bqSchema,
		InsertID: strconv.FormatInt(rec.Timestamp, 10),
		Row:      values,
	}, nil
}
