// Package export renders extraction results as CSV or XLSX files.
package export

import (
	"bytes"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/xuri/excelize/v2"

	"github.com/Pablovelazquezb/electro"
)

const (
	recordsSheet = "Records"
	dailySheet   = "Daily"
	summarySheet = "Summary"
)

// Header returns the record columns in file order: the fixed columns followed by the register columns
func Header(columns []string) []string {
	return append([]string{electro.DateColumn, electro.TimeColumn, electro.TimestampColumn, electro.TariffColumn}, columns...)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteCSV writes one line per record under Header(columns)
func WriteCSV(w io.Writer, columns []string, records []*electro.IntervalRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header(columns)); err != nil {
		return errors.Wrap(err, "failed to write csv header")
	}
	for _, rec := range records {
		line := []string{rec.Date, rec.Time, strconv.FormatInt(rec.Timestamp, 10), string(rec.Tariff)}
		for _, col := range columns {
			line = append(line, formatFloat(rec.Values[col]))
		}
		if err := cw.Write(line); err != nil {
			return errors.Wrapf(err, "failed to write csv record %d", rec.Timestamp)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "failed to flush csv")
}

// BuildXLSX builds a workbook with the records, their daily totals per tariff and the period summary
func BuildXLSX(result *electro.ExtractionResult) ([]byte, error) {
	if result == nil {
		return nil, errors.New("result is nil")
	}
	columns := result.SanitizedColumns

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", recordsSheet); err != nil {
		return nil, errors.Wrap(err, "failed to rename sheet")
	}
	for _, name := range []string{dailySheet, summarySheet} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, errors.Wrapf(err, "failed to create sheet %s", name)
		}
	}

	w := &sheetWriter{f: f}

	w.row(recordsSheet, 1, lo.ToAnySlice(Header(columns))...)
	for i, rec := range result.Records {
		values := []any{rec.Date, rec.Time, rec.Timestamp, string(rec.Tariff)}
		for _, col := range columns {
			values = append(values, rec.Values[col])
		}
		w.row(recordsSheet, i+2, values...)
	}

	w.row(dailySheet, 1, lo.ToAnySlice(append([]string{electro.DateColumn, electro.TariffColumn}, columns...))...)
	line := 2
	for _, day := range electro.AggregateDaily(result.Records, columns) {
		for _, tariff := range []electro.Tariff{electro.TariffBase, electro.TariffIntermediate, electro.TariffPeak} {
			totals, ok := day.ByTariff[tariff]
			if !ok {
				continue
			}
			values := []any{day.Date, string(tariff)}
			for _, col := range columns {
				values = append(values, totals[col])
			}
			w.row(dailySheet, line, values...)
			line++
		}
	}

	w.row(summarySheet, 1, "Device", result.Alias)
	w.row(summarySheet, 2, "URL", result.URL)
	w.row(summarySheet, 3, "Period start", result.Period.Start.Format(electro.DateLayout+" "+electro.ClockLayout))
	w.row(summarySheet, 4, "Period end", result.Period.End.Format(electro.DateLayout+" "+electro.ClockLayout))
	w.row(summarySheet, 5, "Records", result.TotalRecords)
	w.row(summarySheet, 6, "Register", "Column", "Total", "Unit")
	for i, rc := range result.RegisterMapping {
		total := result.Summary[rc.Register]
		w.row(summarySheet, i+7, rc.Register, rc.Column, total.Value, total.Unit)
	}

	if w.err != nil {
		return nil, w.err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, errors.Wrap(err, "failed to write xlsx")
	}
	return buf.Bytes(), nil
}

// sheetWriter keeps the first cell error so rows can be written without checking each call
type sheetWriter struct {
	f   *excelize.File
	err error
}

func (w *sheetWriter) row(sheet string, row int, values ...any) {
	if w.err != nil {
		return
	}
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			w.err = errors.Wrapf(err, "invalid cell %d,%d", i+1, row)
			return
		}
		if err := w.f.SetCellValue(sheet, cell, v); err != nil {
			w.err = errors.Wrapf(err, "failed to set %s!%s", sheet, cell)
			return
		}
	}
}
