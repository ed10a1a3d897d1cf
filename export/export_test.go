package export_test

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/Pablovelazquezb/electro"
	"github.com/Pablovelazquezb/electro/export"
)

func sampleResult() *electro.ExtractionResult {
	mapping := electro.NewRegisterMapping([]string{"Usage", "Inv 6-8+"})
	records := []*electro.IntervalRecord{
		{Date: "2025-10-30", Time: "19:00:00", Timestamp: 1761850800, Tariff: electro.TariffPeak, Values: map[string]float64{"usage": 1.5, "inv_6_8_plus": 0.25}},
		{Date: "2025-10-30", Time: "18:00:00", Timestamp: 1761847200, Tariff: electro.TariffPeak, Values: map[string]float64{"usage": 2, "inv_6_8_plus": 0.5}},
		{Date: "2025-10-30", Time: "09:00:00", Timestamp: 1761814800, Tariff: electro.TariffIntermediate, Values: map[string]float64{"usage": 1}},
		{Date: "2025-10-31", Time: "02:00:00", Timestamp: 1761876000, Tariff: electro.TariffBase, Values: map[string]float64{"usage": 0.75}},
	}
	return &electro.ExtractionResult{
		URL:              "https://egauge90707.egaug.es",
		Alias:            "egauge90707",
		Columns:          mapping.Registers(),
		SanitizedColumns: mapping.Columns(),
		RegisterMapping:  mapping,
		Records:          records,
		TotalRecords:     len(records),
		Period: electro.Period{
			Start: time.Date(2025, 10, 30, 9, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 10, 31, 3, 0, 0, 0, time.UTC),
		},
		Summary: map[string]electro.RegisterTotal{
			"Usage":    {Value: 5.25, Unit: "kWh"},
			"Inv 6-8+": {Value: 0.75, Unit: "kWh"},
		},
	}
}

func TestWriteCSV(t *testing.T) {
	result := sampleResult()

	var buf bytes.Buffer
	require.NoError(t, export.WriteCSV(&buf, result.SanitizedColumns, result.Records))

	lines, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, lines, 5)
	assert.Equal(t, []string{"date", "time", "timestamp", "tariff", "usage", "inv_6_8_plus"}, lines[0])
	assert.Equal(t, []string{"2025-10-30", "19:00:00", "1761850800", "Peak", "1.5", "0.25"}, lines[1])
	assert.Equal(t, []string{"2025-10-30", "09:00:00", "1761814800", "Intermediate", "1", "0"}, lines[3], "missing register is written as 0")
}

func TestWriteCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, export.WriteCSV(&buf, []string{"usage"}, nil))
	assert.Equal(t, "date,time,timestamp,tariff,usage\n", buf.String())
}

func TestBuildXLSX(t *testing.T) {
	data, err := export.BuildXLSX(sampleResult())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	assert.Equal(t, []string{"Records", "Daily", "Summary"}, f.GetSheetList())

	rows, err := f.GetRows("Records")
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, []string{"date", "time", "timestamp", "tariff", "usage", "inv_6_8_plus"}, rows[0])
	assert.Equal(t, []string{"2025-10-30", "19:00:00", "1761850800", "Peak", "1.5", "0.25"}, rows[1])

	daily, err := f.GetRows("Daily")
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"date", "tariff", "usage", "inv_6_8_plus"},
		{"2025-10-30", "Intermediate", "1", "0"},
		{"2025-10-30", "Peak", "3.5", "0.75"},
		{"2025-10-31", "Base", "0.75", "0"},
	}, daily)

	summary, err := f.GetRows("Summary")
	require.NoError(t, err)
	assert.Equal(t, []string{"Device", "egauge90707"}, summary[0])
	assert.Equal(t, []string{"Records", "4"}, summary[4])
	assert.Equal(t, []string{"Usage", "usage", "5.25", "kWh"}, summary[6])
	assert.Equal(t, []string{"Inv 6-8+", "inv_6_8_plus", "0.75", "kWh"}, summary[7])
}

func TestBuildXLSXNil(t *testing.T) {
	_, err := export.BuildXLSX(nil)
	require.Error(t, err)
}
