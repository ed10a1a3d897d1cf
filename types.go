package electro

import (
	"context"
	"fmt"
	"time"
)

// Credentials authenticate against a metering device
type Credentials struct {
	User     string
	Password string
}

// Connector opens authenticated sessions with metering devices
type Connector interface {
	// Connect authenticates against the device at url and returns a handle for fetching series
	Connect(ctx context.Context, url string, creds Credentials) (Device, error)
}

// Device is an authenticated handle to a single metering device
type Device interface {
	// FetchSeries returns the cumulative readings of every register within the range
	FetchSeries(ctx context.Context, r TimeRange) (*Series, error)
}

// TimeRange selects readings in [Start, End] sampled every Interval
type TimeRange struct {
	Start    time.Time
	End      time.Time
	Interval time.Duration
}

// String encodes the range as "start:interval:end" in epoch seconds
func (r TimeRange) String() string {
	return fmt.Sprintf("%d:%d:%d", r.Start.Unix(), int64(r.Interval/time.Second), r.End.Unix())
}

// Reading is one sample of every register's cumulative value
type Reading struct {
	Timestamp int64              `json:"ts"`
	Registers map[string]float64 `json:"registers"`
}

// Series is the result of one fetch
type Series struct {
	// Registers is the declared register list, authoritative over what any single row carries
	Registers []string
	// Units maps register label to its physical unit, when the device reports one
	Units map[string]string
	// Readings in the order the device returned them (newest first for eGauge)
	Readings []Reading
}

// IntervalRecord is the consumption between two adjacent readings
type IntervalRecord struct {
	Date      string             `json:"date"`
	Time      string             `json:"time"`
	Timestamp int64              `json:"timestamp"`
	Tariff    Tariff             `json:"tariff"`
	Values    map[string]float64 `json:"values"`
}

// ExtractRequest asks the Extractor for interval records of one device
type ExtractRequest struct {
	URL      string
	Start    time.Time
	End      time.Time
	Interval time.Duration
}

// Period is the span covered by an extraction, oldest to newest reading
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RegisterTotal is the accumulated change of one register over the whole period
type RegisterTotal struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// ExtractionResult is the all-or-nothing outcome of a successful extraction
type ExtractionResult struct {
	URL              string                   `json:"url"`
	Alias            string                   `json:"alias"`
	Columns          []string                 `json:"columns"`
	SanitizedColumns []string                 `json:"sanitizedColumns"`
	RegisterMapping  RegisterMapping          `json:"registerMapping"`
	Records          []*IntervalRecord        `json:"records"`
	TotalRecords     int                      `json:"totalRecords"`
	Period           Period                   `json:"period"`
	Summary          map[string]RegisterTotal `json:"summary"`
}

// RowFilter selects persisted rows by date (inclusive, YYYY-MM-DD) with pagination
type RowFilter struct {
	StartDate string
	EndDate   string
	Limit     int
	Offset    int
}

// Gateway is the table store that materializes client schemas and persists interval records
type Gateway interface {
	// TableExists probes for a table without mutating state; only transport failures are errors
	TableExists(ctx context.Context, table string) (bool, error)

	// CreateTable creates the table described by schema with its natural key and indexes
	CreateTable(ctx context.Context, schema *TableSchema) error

	// RenderCreateTableStatement returns the DDL CreateTable would apply, for manual application
	RenderCreateTableStatement(schema *TableSchema) string

	// UpsertBatch writes records in chunks of batchSize, overwriting on timestamp conflict.
	// Any failure aborts the whole call.
	UpsertBatch(ctx context.Context, schema *TableSchema, records []*IntervalRecord, batchSize int) (int, error)

	// ListRows returns persisted rows newest first
	ListRows(ctx context.Context, table string, filter RowFilter) ([]map[string]any, error)
}

var DateLayout = "2006-01-02"

var ClockLayout = "15:04:05"
