package electro

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/theplant/appkit/logtracing"

	"github.com/Pablovelazquezb/electro/internal/metrics"
)

// Client is a registered metering device and the table its interval records are written to
type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	DataTable string    `json:"dataTable"`
	Columns   []string  `json:"columns"` // raw register labels of the last successful extraction
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ClientStore is the part of the client registry the ingestion flow depends on
type ClientStore interface {
	// Get returns the client or an error of KindNotFound
	Get(ctx context.Context, id string) (*Client, error)
	// List returns every client, newest first
	List(ctx context.Context) ([]*Client, error)
	// UpdateColumns records the raw register labels of the last extraction
	UpdateColumns(ctx context.Context, id string, columns []string) error
}

const (
	DefaultBatchSize      = 1000
	DefaultMaxDaysHistory = 365
)

// ServiceConfig contains the dependencies of a Service
type ServiceConfig struct {
	Extractor *Extractor
	Gateway   Gateway
	Clients   ClientStore

	BatchSize      int // records per upsert chunk. Default: DefaultBatchSize
	MaxDaysHistory int // oldest start date accepted, in days. Default: DefaultMaxDaysHistory

	// Location parses request dates. Default: the Extractor's location
	Location *time.Location
	Clock    clockwork.Clock
}

// Validate validates the configuration
func (c *ServiceConfig) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Extractor == nil {
		return errors.New("Extractor is required")
	}
	if c.Gateway == nil {
		return errors.New("Gateway is required")
	}
	if c.Clients == nil {
		return errors.New("Clients is required")
	}
	if c.BatchSize < 0 {
		return errors.New("BatchSize must be greater than or equal to 0")
	}
	if c.MaxDaysHistory < 0 {
		return errors.New("MaxDaysHistory must be greater than or equal to 0")
	}
	return nil
}

// Service extracts interval records for registered clients and persists them into their tables
type Service struct {
	*ServiceConfig
}

// NewService creates a new Service
func NewService(conf *ServiceConfig) (*Service, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if conf.BatchSize == 0 {
		conf.BatchSize = DefaultBatchSize
	}
	if conf.MaxDaysHistory == 0 {
		conf.MaxDaysHistory = DefaultMaxDaysHistory
	}
	if conf.Location == nil {
		conf.Location = conf.Extractor.Location
	}
	if conf.Clock == nil {
		conf.Clock = conf.Extractor.Clock
	}
	return &Service{ServiceConfig: conf}, nil
}

// ExtractInput is the request of the produced surface
type ExtractInput struct {
	ClientID      string `json:"clientId"`
	StartDate     string `json:"startDate"` // YYYY-MM-DD
	EndDate       string `json:"endDate"`   // YYYY-MM-DD
	IntervalHours int    `json:"intervalHours"`
}

// IngestionResult is an ExtractionResult after it has been persisted
type IngestionResult struct {
	*ExtractionResult
	Client          string `json:"client"`
	Table           string `json:"table"`
	TableCreated    bool   `json:"tableCreated"`
	RecordsInserted int    `json:"recordsInserted"`
	Range           string `json:"range"`
}

// Extract validates the request, extracts the client's device data and upserts it into the
// client's table, creating the table on first use
func (s *Service) Extract(ctx context.Context, in *ExtractInput) (*IngestionResult, error) {
	if in == nil {
		return nil, &Error{Kind: KindInvalidRequest, Message: "request is nil"}
	}
	if in.ClientID == "" || in.StartDate == "" || in.EndDate == "" {
		return nil, &Error{Kind: KindInvalidRequest, Message: "client id, start date and end date are required"}
	}
	intervalHours := in.IntervalHours
	if intervalHours == 0 {
		intervalHours = 1
	}
	if intervalHours < 0 {
		return nil, &Error{Kind: KindInvalidRequest, Message: "interval hours must be positive"}
	}

	start, end, err := ValidateDateRange(in.StartDate, in.EndDate, s.MaxDaysHistory, s.Clock.Now().In(s.Location), s.Location)
	if err != nil {
		return nil, err
	}

	client, err := s.Clients.Get(ctx, in.ClientID)
	if err != nil {
		return nil, err
	}

	result, err := s.Ingest(ctx, client, &ExtractRequest{
		URL:      client.URL,
		Start:    start,
		End:      end,
		Interval: time.Duration(intervalHours) * time.Hour,
	})
	if err != nil {
		return nil, err
	}
	result.Range = fmt.Sprintf("%s to %s", in.StartDate, in.EndDate)
	return result, nil
}

// Ingest runs one extraction for client and persists the records.
// It is all-or-nothing: on failure nothing is reported as written and the call may be re-issued.
// A panic in a collaborator is returned as an error of kind KindInternal.
func (s *Service) Ingest(ctx context.Context, client *Client, req *ExtractRequest) (result *IngestionResult, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "electro.Ingest")
	spanKVs := make(map[string]any)
	started := s.Clock.Now()
	defer func() {
		if r := recover(); r != nil {
			result = nil
			xerr = &Error{Kind: KindInternal, Message: fmt.Sprintf("unexpected failure: %v", r)}
		}
		if xerr != nil {
			spanKVs["error_kind"] = KindOf(xerr)
		}
		metrics.ObserveExtraction(string(resultKind(xerr)), s.Clock.Since(started))
		for k, v := range spanKVs {
			span.AppendKVs(k, v)
		}
		logtracing.EndSpan(ctx, xerr)
	}()

	if client == nil {
		return nil, &Error{Kind: KindInvalidRequest, Message: "client is nil"}
	}
	table := client.DataTable
	spanKVs["client_id"] = client.ID
	spanKVs["table"] = table

	extraction, err := s.Extractor.Extract(ctx, req)
	if err != nil {
		return nil, err
	}

	schema, err := NewTableSchema(table, extraction.SanitizedColumns)
	if err != nil {
		return nil, &Error{Kind: KindSchemaCreation, Message: "invalid table schema", Table: table, Err: err}
	}

	created, err := s.ensureTable(ctx, schema)
	if err != nil {
		return nil, err
	}
	spanKVs["table_created"] = created

	inserted, err := s.Gateway.UpsertBatch(ctx, schema, extraction.Records, s.BatchSize)
	if err != nil {
		return nil, &Error{
			Kind:      KindPersistence,
			Message:   "error inserting data",
			Table:     table,
			Statement: s.Gateway.RenderCreateTableStatement(schema),
			Err:       err,
		}
	}
	spanKVs["records_inserted"] = inserted
	metrics.AddRecordsWritten(table, inserted)

	if err := s.Clients.UpdateColumns(ctx, client.ID, extraction.Columns); err != nil {
		return nil, &Error{Kind: KindPersistence, Message: "failed to update client columns", Table: table, Err: err}
	}

	return &IngestionResult{
		ExtractionResult: extraction,
		Client:           client.Name,
		Table:            table,
		TableCreated:     created,
		RecordsInserted:  inserted,
	}, nil
}

// ensureTable creates the table when absent and reports whether it did
func (s *Service) ensureTable(ctx context.Context, schema *TableSchema) (bool, error) {
	exists, err := s.Gateway.TableExists(ctx, schema.Name)
	if err != nil {
		return false, &Error{Kind: KindPersistence, Message: "failed to check table existence", Table: schema.Name, Err: err}
	}
	if exists {
		return false, nil
	}

	if err := s.Gateway.CreateTable(ctx, schema); err != nil {
		return false, &Error{
			Kind:      KindSchemaCreation,
			Message:   "failed to create table automatically, apply the statement manually and extract again",
			Table:     schema.Name,
			Statement: s.Gateway.RenderCreateTableStatement(schema),
			Err:       err,
		}
	}
	return true, nil
}

// ClientData returns the persisted rows of a client, newest first
func (s *Service) ClientData(ctx context.Context, clientID string, filter RowFilter) (*Client, []map[string]any, error) {
	client, err := s.Clients.Get(ctx, clientID)
	if err != nil {
		return nil, nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	rows, err := s.Gateway.ListRows(ctx, client.DataTable, filter)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to list rows of %s", client.DataTable)
	}
	return client, rows, nil
}

// ValidateDateRange parses YYYY-MM-DD dates in loc and checks them against now.
// The end date is taken at midnight, so the range covers whole days before it.
func ValidateDateRange(startDate, endDate string, maxDaysHistory int, now time.Time, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	start, err := time.ParseInLocation(DateLayout, startDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, &Error{Kind: KindInvalidRequest, Message: "invalid date format, use YYYY-MM-DD", Err: err}
	}
	end, err := time.ParseInLocation(DateLayout, endDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, &Error{Kind: KindInvalidRequest, Message: "invalid date format, use YYYY-MM-DD", Err: err}
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, &Error{Kind: KindInvalidRequest, Message: "start date must be before end date"}
	}
	if start.After(now) {
		return time.Time{}, time.Time{}, &Error{Kind: KindInvalidRequest, Message: "start date cannot be in the future"}
	}
	if maxDaysHistory > 0 && int(now.Sub(start)/(24*time.Hour)) > maxDaysHistory {
		return time.Time{}, time.Time{}, &Error{
			Kind:    KindInvalidRequest,
			Message: fmt.Sprintf("start date is more than %d days in the past, the device may not have data that old", maxDaysHistory),
		}
	}
	return start, end, nil
}

func resultKind(err error) ErrorKind {
	if err == nil {
		return "success"
	}
	return KindOf(err)
}
