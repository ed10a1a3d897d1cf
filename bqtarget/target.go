package bqtarget

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/qor5/x/v3/hook"
	"github.com/qor5/x/v3/jsonx"
	"github.com/samber/lo"
	"github.com/theplant/appkit/logtracing"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/Pablovelazquezb/electro"
)

// CreateStagingTableInput represents the input for creating a staging table
type CreateStagingTableInput struct {
	*Target
	TargetTable  string // Target table name
	StagingTable string // Staging table name
}

// CreateStagingTableOutput represents the output of creating a staging table
type CreateStagingTableOutput struct {
	StagingTable string // Staging table name
}

// CreateStagingTableFunc defines the function signature for creating staging tables
type CreateStagingTableFunc func(ctx context.Context, input *CreateStagingTableInput) (*CreateStagingTableOutput, error)

// Config represents the configuration for creating a BigQuery target
type Config struct {
	Client          *bigquery.Client
	DatasetID       string
	StagingTableTTL time.Duration // TTL for staging tables (default: 24 hours)
	Clock           clockwork.Clock
}

// Target implements electro.Gateway for BigQuery. BigQuery has no unique constraints,
// so the timestamp natural key is enforced by the MERGE of UpsertBatch.
type Target struct {
	*Config
	createStagingTableHook hook.Hook[CreateStagingTableFunc]
}

var _ electro.Gateway = (*Target)(nil)

// New creates a new BigQuery target with the given configuration
func New(conf *Config) (*Target, error) {
	if conf == nil {
		return nil, errors.New("config is required")
	}

	if conf.Client == nil {
		return nil, errors.New("client is required")
	}

	if err := validateDatasetID(conf.DatasetID); err != nil {
		return nil, errors.Wrapf(err, "invalid datasetID: %s", conf.DatasetID)
	}

	// Set default TTL if not specified
	if conf.StagingTableTTL == 0 {
		conf.StagingTableTTL = 24 * time.Hour
	}

	if conf.Clock == nil {
		conf.Clock = clockwork.NewRealClock()
	}

	return &Target{Config: conf}, nil
}

// WithCreateStagingTableHook adds a hook to the target for creating staging tables
func (t *Target) WithCreateStagingTableHook(hooks ...hook.Hook[CreateStagingTableFunc]) *Target {
	t.createStagingTableHook = hook.Prepend(t.createStagingTableHook, hooks...)
	return t
}

// IsAlreadyExistsError checks if the error is a BigQuery "Already Exists" error (409 Conflict)
func IsAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusConflict
}

// IsNotFound checks if the error is a "not found" error (404)
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusNotFound
}

func (t *Target) path(table string) string {
	return fmt.Sprintf("`%s.%s.%s`", t.Client.Project(), t.DatasetID, table)
}

// runQuery runs a statement and waits for it, returning the final job status
func (t *Target) runQuery(ctx context.Context, q *bigquery.Query, what string) (*bigquery.JobStatus, error) {
	job, err := q.Run(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to run %s", what)
	}

	st, err := job.Wait(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to wait for %s", what)
	}

	if st.Err() != nil {
		return nil, errors.Wrapf(st.Err(), "%s failed", what)
	}
	return st, nil
}

// TableExists reports whether table exists in the dataset
func (t *Target) TableExists(ctx context.Context, table string) (exists bool, xerr error) {
	ctx, _ = logtracing.StartSpan(ctx, "bqtarget.TableExists")
	defer func() {
		logtracing.AppendSpanKVs(ctx, "dataset_id", t.DatasetID, "table", table, "exists", exists)
		logtracing.EndSpan(ctx, xerr)
	}()

	if err := validateTableName(table); err != nil {
		return false, errors.Wrapf(err, "invalid table name: %s", table)
	}

	if _, err := t.Client.Dataset(t.DatasetID).Table(table).Metadata(ctx); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to get metadata of table %s", table)
	}
	return true, nil
}

// CreateTable creates the client table clustered by date and tariff
func (t *Target) CreateTable(ctx context.Context, schema *electro.TableSchema) (xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "bqtarget.CreateTable")
	spanKVs := make(map[string]any)
	defer func() {
		for k, v := range spanKVs {
			span.AppendKVs(k, v)
		}
		logtracing.EndSpan(ctx, xerr)
	}()

	if err := validateSchema(schema); err != nil {
		return err
	}
	spanKVs["dataset_id"] = t.DatasetID
	spanKVs["table"] = schema.Name

	q := t.Client.Query(t.RenderCreateTableStatement(schema))
	if _, err := t.runQuery(ctx, q, "create table "+schema.Name); err != nil {
		if IsAlreadyExistsError(err) {
			return nil
		}
		return err
	}
	return nil
}

// RenderCreateTableStatement returns the BigQuery DDL of the client table
func (t *Target) RenderCreateTableStatement(schema *electro.TableSchema) string {
	return renderCreateTableStatement(t.Client.Project(), t.DatasetID, schema)
}

func createStagingTable(ctx context.Context, input *CreateStagingTableInput) (output *CreateStagingTableOutput, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "bqtarget.createStagingTable")
	spanKVs := make(map[string]any)
	defer func() {
		for k, v := range spanKVs {
			span.AppendKVs(k, v)
		}
		logtracing.EndSpan(ctx, xerr)
	}()

	if err := validateTableName(input.StagingTable); err != nil {
		return nil, errors.Wrapf(err, "invalid staging table name: %s", input.StagingTable)
	}

	spanKVs["dataset_id"] = input.DatasetID
	spanKVs["target_table"] = input.TargetTable
	spanKVs["staging_table"] = input.StagingTable

	// Not a TEMP TABLE: BigQuery temp tables need a session.
	// The expiration drops staging tables a failed cleanup left behind.
	createQuery := fmt.Sprintf("CREATE TABLE %s LIKE %s OPTIONS(expiration_timestamp=TIMESTAMP_ADD(CURRENT_TIMESTAMP(), INTERVAL %d SECOND))",
		input.path(input.StagingTable), input.path(input.TargetTable), int(input.StagingTableTTL.Seconds()))

	if _, err := input.runQuery(ctx, input.Client.Query(createQuery), "create staging table "+input.StagingTable); err != nil {
		return nil, err
	}
	return &CreateStagingTableOutput{StagingTable: input.StagingTable}, nil
}

// UpsertBatch streams records into a staging table in chunks of batchSize and merges it into the
// client table on timestamp. The staging table is dropped after a successful merge.
func (t *Target) UpsertBatch(ctx context.Context, schema *electro.TableSchema, records []*electro.IntervalRecord, batchSize int) (written int, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "bqtarget.UpsertBatch")
	spanKVs := make(map[string]any)
	defer func() {
		for k, v := range spanKVs {
			span.AppendKVs(k, v)
		}
		logtracing.EndSpan(ctx, xerr)
	}()

	if err := validateSchema(schema); err != nil {
		return 0, err
	}
	if batchSize <= 0 {
		return 0, errors.New("batchSize must be greater than 0")
	}

	records = electro.DedupeByTimestamp(records)
	if len(records) == 0 {
		return 0, nil // Nothing to write
	}

	createStagingTableFunc := createStagingTable
	if t.createStagingTableHook != nil {
		createStagingTableFunc = t.createStagingTableHook(createStagingTableFunc)
	}

	output, err := createStagingTableFunc(ctx, &CreateStagingTableInput{
		Target:       t,
		TargetTable:  schema.Name,
		StagingTable: fmt.Sprintf("%s_stg_%d", schema.Name, t.Clock.Now().UnixNano()),
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create staging table for %s", schema.Name)
	}
	stagingTable := output.StagingTable

	spanKVs["table_record_count"] = jsonx.MustMarshalX[string](electro.TableRecordCount{
		Table:        schema.Name,
		StagingTable: stagingTable,
		RecordCount:  len(records),
	})

	bqSchema := stagingSchema(schema)
	inserter := t.Client.Dataset(t.DatasetID).Table(stagingTable).Inserter()
	for _, chunk := range lo.Chunk(records, batchSize) {
		savers := make([]*bigquery.ValuesSaver, 0, len(chunk))
		for _, rec := range chunk {
			saver, err := valuesSaver(bqSchema, schema, rec)
			if err != nil {
				return 0, err
			}
			savers = append(savers, saver)
		}
		if err := inserter.Put(ctx, savers); err != nil {
			// Staging table is kept for debugging and expires on its own
			return 0, errors.Wrapf(err, "failed to insert into staging table %s", stagingTable)
		}
	}

	st, err := t.runQuery(ctx, t.Client.Query(t.mergeStatement(schema, stagingTable)), "merge into "+schema.Name)
	if err != nil {
		return 0, err
	}
	affected := int64(len(records))
	if st.Statistics != nil {
		if qs, ok := st.Statistics.Details.(*bigquery.QueryStatistics); ok {
			affected = qs.NumDMLAffectedRows
		}
	}
	spanKVs["rows_affected"] = affected

	if err := t.Client.Dataset(t.DatasetID).Table(stagingTable).Delete(ctx); err != nil && !IsNotFound(err) {
		spanKVs["cleanup_error"] = err.Error()
	}

	return int(affected), nil
}

func (t *Target) mergeStatement(schema *electro.TableSchema, stagingTable string) string {
	columns := schema.WritableColumns()
	updates := lo.FilterMap(columns, func(c string, _ int) (string, bool) {
		return fmt.Sprintf("%s = s.%s", quote(c), quote(c)), c != electro.TimestampColumn
	})
	insertColumns := append([]string{quote(electro.IDColumn)}, lo.Map(columns, func(c string, _ int) string { return quote(c) })...)
	insertColumns = append(insertColumns, quote(electro.CreatedAtColumn))
	insertValues := append([]string{"GENERATE_UUID()"}, lo.Map(columns, func(c string, _ int) string { return "s." + quote(c) })...)
	insertValues = append(insertValues, "CURRENT_TIMESTAMP()")

	return fmt.Sprintf(`
			MERGE %s AS t
			USING %s AS s
			ON t.%s = s.%s
			WHEN MATCHED THEN
				UPDATE SET %s
			WHEN NOT MATCHED THEN
				INSERT (%s)
				VALUES (%s)`,
		t.path(schema.Name), t.path(stagingTable),
		quote(electro.TimestampColumn), quote(electro.TimestampColumn),
		strings.Join(updates, ", "),
		strings.Join(insertColumns, ", "),
		strings.Join(insertValues, ", "))
}

// ListRows returns rows of table newest first, filtered by date and paginated
func (t *Target) ListRows(ctx context.Context, table string, filter electro.RowFilter) (rows []map[string]any, xerr error) {
	ctx, _ = logtracing.StartSpan(ctx, "bqtarget.ListRows")
	defer func() {
		logtracing.AppendSpanKVs(ctx, "table", table, "rows", len(rows))
		logtracing.EndSpan(ctx, xerr)
	}()

	if err := validateTableName(table); err != nil {
		return nil, errors.Wrapf(err, "invalid table name: %s", table)
	}

	query := "SELECT * FROM " + t.path(table) + " WHERE TRUE"
	var params []bigquery.QueryParameter
	for _, bound := range []struct {
		name, op, value string
	}{
		{"start_date", ">=", filter.StartDate},
		{"end_date", "<=", filter.EndDate},
	} {
		if bound.value == "" {
			continue
		}
		d, err := civil.ParseDate(bound.value)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s %q", bound.name, bound.value)
		}
		query += fmt.Sprintf(" AND %s %s @%s", quote(electro.DateColumn), bound.op, bound.name)
		params = append(params, bigquery.QueryParameter{Name: bound.name, Value: d})
	}
	query += " ORDER BY " + quote(electro.TimestampColumn) + " DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET " + strconv.Itoa(filter.Offset)
		}
	}

	q := t.Client.Query(query)
	q.Parameters = params
	it, err := q.Read(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query rows of %s", table)
	}

	rows = []map[string]any{}
	for {
		row := map[string]bigquery.Value{}
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read rows of %s", table)
		}
		rows = append(rows, lo.MapValues(row, func(v bigquery.Value, _ string) any { return v }))
	}
	return rows, nil
}

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func validateIdentifier(name, identifierType string) error {
	if len(name) == 0 {
		return errors.Errorf("%s cannot be empty", identifierType)
	}

	if len(name) > 1024 {
		return errors.Errorf("%s exceeds maximum length of 1024 UTF-8 bytes: %d", identifierType, len(name))
	}

	if !identifierRegex.MatchString(name) {
		return errors.Errorf("%s contains invalid characters: %s (only letters, numbers, and underscores are allowed)", identifierType, name)
	}

	return nil
}

func validateTableName(name string) error {
	return validateIdentifier(name, "table name")
}

func validateDatasetID(datasetID string) error {
	return validateIdentifier(datasetID, "dataset ID")
}

func validateSchema(schema *electro.TableSchema) error {
	if schema == nil {
		return errors.New("schema is required")
	}
	if err := validateTableName(schema.Name); err != nil {
		return errors.Wrapf(err, "invalid table name: %s", schema.Name)
	}
	for _, c := range schema.Columns {
		if err := validateIdentifier(c.Name, "column name"); err != nil {
			return errors.Wrapf(err, "invalid column in table %s", schema.Name)
		}
	}
	return nil
}
