package pgtarget

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/qor5/x/v3/hook"
	"github.com/qor5/x/v3/jsonx"
	"github.com/samber/lo"
	"github.com/theplant/appkit/logtracing"
	"gorm.io/gorm"

	"github.com/Pablovelazquezb/electro"
)

// CommitInput represents the input for moving staged records into the client table
type CommitInput struct {
	*Target
	Tx           *gorm.DB
	Schema       *electro.TableSchema
	StagingTable string
}

// CommitOutput represents the output of a commit
type CommitOutput struct {
	RowsAffected int64
}

// CommitFunc defines the function signature for moving staged records into the client table
type CommitFunc func(ctx context.Context, input *CommitInput) (*CommitOutput, error)

// CreateTableInput represents the input for creating a client table
type CreateTableInput struct {
	*Target
	Schema    *electro.TableSchema
	Statement string // rendered DDL for Schema
}

// CreateTableOutput represents the output of creating a client table
type CreateTableOutput struct{}

// CreateTableFunc defines the function signature for creating client tables
type CreateTableFunc func(ctx context.Context, input *CreateTableInput) (*CreateTableOutput, error)

// Config represents the configuration for creating a PostgreSQL target
type Config struct {
	DB *gorm.DB

	// CommitFunc moves staged records into the client table. Default: UpsertCommit
	CommitFunc CommitFunc
}

// Target implements electro.Gateway for PostgreSQL
type Target struct {
	*Config
	createTableHook hook.Hook[CreateTableFunc]
}

var _ electro.Gateway = (*Target)(nil)

// New creates a new PostgreSQL target with the given configuration
func New(conf *Config) (*Target, error) {
	if conf == nil {
		return nil, errors.New("config is required")
	}

	if conf.DB == nil {
		return nil, errors.New("db is required")
	}

	if conf.DB.PrepareStmt {
		return nil, errors.New("PrepareStmt is not supported: it conflicts with the multi-statement DDL of client tables")
	}

	if conf.CommitFunc == nil {
		conf.CommitFunc = UpsertCommit
	}

	return &Target{Config: conf}, nil
}

// WithCreateTableHook adds a hook around client table creation
func (t *Target) WithCreateTableHook(hooks ...hook.Hook[CreateTableFunc]) *Target {
	t.createTableHook = hook.Prepend(t.createTableHook, hooks...)
	return t
}

// TableExists reports whether table exists in the current schema
func (t *Target) TableExists(ctx context.Context, table string) (exists bool, xerr error) {
	ctx, _ = logtracing.StartSpan(ctx, "pgtarget.TableExists")
	defer func() {
		logtracing.AppendSpanKVs(ctx, "table", table, "exists", exists)
		logtracing.EndSpan(ctx, xerr)
	}()

	if err := t.DB.WithContext(ctx).Raw(`
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_schema = current_schema() AND table_name = ?
			)`, table).Scan(&exists).Error; err != nil {
		return false, errors.Wrapf(err, "failed to check existence of table %s", table)
	}
	return exists, nil
}

func createTable(ctx context.Context, input *CreateTableInput) (*CreateTableOutput, error) {
	if err := input.DB.WithContext(ctx).Exec(input.Statement).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to create table %s", input.Schema.Name)
	}
	return &CreateTableOutput{}, nil
}

// CreateTable creates the client table with its natural key and supporting indexes
func (t *Target) CreateTable(ctx context.Context, schema *electro.TableSchema) (xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "pgtarget.CreateTable")
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
	spanKVs["table"] = schema.Name
	spanKVs["columns"] = len(schema.Columns)

	createTableFunc := createTable
	if t.createTableHook != nil {
		createTableFunc = t.createTableHook(createTableFunc)
	}

	_, err := createTableFunc(ctx, &CreateTableInput{
		Target:    t,
		Schema:    schema,
		Statement: RenderCreateTableStatement(schema),
	})
	return err
}

// RenderCreateTableStatement returns the DDL of the client table described by schema
func (t *Target) RenderCreateTableStatement(schema *electro.TableSchema) string {
	return RenderCreateTableStatement(schema)
}

// UpsertBatch writes records through a temporary staging table in a single transaction:
// records are staged in chunks of batchSize and then merged into the client table, overwriting
// rows with the same timestamp. A failing chunk rolls back the whole call.
func (t *Target) UpsertBatch(ctx context.Context, schema *electro.TableSchema, records []*electro.IntervalRecord, batchSize int) (written int, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "pgtarget.UpsertBatch")
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

	stagingTable := stagingTableName(schema.Name)
	spanKVs["table_record_count"] = jsonx.MustMarshalX[string](electro.TableRecordCount{
		Table:        schema.Name,
		StagingTable: stagingTable,
		RecordCount:  len(records),
	})

	rows := lo.Map(records, func(rec *electro.IntervalRecord, _ int) map[string]any {
		return schema.Row(rec)
	})

	var affected int64
	err := t.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		createSQL := fmt.Sprintf(`
			CREATE TEMP TABLE %s
			(LIKE %s INCLUDING DEFAULTS)
			ON COMMIT DROP`,
			quoteIdent(stagingTable), quoteIdent(schema.Name))
		if err := tx.Exec(createSQL).Error; err != nil {
			return errors.Wrapf(err, "failed to create staging table %s", stagingTable)
		}

		if err := tx.Table(stagingTable).CreateInBatches(rows, batchSize).Error; err != nil {
			return errors.Wrapf(err, "failed to insert into staging table %s", stagingTable)
		}

		output, err := t.CommitFunc(ctx, &CommitInput{
			Target:       t,
			Tx:           tx,
			Schema:       schema,
			StagingTable: stagingTable,
		})
		if err != nil {
			return errors.Wrap(err, "commit function failed")
		}
		if output == nil {
			return errors.New("commit function returned no output")
		}
		affected = output.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}

	spanKVs["rows_affected"] = affected
	return int(affected), nil
}

// UpsertCommit merges the staging table into the client table, last write wins on timestamp
func UpsertCommit(ctx context.Context, input *CommitInput) (*CommitOutput, error) {
	columns := input.Schema.WritableColumns()
	quoted := lo.Map(columns, func(c string, _ int) string { return quoteIdent(c) })
	updates := lo.FilterMap(columns, func(c string, _ int) (string, bool) {
		return fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c)), c != electro.TimestampColumn
	})

	query := fmt.Sprintf(`
			INSERT INTO %s (%s)
			SELECT %s FROM %s
			ON CONFLICT (%s) DO UPDATE SET %s`,
		quoteIdent(input.Schema.Name), strings.Join(quoted, ", "),
		strings.Join(quoted, ", "), quoteIdent(input.StagingTable),
		quoteIdent(electro.TimestampColumn), strings.Join(updates, ", "))

	result := input.Tx.WithContext(ctx).Exec(query)
	if result.Error != nil {
		return nil, errors.Wrapf(result.Error, "failed to merge %s into %s", input.StagingTable, input.Schema.Name)
	}
	return &CommitOutput{RowsAffected: result.RowsAffected}, nil
}

// ListRows returns rows of table newest first, filtered by date and paginated
func (t *Target) ListRows(ctx context.Context, table string, filter electro.RowFilter) (rows []map[string]any, xerr error) {
	ctx, _ = logtracing.StartSpan(ctx, "pgtarget.ListRows")
	defer func() {
		logtracing.AppendSpanKVs(ctx, "table", table, "rows", len(rows))
		logtracing.EndSpan(ctx, xerr)
	}()

	if err := validateTableName(table); err != nil {
		return nil, errors.Wrapf(err, "invalid table name: %s", table)
	}

	q := t.DB.WithContext(ctx).Table(table)
	if filter.StartDate != "" {
		q = q.Where(`"date" >= ?`, filter.StartDate)
	}
	if filter.EndDate != "" {
		q = q.Where(`"date" <= ?`, filter.EndDate)
	}
	q = q.Order(`"timestamp" DESC`)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	rows = []map[string]any{}
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to list rows of %s", table)
	}
	return rows, nil
}

func stagingTableName(table string) string {
	name := "stg_" + table
	if len(name) > maxIdentifierLength {
		name = name[:maxIdentifierLength]
	}
	return name
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// PostgreSQL NAMEDATALEN - 1
const maxIdentifierLength = 63

// tableNameRegex validates that table name starts with letter or underscore,
// and contains only letters, numbers, and underscores
var tableNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// columnNameRegex accepts sanitized register columns, which may start with a digit
var columnNameRegex = regexp.MustCompile(`^[a-z0-9_]+$`)

// validateTableName validates that a table name follows PostgreSQL identifier rules
// - Must be between 1 and 63 bytes (PostgreSQL NAMEDATALEN - 1)
// - Must start with a letter or underscore
// - Can contain letters, numbers, and underscores
func validateTableName(name string) error {
	if len(name) == 0 {
		return errors.New("table name cannot be empty")
	}

	if len(name) > maxIdentifierLength {
		return errors.Errorf("table name exceeds maximum length of %d bytes: %d", maxIdentifierLength, len(name))
	}

	if !tableNameRegex.MatchString(name) {
		return errors.Errorf("table name contains invalid characters: %s (must start with letter or underscore, and can only contain letters, numbers, and underscores)", name)
	}

	return nil
}

func validateColumnName(name string) error {
	if len(name) == 0 {
		return errors.New("column name cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return errors.Errorf("column name %s exceeds maximum length of %d bytes", name, maxIdentifierLength)
	}
	if !columnNameRegex.MatchString(name) {
		return errors.Errorf("column name contains invalid characters: %s", name)
	}
	return nil
}

func validateSchema(schema *electro.TableSchema) error {
	if schema == nil {
		return errors.New("schema is required")
	}
	if err := validateTableName(schema.Name); err != nil {
		return errors.Wrapf(err, "invalid table name: %s", schema.Name)
	}
	for _, c := range schema.Columns {
		if err := validateColumnName(c.Name); err != nil {
			return errors.Wrapf(err, "invalid column in table %s", schema.Name)
		}
	}
	return nil
}
