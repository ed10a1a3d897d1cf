package pgtarget

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/qor5/x/v3/jsonx"
	"github.com/samber/lo"
	"gorm.io/datatypes"

	"github.com/Pablovelazquezb/electro"
)

// DefaultCreateTableFunction is the database function RPCCreateTableHook calls by default
var DefaultCreateTableFunction = "create_dynamic_table"

// rpcColumn is one entry of the column list passed to the create table function
type rpcColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// rpcResult is the JSON document the create table function returns
type rpcResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// RPCCreateTableHook returns a hook that delegates client table creation to a database function
// with signature fn(p_table_name text, p_columns jsonb) returning {"success": bool, "error": text}.
// When the function is not installed, creation falls through to next.
func RPCCreateTableHook(function string) func(next CreateTableFunc) CreateTableFunc {
	if function == "" {
		function = DefaultCreateTableFunction
	}
	return func(next CreateTableFunc) CreateTableFunc {
		return func(ctx context.Context, input *CreateTableInput) (*CreateTableOutput, error) {
			db := input.DB.WithContext(ctx)

			var installed bool
			if err := db.Raw(`SELECT EXISTS (SELECT 1 FROM pg_proc WHERE proname = ?)`, function).Scan(&installed).Error; err != nil {
				return nil, errors.Wrapf(err, "failed to look up function %s", function)
			}
			if !installed {
				return next(ctx, input)
			}

			columns := lo.Map(input.Schema.Columns, func(c electro.Column, _ int) rpcColumn {
				return rpcColumn{Name: c.Name, Type: columnSQLType(c.Type)}
			})

			var out struct {
				Result datatypes.JSON `gorm:"column:result"`
			}
			// function is a trusted identifier from configuration
			query := `SELECT ` + quoteIdent(function) + `(?, ?::jsonb)::jsonb AS result`
			if err := db.Raw(query, input.Schema.Name, jsonx.MustMarshalX[string](columns)).Scan(&out).Error; err != nil {
				return nil, errors.Wrapf(err, "failed to call %s for table %s", function, input.Schema.Name)
			}

			var result rpcResult
			if err := json.Unmarshal(out.Result, &result); err != nil {
				return nil, errors.Wrapf(err, "unexpected result from %s: %s", function, string(out.Result))
			}
			if !result.Success {
				return nil, errors.Errorf("%s failed for table %s: %s", function, input.Schema.Name, result.Error)
			}
			return &CreateTableOutput{}, nil
		}
	}
}
