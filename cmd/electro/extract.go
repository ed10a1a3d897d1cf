package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Pablovelazquezb/electro"
	"github.com/Pablovelazquezb/electro/export"
)

type rangeFlags struct {
	start         string
	end           string
	intervalHours int
}

func (f *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.start, "start", "", "first day, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&f.end, "end", "", "last day, YYYY-MM-DD; read up to its midnight (required)")
	cmd.Flags().IntVar(&f.intervalHours, "interval-hours", 1, "hours between readings")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
}

func newExtractCmd(opts *rootOptions) *cobra.Command {
	var flags rangeFlags
	var withRecords bool
	cmd := &cobra.Command{
		Use:   "extract <client-id>",
		Short: "Extract a date range from a client's meter and upsert it into the client's table",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, a *app, args []string) error {
			result, err := a.service.Extract(ctx, &electro.ExtractInput{
				ClientID:      args[0],
				StartDate:     flags.start,
				EndDate:       flags.end,
				IntervalHours: flags.intervalHours,
			})
			if err != nil {
				return err
			}
			a.log.Info("extraction completed",
				"client", result.Client,
				"table", result.Table,
				"table_created", result.TableCreated,
				"records", result.RecordsInserted,
				"range", result.Range,
			)
			if !withRecords {
				result.Records = nil
			}
			return printJSON(os.Stdout, result)
		}),
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&withRecords, "records", false, "include the interval records in the output")
	return cmd
}

func newDataCmd(opts *rootOptions) *cobra.Command {
	var filter electro.RowFilter
	cmd := &cobra.Command{
		Use:   "data <client-id>",
		Short: "Show persisted rows of a client, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, a *app, args []string) error {
			client, rows, err := a.service.ClientData(ctx, args[0], filter)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, map[string]any{
				"client": client,
				"count":  len(rows),
				"data":   rows,
			})
		}),
	}
	cmd.Flags().StringVar(&filter.StartDate, "start", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&filter.EndDate, "end", "", "last day, YYYY-MM-DD")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "rows per page")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "rows to skip")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var flags rangeFlags
	var format, out string
	cmd := &cobra.Command{
		Use:   "export <client-id>",
		Short: "Extract a date range from a client's meter into a CSV or XLSX file without persisting it",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(_ *cobra.Command, _ []string) error {
			format = strings.ToLower(format)
			if format != "csv" && format != "xlsx" {
				return errors.Errorf("unknown format %q, use csv or xlsx", format)
			}
			if flags.intervalHours <= 0 {
				return errors.New("interval hours must be positive")
			}
			return nil
		},
		RunE: withApp(opts, func(ctx context.Context, a *app, args []string) error {
			client, err := a.clients.Get(ctx, args[0])
			if err != nil {
				return err
			}
			now := a.service.Clock.Now().In(a.loc)
			start, end, err := electro.ValidateDateRange(flags.start, flags.end, a.conf.Ingest.MaxDaysHistory, now, a.loc)
			if err != nil {
				return err
			}

			result, err := a.service.Extractor.Extract(ctx, &electro.ExtractRequest{
				URL:      client.URL,
				Start:    start,
				End:      end,
				Interval: time.Duration(flags.intervalHours) * time.Hour,
			})
			if err != nil {
				return err
			}

			path := out
			if path == "" {
				path = client.DataTable + "_" + flags.start + "_" + flags.end + "." + format
			}
			if err := writeExport(path, format, result); err != nil {
				return err
			}
			a.log.Info("export written", "path", path, "records", result.TotalRecords, "device", result.Alias)
			return nil
		}),
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&format, "format", "csv", "csv or xlsx")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file. Default: <table>_<start>_<end>.<format>")
	return cmd
}

func writeExport(path, format string, result *electro.ExtractionResult) (xerr error) {
	if format == "xlsx" {
		data, err := export.BuildXLSX(result)
		if err != nil {
			return err
		}
		return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write %s", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer func() {
		if err := f.Close(); err != nil && xerr == nil {
			xerr = errors.Wrapf(err, "failed to close %s", path)
		}
	}()
	return export.WriteCSV(f, result.SanitizedColumns, result.Records)
}

func newSQLCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sql <client-id>",
		Short: "Print the CREATE TABLE statement of a client's table for manual application",
		Long: "Print the CREATE TABLE statement of a client's table. The register columns come from " +
			"the last successful extraction of the client.",
		Args: cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, a *app, args []string) error {
			client, err := a.clients.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if len(client.Columns) == 0 {
				return &electro.Error{
					Kind:    electro.KindInvalidRequest,
					Message: "client has no known registers yet, run an extraction first",
					Table:   client.DataTable,
				}
			}
			mapping := electro.NewRegisterMapping(client.Columns)
			schema, err := electro.NewTableSchema(client.DataTable, mapping.Columns())
			if err != nil {
				return err
			}
			_, err = os.Stdout.WriteString(a.gateway.RenderCreateTableStatement(schema) + "\n")
			return err
		}),
	}
}
