package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/lmittmann/tint"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Pablovelazquezb/electro"
	"github.com/Pablovelazquezb/electro/bqtarget"
	"github.com/Pablovelazquezb/electro/clientstore"
	"github.com/Pablovelazquezb/electro/config"
	"github.com/Pablovelazquezb/electro/egauge"
	"github.com/Pablovelazquezb/electro/pgtarget"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "electro",
		Short:         "Extract interval energy data from eGauge meters into client tables.",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.log = newLogger(opts.verbose)
			slog.SetDefault(opts.log)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "electro.toml", "path of the TOML configuration, created with defaults if missing")
	rootCmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, ".env files to read variables from")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "set debug logging level")

	rootCmd.AddCommand(
		newClientsCmd(opts),
		newExtractCmd(opts),
		newDataCmd(opts),
		newExportCmd(opts),
		newSQLCmd(opts),
		newSyncCmd(opts),
		newTariffCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log := opts.log
		if log == nil {
			log = newLogger(false)
		}
		log.Error("command failed", "error", err, "kind", electro.KindOf(err))
		var e *electro.Error
		if errors.As(err, &e) && e.Statement != "" {
			fmt.Fprintln(os.Stderr, "-- apply manually:")
			fmt.Fprintln(os.Stderr, e.Statement)
		}
		return err
	}
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

type rootOptions struct {
	configPath string
	envFiles   []string
	verbose    bool

	log *slog.Logger
}

// app holds the collaborators built from the configuration
type app struct {
	conf    *config.Config
	log     *slog.Logger
	loc     *time.Location
	db      *gorm.DB
	clients *clientstore.Store
	gateway electro.Gateway
	service *electro.Service
	closers []func() error
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	conf, err := config.Load(opts.configPath, opts.envFiles...)
	if err != nil {
		return nil, err
	}
	loc, err := conf.Location()
	if err != nil {
		return nil, err
	}
	a := &app{conf: conf, log: opts.log, loc: loc}

	a.db, err = openDB(conf.Store.DatabaseURL, opts.verbose)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		sqlDB, err := a.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	a.clients, err = clientstore.New(&clientstore.Config{DB: a.db})
	if err != nil {
		return nil, a.closeWith(err)
	}
	if err := a.clients.Migrate(ctx); err != nil {
		return nil, a.closeWith(err)
	}

	a.gateway, err = a.newGateway(ctx)
	if err != nil {
		return nil, a.closeWith(err)
	}

	extractor, err := a.newExtractor()
	if err != nil {
		return nil, a.closeWith(err)
	}
	a.service, err = electro.NewService(&electro.ServiceConfig{
		Extractor:      extractor,
		Gateway:        a.gateway,
		Clients:        a.clients,
		BatchSize:      conf.Ingest.BatchSize,
		MaxDaysHistory: conf.Ingest.MaxDaysHistory,
		Location:       loc,
	})
	if err != nil {
		return nil, a.closeWith(err)
	}
	a.log.Debug("configuration loaded", "config", opts.configPath, "backend", conf.Store.Backend, "timezone", loc.String())
	return a, nil
}

func openDB(dsn string, verbose bool) (*gorm.DB, error) {
	level := gormlogger.Silent
	if verbose {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	return db, nil
}

func (a *app) newExtractor() (*electro.Extractor, error) {
	return electro.NewExtractor(&electro.ExtractorConfig{
		Connector:   egauge.New(&egauge.Config{Timeout: a.conf.Device.Timeout.Duration}),
		Credentials: a.conf.Credentials(),
		Location:    a.loc,
	})
}

func (a *app) newGateway(ctx context.Context) (electro.Gateway, error) {
	switch a.conf.Store.Backend {
	case config.BackendBigQuery:
		client, err := bigquery.NewClient(ctx, a.conf.Store.BigQueryProject)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create bigquery client")
		}
		a.closers = append(a.closers, client.Close)
		target, err := bqtarget.New(&bqtarget.Config{
			Client:          client,
			DatasetID:       a.conf.Store.BigQueryDataset,
			StagingTableTTL: a.conf.Store.StagingTableTTL.Duration,
		})
		if err != nil {
			return nil, err
		}
		if len(a.conf.Store.StagingLabels) > 0 {
			target = target.WithCreateStagingTableHook(bqtarget.LabelStagingTableHook(a.conf.Store.StagingLabels))
		}
		return target, nil
	default:
		target, err := pgtarget.New(&pgtarget.Config{DB: a.db})
		if err != nil {
			return nil, err
		}
		return target.WithCreateTableHook(pgtarget.RPCCreateTableHook(pgtarget.DefaultCreateTableFunction)), nil
	}
}

func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func (a *app) closeWith(err error) error {
	if cerr := a.Close(); cerr != nil {
		a.log.Warn("failed to close", "error", cerr)
	}
	return err
}

// withApp builds the app for one command and closes it afterwards
func withApp(opts *rootOptions, fn func(ctx context.Context, a *app, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, opts)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				a.log.Warn("failed to close", "error", err)
			}
		}()
		return fn(ctx, a, args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "failed to encode output")
}
