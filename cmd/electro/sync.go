package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qor5/go-bus"
	"github.com/qor5/go-que/pg"
	"github.com/spf13/cobra"

	"github.com/Pablovelazquezb/electro"
	"github.com/Pablovelazquezb/electro/internal/metrics"
)

const shutdownTimeout = 30 * time.Second

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Continuously extract every registered client, one window per interval",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, a *app, _ []string) error {
			if metricsAddr == "" {
				metricsAddr = a.conf.Sync.MetricsAddr
			}
			metrics.Init(prometheus.DefaultRegisterer)
			srv := startMetricsServer(a.log, metricsAddr)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					a.log.Warn("failed to stop metrics server", "error", err)
				}
			}()

			queueDB, err := openDB(a.conf.QueueDatabaseURL(), false)
			if err != nil {
				return err
			}
			queueSQLDB, err := queueDB.DB()
			if err != nil {
				return errors.Wrap(err, "failed to get queue database")
			}
			a.closers = append(a.closers, queueSQLDB.Close)
			if err := pg.Migrate(queueSQLDB); err != nil {
				return errors.Wrap(err, "failed to migrate queue database")
			}

			sc := a.conf.Sync
			pipeline, err := electro.NewPipeline(&electro.PipelineConfig{
				Service:                 a.service,
				QueueDB:                 queueSQLDB,
				QueueName:               sc.QueueName,
				Interval:                sc.Interval.Duration,
				SampleInterval:          sc.SampleInterval.Duration,
				ConsistencyDelay:        sc.ConsistencyDelay.Duration,
				MaxWindow:               sc.MaxWindow.Duration,
				RetryPolicy:             bus.DefaultRetryPolicyFactory(),
				CircuitBreakerThreshold: sc.CircuitBreakerThreshold,
				CircuitBreakerCooldown:  sc.CircuitBreakerCooldown.Duration,
				Notifier:                &logNotifier{log: a.log},
			})
			if err != nil {
				return err
			}

			controller, err := pipeline.Start(ctx)
			if err != nil {
				return err
			}
			a.log.Info("sync started", "queue", sc.QueueName, "interval", sc.Interval.Duration, "metrics", metricsAddr)

			<-ctx.Done()
			a.log.Info("stopping sync")
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return controller.Stop(stopCtx)
		}),
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on. Default: sync.metrics_addr")
	return cmd
}

func startMetricsServer(log *slog.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("starting metrics server", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

// logNotifier reports pipeline notifications to the log
type logNotifier struct {
	log *slog.Logger
}

func (n *logNotifier) Notify(err any, _ *http.Request, kvs map[string]any) {
	args := []any{"error", err}
	for k, v := range kvs {
		args = append(args, k, v)
	}
	n.log.Error("sync notification", args...)
}
