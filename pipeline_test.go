package electro_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/qor5/go-bus"
	"github.com/qor5/go-que/pg"
	"github.com/qor5/x/v3/gormx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Pablovelazquezb/electro"
	"github.com/Pablovelazquezb/electro/clientstore"
	"github.com/Pablovelazquezb/electro/pgtarget"
)

func TestSyncPipeline(t *testing.T) {
	ctx := context.Background()

	dataDB, queueDB := setupTestDatabases(t, ctx)

	clients, err := clientstore.New(&clientstore.Config{DB: dataDB})
	require.NoError(t, err)
	require.NoError(t, clients.Migrate(ctx))

	client, err := clients.Create(ctx, "Plant North", "https://egauge90707.egaug.es")
	require.NoError(t, err)

	gateway, err := pgtarget.New(&pgtarget.Config{DB: dataDB})
	require.NoError(t, err)

	meter := newFakeMeter()
	extractor, err := electro.NewExtractor(&electro.ExtractorConfig{
		Connector: meter,
		Location:  time.UTC,
	})
	require.NoError(t, err)

	service, err := electro.NewService(&electro.ServiceConfig{
		Extractor: extractor,
		Gateway:   gateway,
		Clients:   clients,
	})
	require.NoError(t, err)

	pipeline, err := electro.NewPipeline(&electro.PipelineConfig{
		Service:                 service,
		QueueDB:                 queueDB,
		QueueName:               "electro_sync",
		Interval:                2 * time.Second,
		SampleInterval:          time.Second,
		ConsistencyDelay:        500 * time.Millisecond,
		RetryPolicy:             bus.DefaultRetryPolicyFactory(),
		CircuitBreakerThreshold: 3,
		CircuitBreakerCooldown:  60 * time.Second,
	})
	require.NoError(t, err, "Failed to create pipeline")

	controller, err := pipeline.Start(ctx)
	require.NoError(t, err, "Failed to start pipeline")
	defer func() { _ = controller.Stop(ctx) }()

	// scheduling again is a no-op while a window is pending
	require.NoError(t, pipeline.Schedule(ctx, client.ID, time.Time{}))

	// seed window runs right away, the next ones every 2s
	time.Sleep(6 * time.Second)

	var count int64
	require.NoError(t, dataDB.Table(client.DataTable).Count(&count).Error)
	assert.GreaterOrEqual(t, count, int64(4), "expected at least two windows of two records")

	var timestamps []int64
	require.NoError(t, dataDB.Table(client.DataTable).Order(`"timestamp"`).Pluck("timestamp", &timestamps).Error)
	for i := 1; i < len(timestamps); i++ {
		assert.Equal(t, int64(1), timestamps[i]-timestamps[i-1], "windows must be contiguous")
	}

	var usage []float64
	require.NoError(t, dataDB.Table(client.DataTable).Pluck("usage", &usage).Error)
	for _, u := range usage {
		assert.InDelta(t, 2.0/3600, u, 1e-9)
	}

	got, err := clients.Get(ctx, client.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Usage", "Generation"}, got.Columns)
}

func TestPipelineConfigValidate(t *testing.T) {
	valid := func() *electro.PipelineConfig {
		return &electro.PipelineConfig{
			Service:                 &electro.Service{},
			QueueDB:                 &sql.DB{},
			QueueName:               "q",
			Interval:                time.Hour,
			RetryPolicy:             bus.DefaultRetryPolicyFactory(),
			CircuitBreakerThreshold: 1,
			CircuitBreakerCooldown:  time.Minute,
		}
	}
	require.NoError(t, valid().Validate())

	var nilConf *electro.PipelineConfig
	require.Error(t, nilConf.Validate())

	for name, mutate := range map[string]func(c *electro.PipelineConfig){
		"Service":                 func(c *electro.PipelineConfig) { c.Service = nil },
		"QueueDB":                 func(c *electro.PipelineConfig) { c.QueueDB = nil },
		"QueueName":               func(c *electro.PipelineConfig) { c.QueueName = "" },
		"Interval":                func(c *electro.PipelineConfig) { c.Interval = 0 },
		"SampleInterval":          func(c *electro.PipelineConfig) { c.SampleInterval = time.Millisecond },
		"ConsistencyDelay":        func(c *electro.PipelineConfig) { c.ConsistencyDelay = -time.Second },
		"RetryPolicy":             func(c *electro.PipelineConfig) { c.RetryPolicy = nil },
		"CircuitBreakerThreshold": func(c *electro.PipelineConfig) { c.CircuitBreakerThreshold = 0 },
		"CircuitBreakerCooldown":  func(c *electro.PipelineConfig) { c.CircuitBreakerCooldown = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			require.ErrorContains(t, c.Validate(), name)
		})
	}
}

func setupTestDatabases(t *testing.T, ctx context.Context) (*gorm.DB, *sql.DB) {
	dataSuite := gormx.MustStartTestSuite(ctx)
	t.Cleanup(func() { _ = dataSuite.Stop(context.Background()) })
	t.Logf("DataDB: %s", dataSuite.DSN())

	pipelineSuite := gormx.MustStartTestSuite(ctx)
	t.Cleanup(func() { _ = pipelineSuite.Stop(context.Background()) })
	t.Logf("PipelineDB: %s", pipelineSuite.DSN())

	pipelineSQLDB, err := pipelineSuite.DB().DB()
	require.NoError(t, err, "Failed to get sql.DB from pipeline database")
	require.NoError(t, pg.Migrate(pipelineSQLDB), "Failed to migrate pipeline database")

	return dataSuite.DB(), pipelineSQLDB
}
