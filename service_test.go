package electro_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pablovelazquezb/electro"
)

var serviceNow = time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)

type serviceFixture struct {
	meter   *fakeMeter
	gateway *memGateway
	clients *memClients
	service *electro.Service
}

func newServiceFixture(t *testing.T, batchSize int) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		meter:   newFakeMeter(),
		gateway: newMemGateway(),
		clients: newMemClients(&electro.Client{
			ID:        "c1",
			Name:      "Client A",
			URL:       meterURL,
			DataTable: "client_a",
		}),
	}
	extractor, err := electro.NewExtractor(&electro.ExtractorConfig{
		Connector: f.meter,
		Location:  time.UTC,
		Clock:     clockwork.NewFakeClockAt(serviceNow),
	})
	require.NoError(t, err)

	f.service, err = electro.NewService(&electro.ServiceConfig{
		Extractor: extractor,
		Gateway:   f.gateway,
		Clients:   f.clients,
		BatchSize: batchSize,
	})
	require.NoError(t, err)
	return f
}

func TestServiceExtract(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, 0)
	in := &electro.ExtractInput{ClientID: "c1", StartDate: "2025-10-30", EndDate: "2025-10-31", IntervalHours: 1}

	result, err := f.service.Extract(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "Client A", result.Client)
	assert.Equal(t, "client_a", result.Table)
	assert.True(t, result.TableCreated)
	assert.Equal(t, 24, result.RecordsInserted)
	assert.Equal(t, 24, result.TotalRecords)
	assert.Equal(t, "2025-10-30 to 2025-10-31", result.Range)
	assert.Equal(t, 24, f.gateway.Count("client_a"))
	assert.Equal(t, []int{24}, f.gateway.Batches)

	schema := f.gateway.Tables["client_a"]
	require.NotNil(t, schema)
	assert.Equal(t, []string{"usage", "generation"}, schema.ValueColumns())

	client, err := f.clients.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Usage", "Generation"}, client.Columns)

	// re-running the same extraction overwrites by timestamp
	again, err := f.service.Extract(ctx, in)
	require.NoError(t, err)
	assert.False(t, again.TableCreated)
	assert.Equal(t, 24, again.RecordsInserted)
	assert.Equal(t, 24, f.gateway.Count("client_a"))
}

func TestServiceExtractBatches(t *testing.T) {
	f := newServiceFixture(t, 10)
	_, err := f.service.Extract(context.Background(), &electro.ExtractInput{
		ClientID: "c1", StartDate: "2025-10-30", EndDate: "2025-10-31",
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10, 4}, f.gateway.Batches)
}

func TestServiceExtractIntervalHours(t *testing.T) {
	f := newServiceFixture(t, 0)
	result, err := f.service.Extract(context.Background(), &electro.ExtractInput{
		ClientID: "c1", StartDate: "2025-10-30", EndDate: "2025-10-31", IntervalHours: 6,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, result.TotalRecords)
	assert.Equal(t, 6*time.Hour, f.meter.LastRange().Interval)
}

func TestServiceExtractInvalidRequest(t *testing.T) {
	f := newServiceFixture(t, 0)
	for name, in := range map[string]*electro.ExtractInput{
		"nil":             nil,
		"missing client":  {StartDate: "2025-10-30", EndDate: "2025-10-31"},
		"missing dates":   {ClientID: "c1"},
		"bad format":      {ClientID: "c1", StartDate: "30/10/2025", EndDate: "2025-10-31"},
		"start after end": {ClientID: "c1", StartDate: "2025-10-31", EndDate: "2025-10-30"},
		"future":          {ClientID: "c1", StartDate: "2025-11-05", EndDate: "2025-11-06"},
		"too old":         {ClientID: "c1", StartDate: "2024-10-01", EndDate: "2024-10-02"},
		"negative hours":  {ClientID: "c1", StartDate: "2025-10-30", EndDate: "2025-10-31", IntervalHours: -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.service.Extract(context.Background(), in)
			require.Error(t, err)
			assert.Equal(t, electro.KindInvalidRequest, electro.KindOf(err), "got %v", err)
		})
	}
	assert.Zero(t, f.meter.Connects, "invalid requests never reach the device")
	assert.Empty(t, f.gateway.Tables)
}

func TestServiceExtractUnknownClient(t *testing.T) {
	f := newServiceFixture(t, 0)
	_, err := f.service.Extract(context.Background(), &electro.ExtractInput{
		ClientID: "missing", StartDate: "2025-10-30", EndDate: "2025-10-31",
	})
	assert.True(t, errors.Is(err, electro.ErrNotFound))
}

func TestServiceExtractFailures(t *testing.T) {
	in := &electro.ExtractInput{ClientID: "c1", StartDate: "2025-10-30", EndDate: "2025-10-31"}

	t.Run("insufficient data leaves the store untouched", func(t *testing.T) {
		f := newServiceFixture(t, 0)
		_, err := f.service.Extract(context.Background(), &electro.ExtractInput{
			ClientID: "c1", StartDate: "2025-10-30", EndDate: "2025-10-30",
		})
		assert.True(t, errors.Is(err, electro.ErrInsufficientData))
		assert.Empty(t, f.gateway.Tables)
	})

	t.Run("device failure", func(t *testing.T) {
		f := newServiceFixture(t, 0)
		f.meter.ConnectErr = errors.New("bad credentials")
		_, err := f.service.Extract(context.Background(), in)
		assert.True(t, errors.Is(err, electro.ErrAuthentication))
		assert.Empty(t, f.gateway.Tables)
	})

	t.Run("table creation carries the statement", func(t *testing.T) {
		f := newServiceFixture(t, 0)
		f.gateway.CreateErr = errors.New("permission denied for schema public")
		_, err := f.service.Extract(context.Background(), in)

		var e *electro.Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, electro.KindSchemaCreation, e.Kind)
		assert.Equal(t, "client_a", e.Table)
		assert.Equal(t, "CREATE TABLE client_a", e.Statement)
		assert.Contains(t, e.Error(), "permission denied")
	})

	t.Run("upsert failure carries the statement", func(t *testing.T) {
		f := newServiceFixture(t, 0)
		f.gateway.UpsertErr = errors.New("column \"inv_1\" does not exist")
		_, err := f.service.Extract(context.Background(), in)

		var e *electro.Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, electro.KindPersistence, e.Kind)
		assert.Equal(t, "CREATE TABLE client_a", e.Statement)

		client, err := f.clients.Get(context.Background(), "c1")
		require.NoError(t, err)
		assert.Empty(t, client.Columns, "columns are only recorded after a successful write")
	})

	t.Run("existence probe failure", func(t *testing.T) {
		f := newServiceFixture(t, 0)
		f.gateway.ExistsErr = errors.New("connection refused")
		_, err := f.service.Extract(context.Background(), in)
		assert.True(t, errors.Is(err, electro.ErrPersistence))
	})
}

func TestServiceClientData(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, 0)
	_, err := f.service.Extract(ctx, &electro.ExtractInput{ClientID: "c1", StartDate: "2025-10-30", EndDate: "2025-10-31"})
	require.NoError(t, err)

	client, rows, err := f.service.ClientData(ctx, "c1", electro.RowFilter{})
	require.NoError(t, err)
	assert.Equal(t, "client_a", client.DataTable)
	assert.Len(t, rows, 24)
	for _, row := range rows {
		assert.Contains(t, row, "usage")
		assert.Contains(t, row, electro.TariffColumn)
	}

	_, _, err = f.service.ClientData(ctx, "missing", electro.RowFilter{})
	assert.True(t, errors.Is(err, electro.ErrNotFound))
}

func TestValidateDateRange(t *testing.T) {
	mx, err := time.LoadLocation("America/Mexico_City")
	require.NoError(t, err)
	now := time.Date(2025, 11, 3, 12, 0, 0, 0, mx)

	start, end, err := electro.ValidateDateRange("2025-10-30", "2025-10-31", 365, now, mx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 10, 30, 0, 0, 0, 0, mx), start)
	assert.Equal(t, time.Date(2025, 10, 31, 0, 0, 0, 0, mx), end, "end date is taken at its midnight")

	_, _, err = electro.ValidateDateRange("2024-11-04", "2024-11-05", 365, now, mx)
	require.NoError(t, err, "exactly 364 days back")

	_, _, err = electro.ValidateDateRange("2020-01-01", "2020-01-02", 0, now, mx)
	require.NoError(t, err, "no history limit")

	_, _, err = electro.ValidateDateRange("2024-10-01", "2024-10-02", 365, now, mx)
	assert.True(t, errors.Is(err, electro.ErrInvalidRequest))
}

func TestNewServiceValidate(t *testing.T) {
	extractor, err := electro.NewExtractor(&electro.ExtractorConfig{Connector: newFakeMeter()})
	require.NoError(t, err)

	for name, conf := range map[string]*electro.ServiceConfig{
		"Extractor":      {Gateway: newMemGateway(), Clients: newMemClients()},
		"Gateway":        {Extractor: extractor, Clients: newMemClients()},
		"Clients":        {Extractor: extractor, Gateway: newMemGateway()},
		"BatchSize":      {Extractor: extractor, Gateway: newMemGateway(), Clients: newMemClients(), BatchSize: -1},
		"MaxDaysHistory": {Extractor: extractor, Gateway: newMemGateway(), Clients: newMemClients(), MaxDaysHistory: -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := electro.NewService(conf)
			require.ErrorContains(t, err, name)
		})
	}

	s, err := electro.NewService(&electro.ServiceConfig{Extractor: extractor, Gateway: newMemGateway(), Clients: newMemClients()})
	require.NoError(t, err)
	assert.Equal(t, electro.DefaultBatchSize, s.BatchSize)
	assert.Equal(t, electro.DefaultMaxDaysHistory, s.MaxDaysHistory)
}

func TestServiceExtractRecoversGatewayPanic(t *testing.T) {
	spans := recordSpans(t)
	f := newServiceFixture(t, 0)
	f.gateway.UpsertPanic = true

	var (
		result *electro.IngestionResult
		err    error
	)
	require.NotPanics(t, func() {
		result, err = f.service.Extract(context.Background(), &electro.ExtractInput{
			ClientID: "c1", StartDate: "2025-10-30", EndDate: "2025-10-31",
		})
	})
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, electro.ErrInternal), "got %v", err)
	assert.Contains(t, err.Error(), "nil pointer dereference")

	client, err := f.clients.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, client.Columns)

	kvs := spans.KVs("electro.Ingest")
	assert.Equal(t, electro.KindInternal, kvs["error_kind"])
}

func TestServiceIngestSpanAttributes(t *testing.T) {
	spans := recordSpans(t)
	f := newServiceFixture(t, 0)
	_, err := f.service.Extract(context.Background(), &electro.ExtractInput{
		ClientID: "c1", StartDate: "2025-10-30", EndDate: "2025-10-31",
	})
	require.NoError(t, err)

	ingest := spans.KVs("electro.Ingest")
	assert.Equal(t, "c1", ingest["client_id"])
	assert.Equal(t, "client_a", ingest["table"])
	assert.Equal(t, true, ingest["table_created"])
	assert.Equal(t, 24, ingest["records_inserted"])
	assert.NotContains(t, ingest, "error_kind")

	extract := spans.KVs("electro.Extract")
	assert.Equal(t, meterURL, extract["url"])
	assert.Equal(t, "egauge90707", extract["alias"])
	assert.Equal(t, 24, extract["total_records"])
}
