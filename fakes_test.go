package electro_test

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/theplant/appkit/logtracing"

	"github.com/Pablovelazquezb/electro"
)

// fakeMeter serves cumulative readings that grow by a fixed rate per register per hour
type fakeMeter struct {
	mu sync.Mutex

	Registers []string
	Rates     map[string]float64 // increase per hour
	Units     map[string]string

	ConnectErr error
	FetchErr   error
	Panic      bool

	Connects int
	Ranges   []electro.TimeRange
}

var (
	_ electro.Connector = (*fakeMeter)(nil)
	_ electro.Device    = (*fakeMeter)(nil)
)

func newFakeMeter() *fakeMeter {
	return &fakeMeter{
		Registers: []string{"Usage", "Generation"},
		Rates:     map[string]float64{"Usage": 2, "Generation": 0.5},
		Units:     map[string]string{"Usage": "kWh", "Generation": "kWh"},
	}
}

func (m *fakeMeter) Connect(_ context.Context, url string, creds electro.Credentials) (electro.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Connects++
	if m.ConnectErr != nil {
		return nil, m.ConnectErr
	}
	if url == "" {
		return nil, errors.New("empty url")
	}
	return m, nil
}

func (m *fakeMeter) FetchSeries(_ context.Context, r electro.TimeRange) (*electro.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Ranges = append(m.Ranges, r)
	if m.Panic {
		panic("meter exploded")
	}
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}

	series := &electro.Series{Registers: m.Registers, Units: m.Units}
	step := int64(r.Interval / time.Second)
	start, end := r.Start.Unix(), r.End.Unix()
	last := start + (end-start)/step*step
	for ts := last; ts >= start; ts -= step {
		reading := electro.Reading{Timestamp: ts, Registers: map[string]float64{}}
		for _, reg := range m.Registers {
			reading.Registers[reg] = float64(ts) / 3600 * m.Rates[reg]
		}
		series.Readings = append(series.Readings, reading)
	}
	return series, nil
}

func (m *fakeMeter) LastRange() electro.TimeRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Ranges) == 0 {
		return electro.TimeRange{}
	}
	return m.Ranges[len(m.Ranges)-1]
}

// memGateway is an in-memory electro.Gateway
type memGateway struct {
	mu sync.Mutex

	Tables    map[string]*electro.TableSchema
	Rows      map[string]map[int64]*electro.IntervalRecord
	Batches   []int
	CreateErr   error
	UpsertErr   error
	ExistsErr   error
	UpsertPanic bool
}

var _ electro.Gateway = (*memGateway)(nil)

func newMemGateway() *memGateway {
	return &memGateway{
		Tables: map[string]*electro.TableSchema{},
		Rows:   map[string]map[int64]*electro.IntervalRecord{},
	}
}

func (g *memGateway) TableExists(_ context.Context, table string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ExistsErr != nil {
		return false, g.ExistsErr
	}
	_, ok := g.Tables[table]
	return ok, nil
}

func (g *memGateway) CreateTable(_ context.Context, schema *electro.TableSchema) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateErr != nil {
		return g.CreateErr
	}
	g.Tables[schema.Name] = schema
	g.Rows[schema.Name] = map[int64]*electro.IntervalRecord{}
	return nil
}

func (g *memGateway) RenderCreateTableStatement(schema *electro.TableSchema) string {
	return "CREATE TABLE " + schema.Name
}

func (g *memGateway) UpsertBatch(_ context.Context, schema *electro.TableSchema, records []*electro.IntervalRecord, batchSize int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.UpsertPanic {
		panic("runtime error: invalid memory address or nil pointer dereference")
	}
	if g.UpsertErr != nil {
		return 0, g.UpsertErr
	}
	rows, ok := g.Rows[schema.Name]
	if !ok {
		return 0, errors.Errorf("relation %s does not exist", schema.Name)
	}
	records = electro.DedupeByTimestamp(records)
	for i := 0; i < len(records); i += batchSize {
		g.Batches = append(g.Batches, min(batchSize, len(records)-i))
	}
	for _, rec := range records {
		rows[rec.Timestamp] = rec
	}
	return len(records), nil
}

func (g *memGateway) ListRows(_ context.Context, table string, filter electro.RowFilter) ([]map[string]any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	schema, ok := g.Tables[table]
	if !ok {
		return nil, errors.Errorf("relation %s does not exist", table)
	}
	var out []map[string]any
	for _, rec := range g.Rows[table] {
		out = append(out, schema.Row(rec))
	}
	return out, nil
}

func (g *memGateway) Count(table string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Rows[table])
}

// memClients is an in-memory electro.ClientStore
type memClients struct {
	mu      sync.Mutex
	clients map[string]*electro.Client
}

var _ electro.ClientStore = (*memClients)(nil)

func newMemClients(clients ...*electro.Client) *memClients {
	m := &memClients{clients: map[string]*electro.Client{}}
	for _, c := range clients {
		m.clients[c.ID] = c
	}
	return m
}

func (m *memClients) Get(_ context.Context, id string) (*electro.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, &electro.Error{Kind: electro.KindNotFound, Message: "client " + id + " not found"}
	}
	cp := *c
	return &cp, nil
}

func (m *memClients) List(_ context.Context) ([]*electro.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*electro.Client
	for _, c := range m.clients {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memClients) UpdateColumns(_ context.Context, id string, columns []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return &electro.Error{Kind: electro.KindNotFound}
	}
	c.Columns = columns
	return nil
}

// spanRecorder collects the key/values of ended spans by span name
type spanRecorder struct {
	mu    sync.Mutex
	spans map[string][]any
}

func recordSpans(t interface{ Cleanup(func()) }) *spanRecorder {
	r := &spanRecorder{spans: map[string][]any{}}
	logtracing.RegisterExporter(r)
	t.Cleanup(func() { logtracing.UnregisterExporter(r) })
	return r
}

func (r *spanRecorder) ExportSpan(sd *logtracing.SpanData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans[sd.Name] = sd.Keyvals
}

// KVs returns the last recorded key/values of the named span as a map
func (r *spanRecorder) KVs(name string) map[any]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	kvs := r.spans[name]
	out := make(map[any]any, len(kvs)/2)
	for i := 0; i+1 < len(kvs); i += 2 {
		out[kvs[i]] = kvs[i+1]
	}
	return out
}
