package electro

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/theplant/appkit/logtracing"
)

// ExtractorConfig contains the collaborators and settings of an Extractor
type ExtractorConfig struct {
	Connector   Connector
	Credentials Credentials

	// Location interprets reading timestamps for date, time and tariff. Default: time.Local
	Location *time.Location
	// Schedule classifies intervals. Default: DefaultTariffSchedule
	Schedule *TariffSchedule
	// Clock is used to clamp requests ending in the future. Default: real clock
	Clock clockwork.Clock
}

// Validate validates the configuration
func (c *ExtractorConfig) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Connector == nil {
		return errors.New("Connector is required")
	}
	if c.Schedule != nil {
		if err := c.Schedule.Validate(); err != nil {
			return errors.Wrap(err, "invalid Schedule")
		}
	}
	return nil
}

// Extractor fetches cumulative readings from a device and reduces them into interval records
type Extractor struct {
	*ExtractorConfig
}

// NewExtractor creates a new Extractor
func NewExtractor(conf *ExtractorConfig) (*Extractor, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if conf.Location == nil {
		conf.Location = time.Local
	}
	if conf.Schedule == nil {
		conf.Schedule = DefaultTariffSchedule
	}
	if conf.Clock == nil {
		conf.Clock = clockwork.NewRealClock()
	}
	return &Extractor{ExtractorConfig: conf}, nil
}

// Extract connects to the device, fetches [Start, End] at Interval granularity and reduces the
// readings. Every failure is returned as an *Error; nothing is retried.
func (x *Extractor) Extract(ctx context.Context, req *ExtractRequest) (result *ExtractionResult, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "electro.Extract")
	spanKVs := make(map[string]any)
	defer func() {
		if r := recover(); r != nil {
			result = nil
			xerr = &Error{Kind: KindInternal, Message: fmt.Sprintf("unexpected failure: %v", r)}
		}
		if xerr != nil {
			spanKVs["error_kind"] = KindOf(xerr)
		}
		for k, v := range spanKVs {
			span.AppendKVs(k, v)
		}
		logtracing.EndSpan(ctx, xerr)
	}()

	if req == nil {
		return nil, &Error{Kind: KindInvalidRequest, Message: "request is nil"}
	}
	alias := DeviceAlias(req.URL)
	spanKVs["url"] = req.URL
	spanKVs["alias"] = alias

	if req.Interval < time.Second {
		return nil, &Error{Kind: KindInvalidRequest, Message: "interval must be at least one second", URL: req.URL, Alias: alias}
	}
	if req.End.Before(req.Start) {
		return nil, &Error{Kind: KindInvalidRequest, Message: "start must not be after end", URL: req.URL, Alias: alias}
	}

	dev, err := x.Connector.Connect(ctx, req.URL, x.Credentials)
	if err != nil {
		return nil, &Error{Kind: KindAuthentication, Message: "authentication failed", URL: req.URL, Alias: alias, Err: err}
	}

	tr := TimeRange{Start: req.Start, End: req.End, Interval: req.Interval}
	if now := x.Clock.Now(); tr.End.After(now) {
		// devices have no future data
		spanKVs["end_clamped"] = true
		tr.End = now
	}
	spanKVs["time_range"] = tr.String()

	series, err := x.fetch(ctx, dev, tr)
	if err != nil {
		return nil, &Error{
			Kind:    KindDataRetrieval,
			Message: "failed to read data from device; the device may not have data for this period",
			URL:     req.URL,
			Alias:   alias,
			Err:     err,
		}
	}
	spanKVs["rows"] = len(series.Readings)

	if len(series.Readings) < 2 {
		e := newInsufficientDataError(len(series.Readings))
		e.URL, e.Alias = req.URL, alias
		return nil, e
	}

	mapping := NewRegisterMapping(series.Registers)
	records, err := reduceWith(series.Readings, mapping, x.Location, x.Schedule)
	if err != nil {
		return nil, err
	}
	period, summary := Summarize(series.Readings, series.Registers, series.Units, x.Location)
	spanKVs["total_records"] = len(records)

	return &ExtractionResult{
		URL:              req.URL,
		Alias:            alias,
		Columns:          mapping.Registers(),
		SanitizedColumns: mapping.Columns(),
		RegisterMapping:  mapping,
		Records:          records,
		TotalRecords:     len(records),
		Period:           period,
		Summary:          summary,
	}, nil
}

func (x *Extractor) fetch(ctx context.Context, dev Device, tr TimeRange) (*Series, error) {
	series, err := dev.FetchSeries(ctx, tr)
	if err != nil {
		return nil, err
	}
	if series == nil {
		return nil, errors.New("device returned no series")
	}
	return series, nil
}

// DeviceAlias derives a short device name from its url,
// e.g. "https://egauge90707.egaug.es" -> "egauge90707"
func DeviceAlias(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		trimmed := strings.TrimRight(rawURL, "/")
		if i := strings.LastIndex(trimmed, "/"); i >= 0 {
			trimmed = trimmed[i+1:]
		}
		return strings.SplitN(trimmed, ".", 2)[0]
	}
	return strings.SplitN(u.Hostname(), ".", 2)[0]
}
