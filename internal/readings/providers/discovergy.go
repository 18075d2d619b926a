package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/discovergy-poller/internal/readings"
)

// DefaultDiscovergyURL is the base of the public meter API.
const DefaultDiscovergyURL = "https://api.discovergy.com/public/v1"

var (
	ErrUnknownResolution        = errors.New("unknown resolution")
	ErrUnknownField             = errors.New("unknown field name")
	ErrDisaggregationResolution = errors.New("disaggregation requires resolution raw")
	ErrMissingMeterID           = errors.New("meter metadata lacks meterId")
)

// Resolutions lists the reading bucket sizes with the longest window the API serves for each.
var Resolutions = map[string]time.Duration{
	"raw":             24 * time.Hour,
	"three_minutes":   10 * 24 * time.Hour,
	"fifteen_minutes": 31 * 24 * time.Hour,
	"one_hour":        93 * 24 * time.Hour,
	"one_day":         315576000 * time.Second,
	"one_week":        631152000 * time.Second,
	"one_month":       1577880000 * time.Second,
	"one_year":        3155760000 * time.Second,
}

// DiscovergyClient talks to the meter API through a signed session.
type DiscovergyClient struct {
	baseURL string
	engine  *Engine
	session Session
	now     func() time.Time
}

// NewDiscovergyClient creates a client. An empty baseURL means DefaultDiscovergyURL.
func NewDiscovergyClient(baseURL string, engine *Engine, session Session) *DiscovergyClient {
	if baseURL == "" {
		baseURL = DefaultDiscovergyURL
	}
	return &DiscovergyClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		engine:  engine,
		session: session,
		now:     time.Now,
	}
}

func (c *DiscovergyClient) query(ctx context.Context, resource string, params url.Values) (json.RawMessage, error) {
	u := c.baseURL + "/" + resource
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return c.engine.Query(ctx, c.session, u)
}

// DescribeMeters returns the metadata of every meter on the account.
func (c *DiscovergyClient) DescribeMeters(ctx context.Context) ([]map[string]any, error) {
	body, err := c.query(ctx, "meters", nil)
	if err != nil {
		return nil, err
	}
	var meters []map[string]any
	if err := decodeNumbers(body, &meters); err != nil {
		return nil, &DecodeError{URL: c.baseURL + "/meters", Body: truncate(string(body), 256)}
	}
	return meters, nil
}

// MeterOptions configures a DiscovergyMeter.
type MeterOptions struct {
	// Fields limits the polled fields; empty means all readings.MeterFields.
	Fields   []string
	Interval time.Duration
	Resample bool
	Logger   *zap.SugaredLogger
}

// DiscovergyMeter is the source adapter for one meter.
type DiscovergyMeter struct {
	client   *DiscovergyClient
	meterID  string
	metadata map[string]any
	opts     MeterOptions

	mu         sync.Mutex
	fieldNames map[string]struct{}
}

// NewDiscovergyMeter creates an adapter from the meter metadata returned by DescribeMeters.
func NewDiscovergyMeter(client *DiscovergyClient, meta map[string]any, opts MeterOptions) (*DiscovergyMeter, error) {
	id, _ := meta["meterId"].(string)
	if id == "" {
		return nil, ErrMissingMeterID
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &DiscovergyMeter{
		client:   client,
		meterID:  id,
		metadata: meta,
		opts:     opts,
	}, nil
}

// ID returns the meter id.
func (m *DiscovergyMeter) ID() string { return m.meterID }

// Metadata returns the describe-meters entry the adapter was built from.
func (m *DiscovergyMeter) Metadata() map[string]any { return m.metadata }

// Series is the name readings of this meter are stored under.
func (m *DiscovergyMeter) Series() string { return "power_" + m.meterID }

func (m *DiscovergyMeter) Descriptor() readings.Descriptor {
	return readings.Descriptor{
		Name:           "discovergy:" + m.meterID,
		BaseURL:        m.client.baseURL + "/readings",
		RequiredParams: []string{"meterId", "from"},
		OptionalParams: []string{"to", "fields", "resolution", "disaggregation"},
		Interval:       m.opts.Interval,
	}
}

func (m *DiscovergyMeter) Normalizer() readings.Normalizer {
	fields := m.opts.Fields
	if len(fields) == 0 {
		fields = readings.MeterFields
	}
	return readings.Normalizer{
		Schema:   readings.IntSchema(fields),
		Resample: m.opts.Resample,
		Logger:   m.opts.Logger,
	}
}

// Fetch reads raw-resolution readings for the window.
func (m *DiscovergyMeter) Fetch(ctx context.Context, w readings.Window) (readings.RawBatch, error) {
	recs, body, err := m.Readings(ctx, ReadingsQuery{
		Window:     w,
		Fields:     m.opts.Fields,
		Resolution: "raw",
	})
	if err != nil {
		return readings.RawBatch{}, err
	}
	m.opts.Logger.Infow("fetched meter readings",
		"meter", m.meterID,
		"records", len(recs),
		"took", m.client.engine.LastDuration().String(),
	)
	return readings.RawBatch{Series: m.Series(), Records: recs, Body: body}, nil
}

// ReadingsQuery holds the optional refinements of a readings call.
type ReadingsQuery struct {
	Window         readings.Window
	Fields         []string
	Resolution     string
	Disaggregation bool
}

type rawReading struct {
	Time   json.Number            `json:"time"`
	Values map[string]json.Number `json:"values"`
}

// Readings returns the measurements of the meter in the window.
func (m *DiscovergyMeter) Readings(ctx context.Context, q ReadingsQuery) ([]readings.RawRecord, json.RawMessage, error) {
	params, err := m.windowParams(q.Window)
	if err != nil {
		return nil, nil, err
	}
	if len(q.Fields) > 0 {
		if err := m.validateFields(ctx, q.Fields); err != nil {
			return nil, nil, err
		}
		params.Set("fields", strings.Join(q.Fields, ","))
	}
	if q.Resolution != "" {
		if _, ok := Resolutions[q.Resolution]; !ok {
			return nil, nil, fmt.Errorf("%w: %q, expected one of %s", ErrUnknownResolution, q.Resolution, strings.Join(resolutionNames(), ", "))
		}
		params.Set("resolution", q.Resolution)
	}
	if q.Disaggregation {
		if q.Resolution != "" && q.Resolution != "raw" {
			return nil, nil, fmt.Errorf("%w, got %q", ErrDisaggregationResolution, q.Resolution)
		}
		params.Set("disaggregation", "true")
	}

	body, err := m.client.query(ctx, "readings", params)
	if err != nil {
		return nil, nil, err
	}

	var raw []rawReading
	if err := decodeNumbers(body, &raw); err != nil {
		return nil, nil, &DecodeError{URL: m.client.baseURL + "/readings", Body: truncate(string(body), 256)}
	}
	recs := make([]readings.RawRecord, 0, len(raw))
	for _, r := range raw {
		ts, err := r.Time.Int64()
		if err != nil {
			m.opts.Logger.Warnw("skipping reading without a valid time", "meter", m.meterID, "time", r.Time.String())
			continue
		}
		recs = append(recs, readings.RawRecord{Time: ts, Unit: readings.Milliseconds, Values: dropNulls(r.Values)})
	}
	return recs, body, nil
}

// LastReading returns the most recent measurement.
func (m *DiscovergyMeter) LastReading(ctx context.Context) (json.RawMessage, error) {
	return m.client.query(ctx, "last_reading", url.Values{"meterId": {m.meterID}})
}

// Devices returns the devices recognized behind the meter.
func (m *DiscovergyMeter) Devices(ctx context.Context) (json.RawMessage, error) {
	return m.client.query(ctx, "devices", url.Values{"meterId": {m.meterID}})
}

// Statistics returns statistics over all measurements in the window.
func (m *DiscovergyMeter) Statistics(ctx context.Context, w readings.Window, fields []string) (json.RawMessage, error) {
	params, err := m.windowParams(w)
	if err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		if err := m.validateFields(ctx, fields); err != nil {
			return nil, err
		}
		params.Set("fields", strings.Join(fields, ","))
	}
	return m.client.query(ctx, "statistics", params)
}

// Activities returns the activities recognized in the window.
func (m *DiscovergyMeter) Activities(ctx context.Context, w readings.Window) (json.RawMessage, error) {
	params, err := m.windowParams(w)
	if err != nil {
		return nil, err
	}
	return m.client.query(ctx, "activities", params)
}

// Disaggregation returns the disaggregated consumption in the window.
func (m *DiscovergyMeter) Disaggregation(ctx context.Context, w readings.Window) (json.RawMessage, error) {
	params, err := m.windowParams(w)
	if err != nil {
		return nil, err
	}
	return m.client.query(ctx, "disaggregation", params)
}

// FieldNames returns the fields the meter supports. The set is fetched once per adapter;
// a failed fetch is retried on the next call.
func (m *DiscovergyMeter) FieldNames(ctx context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	cached := m.fieldNames
	m.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	body, err := m.client.query(ctx, "field_names", url.Values{"meterId": {m.meterID}})
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(body, &names); err != nil {
		return nil, &DecodeError{URL: m.client.baseURL + "/field_names", Body: truncate(string(body), 256)}
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}

	m.mu.Lock()
	m.fieldNames = set
	m.mu.Unlock()
	return set, nil
}

func (m *DiscovergyMeter) validateFields(ctx context.Context, fields []string) error {
	supported, err := m.FieldNames(ctx)
	if err != nil {
		return err
	}
	var unknown []string
	for _, f := range fields {
		if _, ok := supported[f]; !ok {
			unknown = append(unknown, f)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownField, strings.Join(unknown, ", "))
	}
	return nil
}

// windowParams resolves the window and encodes it with the meter id. to is always sent.
func (m *DiscovergyMeter) windowParams(w readings.Window) (url.Values, error) {
	resolved, err := w.Resolve(m.client.now().UTC())
	if err != nil {
		return nil, err
	}
	return url.Values{
		"meterId": {m.meterID},
		"from":    {strconv.FormatInt(readings.EncodeTime(resolved.From), 10)},
		"to":      {strconv.FormatInt(readings.EncodeTime(resolved.To), 10)},
	}, nil
}

func resolutionNames() []string {
	names := make([]string, 0, len(Resolutions))
	for n := range Resolutions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func decodeNumbers(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

// dropNulls removes the empty numbers a JSON null decodes to.
func dropNulls(values map[string]json.Number) map[string]json.Number {
	for k, v := range values {
		if v == "" {
			delete(values, k)
		}
	}
	return values
}
