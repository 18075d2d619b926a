package providers

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/discovergy-poller/internal/readings"
)

// DefaultAwattarURL is the day-ahead market data endpoint.
const DefaultAwattarURL = "https://api.awattar.de/v1/marketdata"

// AwattarProvider fetches day-ahead electricity prices. The API is unauthenticated.
type AwattarProvider struct {
	baseURL  string
	engine   *Engine
	session  Session
	interval time.Duration
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewAwattarProvider creates a price source. An empty baseURL means DefaultAwattarURL.
func NewAwattarProvider(baseURL string, engine *Engine, session Session, interval time.Duration, logger *zap.SugaredLogger) *AwattarProvider {
	if baseURL == "" {
		baseURL = DefaultAwattarURL
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AwattarProvider{
		baseURL:  baseURL,
		engine:   engine,
		session:  session,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *AwattarProvider) Descriptor() readings.Descriptor {
	return readings.Descriptor{
		Name:           "awattar",
		BaseURL:        p.baseURL,
		RequiredParams: []string{"start"},
		OptionalParams: []string{"end"},
		Interval:       p.interval,
	}
}

func (p *AwattarProvider) Normalizer() readings.Normalizer {
	return readings.Normalizer{
		Schema: readings.Schema{"marketprice": readings.Float},
		Logger: p.logger,
	}
}

type marketData struct {
	Data []struct {
		StartTimestamp *json.Number `json:"start_timestamp"`
		EndTimestamp   *json.Number `json:"end_timestamp"`
		MarketPrice    *json.Number `json:"marketprice"`
		Unit           string       `json:"unit"`
	} `json:"data"`
}

// Fetch returns one record per price slot starting in the window.
func (p *AwattarProvider) Fetch(ctx context.Context, w readings.Window) (readings.RawBatch, error) {
	resolved, err := w.Resolve(p.now().UTC())
	if err != nil {
		return readings.RawBatch{}, err
	}
	params := url.Values{
		"start": {strconv.FormatInt(readings.EncodeTime(resolved.From), 10)},
		"end":   {strconv.FormatInt(readings.EncodeTime(resolved.To), 10)},
	}
	u := p.baseURL + "?" + params.Encode()

	body, err := p.engine.Query(ctx, p.session, u)
	if err != nil {
		return readings.RawBatch{}, err
	}

	var payload marketData
	if err := decodeNumbers(body, &payload); err != nil {
		return readings.RawBatch{}, &DecodeError{URL: u, Body: truncate(string(body), 256)}
	}

	recs := make([]readings.RawRecord, 0, len(payload.Data))
	for _, d := range payload.Data {
		if d.StartTimestamp == nil || d.MarketPrice == nil {
			p.logger.Warnw("skipping price slot without start or price")
			continue
		}
		ts, err := d.StartTimestamp.Int64()
		if err != nil {
			p.logger.Warnw("skipping price slot with invalid start", "start_timestamp", d.StartTimestamp.String())
			continue
		}
		recs = append(recs, readings.RawRecord{
			Time:   ts,
			Unit:   readings.Milliseconds,
			Values: map[string]json.Number{"marketprice": *d.MarketPrice},
		})
	}
	p.logger.Infow("fetched market data",
		"slots", len(recs),
		"took", p.engine.LastDuration().String(),
	)
	return readings.RawBatch{Series: "awattar", Records: recs, Body: body}, nil
}
