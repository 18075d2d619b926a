package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/kelvins/geocoder"
	"go.uber.org/zap"

	"github.com/i474232898/discovergy-poller/internal/readings"
)

// DefaultOpenWeatherURL is the current weather endpoint.
const DefaultOpenWeatherURL = "https://api.openweathermap.org/data/2.5/weather"

var errNoLocation = errors.New("openweather requires latitude and longitude or a city")

// Location is where weather is observed. Lat/Lon take precedence over City.
type Location struct {
	Lat     *float64
	Lon     *float64
	City    string
	Country string
}

// Geocoder resolves a city to coordinates.
type Geocoder interface {
	Geocode(city, country string) (lat, lon float64, err error)
}

// GoogleGeocoder resolves cities through the Google geocoding API.
type GoogleGeocoder struct {
	APIKey string
}

func (g GoogleGeocoder) Geocode(city, country string) (float64, float64, error) {
	geocoder.ApiKey = g.APIKey
	loc, err := geocoder.Geocoding(geocoder.Address{City: city, Country: country})
	if err != nil {
		return 0, 0, fmt.Errorf("geocode %s,%s: %w", city, country, err)
	}
	return loc.Latitude, loc.Longitude, nil
}

// OpenWeatherProvider fetches the current observation from OpenWeatherMap.
type OpenWeatherProvider struct {
	baseURL  string
	apiKey   string
	engine   *Engine
	session  Session
	geocoder Geocoder
	interval time.Duration
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu  sync.Mutex
	loc Location
}

// NewOpenWeatherProvider creates a weather source. geo may be nil when loc carries coordinates.
func NewOpenWeatherProvider(baseURL, apiKey string, loc Location, engine *Engine, session Session, geo Geocoder, interval time.Duration, logger *zap.SugaredLogger) *OpenWeatherProvider {
	if baseURL == "" {
		baseURL = DefaultOpenWeatherURL
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &OpenWeatherProvider{
		baseURL:  baseURL,
		apiKey:   apiKey,
		engine:   engine,
		session:  session,
		geocoder: geo,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		loc:      loc,
	}
}

func (p *OpenWeatherProvider) Descriptor() readings.Descriptor {
	return readings.Descriptor{
		Name:           "weather",
		BaseURL:        p.baseURL,
		RequiredParams: []string{"lat", "lon", "appid"},
		OptionalParams: []string{"units"},
		Interval:       p.interval,
	}
}

// Normalizer accepts every numeric field; the payload shape varies with the conditions.
func (p *OpenWeatherProvider) Normalizer() readings.Normalizer {
	return readings.Normalizer{Logger: p.logger}
}

// coordinates returns the configured coordinates, geocoding the city on first use.
func (p *OpenWeatherProvider) coordinates() (float64, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loc.Lat != nil && p.loc.Lon != nil {
		return *p.loc.Lat, *p.loc.Lon, nil
	}
	if p.loc.City == "" || p.geocoder == nil {
		return 0, 0, errNoLocation
	}
	lat, lon, err := p.geocoder.Geocode(p.loc.City, p.loc.Country)
	if err != nil {
		return 0, 0, err
	}
	p.logger.Infow("resolved weather location", "city", p.loc.City, "lat", lat, "lon", lon)
	p.loc.Lat, p.loc.Lon = &lat, &lon
	return lat, lon, nil
}

type owmPayload struct {
	Dt   json.Number `json:"dt"`
	Main struct {
		Temp      *json.Number `json:"temp"`
		FeelsLike *json.Number `json:"feels_like"`
		TempMin   *json.Number `json:"temp_min"`
		TempMax   *json.Number `json:"temp_max"`
		Pressure  *json.Number `json:"pressure"`
		SeaLevel  *json.Number `json:"sea_level"`
		Humidity  *json.Number `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed *json.Number `json:"speed"`
		Deg   *json.Number `json:"deg"`
	} `json:"wind"`
	Rain   map[string]json.Number `json:"rain"`
	Snow   map[string]json.Number `json:"snow"`
	Clouds struct {
		All *json.Number `json:"all"`
	} `json:"clouds"`
	Visibility *json.Number `json:"visibility"`
	Weather    []struct {
		ID json.Number `json:"id"`
	} `json:"weather"`
}

// flatten maps the nested payload to one flat record; absent values are omitted.
func (o owmPayload) flatten() map[string]json.Number {
	out := make(map[string]json.Number)
	set := func(name string, v *json.Number) {
		if v != nil && *v != "" {
			out[name] = *v
		}
	}
	set("temperature", o.Main.Temp)
	set("feels_like", o.Main.FeelsLike)
	set("temp_min", o.Main.TempMin)
	set("temp_max", o.Main.TempMax)
	set("pressure", o.Main.Pressure)
	set("sea_level", o.Main.SeaLevel)
	set("humidity", o.Main.Humidity)
	set("wind_speed", o.Wind.Speed)
	set("wind_direction", o.Wind.Deg)
	for k, v := range o.Rain {
		set("rain_"+k, &v)
	}
	for k, v := range o.Snow {
		set("snow_"+k, &v)
	}
	set("clouds", o.Clouds.All)
	set("visibility", o.Visibility)
	if len(o.Weather) > 0 && o.Weather[0].ID != "" {
		out["weather_code"] = o.Weather[0].ID
	}
	return out
}

// Fetch returns the current observation. The window is checked but does not narrow the result.
func (p *OpenWeatherProvider) Fetch(ctx context.Context, w readings.Window) (readings.RawBatch, error) {
	if p.apiKey == "" {
		return readings.RawBatch{}, fmt.Errorf("openweather api key is not configured")
	}
	if _, err := w.Resolve(p.now().UTC()); err != nil {
		return readings.RawBatch{}, err
	}
	lat, lon, err := p.coordinates()
	if err != nil {
		return readings.RawBatch{}, err
	}

	values := url.Values{}
	values.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	values.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	values.Set("appid", p.apiKey)
	values.Set("units", "metric")
	u := p.baseURL + "?" + values.Encode()

	body, err := p.engine.Query(ctx, p.session, u)
	if err != nil {
		return readings.RawBatch{}, err
	}

	var payload owmPayload
	if err := decodeNumbers(body, &payload); err != nil {
		return readings.RawBatch{}, &DecodeError{URL: p.baseURL, Body: truncate(string(body), 256)}
	}
	dt, err := payload.Dt.Int64()
	if err != nil {
		return readings.RawBatch{}, &DecodeError{URL: p.baseURL, Body: truncate(string(body), 256)}
	}

	rec := readings.RawRecord{Time: dt, Unit: readings.Seconds, Values: payload.flatten()}
	return readings.RawBatch{Series: "weather", Records: []readings.RawRecord{rec}, Body: body}, nil
}
