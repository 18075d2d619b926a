package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	httpapi "github.com/i474232898/discovergy-poller/internal/api/http"
	"github.com/i474232898/discovergy-poller/internal/auth"
	"github.com/i474232898/discovergy-poller/internal/config"
	"github.com/i474232898/discovergy-poller/internal/logging"
	"github.com/i474232898/discovergy-poller/internal/metrics"
	"github.com/i474232898/discovergy-poller/internal/readings"
	"github.com/i474232898/discovergy-poller/internal/readings/providers"
	"github.com/i474232898/discovergy-poller/internal/scheduler"
	"github.com/i474232898/discovergy-poller/internal/store"
)

const usage = `usage: discovergy-poller [-config path] [-log-level level] [command]

commands:
  poll      poll all configured sources and serve the status API (default)
  describe  print the meters of the account as JSON and exit
  help      show this message
`

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config file")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "poll"
	}
	if cmd == "help" {
		flag.Usage()
		return
	}
	if cmd != "poll" && cmd != "describe" {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}

	boot, err := logging.New(*logLevel, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath, boot)
	if err != nil {
		boot.Fatalw("failed to load config", "error", err)
	}

	logger, err := logging.New(*logLevel, cfg.FileLocation.LogDir)
	if err != nil {
		boot.Fatalw("failed to open log file", "error", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatalw("failed to set up poller", "error", err)
	}
	defer app.close()

	if cmd == "describe" {
		meters, err := app.client.DescribeMeters(ctx)
		if err != nil {
			logger.Fatalw("failed to describe meters", "error", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(meters); err != nil {
			logger.Fatalw("failed to print meters", "error", err)
		}
		return
	}

	if err := app.run(ctx); err != nil {
		logger.Fatalw("poller stopped", "error", err)
	}
}

// app holds everything the poll command wires together.
type app struct {
	cfg      *config.Config
	logger   *zap.SugaredLogger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	httpClient *http.Client
	client     *providers.DiscovergyClient
	awattarURL string
	weatherURL string
	sink       store.Sink
	writer     *store.Writer
	meta       *store.MetadataStore
	service    *readings.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Shared HTTP client for outbound calls.
	httpClient := &http.Client{Timeout: config.Seconds(cfg.HTTP.Timeout)}

	exchanger := &auth.OAuth1Exchanger{
		BaseURL:  providers.DefaultDiscovergyURL,
		AppName:  "discovergy-poller",
		Email:    cfg.Account.Email,
		Password: cfg.Account.Password,
		Policy:   providers.DefaultRetryPolicy(),
		HTTP:     httpClient,
		Logger:   logger,
	}
	tokens := auth.TokenStoreFunc(func(c auth.Credential) error {
		return cfg.SetToken(config.OAuthToken(c))
	})
	manager := auth.NewManager(auth.Credential(cfg.OAuthToken), exchanger, tokens, logger, m)

	engine := providers.NewEngine("discovergy", providers.DefaultRetryPolicy(), logger, m)
	client := providers.NewDiscovergyClient(providers.DefaultDiscovergyURL, engine, manager.Session(httpClient))

	kind, err := store.ParsePeriodKind(cfg.Storage.Partition)
	if err != nil {
		return nil, err
	}
	sink, err := openSink(ctx, cfg)
	if err != nil {
		return nil, err
	}
	writer := store.NewWriter(sink, kind, logger, m)

	var dumper readings.RawDumper
	if cfg.Storage.RawDumps {
		dumper = store.NewRawDumper(cfg.FileLocation.DataDir)
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		metrics:    m,
		httpClient: httpClient,
		client:     client,
		sink:       sink,
		writer:     writer,
		meta:       store.NewMetadataStore(filepath.Join(cfg.Dir(), "meters-metadata.json"), logger),
		service:    readings.NewService(writer, dumper, logger),
	}, nil
}

// openSink creates the storage backend named in the config.
func openSink(ctx context.Context, cfg *config.Config) (store.Sink, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return store.NewSQLiteSink(ctx, cfg.Storage.SQLitePath)
	case "postgres":
		return store.NewPostgresSink(ctx, cfg.Storage.PostgresDSN)
	case "memory":
		return store.NewMemorySink(), nil
	default:
		return store.NewFileSink(cfg.FileLocation.DataDir)
	}
}

func (a *app) close() {
	if c, ok := a.sink.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.logger.Warnw("failed to close storage", "error", err)
		}
	}
}

func (a *app) run(ctx context.Context) error {
	sched, discovered, err := a.start(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sched.Stop()
		<-discovered
	}()

	srv := httpapi.NewApp(httpapi.Deps{
		Tasks:    sched,
		Meters:   a.meta,
		Series:   a.writer,
		Gatherer: a.registry,
	})

	go func() {
		if err := srv.Listen(a.cfg.HTTP.Addr); err != nil {
			a.logger.Errorw("fiber server stopped", "error", err)
		}
	}()
	a.logger.Infow("poller started", "tasks", len(sched.States()), "addr", a.cfg.HTTP.Addr)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
		a.logger.Warnw("error during shutdown", "error", err)
	}
	return nil
}

// start launches the scheduler with the price and weather tasks and discovers the
// meters in the background. The returned channel closes once discovery has returned.
func (a *app) start(ctx context.Context) (*scheduler.Scheduler, <-chan struct{}, error) {
	retry := config.Seconds(a.cfg.Poll.RetryDelay)
	sched := scheduler.New(a.tasks(), scheduler.Options{
		RetryDelay:       retry,
		MetadataJob:      a.refreshMetadata,
		MetadataInterval: config.Seconds(a.cfg.Poll.Metadata),
		Logger:           a.logger,
		Metrics:          a.metrics,
	})
	if err := sched.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("start scheduler: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if a.cfg.Poll.Discovergy > 0 {
			a.discoverMeters(ctx, sched, retry)
		}
	}()
	return sched, done, nil
}

// discoverMeters describes the account's meters until it succeeds, waiting retry
// between attempts, then adds one task per selected meter to sched.
func (a *app) discoverMeters(ctx context.Context, sched *scheduler.Scheduler, retry time.Duration) {
	for {
		meters, err := a.client.DescribeMeters(ctx)
		if err == nil {
			if err := a.meta.Save(byMeterID(meters)); err != nil {
				a.logger.Warnw("failed to store meter metadata", "error", err)
			}
			for _, task := range a.meterTasks(meters) {
				sched.Add(task)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		a.logger.Errorw("meter discovery failed; retrying", "error", err, "retry_in", retry.String())

		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// meterTasks builds one scheduler task per selected meter.
func (a *app) meterTasks(meters []map[string]any) []scheduler.Task {
	var srcs []readings.Source
	for _, meta := range selectMeters(meters, a.cfg.Meters, a.logger) {
		meter, err := providers.NewDiscovergyMeter(a.client, meta, providers.MeterOptions{
			Fields:   a.cfg.Fields,
			Interval: config.Seconds(a.cfg.Poll.Discovergy),
			Resample: a.cfg.Storage.Resample,
			Logger:   a.logger,
		})
		if err != nil {
			a.logger.Warnw("skipping meter", "error", err)
			continue
		}
		srcs = append(srcs, meter)
	}
	return a.taskList(srcs)
}

// tasks builds the price and weather tasks. Meter tasks join once discovery succeeds.
func (a *app) tasks() []scheduler.Task {
	var srcs []readings.Source
	plain := providers.StaticSession{HTTP: a.httpClient}

	if a.cfg.Poll.Awattar > 0 {
		engine := providers.NewEngine("awattar", providers.DefaultRetryPolicy(), a.logger, a.metrics)
		srcs = append(srcs, providers.NewAwattarProvider(a.awattarURL, engine, plain, config.Seconds(a.cfg.Poll.Awattar), a.logger))
	}

	owm := a.cfg.OpenWeatherMap
	switch {
	case a.cfg.Poll.Weather == 0:
	case owm.ID == "":
		a.logger.Infow("no OpenWeatherMap API key configured; weather polling disabled")
	default:
		var geo providers.Geocoder
		if owm.City != "" {
			geo = providers.GoogleGeocoder{APIKey: a.cfg.GeocoderAPIKey}
		}
		engine := providers.NewEngine("weather", providers.DefaultRetryPolicy(), a.logger, a.metrics)
		loc := providers.Location{Lat: owm.Latitude, Lon: owm.Longitude, City: owm.City, Country: owm.Country}
		srcs = append(srcs, providers.NewOpenWeatherProvider(a.weatherURL, owm.ID, loc, engine, plain, geo, config.Seconds(a.cfg.Poll.Weather), a.logger))
	}
	return a.taskList(srcs)
}

func (a *app) taskList(srcs []readings.Source) []scheduler.Task {
	tasks := make([]scheduler.Task, 0, len(srcs))
	for _, src := range srcs {
		src := src
		tasks = append(tasks, scheduler.Task{
			Descriptor: src.Descriptor(),
			Run: func(ctx context.Context, w readings.Window) error {
				return a.service.Collect(ctx, src, w)
			},
		})
	}
	return tasks
}

// refreshMetadata re-describes the account's meters and stores the result.
func (a *app) refreshMetadata(ctx context.Context) error {
	meters, err := a.client.DescribeMeters(ctx)
	if err != nil {
		return err
	}
	return a.meta.Save(byMeterID(meters))
}

func byMeterID(meters []map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(meters))
	for _, m := range meters {
		if id, _ := m["meterId"].(string); id != "" {
			out[id] = m
		}
	}
	return out
}

// selectMeters keeps the meters named in allow, matched by meter id or serial number.
// An empty allow list keeps every meter.
func selectMeters(meters []map[string]any, allow []string, logger *zap.SugaredLogger) []map[string]any {
	if len(allow) == 0 {
		return meters
	}
	wanted := make(map[string]bool, len(allow))
	for _, id := range allow {
		wanted[id] = true
	}

	var out []map[string]any
	seen := make(map[string]bool)
	for _, m := range meters {
		for _, key := range []string{"meterId", "fullSerialNumber", "serialNumber"} {
			v, _ := m[key].(string)
			if v != "" && wanted[v] {
				out = append(out, m)
				seen[v] = true
				break
			}
		}
	}
	for _, id := range allow {
		if !seen[id] {
			logger.Warnw("configured meter not found in account", "meter", id)
		}
	}
	return out
}
