package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/i474232898/discovergy-poller/internal/common"
)

// DefaultPath is where the config lives unless -config says otherwise.
const DefaultPath = "~/.config/discovergy/config.yaml"

// Default poll intervals, in seconds.
const (
	DefaultDiscovergyInterval = 43200
	DefaultAwattarInterval    = 43200
	DefaultWeatherInterval    = 7200
	DefaultRetryDelay         = 15
	DefaultMetadataInterval   = 86400
)

var ErrMissingPassword = errors.New("discovergy_account.password is required while no complete oauth_token is stored")

type DiscovergyAccount struct {
	Email        string `yaml:"email" validate:"required,email"`
	Password     string `yaml:"password"`
	SavePassword bool   `yaml:"save_password"`
}

type OAuthToken struct {
	Key          string `yaml:"key"`
	ClientSecret string `yaml:"client_secret"`
	Token        string `yaml:"token"`
	TokenSecret  string `yaml:"token_secret"`
}

// Complete reports whether all four parts are set.
func (t OAuthToken) Complete() bool {
	return t.Key != "" && t.ClientSecret != "" && t.Token != "" && t.TokenSecret != ""
}

type FileLocation struct {
	DataDir string `yaml:"data_dir"`
	LogDir  string `yaml:"log_dir"`
}

// Poll holds intervals in seconds. A zero source interval disables that source.
type Poll struct {
	Discovergy int `yaml:"discovergy" validate:"gte=0"`
	Awattar    int `yaml:"awattar" validate:"gte=0"`
	Weather    int `yaml:"weather" validate:"gte=0"`
	RetryDelay int `yaml:"retry_delay" validate:"gte=1"`
	Metadata   int `yaml:"metadata" validate:"gte=0"`
}

// Seconds converts an interval field to a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

type OpenWeatherMap struct {
	ID        string   `yaml:"id"`
	Latitude  *float64 `yaml:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude *float64 `yaml:"longitude,omitempty" validate:"omitempty,longitude"`
	City      string   `yaml:"city,omitempty"`
	Country   string   `yaml:"country,omitempty"`
}

type Storage struct {
	Backend     string `yaml:"backend" validate:"oneof=file sqlite postgres memory"`
	Partition   string `yaml:"partition" validate:"oneof=month day"`
	SQLitePath  string `yaml:"sqlite_path,omitempty" validate:"required_if=Backend sqlite"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty" validate:"required_if=Backend postgres"`
	RawDumps    bool   `yaml:"raw_dumps"`
	Resample    bool   `yaml:"resample"`
}

type HTTP struct {
	Addr    string `yaml:"addr"`
	Timeout int    `yaml:"timeout" validate:"gte=1"`
}

// Config is the poller configuration file.
type Config struct {
	Account        DiscovergyAccount `yaml:"discovergy_account"`
	OAuthToken     OAuthToken        `yaml:"oauth_token"`
	FileLocation   FileLocation      `yaml:"file_location"`
	Poll           Poll              `yaml:"poll"`
	OpenWeatherMap OpenWeatherMap    `yaml:"open_weather_map"`
	GeocoderAPIKey string            `yaml:"geocoder_api_key,omitempty"`
	Meters         []string          `yaml:"meters,omitempty"`
	Fields         []string          `yaml:"fields,omitempty"`
	Storage        Storage           `yaml:"storage"`
	HTTP           HTTP              `yaml:"http"`

	path string
	mu   sync.Mutex
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Dir returns the directory holding the config file.
func (c *Config) Dir() string { return filepath.Dir(c.path) }

func defaults() *Config {
	return &Config{
		Poll: Poll{
			Discovergy: DefaultDiscovergyInterval,
			Awattar:    DefaultAwattarInterval,
			Weather:    DefaultWeatherInterval,
			RetryDelay: DefaultRetryDelay,
			Metadata:   DefaultMetadataInterval,
		},
		Storage: Storage{Backend: "file", Partition: "month"},
		HTTP:    HTTP{Addr: ":8080", Timeout: 30},
	}
}

// Load reads .env, the YAML file at path and the environment, then validates the result.
// A missing file is not an error; everything can come from the environment.
func Load(path string, logger *zap.SugaredLogger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := godotenv.Load(); err != nil {
		logger.Debugw("no .env file loaded", "error", err)
	}

	if path == "" {
		path = DefaultPath
	}
	path, err := common.ExpandHome(path)
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	cfg.path = path

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Infow("config file not found, using defaults and environment", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := tightenPermissions(path, logger); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func tightenPermissions(path string, logger *zap.SugaredLogger) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0o077 == 0 {
		return nil
	}
	logger.Warnw("config file is readable by others; restricting it to the owner",
		"path", path, "mode", info.Mode().Perm().String())
	return os.Chmod(path, 0o600)
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DISCOVERGY_EMAIL"); v != "" {
		c.Account.Email = v
	}
	if v := os.Getenv("DISCOVERGY_PASSWORD"); v != "" {
		c.Account.Password = v
	}
	if v := os.Getenv("DISCOVERGY_SAVE_PASSWORD"); v != "" {
		b, err := common.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DISCOVERGY_SAVE_PASSWORD: %w", err)
		}
		c.Account.SavePassword = b
	}
	if v := os.Getenv("OWM_API_KEY"); v != "" {
		c.OpenWeatherMap.ID = v
	}
	if v := os.Getenv("GEOCODER_API_KEY"); v != "" {
		c.GeocoderAPIKey = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid PORT: %w", err)
		}
		c.HTTP.Addr = ":" + v
	}
	return nil
}

func (c *Config) resolvePaths() error {
	if c.FileLocation.DataDir == "" {
		c.FileLocation.DataDir = filepath.Join(c.Dir(), "data")
	}
	if c.FileLocation.LogDir == "" {
		c.FileLocation.LogDir = filepath.Join(c.Dir(), "logs")
	}
	var err error
	if c.FileLocation.DataDir, err = common.ExpandHome(c.FileLocation.DataDir); err != nil {
		return err
	}
	if c.FileLocation.LogDir, err = common.ExpandHome(c.FileLocation.LogDir); err != nil {
		return err
	}
	if c.Storage.SQLitePath != "" {
		if c.Storage.SQLitePath, err = common.ExpandHome(c.Storage.SQLitePath); err != nil {
			return err
		}
	}
	return nil
}

var validate = validator.New()

// Validate checks the struct tags and the rules that span sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Account.Password == "" && !c.OAuthToken.Complete() {
		return ErrMissingPassword
	}
	return nil
}

// SetToken stores a fresh OAuth token and persists the config.
func (c *Config) SetToken(t OAuthToken) error {
	c.mu.Lock()
	c.OAuthToken = t
	c.mu.Unlock()
	return c.Save()
}

// Save writes the config back atomically with mode 0600. The password is only written
// when save_password is set.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := struct {
		Account        DiscovergyAccount `yaml:"discovergy_account"`
		OAuthToken     OAuthToken        `yaml:"oauth_token"`
		FileLocation   FileLocation      `yaml:"file_location"`
		Poll           Poll              `yaml:"poll"`
		OpenWeatherMap OpenWeatherMap    `yaml:"open_weather_map"`
		GeocoderAPIKey string            `yaml:"geocoder_api_key,omitempty"`
		Meters         []string          `yaml:"meters,omitempty"`
		Fields         []string          `yaml:"fields,omitempty"`
		Storage        Storage           `yaml:"storage"`
		HTTP           HTTP              `yaml:"http"`
	}{
		Account:        c.Account,
		OAuthToken:     c.OAuthToken,
		FileLocation:   c.FileLocation,
		Poll:           c.Poll,
		OpenWeatherMap: c.OpenWeatherMap,
		GeocoderAPIKey: c.GeocoderAPIKey,
		Meters:         c.Meters,
		Fields:         c.Fields,
		Storage:        c.Storage,
		HTTP:           c.HTTP,
	}
	if !out.Account.SavePassword {
		out.Account.Password = ""
	}

	return common.WriteFileAtomic(c.path, 0o600, func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()
	})
}
