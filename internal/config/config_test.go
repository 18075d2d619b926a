package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

const sample = `
discovergy_account:
  email: me@example.com
  password: secret
file_location:
  data_dir: /tmp/discovergy-data
poll:
  weather: 600
open_weather_map:
  id: owm-key
  latitude: 50.78
  longitude: 6.08
meters: [m1]
`

func writeConfig(t *testing.T, body string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), mode); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndTightensPermissions(t *testing.T) {
	path := writeConfig(t, sample, 0o644)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Poll.Weather != 600 || cfg.Poll.Discovergy != DefaultDiscovergyInterval || cfg.Poll.RetryDelay != DefaultRetryDelay {
		t.Fatalf("unexpected poll section %+v", cfg.Poll)
	}
	if cfg.Storage.Backend != "file" || cfg.Storage.Partition != "month" {
		t.Fatalf("unexpected storage defaults %+v", cfg.Storage)
	}
	if cfg.FileLocation.LogDir != filepath.Join(filepath.Dir(path), "logs") {
		t.Fatalf("expected log dir next to the config, got %s", cfg.FileLocation.LogDir)
	}
	if len(cfg.Meters) != 1 || cfg.Meters[0] != "m1" {
		t.Fatalf("unexpected meters %v", cfg.Meters)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, sample, 0o600)
	t.Setenv("DISCOVERGY_PASSWORD", "from-env")
	t.Setenv("OWM_API_KEY", "env-key")
	t.Setenv("PORT", "9090")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Account.Password != "from-env" || cfg.OpenWeatherMap.ID != "env-key" || cfg.HTTP.Addr != ":9090" {
		t.Fatalf("expected environment to win, got %+v %+v %+v", cfg.Account, cfg.OpenWeatherMap, cfg.HTTP)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"bad email":             strings.Replace(sample, "me@example.com", "not-an-email", 1),
		"unknown backend":       sample + "storage:\n  backend: s3\n",
		"sqlite without path":   sample + "storage:\n  backend: sqlite\n",
		"latitude out of range": strings.Replace(sample, "50.78", "123.4", 1),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body, 0o600), nil); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestLoadRequiresPasswordWithoutToken(t *testing.T) {
	t.Setenv("DISCOVERGY_PASSWORD", "")
	body := strings.Replace(sample, "  password: secret\n", "", 1)
	_, err := Load(writeConfig(t, body, 0o600), nil)
	if !errors.Is(err, ErrMissingPassword) {
		t.Fatalf("expected ErrMissingPassword, got %v", err)
	}

	body += "oauth_token:\n  key: k\n  client_secret: cs\n  token: t\n  token_secret: ts\n"
	if _, err := Load(writeConfig(t, body, 0o600), nil); err != nil {
		t.Fatalf("expected a stored token to be enough, got %v", err)
	}
}

func TestSetTokenPersistsWithoutPassword(t *testing.T) {
	path := writeConfig(t, sample, 0o600)
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := cfg.SetToken(OAuthToken{Key: "k", ClientSecret: "cs", Token: "t", TokenSecret: "ts"}); err != nil {
		t.Fatalf("set token: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var saved Config
	if err := yaml.Unmarshal(b, &saved); err != nil {
		t.Fatalf("parse saved config: %v", err)
	}
	if saved.OAuthToken.Token != "t" || saved.OAuthToken.TokenSecret != "ts" {
		t.Fatalf("expected token to be saved, got %+v", saved.OAuthToken)
	}
	if saved.Account.Password != "" {
		t.Fatal("password must not be written without save_password")
	}
	if saved.Account.Email != "me@example.com" || saved.Poll.Weather != 600 {
		t.Fatalf("expected the rest of the config to survive, got %+v %+v", saved.Account, saved.Poll)
	}

	cfg.Account.SavePassword = true
	if err := cfg.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	b, _ = os.ReadFile(path)
	if !strings.Contains(string(b), "password: secret") {
		t.Fatalf("expected the password with save_password, got:\n%s", b)
	}
}
