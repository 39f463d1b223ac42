// Package daemon manages appgrader configuration and wires the services.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/tutu-network/appgrader/internal/infra/synth"
)

// Config holds all appgrader configuration. It is built once at startup and
// passed into every component constructor.
type Config struct {
	API       APIConfig       `toml:"api"`
	Store     StoreConfig     `toml:"store"`
	Synth     SynthConfig     `toml:"synth"`
	Captcha   CaptchaConfig   `toml:"captcha"`
	Publisher PublisherConfig `toml:"publisher"`
	Notifier  NotifierConfig  `toml:"notifier"`
	Rounds    RoundsConfig    `toml:"rounds"`
	Evaluator EvaluatorConfig `toml:"evaluator"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// APIConfig controls the intake HTTP server.
type APIConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Secret         string `toml:"secret"` // shared secret; empty rejects every request
	RequestTimeout string `toml:"request_timeout"` // response write budget; never cancels the pipeline
	PublicURL      string `toml:"public_url"` // recorded as the task endpoint
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Dir        string `toml:"dir"`
	AgeKeyFile string `toml:"age_key_file"` // seals stored secrets when set
}

// SynthConfig selects the app synthesizer: template, openai or ollama.
type SynthConfig struct {
	Driver  string `toml:"driver"`
	Model   string `toml:"model"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Timeout string `toml:"timeout"`
}

// CaptchaConfig selects the captcha solver: static or model.
type CaptchaConfig struct {
	Driver     string `toml:"driver"`
	StaticText string `toml:"static_text"`
}

// PublisherConfig selects the repository publisher: local or github.
type PublisherConfig struct {
	Driver          string `toml:"driver"`
	Token           string `toml:"token"`
	Owner           string `toml:"owner"`
	Branch          string `toml:"branch"`
	PagesRetries    int    `toml:"pages_retries"`
	PagesRetryDelay string `toml:"pages_retry_delay"`
	LocalDir        string `toml:"local_dir"`
}

// NotifierConfig bounds evaluation callback delivery.
type NotifierConfig struct {
	Timeout     string `toml:"timeout"`
	MaxAttempts int    `toml:"max_attempts"`
	BaseDelay   string `toml:"base_delay"`
	MaxDelay    string `toml:"max_delay"`
}

// RoundsConfig controls the round drivers.
type RoundsConfig struct {
	Roster               string `toml:"roster"`
	Templates            string `toml:"templates"`
	DefaultEndpoint      string `toml:"default_endpoint"`
	DefaultEvaluationURL string `toml:"default_evaluation_url"`
	DispatchTimeout      string `toml:"dispatch_timeout"`
}

// EvaluatorConfig controls the evaluator checklist.
type EvaluatorConfig struct {
	WorkDir        string `toml:"work_dir"`
	Browser        string `toml:"browser"` // chrome or static
	ChromePath     string `toml:"chrome_path"`
	PageTimeout    string `toml:"page_timeout"`
	Selector       string `toml:"selector"`
	ExpectText     string `toml:"expect_text"` // used when a dispatch names no text
	ReadmeMinChars int    `toml:"readme_min_chars"`
	Schedule       string `toml:"schedule"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	File   string `toml:"file"`
	Format string `toml:"format"` // text or json
}

// TelemetryConfig controls metrics exposure.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns a configuration that runs fully offline.
func DefaultConfig() Config {
	homeDir := appHome()
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8000,
			RequestTimeout: "10m",
		},
		Store: StoreConfig{
			Dir: homeDir,
		},
		Synth: SynthConfig{
			Driver:  "template",
			Model:   "gpt-4o-mini",
			Timeout: "2m",
		},
		Captcha: CaptchaConfig{
			Driver:     "static",
			StaticText: "Solved Captcha Text",
		},
		Publisher: PublisherConfig{
			Driver:          "local",
			Branch:          "main",
			PagesRetries:    3,
			PagesRetryDelay: "2s",
			LocalDir:        filepath.Join(homeDir, "repos"),
		},
		Notifier: NotifierConfig{
			Timeout:     "10s",
			MaxAttempts: 5,
			BaseDelay:   "1s",
			MaxDelay:    "30s",
		},
		Rounds: RoundsConfig{
			Roster:          "submissions.csv",
			DefaultEndpoint: "http://127.0.0.1:8000/api-endpoint",
			DispatchTimeout: "30s",
		},
		Evaluator: EvaluatorConfig{
			WorkDir:        filepath.Join(homeDir, "work"),
			Browser:        "chrome",
			PageTimeout:    "15s",
			Selector:       "body",
			ExpectText:     synth.DefaultCaptchaText,
			ReadmeMinChars: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads .env from the working directory, then
// $APPGRADER_HOME/config.toml over the defaults, then secret overrides from
// the environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return LoadConfigFile(ConfigPath(), os.Getenv)
}

// LoadConfigFile decodes path over the defaults. A missing file yields the
// defaults. getenv supplies the secret overrides.
func LoadConfigFile(path string, getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}
	applyEnv(&cfg, getenv)
	return cfg, cfg.Validate()
}

// applyEnv overrides secrets only; everything else comes from the file.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("API_SECRET"); v != "" {
		cfg.API.Secret = v
	}
	if v := getenv("GITHUB_TOKEN"); v != "" {
		cfg.Publisher.Token = v
	}
	if v := getenv("OPENAI_API_KEY"); v != "" {
		cfg.Synth.APIKey = v
	}
}

// Validate rejects unknown drivers and malformed durations.
func (c Config) Validate() error {
	var errs []error
	oneOf := func(field, v string, allowed ...string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: unknown value %q (want one of %v)", field, v, allowed))
	}
	oneOf("synth.driver", c.Synth.Driver, "template", "openai", "ollama")
	oneOf("captcha.driver", c.Captcha.Driver, "static", "model")
	oneOf("publisher.driver", c.Publisher.Driver, "local", "github")
	oneOf("evaluator.browser", c.Evaluator.Browser, "chrome", "static")
	oneOf("logging.format", c.Logging.Format, "text", "json")

	for field, v := range map[string]string{
		"api.request_timeout":         c.API.RequestTimeout,
		"synth.timeout":               c.Synth.Timeout,
		"publisher.pages_retry_delay": c.Publisher.PagesRetryDelay,
		"notifier.timeout":            c.Notifier.Timeout,
		"notifier.base_delay":         c.Notifier.BaseDelay,
		"notifier.max_delay":          c.Notifier.MaxDelay,
		"rounds.dispatch_timeout":     c.Rounds.DispatchTimeout,
		"evaluator.page_timeout":      c.Evaluator.PageTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	return errors.Join(errs...)
}

// SaveConfig writes the config to $APPGRADER_HOME/config.toml. Secrets are
// left out; they belong in the environment.
func SaveConfig(cfg Config) (string, error) {
	cfg.API.Secret = ""
	cfg.Publisher.Token = ""
	cfg.Synth.APIKey = ""

	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return path, toml.NewEncoder(f).Encode(cfg)
}

// ConfigPath is the config file location.
func ConfigPath() string {
	return filepath.Join(appHome(), "config.toml")
}

// appHome returns the appgrader data directory.
func appHome() string {
	if env := os.Getenv("APPGRADER_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".appgrader")
}

// AppHome is exported for use by other packages.
func AppHome() string {
	return appHome()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
