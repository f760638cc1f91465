package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/saveenergy/tunnelbench/internal/execx"
	"github.com/saveenergy/tunnelbench/internal/logging"
)

const EnvConfigPath = "TUNNELBENCH_CONFIG"

// ErrorPolicy decides what the run does after a config fails.
type ErrorPolicy string

const (
	PolicyAbort    ErrorPolicy = "abort"
	PolicyContinue ErrorPolicy = "continue"
)

type Config struct {
	ConfigsDir    string      `yaml:"configs_dir"`
	ConfigPattern string      `yaml:"config_pattern"`
	ResultsFile   string      `yaml:"results_file"`
	LogFile       string      `yaml:"log_file"`
	LogLevel      string      `yaml:"log_level"`
	HistoryDB     string      `yaml:"history_db"`
	MaxHistory    int         `yaml:"max_history"`
	ProgressAddr  string      `yaml:"progress_addr"`
	OnError       ErrorPolicy `yaml:"on_error"`

	// CommandTimeout bounds every external command when positive.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Speedtest SpeedtestConfig `yaml:"speedtest"`
	Geo       GeoConfig       `yaml:"geo"`
}

type TunnelConfig struct {
	UpCommand     string `yaml:"up_command"`
	DownCommand   string `yaml:"down_command"`
	StatusCommand string `yaml:"status_command"`

	// SettleDelay is only used when StatusCommand is empty.
	SettleDelay   time.Duration `yaml:"settle_delay"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
	ReadyAttempts int           `yaml:"ready_attempts"`
	DownTimeout   time.Duration `yaml:"down_timeout"`
}

type SpeedtestConfig struct {
	ListCommand    string `yaml:"list_command"`
	MeasureCommand string `yaml:"measure_command"`
	MaxServers     int    `yaml:"max_servers"`
}

type GeoConfig struct {
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

func DefaultConfig() *Config {
	cfg := &Config{
		ConfigsDir:    "./mullvad_configs",
		ConfigPattern: "",
		ResultsFile:   "./benchmark_results.json",
		LogFile:       "./benchmark.log",
		LogLevel:      "info",
		HistoryDB:     "",
		MaxHistory:    500,
		ProgressAddr:  "",
		OnError:       PolicyAbort,
		Tunnel: TunnelConfig{
			SettleDelay:   5 * time.Second,
			PollInterval:  time.Second,
			ReadyTimeout:  30 * time.Second,
			ReadyAttempts: 30,
			DownTimeout:   30 * time.Second,
		},
		Speedtest: SpeedtestConfig{
			ListCommand:    "speedtest-cli --list",
			MeasureCommand: "speedtest-cli --no-upload --json --server {server_id}",
		},
		Geo: GeoConfig{
			URL:       "https://ipapi.co/json",
			Timeout:   10 * time.Second,
			UserAgent: "tunnelbench",
		},
	}
	if runtime.GOOS == "windows" {
		cfg.Tunnel.UpCommand = "wireguard.exe /installtunnelservice {config}"
		cfg.Tunnel.DownCommand = "wireguard.exe /uninstalltunnelservice {name}"
		cfg.Speedtest.ListCommand = "speedtest-cli.exe --list"
		cfg.Speedtest.MeasureCommand = "speedtest-cli.exe --no-upload --json --server {server_id}"
	} else {
		cfg.Tunnel.UpCommand = "wg-quick up {config}"
		cfg.Tunnel.DownCommand = "wg-quick down {config}"
		cfg.Tunnel.StatusCommand = "wg show {name}"
	}
	return cfg
}

// Load overlays the YAML file at path onto the defaults. Unknown keys are
// rejected.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads the file named by TUNNELBENCH_CONFIG, or returns the
// defaults when the variable is unset.
func LoadDefault() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return Load(path)
	}
	return DefaultConfig(), nil
}

// Resolve loads the file at path (or the one named by TUNNELBENCH_CONFIG
// when path is empty) and applies environment overrides. Callers apply
// flags on top and then call Validate.
func Resolve(path string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	if path != "" {
		cfg, err = Load(path)
	} else {
		cfg, err = LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) LoadFromEnv() error {
	if dir := os.Getenv("TUNNELBENCH_CONFIGS_DIR"); dir != "" {
		c.ConfigsDir = dir
	}
	if pattern := os.Getenv("TUNNELBENCH_CONFIG_PATTERN"); pattern != "" {
		c.ConfigPattern = pattern
	}
	if file := os.Getenv("TUNNELBENCH_RESULTS_FILE"); file != "" {
		c.ResultsFile = file
	}
	if file := os.Getenv("TUNNELBENCH_LOG_FILE"); file != "" {
		c.LogFile = file
	}
	if level := os.Getenv("TUNNELBENCH_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if db := os.Getenv("TUNNELBENCH_HISTORY_DB"); db != "" {
		c.HistoryDB = db
	}
	if addr := os.Getenv("TUNNELBENCH_PROGRESS_ADDR"); addr != "" {
		c.ProgressAddr = addr
	}
	if policy := os.Getenv("TUNNELBENCH_ON_ERROR"); policy != "" {
		c.OnError = ErrorPolicy(policy)
	}
	if geoURL := os.Getenv("TUNNELBENCH_GEO_URL"); geoURL != "" {
		c.Geo.URL = geoURL
	}

	if max := os.Getenv("TUNNELBENCH_MAX_SERVERS"); max != "" {
		m, err := strconv.Atoi(max)
		if err != nil || m < 0 {
			return fmt.Errorf("invalid TUNNELBENCH_MAX_SERVERS %q: must be a non-negative integer", max)
		}
		c.Speedtest.MaxServers = m
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"TUNNELBENCH_COMMAND_TIMEOUT", &c.CommandTimeout},
		{"TUNNELBENCH_SETTLE_DELAY", &c.Tunnel.SettleDelay},
		{"TUNNELBENCH_READY_TIMEOUT", &c.Tunnel.ReadyTimeout},
		{"TUNNELBENCH_GEO_TIMEOUT", &c.Geo.Timeout},
	}
	for _, d := range durations {
		val := os.Getenv(d.env)
		if val == "" {
			continue
		}
		parsed, err := time.ParseDuration(val)
		if err != nil || parsed < 0 {
			return fmt.Errorf("invalid %s %q: must be a non-negative duration (e.g. 5s)", d.env, val)
		}
		*d.dst = parsed
	}

	return nil
}

func (c *Config) Validate() error {
	if c.ConfigsDir == "" {
		return fmt.Errorf("configs directory cannot be empty")
	}
	if c.ConfigPattern != "" {
		if _, err := filepath.Match(c.ConfigPattern, ""); err != nil {
			return fmt.Errorf("invalid config pattern %q: %w", c.ConfigPattern, err)
		}
	}
	if c.ResultsFile == "" {
		return fmt.Errorf("results file cannot be empty")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.OnError != PolicyAbort && c.OnError != PolicyContinue {
		return fmt.Errorf("invalid on_error %q: must be abort or continue", c.OnError)
	}
	if c.MaxHistory < 0 {
		return fmt.Errorf("max history must be >= 0")
	}
	if c.CommandTimeout < 0 {
		return fmt.Errorf("command timeout must be >= 0")
	}

	commands := []struct {
		name     string
		template string
		required bool
	}{
		{"tunnel.up_command", c.Tunnel.UpCommand, true},
		{"tunnel.down_command", c.Tunnel.DownCommand, true},
		{"tunnel.status_command", c.Tunnel.StatusCommand, false},
		{"speedtest.list_command", c.Speedtest.ListCommand, true},
		{"speedtest.measure_command", c.Speedtest.MeasureCommand, true},
	}
	for _, cmd := range commands {
		if cmd.template == "" {
			if cmd.required {
				return fmt.Errorf("%s cannot be empty", cmd.name)
			}
			continue
		}
		if _, err := execx.Parse(cmd.template, nil); err != nil {
			return fmt.Errorf("invalid %s: %w", cmd.name, err)
		}
	}

	if c.Tunnel.SettleDelay < 0 {
		return fmt.Errorf("tunnel settle delay must be >= 0")
	}
	if c.Tunnel.StatusCommand != "" {
		if c.Tunnel.PollInterval <= 0 {
			return fmt.Errorf("tunnel poll interval must be > 0 when a status command is set")
		}
		if c.Tunnel.ReadyTimeout <= 0 && c.Tunnel.ReadyAttempts <= 0 {
			return fmt.Errorf("tunnel readiness needs a ready_timeout or ready_attempts bound")
		}
	}
	if c.Tunnel.ReadyAttempts < 0 {
		return fmt.Errorf("tunnel ready attempts must be >= 0")
	}
	if c.Tunnel.DownTimeout <= 0 {
		return fmt.Errorf("tunnel down timeout must be > 0")
	}
	if c.Speedtest.MaxServers < 0 {
		return fmt.Errorf("max servers must be >= 0")
	}

	u, err := url.Parse(c.Geo.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid geolocation URL %q: must be an http(s) URL", c.Geo.URL)
	}
	if c.Geo.Timeout <= 0 {
		return fmt.Errorf("geolocation timeout must be > 0")
	}
	return nil
}

// Level returns the parsed log level; Validate has already rejected
// unknown names.
func (c *Config) Level() logging.Level {
	level, _ := logging.ParseLevel(c.LogLevel)
	return level
}
