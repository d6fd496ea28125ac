package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	APIURL      string // REST base, e.g. http://localhost:8000/api
	WSURL       string // market-data socket, derived from APIURL when empty
	AccessToken string
	Exchange    string // instrument prefix, default "NSE"

	RefreshDebounce time.Duration // default 300ms
	ReconnectMin    time.Duration // default 2s
	ReconnectMax    time.Duration // default 30s
	DegradeAfter    int           // consecutive failed connects before "degraded"
	TradeCap        int           // default 500
	OrderbookDepth  int           // default 12

	DBPath     string // default "data/papertrade.db"
	OutputDir  string // default "./data"
	StatusAddr string // empty disables the status server

	Symbols []string
}

// fileConfig is the optional YAML overlay pointed to by QUANTNEST_CONFIG.
type fileConfig struct {
	APIURL          string        `yaml:"api_url"`
	WSURL           string        `yaml:"ws_url"`
	AccessToken     string        `yaml:"access_token"`
	Exchange        string        `yaml:"exchange"`
	RefreshDebounce time.Duration `yaml:"refresh_debounce"`
	ReconnectMin    time.Duration `yaml:"reconnect_min"`
	ReconnectMax    time.Duration `yaml:"reconnect_max"`
	DegradeAfter    int           `yaml:"degrade_after"`
	TradeCap        int           `yaml:"trade_cap"`
	OrderbookDepth  int           `yaml:"orderbook_depth"`
	DBPath          string        `yaml:"db_path"`
	OutputDir       string        `yaml:"output_dir"`
	StatusAddr      string        `yaml:"status_addr"`
	Symbols         []string      `yaml:"symbols"`
}

// WSBaseURL returns the socket URL, deriving ws(s)://host/ws/marketdata/
// from the API URL when no explicit one is configured.
func (c *Config) WSBaseURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Host == "" {
		return "ws://localhost:8000/ws/marketdata/"
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws/marketdata/", scheme, u.Host)
}

// Load reads .env (if present), the environment and the optional YAML
// overlay. Environment values win over the YAML file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	if path := os.Getenv("QUANTNEST_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns a config with every optional field populated.
func Defaults() *Config {
	return &Config{
		APIURL:          "http://localhost:8000/api",
		Exchange:        "NSE",
		RefreshDebounce: 300 * time.Millisecond,
		ReconnectMin:    2 * time.Second,
		ReconnectMax:    30 * time.Second,
		DegradeAfter:    5,
		TradeCap:        500,
		OrderbookDepth:  12,
		DBPath:          "data/papertrade.db",
		OutputDir:       "./data",
	}
}

func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("QUANTNEST_API_URL is required")
	}
	if _, err := url.Parse(c.APIURL); err != nil {
		return fmt.Errorf("QUANTNEST_API_URL is invalid: %w", err)
	}
	if c.RefreshDebounce <= 0 {
		return fmt.Errorf("QUANTNEST_REFRESH_DEBOUNCE must be positive, got %s", c.RefreshDebounce)
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("reconnect window invalid: min=%s max=%s", c.ReconnectMin, c.ReconnectMax)
	}
	if c.TradeCap <= 0 {
		return fmt.Errorf("QUANTNEST_TRADE_CAP must be positive, got %d", c.TradeCap)
	}
	return nil
}

// RequireToken is checked by commands that talk to the backend.
func (c *Config) RequireToken() error {
	if c.AccessToken == "" {
		return fmt.Errorf("QUANTNEST_ACCESS_TOKEN is required")
	}
	return nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	setString(&c.APIURL, fc.APIURL)
	setString(&c.WSURL, fc.WSURL)
	setString(&c.AccessToken, fc.AccessToken)
	setString(&c.Exchange, fc.Exchange)
	setString(&c.DBPath, fc.DBPath)
	setString(&c.OutputDir, fc.OutputDir)
	setString(&c.StatusAddr, fc.StatusAddr)
	setDuration(&c.RefreshDebounce, fc.RefreshDebounce)
	setDuration(&c.ReconnectMin, fc.ReconnectMin)
	setDuration(&c.ReconnectMax, fc.ReconnectMax)
	setInt(&c.DegradeAfter, fc.DegradeAfter)
	setInt(&c.TradeCap, fc.TradeCap)
	setInt(&c.OrderbookDepth, fc.OrderbookDepth)
	if len(fc.Symbols) > 0 {
		c.Symbols = fc.Symbols
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.APIURL, os.Getenv("QUANTNEST_API_URL"))
	setString(&c.WSURL, os.Getenv("QUANTNEST_WS_URL"))
	setString(&c.AccessToken, os.Getenv("QUANTNEST_ACCESS_TOKEN"))
	setString(&c.Exchange, os.Getenv("QUANTNEST_EXCHANGE"))
	setString(&c.DBPath, os.Getenv("QUANTNEST_DB_PATH"))
	setString(&c.OutputDir, os.Getenv("QUANTNEST_OUTPUT_DIR"))
	setString(&c.StatusAddr, os.Getenv("QUANTNEST_STATUS_ADDR"))

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"QUANTNEST_REFRESH_DEBOUNCE", &c.RefreshDebounce},
		{"QUANTNEST_RECONNECT_MIN", &c.ReconnectMin},
		{"QUANTNEST_RECONNECT_MAX", &c.ReconnectMax},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"QUANTNEST_DEGRADE_AFTER", &c.DegradeAfter},
		{"QUANTNEST_TRADE_CAP", &c.TradeCap},
		{"QUANTNEST_ORDERBOOK_DEPTH", &c.OrderbookDepth},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.key, err)
		}
		*i.dst = n
	}

	if v := os.Getenv("QUANTNEST_SYMBOLS"); v != "" {
		c.Symbols = SplitSymbols(v)
	}
	return nil
}

// SplitSymbols parses a comma separated watchlist, upper-casing entries.
func SplitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
