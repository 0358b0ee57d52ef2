package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"rtxbridge/internal/util"
)

// Timeout categories. Each operation registers its pending call under one of
// these so slow queries do not share a budget with fast ones.
const (
	TimeoutDefault     = "DEFAULT"
	TimeoutAccount     = "ACCOUNT"
	TimeoutAddSymbol   = "ADDSYMBOL"
	TimeoutOrder       = "ORDER"
	TimeoutOrderStatus = "ORDERSTATUS"
	TimeoutPosition    = "POSITION"
	TimeoutTimer       = "TIMER"
	TimeoutBarchart    = "BARCHART"
)

// TimeoutCategories lists every category in a stable order.
var TimeoutCategories = []string{
	TimeoutDefault, TimeoutAccount, TimeoutAddSymbol, TimeoutOrder,
	TimeoutOrderStatus, TimeoutPosition, TimeoutTimer, TimeoutBarchart,
}

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the RTX bridge.
type Config struct {
	Gateway   Gateway   `yaml:"gateway"`
	Server    Server    `yaml:"server"`
	Auth      Auth      `yaml:"auth"`
	Features  Features  `yaml:"features"`
	Timeouts  Timeouts  `yaml:"timeouts"`
	AutoReset AutoReset `yaml:"auto_reset"`
	Orders    Orders    `yaml:"orders"`
	Logging   Logging   `yaml:"logging"`
}

// Gateway describes the upstream RTX gateway connection.
type Gateway struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Timezone string `yaml:"timezone"`
	// LocalZone is the zone downstream clients see; empty means the host zone.
	LocalZone string `yaml:"local_zone"`
	Route     string `yaml:"route"`
	// TimeOffset shifts the gateway clock, in seconds. Test deployments only.
	TimeOffset         int  `yaml:"time_offset"`
	DisconnectTimeout  int  `yaml:"disconnect_timeout"`
	DisconnectShutdown bool `yaml:"disconnect_shutdown"`
	ConnectAttempts    int  `yaml:"connect_attempts"`
}

// Addr returns host:port of the gateway.
func (g Gateway) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// Server holds front-end listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
	TCPPort  int    `yaml:"tcp_port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Auth holds the credentials front-end clients must present.
type Auth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Features toggles optional behaviour of the gateway session.
type Features struct {
	Ticker                 bool `yaml:"ticker"`
	HighLow                bool `yaml:"high_low"`
	Barchart               bool `yaml:"barchart"`
	SymbolBarchart         bool `yaml:"symbol_barchart"`
	SecondsTick            bool `yaml:"seconds_tick"`
	ExecutionAccountFormat bool `yaml:"execution_account_format"`
}

// Timeouts are per-category callback budgets in seconds.
type Timeouts struct {
	Default     int `yaml:"default"`
	Account     int `yaml:"account"`
	AddSymbol   int `yaml:"add_symbol"`
	Order       int `yaml:"order"`
	OrderStatus int `yaml:"order_status"`
	Position    int `yaml:"position"`
	Timer       int `yaml:"timer"`
	Barchart    int `yaml:"barchart"`
}

func (t *Timeouts) field(category string) *int {
	switch strings.ToUpper(category) {
	case TimeoutDefault:
		return &t.Default
	case TimeoutAccount:
		return &t.Account
	case TimeoutAddSymbol:
		return &t.AddSymbol
	case TimeoutOrder:
		return &t.Order
	case TimeoutOrderStatus:
		return &t.OrderStatus
	case TimeoutPosition:
		return &t.Position
	case TimeoutTimer:
		return &t.Timer
	case TimeoutBarchart:
		return &t.Barchart
	}
	return nil
}

// Get returns the budget for a category. Unknown categories fall back to
// the default budget.
func (t Timeouts) Get(category string) time.Duration {
	if p := t.field(category); p != nil && *p > 0 {
		return time.Duration(*p) * time.Second
	}
	return time.Duration(t.Default) * time.Second
}

// AutoReset schedules a daily self-restart at a local time of day.
type AutoReset struct {
	Enabled   bool   `yaml:"enabled"`
	LocalTime string `yaml:"local_time"`
}

// Orders configures order submission.
type Orders struct {
	// RateLimit is the maximum submissions per second; 0 disables it.
	RateLimit int `yaml:"rate_limit"`
}

// Logging configures the application logger and protocol chatter.
type Logging struct {
	Level            string `yaml:"level"`
	APIMessages      bool   `yaml:"api_messages"`
	CxnEvents        bool   `yaml:"cxn_events"`
	ClientMessages   bool   `yaml:"client_messages"`
	OrderUpdates     bool   `yaml:"order_updates"`
	OrderUpdateDups  bool   `yaml:"order_update_dups"`
	ExecutionUpdates bool   `yaml:"execution_updates"`
	CallbackMetrics  bool   `yaml:"callback_metrics"`
	HTTPRequests     bool   `yaml:"http_requests"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Gateway: Gateway{
			Host:               "127.0.0.1",
			Port:               51070,
			Timezone:           "America/New_York",
			Route:              "DEMO",
			DisconnectTimeout:  15,
			DisconnectShutdown: true,
			ConnectAttempts:    5,
		},
		Server: Server{
			Host:     "0.0.0.0",
			HTTPPort: 50080,
			TCPPort:  50090,
			GRPCPort: 50091,
		},
		Features: Features{
			Ticker:      true,
			SecondsTick: true,
		},
		Timeouts: Timeouts{
			Default:     15,
			Account:     30,
			AddSymbol:   15,
			Order:       300,
			OrderStatus: 3600,
			Position:    60,
			Timer:       10,
			Barchart:    10,
		},
		AutoReset: AutoReset{LocalTime: "05:00"},
		Logging:   Logging{Level: "info"},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load starts from Default, overlays the YAML file at path (skipped when
// path is empty), loads a .env file if present, applies TXTRADER_*
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	envFile := os.Getenv("TXTRADER_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the session cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Gateway.Host == "" {
		errs = append(errs, errors.New("gateway.host is required"))
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	if _, err := time.LoadLocation(c.Gateway.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("gateway.timezone: %w", err))
	}
	if c.Gateway.LocalZone != "" {
		if _, err := time.LoadLocation(c.Gateway.LocalZone); err != nil {
			errs = append(errs, fmt.Errorf("gateway.local_zone: %w", err))
		}
	}
	for _, cat := range TimeoutCategories {
		if p := c.Timeouts.field(cat); *p <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must be positive", strings.ToLower(cat)))
		}
	}
	if c.AutoReset.Enabled {
		if _, err := util.ParseClock(c.AutoReset.LocalTime); err != nil {
			errs = append(errs, fmt.Errorf("auto_reset.local_time: %w", err))
		}
	}
	if c.Orders.RateLimit < 0 {
		errs = append(errs, errors.New("orders.rate_limit must not be negative"))
	}
	return errors.Join(errs...)
}

// applyEnvOverrides applies TXTRADER_* environment variables over the
// loaded configuration.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv("TXTRADER_" + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := os.LookupEnv("TXTRADER_" + key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TXTRADER_%s: %w", key, err))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v, ok := os.LookupEnv("TXTRADER_" + key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TXTRADER_%s: %w", key, err))
			return
		}
		*dst = b
	}

	// -- Gateway --
	str("API_HOST", &cfg.Gateway.Host)
	num("API_PORT", &cfg.Gateway.Port)
	str("API_TIMEZONE", &cfg.Gateway.Timezone)
	str("LOCAL_TIMEZONE", &cfg.Gateway.LocalZone)
	str("API_ROUTE", &cfg.Gateway.Route)
	num("TIME_OFFSET", &cfg.Gateway.TimeOffset)
	num("GATEWAY_DISCONNECT_TIMEOUT", &cfg.Gateway.DisconnectTimeout)
	flag("GATEWAY_DISCONNECT_SHUTDOWN", &cfg.Gateway.DisconnectShutdown)

	// -- Server --
	str("HOST", &cfg.Server.Host)
	num("HTTP_PORT", &cfg.Server.HTTPPort)
	num("TCP_PORT", &cfg.Server.TCPPort)
	num("GRPC_PORT", &cfg.Server.GRPCPort)
	str("USERNAME", &cfg.Auth.Username)
	str("PASSWORD", &cfg.Auth.Password)

	// -- Features --
	flag("ENABLE_TICKER", &cfg.Features.Ticker)
	flag("ENABLE_HIGH_LOW", &cfg.Features.HighLow)
	flag("ENABLE_BARCHART", &cfg.Features.Barchart)
	flag("ENABLE_SYMBOL_BARCHART", &cfg.Features.SymbolBarchart)
	flag("ENABLE_SECONDS_TICK", &cfg.Features.SecondsTick)
	flag("ENABLE_EXECUTION_ACCOUNT_FORMAT", &cfg.Features.ExecutionAccountFormat)

	// -- Timeouts --
	for _, cat := range TimeoutCategories {
		num("TIMEOUT_"+cat, cfg.Timeouts.field(cat))
	}

	// -- Auto reset / orders --
	flag("ENABLE_AUTO_RESET", &cfg.AutoReset.Enabled)
	str("LOCAL_RESET_TIME", &cfg.AutoReset.LocalTime)
	num("ORDER_RATE_LIMIT", &cfg.Orders.RateLimit)

	// -- Logging --
	str("LOG_LEVEL", &cfg.Logging.Level)
	flag("LOG_API_MESSAGES", &cfg.Logging.APIMessages)
	flag("LOG_CXN_EVENTS", &cfg.Logging.CxnEvents)
	flag("LOG_CLIENT_MESSAGES", &cfg.Logging.ClientMessages)
	flag("LOG_ORDER_UPDATES", &cfg.Logging.OrderUpdates)
	flag("LOG_ORDER_UPDATE_DUPS", &cfg.Logging.OrderUpdateDups)
	flag("LOG_EXECUTION_UPDATES", &cfg.Logging.ExecutionUpdates)
	flag("LOG_CALLBACK_METRICS", &cfg.Logging.CallbackMetrics)
	flag("LOG_HTTP_REQUESTS", &cfg.Logging.HTTPRequests)

	return errors.Join(errs...)
}
