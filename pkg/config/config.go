package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full runtime configuration of the aggregator. Values are
// resolved in three layers: built-in defaults, an optional YAML overlay
// (AGGREGATOR_CONFIG), then environment variables, strongest last.
type Config struct {
	Risk       RiskConfig       `yaml:"risk"`
	Queue      QueueConfig      `yaml:"queue"`
	SLTP       SLTPConfig       `yaml:"sltp"`
	Bus        BusConfig        `yaml:"bus"`
	Downstream DownstreamConfig `yaml:"downstream"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Auth       AuthConfig       `yaml:"auth"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Log        LogConfig        `yaml:"log"`

	// DefaultAccountID is stamped on inbound orders that omit an account.
	DefaultAccountID string `yaml:"defaultAccountId"`

	// Warnings collects non-fatal config inconsistencies for startup logging.
	Warnings []string `yaml:"-"`
}

// RiskConfig bounds what the risk engine will accept.
type RiskConfig struct {
	MaxOrderSize       int64    `yaml:"maxOrderSize"`
	MaxPositionSize    int64    `yaml:"maxPositionSize"`
	MaxPositionValue   float64  `yaml:"maxPositionValue"`
	MaxOpenPositions   int      `yaml:"maxOpenPositions"`
	MaxDailyLoss       float64  `yaml:"maxDailyLoss"`
	MaxDailyProfit     float64  `yaml:"maxDailyProfit"`
	MaxAccountDrawdown float64  `yaml:"maxAccountDrawdown"`
	MaxOrdersPerMinute int      `yaml:"maxOrdersPerMinute"`
	MaxOrdersPerSymbol int      `yaml:"maxOrdersPerSymbol"`
	PauseOnDailyLoss   bool     `yaml:"pauseOnDailyLoss"`
	TradingHours       Hours    `yaml:"tradingHours"`
	ShadowMode         bool     `yaml:"shadowMode"`
	Whitelist          []string `yaml:"whitelist"`
	// SessionBoundary is a cron expression; daily counters reset when it fires.
	SessionBoundary string `yaml:"sessionBoundary"`
}

// Hours is a local-time trading window. Disabled means 24/7.
type Hours struct {
	Start   string `yaml:"start"` // HH:MM
	End     string `yaml:"end"`   // HH:MM
	Enabled bool   `yaml:"enabled"`
}

// QueueConfig bounds the priority queue and its dispatcher.
type QueueConfig struct {
	MaxQueueSize        int           `yaml:"maxQueueSize"`
	ProcessingInterval  time.Duration `yaml:"processingInterval"`
	MaxConcurrentOrders int           `yaml:"maxConcurrentOrders"`
	MaxOrdersPerSecond  int           `yaml:"maxOrdersPerSecond"`
	MaxOrdersPerSymbol  int           `yaml:"maxOrdersPerSymbol"`
	MaxDispatchAttempts int           `yaml:"maxDispatchAttempts"`
	RetryBackoff        time.Duration `yaml:"retryBackoff"`
}

// SLTPConfig drives bracket stop-loss/take-profit derivation from fills.
// Offset ticks apply in FIXED_TICKS mode, offset percents (of the fill
// price) in PERCENT mode.
type SLTPConfig struct {
	CalculateSLTP           bool               `yaml:"calculateSLTP"`
	StopMode                string             `yaml:"stopMode"`
	TakeProfitMode          string             `yaml:"takeProfitMode"`
	StopOffsetTicks         int                `yaml:"stopOffsetTicks"`
	TakeProfitOffsetTicks   int                `yaml:"takeProfitOffsetTicks"`
	StopOffsetPercent       float64            `yaml:"stopOffsetPercent"`
	TakeProfitOffsetPercent float64            `yaml:"takeProfitOffsetPercent"`
	RiskRewardRatio         float64            `yaml:"riskRewardRatio"`
	EnableTrailingStop      bool               `yaml:"enableTrailingStop"`
	TickOverrides           map[string]float64 `yaml:"tickOverrides"`
}

// BusConfig addresses the shared Redis pub/sub transport.
type BusConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	PublishBuffer     int           `yaml:"publishBuffer"`
	ReconnectBackoff  time.Duration `yaml:"reconnectBackoff"`
	ReconnectMax      time.Duration `yaml:"reconnectMax"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	RequestAttempts   int           `yaml:"requestAttempts"`
	SubscribeBuffer   int           `yaml:"subscribeBuffer"`
	HealthInterval    time.Duration `yaml:"healthInterval"`
	FatalOutageWindow time.Duration `yaml:"fatalOutageWindow"`
}

// Addr returns host:port for the Redis client.
func (b BusConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// DownstreamConfig times and retries for the Connection Manager calls.
type DownstreamConfig struct {
	SubmitTimeout    time.Duration `yaml:"submitTimeout"`
	CancelTimeout    time.Duration `yaml:"cancelTimeout"`
	QueryTimeout     time.Duration `yaml:"queryTimeout"`
	MaxAttempts      int           `yaml:"maxAttempts"`
	BreakerThreshold uint32        `yaml:"breakerThreshold"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown"`
}

// MonitoringConfig configures the HTTP/WS surface and metrics history.
type MonitoringConfig struct {
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port"`
	WSHeartbeat    time.Duration `yaml:"wsHeartbeat"`
	HistorySize    int           `yaml:"historySize"`
	SampleInterval time.Duration `yaml:"sampleInterval"`
	LatencyWindow  int           `yaml:"latencyWindow"`
}

// AuthConfig protects the control endpoints.
type AuthConfig struct {
	JWTSecret            string        `yaml:"jwtSecret"`
	OperatorPasswordHash string        `yaml:"operatorPasswordHash"`
	TokenTTL             time.Duration `yaml:"tokenTTL"`
}

// CatalogConfig locates the contract-spec store.
type CatalogConfig struct {
	DBPath       string `yaml:"dbPath"`
	SeedDefaults bool   `yaml:"seedDefaults"`
}

// LogConfig shapes the zerolog root logger.
type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// Load resolves the configuration: defaults, optional YAML overlay,
// then environment variables.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("AGGREGATOR_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	// Legacy flag pair: surface a mismatch instead of silently preferring one.
	if v := os.Getenv("PLACE_BRACKET_ORDERS"); v != "" {
		legacy := v == "true"
		if legacy != cfg.SLTP.CalculateSLTP {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf(
				"PLACE_BRACKET_ORDERS=%v conflicts with SLTP_CALCULATE=%v; SLTP_CALCULATE wins",
				legacy, cfg.SLTP.CalculateSLTP))
		}
	}
	if cfg.SLTP.StopMode == "RISK_REWARD" && cfg.SLTP.TakeProfitMode == "RISK_REWARD" {
		cfg.Warnings = append(cfg.Warnings,
			"both stopMode and takeProfitMode are RISK_REWARD; brackets cannot be derived and will be skipped")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Risk: RiskConfig{
			MaxOrderSize:       10,
			MaxPositionSize:    20,
			MaxPositionValue:   250000,
			MaxOpenPositions:   5,
			MaxDailyLoss:       1000,
			MaxDailyProfit:     2500,
			MaxAccountDrawdown: 1500,
			MaxOrdersPerMinute: 30,
			MaxOrdersPerSymbol: 10,
			PauseOnDailyLoss:   true,
			TradingHours:       Hours{Start: "09:30", End: "16:00", Enabled: false},
			SessionBoundary:    "0 0 * * *",
		},
		Queue: QueueConfig{
			MaxQueueSize:        200,
			ProcessingInterval:  100 * time.Millisecond,
			MaxConcurrentOrders: 4,
			MaxOrdersPerSecond:  10,
			MaxOrdersPerSymbol:  20,
			MaxDispatchAttempts: 3,
			RetryBackoff:        500 * time.Millisecond,
		},
		SLTP: SLTPConfig{
			CalculateSLTP:           false,
			StopMode:                "FIXED_TICKS",
			TakeProfitMode:          "FIXED_TICKS",
			StopOffsetTicks:         10,
			TakeProfitOffsetTicks:   20,
			StopOffsetPercent:       0.5,
			TakeProfitOffsetPercent: 1.0,
			RiskRewardRatio:         2.0,
			TickOverrides:           map[string]float64{},
		},
		Bus: BusConfig{
			Host:              "localhost",
			Port:              6379,
			PublishBuffer:     1000,
			ReconnectBackoff:  time.Second,
			ReconnectMax:      30 * time.Second,
			RequestTimeout:    5 * time.Second,
			RequestAttempts:   3,
			SubscribeBuffer:   256,
			HealthInterval:    2 * time.Second,
			FatalOutageWindow: 2 * time.Minute,
		},
		Downstream: DownstreamConfig{
			SubmitTimeout:    8 * time.Second,
			CancelTimeout:    8 * time.Second,
			QueryTimeout:     15 * time.Second,
			MaxAttempts:      3,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Host:           "",
			Port:           "8090",
			WSHeartbeat:    30 * time.Second,
			HistorySize:    300,
			SampleInterval: time.Second,
			LatencyWindow:  1000,
		},
		Auth: AuthConfig{
			JWTSecret: "dev-secret",
			TokenTTL:  24 * time.Hour,
		},
		Catalog: CatalogConfig{
			DBPath:       "./data/aggregator.db",
			SeedDefaults: true,
		},
		Log:              LogConfig{Level: "info", Console: true},
		DefaultAccountID: "primary",
	}
}

func applyEnv(cfg *Config) {
	r := &cfg.Risk
	r.MaxOrderSize = getEnvInt64("RISK_MAX_ORDER_SIZE", r.MaxOrderSize)
	r.MaxPositionSize = getEnvInt64("RISK_MAX_POSITION_SIZE", r.MaxPositionSize)
	r.MaxPositionValue = getEnvFloat("RISK_MAX_POSITION_VALUE", r.MaxPositionValue)
	r.MaxOpenPositions = getEnvInt("RISK_MAX_OPEN_POSITIONS", r.MaxOpenPositions)
	r.MaxDailyLoss = getEnvFloat("RISK_MAX_DAILY_LOSS", r.MaxDailyLoss)
	r.MaxDailyProfit = getEnvFloat("RISK_MAX_DAILY_PROFIT", r.MaxDailyProfit)
	r.MaxAccountDrawdown = getEnvFloat("RISK_MAX_ACCOUNT_DRAWDOWN", r.MaxAccountDrawdown)
	r.MaxOrdersPerMinute = getEnvInt("RISK_MAX_ORDERS_PER_MINUTE", r.MaxOrdersPerMinute)
	r.MaxOrdersPerSymbol = getEnvInt("RISK_MAX_ORDERS_PER_SYMBOL", r.MaxOrdersPerSymbol)
	r.PauseOnDailyLoss = getEnvBool("RISK_PAUSE_ON_DAILY_LOSS", r.PauseOnDailyLoss)
	r.TradingHours.Start = getEnv("RISK_TRADING_HOURS_START", r.TradingHours.Start)
	r.TradingHours.End = getEnv("RISK_TRADING_HOURS_END", r.TradingHours.End)
	r.TradingHours.Enabled = getEnvBool("RISK_TRADING_HOURS_ENABLED", r.TradingHours.Enabled)
	r.ShadowMode = getEnvBool("RISK_SHADOW_MODE", r.ShadowMode)
	if v := os.Getenv("RISK_INSTRUMENT_WHITELIST"); v != "" {
		r.Whitelist = splitAndTrim(v)
	}
	r.SessionBoundary = getEnv("RISK_SESSION_BOUNDARY", r.SessionBoundary)

	q := &cfg.Queue
	q.MaxQueueSize = getEnvInt("QUEUE_MAX_SIZE", q.MaxQueueSize)
	q.ProcessingInterval = getEnvDuration("QUEUE_PROCESSING_INTERVAL", q.ProcessingInterval)
	q.MaxConcurrentOrders = getEnvInt("QUEUE_MAX_CONCURRENT_ORDERS", q.MaxConcurrentOrders)
	q.MaxOrdersPerSecond = getEnvInt("QUEUE_MAX_ORDERS_PER_SECOND", q.MaxOrdersPerSecond)
	q.MaxOrdersPerSymbol = getEnvInt("QUEUE_MAX_ORDERS_PER_SYMBOL", q.MaxOrdersPerSymbol)
	q.MaxDispatchAttempts = getEnvInt("QUEUE_MAX_DISPATCH_ATTEMPTS", q.MaxDispatchAttempts)
	q.RetryBackoff = getEnvDuration("QUEUE_RETRY_BACKOFF", q.RetryBackoff)

	s := &cfg.SLTP
	s.CalculateSLTP = getEnvBool("SLTP_CALCULATE", s.CalculateSLTP)
	s.StopMode = getEnv("SLTP_STOP_MODE", s.StopMode)
	s.TakeProfitMode = getEnv("SLTP_TAKE_PROFIT_MODE", s.TakeProfitMode)
	s.StopOffsetTicks = getEnvInt("SLTP_STOP_OFFSET_TICKS", s.StopOffsetTicks)
	s.TakeProfitOffsetTicks = getEnvInt("SLTP_TAKE_PROFIT_OFFSET_TICKS", s.TakeProfitOffsetTicks)
	s.StopOffsetPercent = getEnvFloat("SLTP_STOP_OFFSET_PERCENT", s.StopOffsetPercent)
	s.TakeProfitOffsetPercent = getEnvFloat("SLTP_TAKE_PROFIT_OFFSET_PERCENT", s.TakeProfitOffsetPercent)
	s.RiskRewardRatio = getEnvFloat("SLTP_RISK_REWARD_RATIO", s.RiskRewardRatio)
	s.EnableTrailingStop = getEnvBool("SLTP_ENABLE_TRAILING_STOP", s.EnableTrailingStop)
	if v := os.Getenv("SLTP_TICK_OVERRIDES"); v != "" {
		s.TickOverrides = parseTickOverrides(v)
	}

	b := &cfg.Bus
	b.Host = getEnv("BUS_HOST", b.Host)
	b.Port = getEnvInt("BUS_PORT", b.Port)
	b.Password = getEnv("BUS_PASSWORD", b.Password)
	b.DB = getEnvInt("BUS_DB", b.DB)
	b.PublishBuffer = getEnvInt("BUS_PUBLISH_BUFFER", b.PublishBuffer)
	b.ReconnectBackoff = getEnvDuration("BUS_RECONNECT_BACKOFF", b.ReconnectBackoff)
	b.ReconnectMax = getEnvDuration("BUS_RECONNECT_MAX", b.ReconnectMax)
	b.RequestTimeout = getEnvDuration("BUS_REQUEST_TIMEOUT", b.RequestTimeout)
	b.RequestAttempts = getEnvInt("BUS_REQUEST_ATTEMPTS", b.RequestAttempts)
	b.SubscribeBuffer = getEnvInt("BUS_SUBSCRIBE_BUFFER", b.SubscribeBuffer)
	b.HealthInterval = getEnvDuration("BUS_HEALTH_INTERVAL", b.HealthInterval)
	b.FatalOutageWindow = getEnvDuration("BUS_FATAL_OUTAGE_WINDOW", b.FatalOutageWindow)

	d := &cfg.Downstream
	d.SubmitTimeout = getEnvDuration("DOWNSTREAM_SUBMIT_TIMEOUT", d.SubmitTimeout)
	d.CancelTimeout = getEnvDuration("DOWNSTREAM_CANCEL_TIMEOUT", d.CancelTimeout)
	d.QueryTimeout = getEnvDuration("DOWNSTREAM_QUERY_TIMEOUT", d.QueryTimeout)
	d.MaxAttempts = getEnvInt("DOWNSTREAM_MAX_ATTEMPTS", d.MaxAttempts)
	d.BreakerThreshold = uint32(getEnvInt("DOWNSTREAM_BREAKER_THRESHOLD", int(d.BreakerThreshold)))
	d.BreakerCooldown = getEnvDuration("DOWNSTREAM_BREAKER_COOLDOWN", d.BreakerCooldown)

	m := &cfg.Monitoring
	m.Host = getEnv("MONITORING_HOST", m.Host)
	m.Port = getEnv("MONITORING_PORT", m.Port)
	m.WSHeartbeat = getEnvDuration("MONITORING_WS_HEARTBEAT", m.WSHeartbeat)
	m.HistorySize = getEnvInt("MONITORING_HISTORY_SIZE", m.HistorySize)
	m.SampleInterval = getEnvDuration("MONITORING_SAMPLE_INTERVAL", m.SampleInterval)
	m.LatencyWindow = getEnvInt("MONITORING_LATENCY_WINDOW", m.LatencyWindow)

	a := &cfg.Auth
	a.JWTSecret = getEnv("JWT_SECRET", a.JWTSecret)
	a.OperatorPasswordHash = getEnv("OPERATOR_PASSWORD_HASH", a.OperatorPasswordHash)
	a.TokenTTL = getEnvDuration("AUTH_TOKEN_TTL", a.TokenTTL)

	c := &cfg.Catalog
	c.DBPath = getEnv("CATALOG_DB_PATH", c.DBPath)
	c.SeedDefaults = getEnvBool("CATALOG_SEED_DEFAULTS", c.SeedDefaults)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Console = getEnvBool("LOG_CONSOLE", cfg.Log.Console)
	cfg.DefaultAccountID = getEnv("DEFAULT_ACCOUNT_ID", cfg.DefaultAccountID)
}

// Validate rejects configurations the aggregator cannot safely run with.
func (c *Config) Validate() error {
	if c.Risk.MaxOrderSize <= 0 {
		return fmt.Errorf("risk.maxOrderSize must be positive, got %d", c.Risk.MaxOrderSize)
	}
	if c.Risk.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.maxPositionSize must be positive, got %d", c.Risk.MaxPositionSize)
	}
	if c.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("queue.maxQueueSize must be positive, got %d", c.Queue.MaxQueueSize)
	}
	if c.Queue.MaxConcurrentOrders < 0 {
		return fmt.Errorf("queue.maxConcurrentOrders must be >= 0, got %d", c.Queue.MaxConcurrentOrders)
	}
	if c.Queue.ProcessingInterval <= 0 {
		return fmt.Errorf("queue.processingInterval must be positive, got %s", c.Queue.ProcessingInterval)
	}
	if c.Queue.MaxOrdersPerSecond <= 0 {
		return fmt.Errorf("queue.maxOrdersPerSecond must be positive, got %d", c.Queue.MaxOrdersPerSecond)
	}
	if c.Queue.MaxDispatchAttempts < 1 {
		return fmt.Errorf("queue.maxDispatchAttempts must be >= 1, got %d", c.Queue.MaxDispatchAttempts)
	}
	if !validMode(c.SLTP.StopMode) {
		return fmt.Errorf("sltp.stopMode %q is not one of FIXED_TICKS, PERCENT, RISK_REWARD", c.SLTP.StopMode)
	}
	if !validMode(c.SLTP.TakeProfitMode) {
		return fmt.Errorf("sltp.takeProfitMode %q is not one of FIXED_TICKS, PERCENT, RISK_REWARD", c.SLTP.TakeProfitMode)
	}
	if c.SLTP.RiskRewardRatio <= 0 {
		return fmt.Errorf("sltp.riskRewardRatio must be positive, got %f", c.SLTP.RiskRewardRatio)
	}
	if c.SLTP.StopMode == "PERCENT" && c.SLTP.StopOffsetPercent <= 0 {
		return fmt.Errorf("sltp.stopOffsetPercent must be positive in PERCENT mode, got %f", c.SLTP.StopOffsetPercent)
	}
	if c.SLTP.TakeProfitMode == "PERCENT" && c.SLTP.TakeProfitOffsetPercent <= 0 {
		return fmt.Errorf("sltp.takeProfitOffsetPercent must be positive in PERCENT mode, got %f", c.SLTP.TakeProfitOffsetPercent)
	}
	if c.Risk.TradingHours.Enabled {
		for _, v := range []string{c.Risk.TradingHours.Start, c.Risk.TradingHours.End} {
			if _, err := time.Parse("15:04", v); err != nil {
				return fmt.Errorf("risk.tradingHours: %q is not HH:MM", v)
			}
		}
	}
	if c.Bus.Host == "" {
		return fmt.Errorf("bus.host must be set")
	}
	if c.Bus.PublishBuffer < 0 {
		return fmt.Errorf("bus.publishBuffer must be >= 0, got %d", c.Bus.PublishBuffer)
	}
	if c.Bus.RequestAttempts < 1 {
		return fmt.Errorf("bus.requestAttempts must be >= 1, got %d", c.Bus.RequestAttempts)
	}
	if c.Monitoring.HistorySize <= 0 {
		return fmt.Errorf("monitoring.historySize must be positive, got %d", c.Monitoring.HistorySize)
	}
	if _, err := strconv.Atoi(c.Monitoring.Port); err != nil {
		return fmt.Errorf("monitoring.port %q is not a port number", c.Monitoring.Port)
	}
	return nil
}

func validMode(m string) bool {
	switch m {
	case "FIXED_TICKS", "PERCENT", "RISK_REWARD":
		return true
	}
	return false
}

// parseTickOverrides reads "MES:0.25,MNQ:0.25" into a symbol→tick map.
func parseTickOverrides(val string) map[string]float64 {
	out := make(map[string]float64)
	for _, part := range splitAndTrim(val) {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		if tick, err := strconv.ParseFloat(kv[1], 64); err == nil && tick > 0 {
			out[strings.TrimSpace(kv[0])] = tick
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true"
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
