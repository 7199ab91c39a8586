package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	configDirENV      = "CONFIG_DIR"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	databaseDSN       = "DATABASE_DSN"
)

var ErrRangePolicyRequired = errors.New("range_policy.kind is required (percent|atr)")

// Config ...
type Config struct {
	Service struct {
		Name       string `yaml:"name"`
		LogLevel   string `yaml:"log_level"`
		HealthAddr string `yaml:"health_addr"`
	} `yaml:"service"`

	DB    string `yaml:"db_dsn"`
	Redis struct {
		Addr      string        `yaml:"addr"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		ClaimTTL  time.Duration `yaml:"claim_ttl"`
		KeyPrefix string        `yaml:"key_prefix"`
	} `yaml:"redis"`
	ClickHouse struct {
		DSN           string        `yaml:"dsn"`
		BatchSize     int           `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"clickhouse"`
	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
	Jaeger struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"jaeger"`

	OKX struct {
		APIKey     string  `yaml:"api_key"`
		APISecret  string  `yaml:"api_secret"`
		Passphrase string  `yaml:"passphrase"`
		BaseURL    string  `yaml:"base_url"`
		WSURL      string  `yaml:"ws_url"`
		Simulated  bool    `yaml:"simulated"`
		TdMode     string  `yaml:"td_mode"`
		RatePerSec float64 `yaml:"rate_per_sec"`
		Burst      int     `yaml:"burst"`
		// Paper — не ходить в OKX за ордерами, исполнять в памяти
		Paper        bool    `yaml:"paper"`
		PaperBalance float64 `yaml:"paper_balance"`
	} `yaml:"okx"`

	Symbols []string `yaml:"symbols"`

	// WatchTopN — если symbols пуст, взять N самых волатильных USDT-perp с OKX
	WatchTopN int `yaml:"watch_top_n"`

	TickSource struct {
		ReconnectBase        time.Duration `yaml:"reconnect_base"`
		ReconnectMax         time.Duration `yaml:"reconnect_max"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
		PingInterval         time.Duration `yaml:"ping_interval"`
	} `yaml:"tick_source"`

	Buffer struct {
		Capacity       int           `yaml:"capacity"`
		TTL            time.Duration `yaml:"ttl"`
		EvictInterval  time.Duration `yaml:"evict_interval"`
		DequeueTimeout time.Duration `yaml:"dequeue_timeout"`
	} `yaml:"buffer"`

	Aggregator struct {
		MaxGapFill int           `yaml:"max_gap_fill"`
		IdleGrace  time.Duration `yaml:"idle_grace"`
	} `yaml:"aggregator"`

	Bus struct {
		MailboxSize int           `yaml:"mailbox_size"`
		HistorySize int           `yaml:"history_size"`
		MaxRetries  int           `yaml:"max_retries"`
		RetryDelay  time.Duration `yaml:"retry_delay"`
	} `yaml:"bus"`

	Session struct {
		Start    string `yaml:"start"` // "13:30"
		End      string `yaml:"end"`   // "20:00"
		Location string `yaml:"location"`
	} `yaml:"session"`

	Tracker     TrackerConfig     `yaml:"tracker"`
	RangePolicy RangePolicyConfig `yaml:"range_policy"`

	Executor struct {
		MaxAttempts      int           `yaml:"max_attempts"`
		BaseBackoff      time.Duration `yaml:"base_backoff"`
		MaxBackoff       time.Duration `yaml:"max_backoff"`
		BreakerThreshold int           `yaml:"breaker_threshold"`
		CallTimeout      time.Duration `yaml:"call_timeout"`
	} `yaml:"executor"`

	Risk struct {
		RiskPct        float64 `yaml:"risk_pct"`
		MaxPositionPct float64 `yaml:"max_position_pct"`
		MinStopVolMult float64 `yaml:"min_stop_vol_mult"`
	} `yaml:"risk"`

	State struct {
		QueueSize   int           `yaml:"queue_size"`
		MaxAttempts int           `yaml:"max_attempts"`
		RetryDelay  time.Duration `yaml:"retry_delay"`
	} `yaml:"state"`
}

// TrackerConfig — параметры автомата и детекторов.
type TrackerConfig struct {
	HistorySize int `yaml:"history_size"`

	// LIQ#1 / LIQ#2
	VolumeLookback      int           `yaml:"volume_lookback"`
	VolumeMultiplier    float64       `yaml:"volume_multiplier"`
	RejectionWickFrac   float64       `yaml:"rejection_wick_frac"`
	MinBreakoutScore    float64       `yaml:"min_breakout_score"`
	FirstBreakoutWindow time.Duration `yaml:"first_breakout_window"` // 0 — до конца сессии

	// Консолидация
	MinConsolidation time.Duration `yaml:"min_consolidation"`
	MaxConsolidation time.Duration `yaml:"max_consolidation"`
	MinQuality       float64       `yaml:"min_quality"`
	TouchTolerance   float64       `yaml:"touch_tolerance"`
	MinTouches       int           `yaml:"min_touches"`

	// Опорная свеча
	WickLookback    int     `yaml:"wick_lookback"`
	WickPercentile  float64 `yaml:"wick_percentile"`
	WickMinSamples  int     `yaml:"wick_min_samples"`
	WickFallbackPct float64 `yaml:"wick_fallback_pct"`
	MinBodyPct      float64 `yaml:"min_body_pct"`
	MaxBodyPct      float64 `yaml:"max_body_pct"`

	SecondBreakoutTimeout time.Duration `yaml:"second_breakout_timeout"`
	EntryTimeout          time.Duration `yaml:"entry_timeout"`

	StopBufferPct float64 `yaml:"stop_buffer_pct"`
	FallbackRR    float64 `yaml:"fallback_rr"`
}

// RangePolicyConfig — какой формулой проверяем ширину консолидации. Дефолта нет.
type RangePolicyConfig struct {
	Kind       string  `yaml:"kind"` // percent | atr
	MinPct     float64 `yaml:"min_pct"`
	MaxPct     float64 `yaml:"max_pct"`
	ATRPeriod  int     `yaml:"atr_period"`
	MinATRMult float64 `yaml:"min_atr_mult"`
	MaxATRMult float64 `yaml:"max_atr_mult"`
}

// Defaults — значения до наложения yaml.
func Defaults() Config {
	var c Config
	c.Service.Name = "breakout_bot"
	c.Service.LogLevel = "info"
	c.Service.HealthAddr = ":8080"

	c.Redis.ClaimTTL = 72 * time.Hour
	c.Redis.KeyPrefix = "breakout:order:"
	c.ClickHouse.BatchSize = 500
	c.ClickHouse.FlushInterval = 5 * time.Second
	c.Jaeger.Port = 6831

	c.OKX.BaseURL = "https://www.okx.com"
	c.OKX.WSURL = "wss://ws.okx.com:8443/ws/v5/public"
	c.OKX.TdMode = "cross"
	c.OKX.RatePerSec = 10
	c.OKX.Burst = 5
	c.OKX.PaperBalance = 10000

	c.TickSource.ReconnectBase = time.Second
	c.TickSource.ReconnectMax = 30 * time.Second
	c.TickSource.MaxReconnectAttempts = 8
	c.TickSource.PingInterval = 20 * time.Second

	c.Buffer.Capacity = 10000
	c.Buffer.TTL = 30 * time.Second
	c.Buffer.EvictInterval = time.Second
	c.Buffer.DequeueTimeout = 250 * time.Millisecond

	c.Aggregator.MaxGapFill = 2
	c.Aggregator.IdleGrace = 5 * time.Second

	c.Bus.MailboxSize = 1024
	c.Bus.HistorySize = 256
	c.Bus.MaxRetries = 2
	c.Bus.RetryDelay = 50 * time.Millisecond

	c.Session.Start = "13:30"
	c.Session.End = "20:00"
	c.Session.Location = "UTC"

	c.Tracker = DefaultTracker()

	c.Executor.MaxAttempts = 4
	c.Executor.BaseBackoff = 200 * time.Millisecond
	c.Executor.MaxBackoff = 3 * time.Second
	c.Executor.BreakerThreshold = 3
	c.Executor.CallTimeout = 10 * time.Second

	c.Risk.RiskPct = 1.0
	c.Risk.MaxPositionPct = 100
	c.Risk.MinStopVolMult = 0.5

	c.State.QueueSize = 4096
	c.State.MaxAttempts = 3
	c.State.RetryDelay = 200 * time.Millisecond
	return c
}

func DefaultTracker() TrackerConfig {
	return TrackerConfig{
		HistorySize:           240,
		VolumeLookback:        20,
		VolumeMultiplier:      1.5,
		RejectionWickFrac:     0.4,
		MinBreakoutScore:      0.6,
		FirstBreakoutWindow:   0,
		MinConsolidation:      5 * time.Minute,
		MaxConsolidation:      45 * time.Minute,
		MinQuality:            0.6,
		TouchTolerance:        0.15,
		MinTouches:            4,
		WickLookback:          30,
		WickPercentile:        25,
		WickMinSamples:        10,
		WickFallbackPct:       0.02,
		MinBodyPct:            0.01,
		MaxBodyPct:            0.5,
		SecondBreakoutTimeout: 20 * time.Minute,
		EntryTimeout:          15 * time.Minute,
		StopBufferPct:         0.02,
		FallbackRR:            2.0,
	}
}

func NewConfig() (*Config, error) {
	// .env опционален
	_ = godotenv.Load()

	configFileName := os.Getenv(configFilePathENV)
	if configFileName == "" {
		configFileName = "values_local.yaml"
	}
	dir := getenvDefault(configDirENV, "configs")

	cfg, err := Load(dir + "/" + configFileName)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load читает yaml поверх дефолтов, без env.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config file")
	}
	defer func() {
		_ = file.Close()
	}()

	config := Defaults()
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, errors.Wrap(err, "decode config file")
	}
	return &config, nil
}

func applyEnv(c *Config) {
	if token := os.Getenv(tokenTelegramENV); token != "" {
		c.Telegram.Token = token
	}
	if dsn := os.Getenv(databaseDSN); dsn != "" {
		c.DB = dsn
	}
	c.Telegram.ChatID = int64(intFromEnv("TELEGRAM_CHAT_ID", int(c.Telegram.ChatID)))
	c.Redis.Addr = getenvDefault("REDIS_ADDR", c.Redis.Addr)
	c.ClickHouse.DSN = getenvDefault("CLICKHOUSE_DSN", c.ClickHouse.DSN)

	c.OKX.APIKey = getenvDefault("OKX_API_KEY", c.OKX.APIKey)
	c.OKX.APISecret = getenvDefault("OKX_API_SECRET", c.OKX.APISecret)
	c.OKX.Passphrase = getenvDefault("OKX_PASSPHRASE", c.OKX.Passphrase)
	c.OKX.Simulated = boolFromEnv("OKX_SIMULATED", c.OKX.Simulated)
	c.OKX.Paper = boolFromEnv("OKX_PAPER", c.OKX.Paper)

	if s := os.Getenv("SYMBOLS"); s != "" {
		c.Symbols = splitList(s)
	}
	c.Risk.RiskPct = floatFromEnv("RISK_PCT", c.Risk.RiskPct)
	c.Buffer.Capacity = intFromEnv("BUFFER_CAPACITY", c.Buffer.Capacity)
	c.Aggregator.MaxGapFill = intFromEnv("MAX_GAP_FILL", c.Aggregator.MaxGapFill)
	c.RangePolicy.Kind = getenvDefault("RANGE_POLICY", c.RangePolicy.Kind)
	c.Service.LogLevel = getenvDefault("LOG_LEVEL", c.Service.LogLevel)
	c.Executor.CallTimeout = durationFromEnv("BROKER_CALL_TIMEOUT", c.Executor.CallTimeout.String())
}

// Validate проверяет то, без чего запускаться нельзя.
func (c *Config) Validate() error {
	switch strings.ToLower(c.RangePolicy.Kind) {
	case "":
		return ErrRangePolicyRequired
	case "percent":
		if c.RangePolicy.MaxPct <= 0 || c.RangePolicy.MinPct < 0 || c.RangePolicy.MinPct >= c.RangePolicy.MaxPct {
			return errors.Errorf("range_policy percent: bad band [%v, %v]", c.RangePolicy.MinPct, c.RangePolicy.MaxPct)
		}
	case "atr":
		if c.RangePolicy.ATRPeriod <= 0 || c.RangePolicy.MaxATRMult <= 0 || c.RangePolicy.MinATRMult >= c.RangePolicy.MaxATRMult {
			return errors.Errorf("range_policy atr: bad params period=%d band=[%v, %v]",
				c.RangePolicy.ATRPeriod, c.RangePolicy.MinATRMult, c.RangePolicy.MaxATRMult)
		}
	default:
		return errors.Errorf("range_policy.kind %q is unknown (percent|atr)", c.RangePolicy.Kind)
	}

	if len(c.Symbols) == 0 && c.WatchTopN <= 0 {
		return errors.New("symbols list is empty and watch_top_n is not set")
	}
	if c.Buffer.Capacity <= 0 {
		return errors.New("buffer.capacity must be > 0")
	}
	if c.Aggregator.MaxGapFill < 0 {
		return errors.New("aggregator.max_gap_fill must be >= 0")
	}
	if _, _, err := c.SessionWindow(); err != nil {
		return err
	}
	return nil
}

// SessionWindow разбирает "HH:MM" начала и конца сессии.
func (c *Config) SessionWindow() (start, end time.Duration, err error) {
	start, err = parseClock(c.Session.Start)
	if err != nil {
		return 0, 0, errors.Wrap(err, "session.start")
	}
	end, err = parseClock(c.Session.End)
	if err != nil {
		return 0, 0, errors.Wrap(err, "session.end")
	}
	if end <= start {
		return 0, 0, errors.Errorf("session.end %s must be after session.start %s", c.Session.End, c.Session.Start)
	}
	return start, end, nil
}

func (c *Config) SessionLocation() *time.Location {
	loc, err := time.LoadLocation(getenvDefault("SESSION_TZ", c.Session.Location))
	if err != nil {
		return time.UTC
	}
	return loc
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intFromEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatFromEnv(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func boolFromEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if v == "1" || v == "true" || v == "TRUE" {
			return true
		}
		if v == "0" || v == "false" || v == "FALSE" {
			return false
		}
	}
	return def
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationFromEnv(key, def string) time.Duration {
	val := getenvDefault(key, def)
	d, err := time.ParseDuration(val)
	if err != nil {
		d, _ = time.ParseDuration(def)
	}
	return d
}
