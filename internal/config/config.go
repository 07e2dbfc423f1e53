package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// MarketLoc is the exchange time zone used when the configured zone cannot be
// loaded from the system tz database.
var MarketLoc = time.FixedZone("CST", 8*3600)

const (
	BrokerAlpaca = "alpaca"
	BrokerPaper  = "paper"
)

// secretVars are read from the environment (or .env) and never from the
// parameter file. The bool marks values that must be masked when printed.
var secretVars = map[string]bool{
	"APCA_API_KEY_ID":     true,
	"APCA_API_SECRET_KEY": true,
	"APCA_API_BASE_URL":   false,
	"TELEGRAM_BOT_TOKEN":  true,
	"TELEGRAM_CHAT_ID":    false,
	"RECOMMEND_HOST":      false,
	"RECOMMEND_TOKEN":     true,
}

// Config holds everything the trader reads at start. It is built once by Load
// and handed down by value or pointer; nothing reloads it at runtime.
type Config struct {
	Version      string `mapstructure:"-"`
	StrategyName string `mapstructure:"strategy_name"`
	CacheDir     string `mapstructure:"cache_dir"`
	Timezone     string `mapstructure:"timezone"`

	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogLevel      string `mapstructure:"log_level"`

	Broker      string  `mapstructure:"broker"`
	Feed        string  `mapstructure:"feed"`
	MetricsAddr string  `mapstructure:"metrics_addr"`
	TPlusOne    bool    `mapstructure:"t_plus_one"`
	PaperCash   float64 `mapstructure:"paper_cash"`

	// QuoteMaxAge bounds how old a cached quote may be when served without a
	// fresh upstream pull. Zero disables the age check.
	QuoteMaxAge time.Duration `mapstructure:"quote_max_age"`

	MorningTime string `mapstructure:"morning_time"`
	HistoryTime string `mapstructure:"history_time"`
	CloseTime   string `mapstructure:"close_time"`

	Sell SellParameters `mapstructure:"sell"`
	Buy  BuyParameters  `mapstructure:"buy"`
	Pool PoolParameters `mapstructure:"pool"`

	// Secrets, from the environment only.
	APIKey         string `mapstructure:"-"`
	APISecret      string `mapstructure:"-"`
	BaseURL        string `mapstructure:"-"`
	TelegramToken  string `mapstructure:"-"`
	TelegramChatID string `mapstructure:"-"`
	RecommendHost  string `mapstructure:"-"`
	RecommendToken string `mapstructure:"-"`

	Loc *time.Location `mapstructure:"-"`
}

// SellParameters drives the sell decision engine and its scan cadence.
type SellParameters struct {
	TimeRanges     []TimeRange   `mapstructure:"time_ranges"`
	Interval       int           `mapstructure:"interval"`      // seconds between scans
	OrderPremium   float64       `mapstructure:"order_premium"` // subtracted from last price
	SuppressWindow time.Duration `mapstructure:"suppress_window"`

	SwitchHoldDays      int     `mapstructure:"switch_hold_days"`
	SwitchDemandDailyUp float64 `mapstructure:"switch_demand_daily_up"`
	SwitchBeginTime     string  `mapstructure:"switch_begin_time"`

	EarnLimit float64 `mapstructure:"earn_limit"`
	RiskLimit float64 `mapstructure:"risk_limit"`
	RiskTight float64 `mapstructure:"risk_tight"`

	ReturnOfProfit []ProfitTier `mapstructure:"return_of_profit"`

	CCIPeriod int     `mapstructure:"cci_period"`
	CCIUpper  float64 `mapstructure:"cci_upper"`
	CCILower  float64 `mapstructure:"cci_lower"`

	OpenLowRate float64 `mapstructure:"open_low_rate"`
	OpenVolRate float64 `mapstructure:"open_vol_rate"`
	TailVolTime string  `mapstructure:"tail_vol_time"`

	MAAbove int `mapstructure:"ma_above"`
}

// ProfitTier gives back GiveBack of the gain once max/open lies in [Lower, Upper).
type ProfitTier struct {
	Lower    float64 `mapstructure:"lower"`
	Upper    float64 `mapstructure:"upper"`
	GiveBack float64 `mapstructure:"give_back"`
}

// BuyParameters drives candidate selection and sizing.
type BuyParameters struct {
	TimeRanges   []TimeRange `mapstructure:"time_ranges"`
	Interval     int         `mapstructure:"interval"`
	OrderPremium float64     `mapstructure:"order_premium"`
	SlotCount    int         `mapstructure:"slot_count"`
	SlotCapacity float64     `mapstructure:"slot_capacity"`
	OnceBuyLimit int         `mapstructure:"once_buy_limit"`
	MinPrice     float64     `mapstructure:"min_price"`
	SelectionID  string      `mapstructure:"selection_id"`
}

// PoolParameters controls the tradable universe.
type PoolParameters struct {
	WhiteCodes     []string `mapstructure:"white_codes"`
	WhiteCodesFile string   `mapstructure:"white_codes_file"` // one code per line
	BlackCodes     []string `mapstructure:"black_codes"`
	DayCount       int      `mapstructure:"day_count"` // trading days of history to load
}

func setDefaults(v *viper.Viper) {
	defaults := map[string]interface{}{
		"strategy_name":   "intraday",
		"cache_dir":       "_cache",
		"timezone":        "Asia/Shanghai",
		"log_file":        "trader.log",
		"log_max_size_mb": 10,
		"log_max_backups": 5,
		"log_level":       "info",
		"broker":          BrokerAlpaca,
		"feed":            "iex",
		"quote_max_age":   "30s",
		"metrics_addr":    "",
		"t_plus_one":      true,
		"paper_cash":      1000000.0,
		"morning_time":    "09:00",
		"history_time":    "09:05",
		"close_time":      "15:30",

		"sell.time_ranges": []map[string]interface{}{
			{"begin": "09:31", "end": "11:30"},
			{"begin": "13:00", "end": "14:57"},
		},
		"sell.interval":               5,
		"sell.order_premium":          0.06,
		"sell.suppress_window":        "60s",
		"sell.switch_hold_days":       5,
		"sell.switch_demand_daily_up": 0.003,
		"sell.switch_begin_time":      "14:30",
		"sell.earn_limit":             9.999,
		"sell.risk_limit":             0.94,
		"sell.risk_tight":             0.002,
		"sell.return_of_profit": []map[string]interface{}{
			{"lower": 1.07, "upper": 9.99, "give_back": 0.33},
			{"lower": 1.03, "upper": 1.07, "give_back": 0.66},
		},
		"sell.cci_period":    14,
		"sell.cci_upper":     310.0,
		"sell.cci_lower":     10.0,
		"sell.open_low_rate": 0.99,
		"sell.open_vol_rate": 0.60,
		"sell.tail_vol_time": "14:45",
		"sell.ma_above":      20,

		"buy.time_ranges": []map[string]interface{}{
			{"begin": "14:30", "end": "14:57"},
		},
		"buy.interval":       15,
		"buy.order_premium":  0.08,
		"buy.slot_count":     20,
		"buy.slot_capacity":  30000.0,
		"buy.once_buy_limit": 20,
		"buy.min_price":      2.00,
		"buy.selection_id":   "",

		"pool.white_codes":      []string{},
		"pool.white_codes_file": "",
		"pool.black_codes":      []string{},
		"pool.day_count":        110,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load reads .env secrets and the optional parameter file at path. An empty
// path or a missing file leaves the production defaults in place; TRADER_*
// environment variables override either (e.g. TRADER_SELL_RISK_LIMIT).
func Load(path string) (*Config, error) {
	// .env is optional; the process environment may already be populated.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.APIKey = os.Getenv("APCA_API_KEY_ID")
	cfg.APISecret = os.Getenv("APCA_API_SECRET_KEY")
	cfg.BaseURL = os.Getenv("APCA_API_BASE_URL")
	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.TelegramChatID = os.Getenv("TELEGRAM_CHAT_ID")
	cfg.RecommendHost = os.Getenv("RECOMMEND_HOST")
	cfg.RecommendToken = os.Getenv("RECOMMEND_TOKEN")

	cfg.Loc = MarketLoc
	if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
		cfg.Loc = loc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects parameter sets the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Broker {
	case BrokerAlpaca:
		var missing []string
		if c.APIKey == "" {
			missing = append(missing, "APCA_API_KEY_ID")
		}
		if c.APISecret == "" {
			missing = append(missing, "APCA_API_SECRET_KEY")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required environment variables: %v", missing)
		}
	case BrokerPaper:
	default:
		return fmt.Errorf("unknown broker %q", c.Broker)
	}

	for name, hhmm := range map[string]string{
		"morning_time":           c.MorningTime,
		"history_time":           c.HistoryTime,
		"close_time":             c.CloseTime,
		"sell.switch_begin_time": c.Sell.SwitchBeginTime,
		"sell.tail_vol_time":     c.Sell.TailVolTime,
	} {
		if err := ValidateClock(hhmm); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.QuoteMaxAge < 0 {
		return errors.New("quote_max_age must not be negative")
	}
	if err := validateRanges("sell.time_ranges", c.Sell.TimeRanges); err != nil {
		return err
	}
	if err := validateRanges("buy.time_ranges", c.Buy.TimeRanges); err != nil {
		return err
	}
	if err := c.Sell.validate(); err != nil {
		return err
	}
	return c.Buy.validate()
}

func (p SellParameters) validate() error {
	if p.Interval <= 0 {
		return errors.New("sell.interval must be positive")
	}
	if p.RiskLimit <= 0 || p.RiskLimit > 1 {
		return errors.New("sell.risk_limit must be in (0, 1]")
	}
	if p.RiskTight < 0 {
		return errors.New("sell.risk_tight must not be negative")
	}
	if p.EarnLimit <= 1 {
		return errors.New("sell.earn_limit must be above 1")
	}
	for i, tier := range p.ReturnOfProfit {
		if tier.Lower >= tier.Upper {
			return fmt.Errorf("sell.return_of_profit[%d]: lower must be below upper", i)
		}
		if tier.GiveBack < 0 || tier.GiveBack > 1 {
			return fmt.Errorf("sell.return_of_profit[%d]: give_back must be in [0, 1]", i)
		}
	}
	if p.MAAbove < 0 || p.CCIPeriod < 0 || p.SwitchHoldDays < 0 {
		return errors.New("sell.ma_above, sell.cci_period and sell.switch_hold_days must not be negative")
	}
	if p.SuppressWindow < 0 {
		return errors.New("sell.suppress_window must not be negative")
	}
	return nil
}

func (p BuyParameters) validate() error {
	if p.Interval <= 0 {
		return errors.New("buy.interval must be positive")
	}
	if p.SlotCapacity <= 0 {
		return errors.New("buy.slot_capacity must be positive")
	}
	if p.SlotCount < 0 || p.OnceBuyLimit < 0 {
		return errors.New("buy.slot_count and buy.once_buy_limit must not be negative")
	}
	return nil
}

// LogSummary prints the .env keys (secrets masked) and the headline
// parameters once the logger is available.
func (c *Config) LogSummary(log *zap.Logger) {
	if envMap, err := godotenv.Read(); err == nil {
		for key, val := range envMap {
			if secretVars[key] {
				log.Info("env", zap.String("key", key), zap.String("value", Mask(val)))
			} else {
				log.Info("env", zap.String("key", key), zap.String("value", val))
			}
		}
	}
	log.Info("config loaded",
		zap.String("version", c.Version),
		zap.String("strategy", c.StrategyName),
		zap.String("broker", c.Broker),
		zap.String("timezone", c.Loc.String()),
		zap.Duration("quote_max_age", c.QuoteMaxAge),
		zap.Any("sell_ranges", c.Sell.TimeRanges),
		zap.Any("buy_ranges", c.Buy.TimeRanges),
		zap.Float64("risk_limit", c.Sell.RiskLimit),
		zap.Float64("earn_limit", c.Sell.EarnLimit),
		zap.Int("slot_count", c.Buy.SlotCount),
	)
}

// Mask keeps only the last four characters of a secret.
func Mask(val string) string {
	if len(val) > 4 {
		return "***" + val[len(val)-4:]
	}
	return "***"
}
