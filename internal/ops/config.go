package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"execgate/internal/risk"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Server      ServerConfig      `json:"server"`
	Redis       RedisConfig       `json:"redis"`
	Postgres    PostgresConfig    `json:"postgres"`
	Risk        risk.Config       `json:"risk"`
	Reservation ReservationConfig `json:"reservation"`
	Slicer      SlicerConfig      `json:"slicer"`
	Reconcile   ReconcileConfig   `json:"reconcile"`
	Profiling   ProfilingConfig   `json:"profiling"`
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string `json:"addr"`
}

// RedisConfig describes the shared coordination store. The password comes
// from the REDIS_PASSWORD environment variable, never from the file.
type RedisConfig struct {
	Addr string `json:"addr"`
	DB   int    `json:"db"`
}

// PostgresConfig describes the order store. An empty ConnString disables
// order persistence.
type PostgresConfig struct {
	ConnString string `json:"connString"`
}

// ReservationConfig tunes the position reservation ledger.
type ReservationConfig struct {
	TokenTTLSeconds int `json:"tokenTtlSeconds"`
}

// TokenTTL returns the configured TTL as a duration.
func (c ReservationConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

// SlicerConfig tunes default TWAP slicing.
type SlicerConfig struct {
	DefaultSlices   int `json:"defaultSlices"`
	IntervalSeconds int `json:"intervalSeconds"`
}

// Interval returns the slice spacing as a duration.
func (c SlicerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// ReconcileConfig tunes the broker reconciliation loop.
type ReconcileConfig struct {
	IntervalSeconds int      `json:"intervalSeconds"`
	Watchlist       []string `json:"watchlist"`
}

// Interval returns the reconcile cadence as a duration.
func (c ReconcileConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// ProfilingConfig enables continuous profiling when ServerAddress is set.
type ProfilingConfig struct {
	ServerAddress string `json:"serverAddress"`
}

// LoadEnv loads a .env file into the process environment if one exists.
// Broker credentials (APCA_API_KEY_ID and friends) are read by the broker
// client directly from the environment.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		logs.Info("no .env file found, using system environment")
	}
}

// Load reads and validates a JSON config file, applying defaults. An empty
// path yields the defaults.
func Load(path string) (FileConfig, error) {
	var cfg FileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return FileConfig{}, err
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return FileConfig{}, err
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Reservation.TokenTTLSeconds <= 0 {
		cfg.Reservation.TokenTTLSeconds = 60
	}
	if cfg.Slicer.DefaultSlices <= 0 {
		cfg.Slicer.DefaultSlices = 1
	}
	if cfg.Slicer.IntervalSeconds <= 0 {
		cfg.Slicer.IntervalSeconds = 30
	}
	if cfg.Reconcile.IntervalSeconds <= 0 {
		cfg.Reconcile.IntervalSeconds = 60
	}
}

func validate(cfg FileConfig) error {
	if cfg.Risk.MaxPositionSize < 0 {
		return fmt.Errorf("risk.maxPositionSize must be >= 0")
	}
	if cfg.Risk.MaxPositionPct.IsNegative() ||
		cfg.Risk.MaxPositionPct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk.maxPositionPct must be within [0, 1]")
	}
	for _, limit := range []decimal.Decimal{
		cfg.Risk.MaxTotalNotional, cfg.Risk.MaxLongNotional, cfg.Risk.MaxShortNotional,
	} {
		if limit.IsNegative() {
			return fmt.Errorf("risk notional limits must be >= 0")
		}
	}
	return nil
}
