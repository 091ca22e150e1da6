package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"
)

// MaxLevel is the highest escalation level a request can reach.
const MaxLevel = 5

const weightTolerance = 1e-6

var (
	ErrBadScoreWeights = errors.New("config: advisor score weights must sum to 1.0")
	ErrBadOfferWeights = errors.New("config: offer score weights must sum to 1.0")
)

// ScoreWeights blends the four advisor ranking components.
type ScoreWeights struct {
	Proximity   float64 `mapstructure:"SCORE_WEIGHT_PROXIMITY"`
	Activity    float64 `mapstructure:"SCORE_WEIGHT_ACTIVITY"`
	Performance float64 `mapstructure:"SCORE_WEIGHT_PERFORMANCE"`
	Trust       float64 `mapstructure:"SCORE_WEIGHT_TRUST"`
}

// OfferWeights blends the per-line competitiveness components.
type OfferWeights struct {
	Price    float64 `mapstructure:"OFFER_WEIGHT_PRICE"`
	Delivery float64 `mapstructure:"OFFER_WEIGHT_DELIVERY"`
	Warranty float64 `mapstructure:"OFFER_WEIGHT_WARRANTY"`
}

// Level configures one escalation tier: how long a request stays there and
// how many advisors are notified while it does.
type Level struct {
	Timeout time.Duration
	FanOut  int
}

// OfferBounds are the accept/reject limits applied by the offer collector.
type OfferBounds struct {
	PriceMin          int64 `mapstructure:"OFFER_PRICE_MIN"`
	PriceMax          int64 `mapstructure:"OFFER_PRICE_MAX"`
	WarrantyMaxMonths int   `mapstructure:"OFFER_WARRANTY_MAX_MONTHS"`
	DeliveryMaxDays   int   `mapstructure:"OFFER_DELIVERY_MAX_DAYS"`
}

// Engine is the versioned, immutable configuration value handed to the
// scorer, the scheduler and the evaluator. It is validated once at load
// time; a request never observes an invalid weight set mid-flight.
type Engine struct {
	Version string

	ScoreWeights ScoreWeights
	OfferWeights OfferWeights
	Levels       [MaxLevel]Level
	Bounds       OfferBounds

	MinDesiredOffers    int
	MinCoverage         float64
	MinTrustToOperate   float64
	TrustCeiling        float64
	ActivityFallback    float64
	PerformanceFallback float64

	RecordAttempts     int
	RecordBackoffBase  time.Duration
	NotifyMaxAttempts  int
	MaxOpenRequests    int64
}

// App carries process-level settings alongside the engine configuration.
type App struct {
	ServerAddress string `mapstructure:"SERVER_ADDRESS"`
	PostgresConn  string `mapstructure:"POSTGRES_CONN"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	MigrationURL  string `mapstructure:"MIGRATION_URL"`
	JWTSecret     string `mapstructure:"JWT_SECRET"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`

	Engine Engine `mapstructure:",squash"`
}

// Default returns the shipped engine configuration. Deployments override it
// through the environment; the version string identifies the value recorded
// with every evaluation.
func Default() Engine {
	return Engine{
		Version: "default-v1",
		ScoreWeights: ScoreWeights{
			Proximity:   0.40,
			Activity:    0.25,
			Performance: 0.20,
			Trust:       0.15,
		},
		OfferWeights: OfferWeights{
			Price:    0.50,
			Delivery: 0.35,
			Warranty: 0.15,
		},
		Levels: [MaxLevel]Level{
			{Timeout: 15 * time.Minute, FanOut: 5},
			{Timeout: 30 * time.Minute, FanOut: 10},
			{Timeout: time.Hour, FanOut: 20},
			{Timeout: 2 * time.Hour, FanOut: 35},
			{Timeout: 4 * time.Hour, FanOut: 50},
		},
		Bounds: OfferBounds{
			PriceMin:          1,
			PriceMax:          500_000_000,
			WarrantyMaxMonths: 60,
			DeliveryMaxDays:   45,
		},
		MinDesiredOffers:    3,
		MinCoverage:         0.5,
		MinTrustToOperate:   1.0,
		TrustCeiling:        5.0,
		ActivityFallback:    2.5,
		PerformanceFallback: 2.5,
		RecordAttempts:      5,
		RecordBackoffBase:   200 * time.Millisecond,
		NotifyMaxAttempts:   5,
		MaxOpenRequests:     1024,
	}
}

// Load reads the application configuration from an env file plus the
// process environment and validates the engine section.
func Load(path string) (App, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("app")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return App{}, fmt.Errorf("config: read: %w", err)
		}
	}

	cfg := App{
		ServerAddress: ":8080",
		LogLevel:      "info",
		Engine:        Default(),
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		return App{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.Engine.applyLevelOverrides()

	if err := cfg.Engine.Validate(); err != nil {
		return App{}, err
	}
	return cfg, nil
}

// applyLevelOverrides picks up per-level timeout/fan-out environment keys
// (LEVEL_1_TIMEOUT, LEVEL_1_FANOUT, ...), which mapstructure cannot express
// for a fixed-size array.
func (e *Engine) applyLevelOverrides() {
	for i := range e.Levels {
		if key := fmt.Sprintf("LEVEL_%d_TIMEOUT", i+1); viper.IsSet(key) {
			if d := viper.GetDuration(key); d > 0 {
				e.Levels[i].Timeout = d
			}
		}
		if key := fmt.Sprintf("LEVEL_%d_FANOUT", i+1); viper.IsSet(key) {
			if k := viper.GetInt(key); k > 0 {
				e.Levels[i].FanOut = k
			}
		}
	}
	if viper.IsSet("CONFIG_VERSION") {
		e.Version = viper.GetString("CONFIG_VERSION")
	}
	if viper.IsSet("MIN_DESIRED_OFFERS") {
		e.MinDesiredOffers = viper.GetInt("MIN_DESIRED_OFFERS")
	}
	if viper.IsSet("MIN_COVERAGE") {
		e.MinCoverage = viper.GetFloat64("MIN_COVERAGE")
	}
	if viper.IsSet("MIN_TRUST_TO_OPERATE") {
		e.MinTrustToOperate = viper.GetFloat64("MIN_TRUST_TO_OPERATE")
	}
}

// Validate enforces the configuration invariants before any request can be
// affected by the value.
func (e Engine) Validate() error {
	sum := e.ScoreWeights.Proximity + e.ScoreWeights.Activity + e.ScoreWeights.Performance + e.ScoreWeights.Trust
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w (got %v)", ErrBadScoreWeights, sum)
	}

	sum = e.OfferWeights.Price + e.OfferWeights.Delivery + e.OfferWeights.Warranty
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w (got %v)", ErrBadOfferWeights, sum)
	}

	prevFanOut := 0
	for i, lvl := range e.Levels {
		if lvl.Timeout <= 0 {
			return fmt.Errorf("config: level %d timeout must be positive", i+1)
		}
		if lvl.FanOut <= 0 {
			return fmt.Errorf("config: level %d fan-out must be positive", i+1)
		}
		if lvl.FanOut < prevFanOut {
			return fmt.Errorf("config: level %d fan-out shrinks below level %d", i+1, i)
		}
		prevFanOut = lvl.FanOut
	}

	if e.Bounds.PriceMin <= 0 || e.Bounds.PriceMax <= e.Bounds.PriceMin {
		return fmt.Errorf("config: inverted price bounds [%d, %d]", e.Bounds.PriceMin, e.Bounds.PriceMax)
	}
	if e.Bounds.WarrantyMaxMonths <= 0 {
		return fmt.Errorf("config: warranty ceiling must be positive")
	}
	if e.Bounds.DeliveryMaxDays <= 0 {
		return fmt.Errorf("config: delivery ceiling must be positive")
	}

	if e.MinDesiredOffers < 1 {
		return fmt.Errorf("config: minimum desired offers must be at least 1")
	}
	if e.MinCoverage <= 0 || e.MinCoverage > 1 {
		return fmt.Errorf("config: minimum coverage %v outside (0, 1]", e.MinCoverage)
	}
	if e.MinTrustToOperate < 0 || e.MinTrustToOperate > e.TrustCeiling {
		return fmt.Errorf("config: minimum trust %v outside [0, %v]", e.MinTrustToOperate, e.TrustCeiling)
	}
	if e.TrustCeiling <= 0 {
		return fmt.Errorf("config: trust ceiling must be positive")
	}
	if e.ActivityFallback < 0 || e.ActivityFallback > 5 || e.PerformanceFallback < 0 || e.PerformanceFallback > 5 {
		return fmt.Errorf("config: fallback scores must be within [0, 5]")
	}
	if e.RecordAttempts < 1 {
		return fmt.Errorf("config: record attempts must be at least 1")
	}
	if e.MaxOpenRequests < 1 {
		return fmt.Errorf("config: max open requests must be at least 1")
	}

	return nil
}
