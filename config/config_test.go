package config

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default configuration rejected: %v", err)
	}
}

func TestValidateRejectsBadScoreWeights(t *testing.T) {
	cfg := Default()
	cfg.ScoreWeights.Proximity = 0.50 // sum becomes 1.10

	err := cfg.Validate()
	if !errors.Is(err, ErrBadScoreWeights) {
		t.Fatalf("expected ErrBadScoreWeights, got %v", err)
	}
}

func TestValidateRejectsBadOfferWeights(t *testing.T) {
	cfg := Default()
	cfg.OfferWeights.Price = 0.10

	err := cfg.Validate()
	if !errors.Is(err, ErrBadOfferWeights) {
		t.Fatalf("expected ErrBadOfferWeights, got %v", err)
	}
}

func TestValidateToleratesFloatNoise(t *testing.T) {
	cfg := Default()
	cfg.ScoreWeights.Proximity = 0.40 + 5e-7

	if err := cfg.Validate(); err != nil {
		t.Fatalf("sum within tolerance rejected: %v", err)
	}
}

func TestValidateRejectsNonPositiveTimeout(t *testing.T) {
	cfg := Default()
	cfg.Levels[2].Timeout = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected zero level timeout to be rejected")
	}
}

func TestValidateRejectsShrinkingFanOut(t *testing.T) {
	cfg := Default()
	cfg.Levels[3].FanOut = cfg.Levels[2].FanOut - 1

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected shrinking fan-out to be rejected")
	}
}

func TestValidateRejectsInvertedPriceBounds(t *testing.T) {
	cfg := Default()
	cfg.Bounds.PriceMin = 100
	cfg.Bounds.PriceMax = 50

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected inverted price bounds to be rejected")
	}
}

func TestValidateRejectsBadCoverage(t *testing.T) {
	for _, v := range []float64{0, -0.2, 1.5} {
		cfg := Default()
		cfg.MinCoverage = v
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected coverage %v to be rejected", v)
		}
	}
}

func TestValidateRejectsTrustFloorAboveCeiling(t *testing.T) {
	cfg := Default()
	cfg.MinTrustToOperate = cfg.TrustCeiling + 1

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected trust floor above ceiling to be rejected")
	}
}

func TestDefaultLevelShapes(t *testing.T) {
	cfg := Default()
	var prev time.Duration
	for i, lvl := range cfg.Levels {
		if lvl.Timeout < prev {
			t.Fatalf("level %d timeout shorter than level %d", i+1, i)
		}
		prev = lvl.Timeout
	}
}
