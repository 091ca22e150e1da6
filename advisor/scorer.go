package advisor

import (
	"fmt"
	"math"
	"sort"

	"partsflow/config"
)

// Proximity component values. The floor is deliberate: every advisor in the
// pool stays minimally eligible regardless of distance.
const (
	proximitySameCity  = 5.0
	proximitySameMetro = 4.0
	proximitySameHub   = 3.5
	proximityFloor     = 3.0
)

const weightTolerance = 1e-6

// Scorer ranks a candidate pool for one request at one escalation level.
// It is a pure function of its inputs: scores are recomputed fresh at every
// level transition and never cached across levels.
type Scorer struct {
	cfg config.Engine
}

func NewScorer(cfg config.Engine) *Scorer {
	return &Scorer{cfg: cfg}
}

// Rank computes composite scores for every candidate above the trust floor
// and returns them best-first. The weight set is re-checked here so a bad
// configuration can never silently skew a ranking.
func (s *Scorer) Rank(requestID string, level int, geo Geography, pool []Candidate) ([]Score, error) {
	w := s.cfg.ScoreWeights
	sum := w.Proximity + w.Activity + w.Performance + w.Trust
	if math.Abs(sum-1.0) > weightTolerance {
		return nil, fmt.Errorf("%w (got %v)", config.ErrBadScoreWeights, sum)
	}

	type ranked struct {
		score     Score
		candidate Candidate
	}

	scores := make([]ranked, 0, len(pool))
	for _, c := range pool {
		if c.TrustRating < s.cfg.MinTrustToOperate {
			continue
		}

		sc := Score{
			AdvisorID:   c.ID,
			RequestID:   requestID,
			Level:       level,
			Proximity:   proximity(geo, c),
			Activity:    s.activity(c),
			Performance: s.performance(c),
			Trust:       math.Min(c.TrustRating, s.cfg.TrustCeiling),
		}
		sc.Composite = w.Proximity*sc.Proximity +
			w.Activity*sc.Activity +
			w.Performance*sc.Performance +
			w.Trust*sc.Trust

		scores = append(scores, ranked{score: sc, candidate: c})
	}

	sort.Slice(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.score.Composite != b.score.Composite {
			return a.score.Composite > b.score.Composite
		}
		if a.score.Proximity != b.score.Proximity {
			return a.score.Proximity > b.score.Proximity
		}
		if a.candidate.RecentNotifications != b.candidate.RecentNotifications {
			return a.candidate.RecentNotifications < b.candidate.RecentNotifications
		}
		return a.score.AdvisorID < b.score.AdvisorID
	})

	out := make([]Score, len(scores))
	for i, r := range scores {
		out[i] = r.score
	}
	return out, nil
}

func proximity(geo Geography, c Candidate) float64 {
	switch {
	case c.City != "" && c.City == geo.City:
		return proximitySameCity
	case c.MetroArea != "" && c.MetroArea == geo.MetroArea:
		return proximitySameMetro
	case c.LogisticsHub != "" && c.LogisticsHub == geo.LogisticsHub:
		return proximitySameHub
	default:
		return proximityFloor
	}
}

// activity maps the recent response rate onto [0, 5]. The fallback applies
// only to advisors never solicited in the recent window; an advisor who was
// notified and stayed silent scores on their actual rate.
func (s *Scorer) activity(c Candidate) float64 {
	if c.RecentResponses == 0 && c.RecentNotifications == 0 {
		return s.cfg.ActivityFallback
	}
	return clamp01(c.ResponseRate) * 5.0
}

// performance blends win rate and fulfillment reliability onto [0, 5], with
// the same fallback policy for advisors without history.
func (s *Scorer) performance(c Candidate) float64 {
	if c.FulfilledOrders == 0 && c.WinRate == 0 {
		return s.cfg.PerformanceFallback
	}
	return (clamp01(c.WinRate) + clamp01(c.FulfillmentRate)) / 2.0 * 5.0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
