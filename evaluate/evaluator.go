package evaluate

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"partsflow/config"
	"partsflow/offer"
	"partsflow/request"
)

// ErrNoOffers marks a precondition violation: the scheduler only invokes
// evaluation once at least one offer exists.
var ErrNoOffers = errors.New("evaluate: no offers to evaluate")

const weightTolerance = 1e-6

// OfferScore is the evaluator's view of one offer: its composite
// competitiveness, its coverage fraction and the per-part line scores. Kept
// in the audit snapshot alongside the award.
type OfferScore struct {
	OfferID    string             `json:"offer_id"`
	AdvisorID  string             `json:"advisor_id"`
	Composite  float64            `json:"composite"`
	Coverage   float64            `json:"coverage"`
	LineScores map[string]float64 `json:"line_scores"`
}

// Evaluator reduces the collected offers of a request to an Award. It is
// deterministic for a fixed offer set and runs to completion without I/O.
type Evaluator struct {
	cfg   config.Engine
	idGen func() string
	now   func() time.Time
}

func NewEvaluator(cfg config.Engine) *Evaluator {
	return &Evaluator{
		cfg:   cfg,
		idGen: func() string { return uuid.NewString() },
		now:   time.Now,
	}
}

func (e *Evaluator) WithIDGenerator(gen func() string) *Evaluator {
	e.idGen = gen
	return e
}

func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate scores every offer, applies the single-offer exception, the
// minimum-coverage rule and the cascade, and returns the award plus the
// scores considered (for the audit record).
func (e *Evaluator) Evaluate(req request.Request, parts []request.Part, offers []offer.Offer) (Award, []OfferScore, error) {
	if len(offers) == 0 {
		return Award{}, nil, ErrNoOffers
	}
	if len(parts) == 0 {
		return Award{}, nil, fmt.Errorf("evaluate: request %s has no parts", req.ID)
	}

	w := e.cfg.OfferWeights
	if sum := w.Price + w.Delivery + w.Warranty; math.Abs(sum-1.0) > weightTolerance {
		return Award{}, nil, fmt.Errorf("%w (got %v)", config.ErrBadOfferWeights, sum)
	}

	scores := e.scoreOffers(parts, offers)

	var winners map[string]OfferScore // part id -> winning offer score
	if len(offers) == 1 {
		// Single-offer exception: the lone offer wins every requested
		// part outright, whatever its coverage. Parts it carries no
		// included line for are awarded at zero amount.
		winners = make(map[string]OfferScore, len(parts))
		for _, p := range parts {
			winners[p.ID] = scores[0]
		}
	} else {
		eligible := make([]OfferScore, 0, len(scores))
		for _, s := range scores {
			if s.Coverage >= e.cfg.MinCoverage {
				eligible = append(eligible, s)
			}
		}
		winners = e.assignParts(parts, eligible)
	}

	byID := make(map[string]offer.Offer, len(offers))
	for _, o := range offers {
		byID[o.ID] = o
	}
	lineByPart := func(o offer.Offer, partID string) (offer.LineItem, bool) {
		for _, l := range o.Lines {
			if l.PartID == partID && l.Included {
				return l, true
			}
		}
		return offer.LineItem{}, false
	}

	award := Award{
		ID:        e.idGen(),
		RequestID: req.ID,
		CreatedAt: e.now(),
	}
	for _, p := range parts {
		pa := PartAward{
			PartID:   p.ID,
			PartName: p.Name,
			Quantity: p.Quantity,
		}
		if win, ok := winners[p.ID]; ok {
			line, _ := lineByPart(byID[win.OfferID], p.ID)
			pa.Covered = true
			pa.OfferID = win.OfferID
			pa.AdvisorID = win.AdvisorID
			pa.LineScore = win.LineScores[p.ID]
			pa.Amount = line.UnitPrice * int64(p.Quantity)
			award.TotalAmount += pa.Amount
		}
		award.Parts = append(award.Parts, pa)
	}

	return award, scores, nil
}

// assignParts runs the cascade: every part goes to the best-scoring
// candidate offer that includes it, descending by composite, then by the
// part's line score, then by advisor id. Parts no candidate includes stay
// uncovered; that is a normal outcome, not an error.
func (e *Evaluator) assignParts(parts []request.Part, candidates []OfferScore) map[string]OfferScore {
	winners := make(map[string]OfferScore, len(parts))
	for _, p := range parts {
		var best *OfferScore
		for i := range candidates {
			c := &candidates[i]
			if _, includes := c.LineScores[p.ID]; !includes {
				continue
			}
			if best == nil || betterFor(p.ID, *c, *best) {
				best = c
			}
		}
		if best != nil {
			winners[p.ID] = *best
		}
	}
	return winners
}

func betterFor(partID string, a, b OfferScore) bool {
	if a.Composite != b.Composite {
		return a.Composite > b.Composite
	}
	if a.LineScores[partID] != b.LineScores[partID] {
		return a.LineScores[partID] > b.LineScores[partID]
	}
	return a.AdvisorID < b.AdvisorID
}

// scoreOffers computes line and composite scores. Price and delivery are
// scored inversely, normalized against the spread of competing offers for
// the same part; warranty is scored directly against the configured cap.
func (e *Evaluator) scoreOffers(parts []request.Part, offers []offer.Offer) []OfferScore {
	w := e.cfg.OfferWeights

	type spread struct {
		priceMin, priceMax       int64
		deliveryMin, deliveryMax int
		seen                     bool
	}
	spreads := make(map[string]*spread, len(parts))
	for _, p := range parts {
		spreads[p.ID] = &spread{}
	}
	for _, o := range offers {
		for _, l := range o.Lines {
			if !l.Included {
				continue
			}
			sp, ok := spreads[l.PartID]
			if !ok {
				continue
			}
			if !sp.seen {
				sp.priceMin, sp.priceMax = l.UnitPrice, l.UnitPrice
				sp.deliveryMin, sp.deliveryMax = o.DeliveryDays, o.DeliveryDays
				sp.seen = true
				continue
			}
			sp.priceMin = min64(sp.priceMin, l.UnitPrice)
			sp.priceMax = max64(sp.priceMax, l.UnitPrice)
			if o.DeliveryDays < sp.deliveryMin {
				sp.deliveryMin = o.DeliveryDays
			}
			if o.DeliveryDays > sp.deliveryMax {
				sp.deliveryMax = o.DeliveryDays
			}
		}
	}

	qtyByPart := make(map[string]int, len(parts))
	totalQty := 0
	for _, p := range parts {
		qtyByPart[p.ID] = p.Quantity
		totalQty += p.Quantity
	}

	scores := make([]OfferScore, 0, len(offers))
	for _, o := range offers {
		s := OfferScore{
			OfferID:    o.ID,
			AdvisorID:  o.AdvisorID,
			LineScores: make(map[string]float64, len(o.Lines)),
		}

		coveredQty := 0
		weightedSum := 0.0
		for _, l := range o.Lines {
			if !l.Included {
				continue
			}
			sp, ok := spreads[l.PartID]
			if !ok {
				continue
			}

			priceScore := inverseNormalized(float64(l.UnitPrice), float64(sp.priceMin), float64(sp.priceMax))
			deliveryScore := inverseNormalized(float64(o.DeliveryDays), float64(sp.deliveryMin), float64(sp.deliveryMax))
			warrantyScore := math.Min(float64(l.WarrantyMonths)/float64(e.cfg.Bounds.WarrantyMaxMonths), 1.0)

			line := w.Price*priceScore + w.Delivery*deliveryScore + w.Warranty*warrantyScore
			s.LineScores[l.PartID] = line

			qty := qtyByPart[l.PartID]
			coveredQty += qty
			weightedSum += line * float64(qty)
		}

		if coveredQty > 0 {
			s.Composite = weightedSum / float64(coveredQty)
		}
		if totalQty > 0 {
			s.Coverage = float64(coveredQty) / float64(totalQty)
		}
		scores = append(scores, s)
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Composite != scores[j].Composite {
			return scores[i].Composite > scores[j].Composite
		}
		return scores[i].AdvisorID < scores[j].AdvisorID
	})
	return scores
}

// inverseNormalized maps lower-is-better values onto [0, 1] against the
// competing spread; a part with no spread scores 1.0 for everyone.
func inverseNormalized(v, lo, hi float64) float64 {
	if hi <= lo {
		return 1.0
	}
	return (hi - v) / (hi - lo)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
