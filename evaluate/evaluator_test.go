package evaluate

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"partsflow/config"
	"partsflow/offer"
	"partsflow/request"
)

func fixedEvaluator(cfg config.Engine) *Evaluator {
	n := 0
	return NewEvaluator(cfg).
		WithIDGenerator(func() string { n++; return fmt.Sprintf("award-%d", n) }).
		WithClock(func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) })
}

func testRequest() request.Request {
	return request.Request{ID: "req-1", Level: 2, MinDesiredOffers: 3}
}

func threeParts() []request.Part {
	return []request.Part{
		{ID: "p1", RequestID: "req-1", Position: 1, Name: "brake pads", Quantity: 1},
		{ID: "p2", RequestID: "req-1", Position: 2, Name: "oil filter", Quantity: 1},
		{ID: "p3", RequestID: "req-1", Position: 3, Name: "clutch kit", Quantity: 1},
	}
}

func mkOffer(id, advisorID string, delivery int, lines map[string]int64) offer.Offer {
	o := offer.Offer{ID: id, RequestID: "req-1", AdvisorID: advisorID, DeliveryDays: delivery}
	for partID, price := range lines {
		o.Lines = append(o.Lines, offer.LineItem{
			ID: id + "-" + partID, OfferID: id, PartID: partID,
			UnitPrice: price, WarrantyMonths: 12, Included: true,
		})
	}
	return o
}

func TestEvaluateEmptyInputIsPreconditionViolation(t *testing.T) {
	_, _, err := fixedEvaluator(config.Default()).Evaluate(testRequest(), threeParts(), nil)
	if !errors.Is(err, ErrNoOffers) {
		t.Fatalf("expected ErrNoOffers, got %v", err)
	}
}

func TestEvaluateRejectsBadWeights(t *testing.T) {
	cfg := config.Default()
	cfg.OfferWeights.Warranty = 0.30

	_, _, err := fixedEvaluator(cfg).Evaluate(testRequest(), threeParts(),
		[]offer.Offer{mkOffer("o1", "adv-1", 3, map[string]int64{"p1": 100})})
	if !errors.Is(err, config.ErrBadOfferWeights) {
		t.Fatalf("expected ErrBadOfferWeights, got %v", err)
	}
}

func TestSingleOfferExceptionWinsRegardlessOfCoverage(t *testing.T) {
	// One offer pricing a single part out of three (~33% < 50% minimum).
	// The lone offer still wins the whole request.
	lone := mkOffer("o1", "adv-1", 3, map[string]int64{"p2": 90_000})

	award, _, err := fixedEvaluator(config.Default()).Evaluate(testRequest(), threeParts(), []offer.Offer{lone})
	if err != nil {
		t.Fatal(err)
	}

	if got := award.Covered(); got != 3 {
		t.Fatalf("covered = %d, want all 3 parts", got)
	}
	for _, p := range award.Parts {
		if !p.Covered || p.AdvisorID != "adv-1" || p.OfferID != "o1" {
			t.Fatalf("part %s must go to the lone offer, got %+v", p.PartID, p)
		}
		if p.PartID != "p2" && p.Amount != 0 {
			t.Fatalf("unpriced part %s carries amount %d", p.PartID, p.Amount)
		}
	}
	// Only the priced line contributes to the total.
	if award.TotalAmount != 90_000 {
		t.Fatalf("total = %d, want 90000", award.TotalAmount)
	}
}

func TestMinimumCoverageExcludesThinOffers(t *testing.T) {
	// Two offers: thin one covers 1/3 of quantity, fat one covers all three.
	thin := mkOffer("o1", "adv-1", 1, map[string]int64{"p1": 1}) // unbeatable prices but thin
	fat := mkOffer("o2", "adv-2", 5, map[string]int64{"p1": 200_000, "p2": 90_000, "p3": 450_000})

	award, _, err := fixedEvaluator(config.Default()).Evaluate(testRequest(), threeParts(), []offer.Offer{thin, fat})
	if err != nil {
		t.Fatal(err)
	}

	for _, p := range award.Parts {
		if !p.Covered || p.AdvisorID != "adv-2" {
			t.Fatalf("expected all parts to adv-2, got %+v", p)
		}
	}
}

func TestCascadeSplitsAcrossAdvisors(t *testing.T) {
	// A covers {p1,p2} with better prices than B, B covers {p2,p3}. A wins
	// p1 and p2, B picks up the part A left uncovered.
	offerA := mkOffer("oA", "adv-a", 2, map[string]int64{"p1": 100_000, "p2": 50_000})
	offerB := mkOffer("oB", "adv-b", 4, map[string]int64{"p2": 80_000, "p3": 300_000})

	award, scores, err := fixedEvaluator(config.Default()).Evaluate(testRequest(), threeParts(), []offer.Offer{offerB, offerA})
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{"p1": "adv-a", "p2": "adv-a", "p3": "adv-b"}
	for _, p := range award.Parts {
		if !p.Covered {
			t.Fatalf("part %s uncovered", p.PartID)
		}
		if p.AdvisorID != want[p.PartID] {
			t.Fatalf("part %s awarded to %s, want %s", p.PartID, p.AdvisorID, want[p.PartID])
		}
	}
	if len(award.AdvisorIDs()) != 2 {
		t.Fatalf("expected a mixed award across 2 advisors")
	}
	if len(scores) != 2 {
		t.Fatalf("expected 2 offer scores in snapshot, got %d", len(scores))
	}
}

func TestUncoveredPartsAreListedNotErrors(t *testing.T) {
	// Nobody offers p3.
	offerA := mkOffer("oA", "adv-a", 2, map[string]int64{"p1": 100_000, "p2": 50_000})
	offerB := mkOffer("oB", "adv-b", 4, map[string]int64{"p1": 120_000, "p2": 60_000})

	award, _, err := fixedEvaluator(config.Default()).Evaluate(testRequest(), threeParts(), []offer.Offer{offerA, offerB})
	if err != nil {
		t.Fatal(err)
	}

	covered := award.Covered()
	if covered != 2 {
		t.Fatalf("covered = %d, want 2", covered)
	}
	for _, p := range award.Parts {
		if p.PartID == "p3" && p.Covered {
			t.Fatal("p3 must be explicitly uncovered")
		}
	}
}

func TestEvaluateDeterministicForFixedOfferSet(t *testing.T) {
	offers := []offer.Offer{
		mkOffer("oA", "adv-a", 2, map[string]int64{"p1": 100_000, "p2": 50_000}),
		mkOffer("oB", "adv-b", 2, map[string]int64{"p1": 100_000, "p2": 50_000}),
	}

	ev := fixedEvaluator(config.Default())
	first, _, err := ev.Evaluate(testRequest(), threeParts(), offers)
	if err != nil {
		t.Fatal(err)
	}

	// Same offers, reversed arrival order.
	reversed := []offer.Offer{offers[1], offers[0]}
	second, _, err := ev.Evaluate(testRequest(), threeParts(), reversed)
	if err != nil {
		t.Fatal(err)
	}

	for i := range first.Parts {
		if first.Parts[i].AdvisorID != second.Parts[i].AdvisorID {
			t.Fatalf("part %s winner changed with arrival order: %s vs %s",
				first.Parts[i].PartID, first.Parts[i].AdvisorID, second.Parts[i].AdvisorID)
		}
	}
	// Identical offers tie on everything; advisor id decides.
	for _, p := range first.Parts {
		if p.Covered && p.AdvisorID != "adv-a" {
			t.Fatalf("expected id tie-break to adv-a, got %s", p.AdvisorID)
		}
	}
}

func TestLineScoreBreaksCompositeTies(t *testing.T) {
	// Both offers cover both parts with mirrored prices: identical
	// composites, but each is cheaper on a different part.
	offerA := mkOffer("oA", "adv-a", 3, map[string]int64{"p1": 100_000, "p2": 200_000})
	offerB := mkOffer("oB", "adv-b", 3, map[string]int64{"p1": 200_000, "p2": 100_000})

	parts := []request.Part{
		{ID: "p1", RequestID: "req-1", Position: 1, Name: "brake pads", Quantity: 1},
		{ID: "p2", RequestID: "req-1", Position: 2, Name: "oil filter", Quantity: 1},
	}

	award, _, err := fixedEvaluator(config.Default()).Evaluate(testRequest(), parts, []offer.Offer{offerA, offerB})
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{"p1": "adv-a", "p2": "adv-b"}
	for _, p := range award.Parts {
		if p.AdvisorID != want[p.PartID] {
			t.Fatalf("part %s awarded to %s, want %s (line-score tie break)", p.PartID, p.AdvisorID, want[p.PartID])
		}
	}
}

func TestQuantityWeightedCoverage(t *testing.T) {
	parts := []request.Part{
		{ID: "p1", RequestID: "req-1", Position: 1, Name: "spark plug", Quantity: 8},
		{ID: "p2", RequestID: "req-1", Position: 2, Name: "coil", Quantity: 2},
	}
	// Covers only p1, but p1 is 80% of requested quantity.
	big := mkOffer("o1", "adv-1", 3, map[string]int64{"p1": 20_000})
	full := mkOffer("o2", "adv-2", 3, map[string]int64{"p1": 30_000, "p2": 100_000})

	_, scores, err := fixedEvaluator(config.Default()).Evaluate(testRequest(), parts, []offer.Offer{big, full})
	if err != nil {
		t.Fatal(err)
	}

	for _, s := range scores {
		switch s.OfferID {
		case "o1":
			if s.Coverage != 0.8 {
				t.Fatalf("o1 coverage = %v, want 0.8", s.Coverage)
			}
		case "o2":
			if s.Coverage != 1.0 {
				t.Fatalf("o2 coverage = %v, want 1.0", s.Coverage)
			}
		}
	}
}
