package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"partsflow/config"
	"partsflow/request"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ErrRequestNotOpen signals the owning request no longer accepts offers.
// Late responses to stale notifications land here.
var ErrRequestNotOpen = errors.New("offer: request not open for offers")

// requestStore is the slice of the request repository the collector needs.
type requestStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (request.Request, error)
	Parts(ctx context.Context, requestID string) ([]request.Part, error)
}

// FastPath receives the live offer count after each first-time acceptance so
// the scheduler can close the level early once enough competition exists.
type FastPath interface {
	OfferAccepted(requestID string, count int)
}

// Collector validates and persists incoming offers. Its path is synchronous
// and non-blocking: one short transaction under the request row lock.
type Collector struct {
	pool     TxBeginner
	offers   Repository
	requests requestStore
	fastPath FastPath
	bounds   config.OfferBounds
	idGen    func() string
	now      func() time.Time
	logger   *zap.Logger
}

func NewCollector(pool TxBeginner, offers Repository, requests requestStore, bounds config.OfferBounds, logger *zap.Logger) *Collector {
	return &Collector{
		pool:     pool,
		offers:   offers,
		requests: requests,
		bounds:   bounds,
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
		logger:   logger,
	}
}

func (c *Collector) WithFastPath(fp FastPath) *Collector {
	c.fastPath = fp
	return c
}

func (c *Collector) WithIDGenerator(gen func() string) *Collector {
	c.idGen = gen
	return c
}

type LineParams struct {
	PartID         string
	UnitPrice      int64
	WarrantyMonths int
	Included       bool
}

type SubmitParams struct {
	RequestID    string
	AdvisorID    string
	DeliveryDays int
	Lines        []LineParams
}

// Submit accepts or rejects one offer. Any violation returns a
// *ValidationError (or ErrRequestNotOpen) and leaves the request untouched.
func (c *Collector) Submit(ctx context.Context, params SubmitParams) (Offer, error) {
	if params.RequestID == "" {
		return Offer{}, invalid("request_id", "required")
	}
	if params.AdvisorID == "" {
		return Offer{}, invalid("advisor_id", "required")
	}
	if params.DeliveryDays <= 0 || params.DeliveryDays > c.bounds.DeliveryMaxDays {
		return Offer{}, invalid("delivery_days",
			fmt.Sprintf("must be within [1, %d]", c.bounds.DeliveryMaxDays))
	}
	if len(params.Lines) == 0 {
		return Offer{}, invalid("lines", "at least one line item required")
	}

	parts, err := c.requests.Parts(ctx, params.RequestID)
	if err != nil {
		return Offer{}, err
	}
	partIDs := make(map[string]bool, len(parts))
	for _, p := range parts {
		partIDs[p.ID] = true
	}

	seen := make(map[string]bool, len(params.Lines))
	anyIncluded := false
	for _, line := range params.Lines {
		if !partIDs[line.PartID] {
			return Offer{}, invalid("lines", fmt.Sprintf("part %s is not part of the request", line.PartID))
		}
		if seen[line.PartID] {
			return Offer{}, invalid("lines", fmt.Sprintf("duplicate line for part %s", line.PartID))
		}
		seen[line.PartID] = true
		if !line.Included {
			continue
		}
		anyIncluded = true
		if line.UnitPrice < c.bounds.PriceMin || line.UnitPrice > c.bounds.PriceMax {
			return Offer{}, invalid("unit_price",
				fmt.Sprintf("must be within [%d, %d]", c.bounds.PriceMin, c.bounds.PriceMax))
		}
		if line.WarrantyMonths < 0 || line.WarrantyMonths > c.bounds.WarrantyMaxMonths {
			return Offer{}, invalid("warranty_months",
				fmt.Sprintf("must be within [0, %d]", c.bounds.WarrantyMaxMonths))
		}
	}
	if !anyIncluded {
		return Offer{}, invalid("lines", "offer includes no parts")
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := c.requests.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return Offer{}, err
	}
	if req.Status != request.StatusOpen {
		return Offer{}, ErrRequestNotOpen
	}

	o := Offer{
		ID:           c.idGen(),
		RequestID:    params.RequestID,
		AdvisorID:    params.AdvisorID,
		DeliveryDays: params.DeliveryDays,
		SubmittedAt:  c.now(),
	}
	for _, line := range params.Lines {
		o.Lines = append(o.Lines, LineItem{
			ID:             c.idGen(),
			OfferID:        o.ID,
			PartID:         line.PartID,
			UnitPrice:      line.UnitPrice,
			WarrantyMonths: line.WarrantyMonths,
			Included:       line.Included,
		})
	}

	replaced, err := c.offers.Replace(ctx, tx, o)
	if err != nil {
		return Offer{}, err
	}

	// A resubmission replaces the prior offer and must not count twice.
	count := req.OfferCount
	if !replaced {
		count, err = c.offers.IncrementRequestOfferCount(ctx, tx, params.RequestID)
		if err != nil {
			return Offer{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit tx: %w", err)
	}

	c.logger.Info("offer accepted",
		zap.String("request_id", params.RequestID),
		zap.String("advisor_id", params.AdvisorID),
		zap.Bool("replaced", replaced),
		zap.Int("offer_count", count),
	)

	if !replaced && c.fastPath != nil {
		c.fastPath.OfferAccepted(params.RequestID, count)
	}

	return o, nil
}
