package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrNoParts         = errors.New("request: at least one part required")
	ErrInvalidQuantity = errors.New("request: part quantity must be positive")
	ErrMissingField    = errors.New("request: missing required field")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OutboxWriter enqueues a lifecycle message inside the intake transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Opener hands a freshly created request to the escalation scheduler.
type Opener interface {
	Open(ctx context.Context, req Request) error
}

// AwardReader resolves which requested parts ended up uncovered, for the
// state view of terminal requests.
type AwardReader interface {
	UncoveredParts(ctx context.Context, requestID string) ([]string, error)
}

// Service owns request intake and the read surface. All lifecycle
// transitions after intake belong to the scheduler and the evaluator.
type Service struct {
	pool      TxBeginner
	repo      Repository
	outbox    OutboxWriter
	opener    Opener
	awards    AwardReader
	idGen     func() string
	now       func() time.Time
	version   string
	minOffers int
}

func NewService(pool TxBeginner, repo Repository, configVersion string, minDesiredOffers int) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		idGen:     func() string { return uuid.NewString() },
		now:       time.Now,
		version:   configVersion,
		minOffers: minDesiredOffers,
	}
}

func (s *Service) WithOutbox(out OutboxWriter) *Service {
	s.outbox = out
	return s
}

func (s *Service) WithOpener(op Opener) *Service {
	s.opener = op
	return s
}

func (s *Service) WithAwardReader(ar AwardReader) *Service {
	s.awards = ar
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

type PartParams struct {
	Name        string
	VehicleMake string
	VehicleLine string
	VehicleYear int
	Quantity    int
	Urgent      bool
}

type CreateParams struct {
	CustomerID       string
	OriginCity       string
	OriginDepartment string
	MinDesiredOffers int
	Parts            []PartParams
}

// Create validates and persists a new request, enqueues its lifecycle
// message and hands the request to the scheduler.
func (s *Service) Create(ctx context.Context, params CreateParams) (Request, error) {
	if params.CustomerID == "" {
		return Request{}, fmt.Errorf("%w: customer_id", ErrMissingField)
	}
	if strings.TrimSpace(params.OriginCity) == "" {
		return Request{}, fmt.Errorf("%w: origin_city", ErrMissingField)
	}
	if len(params.Parts) == 0 {
		return Request{}, ErrNoParts
	}
	for _, p := range params.Parts {
		if strings.TrimSpace(p.Name) == "" {
			return Request{}, fmt.Errorf("%w: part name", ErrMissingField)
		}
		if p.Quantity <= 0 {
			return Request{}, fmt.Errorf("%w: %q", ErrInvalidQuantity, p.Name)
		}
	}

	minOffers := params.MinDesiredOffers
	if minOffers <= 0 {
		minOffers = s.minOffers
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req := Request{
		ID:               s.idGen(),
		CustomerID:       params.CustomerID,
		OriginCity:       strings.TrimSpace(params.OriginCity),
		OriginDepartment: strings.TrimSpace(params.OriginDepartment),
		Level:            1,
		MinDesiredOffers: minOffers,
		Status:           StatusOpen,
		ConfigVersion:    s.version,
	}

	parts := make([]Part, 0, len(params.Parts))
	for i, p := range params.Parts {
		parts = append(parts, Part{
			ID:          s.idGen(),
			RequestID:   req.ID,
			Position:    i + 1,
			Name:        strings.TrimSpace(p.Name),
			VehicleMake: p.VehicleMake,
			VehicleLine: p.VehicleLine,
			VehicleYear: p.VehicleYear,
			Quantity:    p.Quantity,
			Urgent:      p.Urgent,
		})
	}

	created, err := s.repo.Create(ctx, tx, req, parts)
	if err != nil {
		return Request{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"request_id":  created.ID,
			"origin_city": created.OriginCity,
			"parts":       len(parts),
		}
		if err := s.outbox.Enqueue(ctx, tx, "request.created", payload); err != nil {
			return Request{}, fmt.Errorf("request: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit tx: %w", err)
	}

	if s.opener != nil {
		if err := s.opener.Open(ctx, created); err != nil {
			return Request{}, fmt.Errorf("request: open for escalation: %w", err)
		}
	}

	return created, nil
}

// State returns the live view of a request for analytics/CRUD consumption.
func (s *Service) State(ctx context.Context, id string) (StateView, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return StateView{}, err
	}

	view := StateView{
		ID:            req.ID,
		Status:        req.Status,
		Level:         req.Level,
		OfferCount:    req.OfferCount,
		AwardedAmount: req.AwardedAmount,
	}

	if req.Status == StatusAwarded && s.awards != nil {
		uncovered, err := s.awards.UncoveredParts(ctx, id)
		if err != nil {
			return StateView{}, fmt.Errorf("request: resolve uncovered parts: %w", err)
		}
		view.UncoveredParts = uncovered
	}

	return view, nil
}

// Parts lists the ordered part entries of a request.
func (s *Service) Parts(ctx context.Context, id string) ([]Part, error) {
	return s.repo.Parts(ctx, id)
}
