package escalate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"partsflow/advisor"
	"partsflow/config"
	"partsflow/evaluate"
	"partsflow/notify"
	"partsflow/offer"
	"partsflow/request"
)

var (
	// ErrNotOpen signals the request has no live actor (already terminal
	// or never opened on this node).
	ErrNotOpen = errors.New("escalate: request not open")
	// ErrShuttingDown rejects new requests while the scheduler drains.
	ErrShuttingDown = errors.New("escalate: scheduler shutting down")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type requestStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (request.Request, error)
	Parts(ctx context.Context, requestID string) ([]request.Part, error)
	EnterLevel(ctx context.Context, tx pgx.Tx, id string, level int, enteredAt time.Time) (request.Request, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status request.Status) (request.Request, error)
	MarkAwarded(ctx context.Context, tx pgx.Tx, id string, amount int64, at time.Time) (request.Request, error)
	MarkCancelled(ctx context.Context, tx pgx.Tx, id string, reason *string) (request.Request, error)
	ListOpen(ctx context.Context) ([]request.Request, error)
}

type offerStore interface {
	ListForRequest(ctx context.Context, requestID string) ([]offer.Offer, error)
}

type candidateSource interface {
	Candidates(ctx context.Context, geo advisor.Geography) ([]advisor.Candidate, error)
}

type ranker interface {
	Rank(requestID string, level int, geo advisor.Geography, pool []advisor.Candidate) ([]advisor.Score, error)
}

type evaluator interface {
	Evaluate(req request.Request, parts []request.Part, offers []offer.Offer) (evaluate.Award, []evaluate.OfferScore, error)
}

type awardStore interface {
	Create(ctx context.Context, tx pgx.Tx, award evaluate.Award) error
}

type recorder interface {
	Record(ctx context.Context, rec evaluate.Record) error
}

type notifiedIndex interface {
	NotifiedAdvisors(ctx context.Context, requestID string) (map[string]bool, error)
}

type outboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Scheduler owns every open request's timed state machine. Each request is
// a single-writer actor: one goroutine receives its offer, cancel and
// timeout events through one channel, so level transitions never race the
// fast-path trigger.
type Scheduler struct {
	pool       TxBeginner
	requests   requestStore
	offers     offerStore
	candidates candidateSource
	scorer     ranker
	evaluator  evaluator
	awards     awardStore
	recorder   recorder
	dispatcher notify.Dispatcher
	notified   notifiedIndex
	outbox     outboxWriter
	cfg        config.Engine
	logger     *zap.Logger

	idGen func() string
	now   func() time.Time

	ctx     context.Context
	stop    context.CancelFunc
	closing *atomic.Bool
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	mu     sync.Mutex
	actors map[string]*actor
}

type eventKind int

const (
	evOffer eventKind = iota
	evCancel
	evForce
)

type event struct {
	kind   eventKind
	count  int
	reason *string
}

type actor struct {
	requestID string
	events    chan event
}

type Deps struct {
	Pool       TxBeginner
	Requests   requestStore
	Offers     offerStore
	Candidates candidateSource
	Scorer     ranker
	Evaluator  evaluator
	Awards     awardStore
	Recorder   recorder
	Dispatcher notify.Dispatcher
	Notified   notifiedIndex
	Outbox     outboxWriter
}

func NewScheduler(deps Deps, cfg config.Engine, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		pool:       deps.Pool,
		requests:   deps.Requests,
		offers:     deps.Offers,
		candidates: deps.Candidates,
		scorer:     deps.Scorer,
		evaluator:  deps.Evaluator,
		awards:     deps.Awards,
		recorder:   deps.Recorder,
		dispatcher: deps.Dispatcher,
		notified:   deps.Notified,
		outbox:     deps.Outbox,
		cfg:        cfg,
		logger:     logger,
		idGen:      func() string { return uuid.NewString() },
		now:        time.Now,
		ctx:        ctx,
		stop:       cancel,
		closing:    atomic.NewBool(false),
		sem:        semaphore.NewWeighted(cfg.MaxOpenRequests),
		actors:     make(map[string]*actor),
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) WithIDGenerator(gen func() string) *Scheduler {
	s.idGen = gen
	return s
}

// Open adopts a freshly created request at level 1.
func (s *Scheduler) Open(ctx context.Context, req request.Request) error {
	return s.adopt(ctx, req, false)
}

// Resume re-adopts requests left open by a previous run. Requests found in
// the evaluating state are evaluated immediately; open ones serve out the
// remainder of their level window without re-notifying anyone.
func (s *Scheduler) Resume(ctx context.Context) error {
	open, err := s.requests.ListOpen(ctx)
	if err != nil {
		return err
	}
	for _, req := range open {
		if err := s.adopt(ctx, req, true); err != nil {
			return fmt.Errorf("escalate: resume %s: %w", req.ID, err)
		}
	}
	if len(open) > 0 {
		s.logger.Info("resumed open requests", zap.Int("count", len(open)))
	}
	return nil
}

func (s *Scheduler) adopt(ctx context.Context, req request.Request, resumed bool) error {
	if s.closing.Load() {
		return ErrShuttingDown
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("escalate: acquire worker slot: %w", err)
	}

	a := &actor{
		requestID: req.ID,
		events:    make(chan event, 16),
	}

	s.mu.Lock()
	if _, exists := s.actors[req.ID]; exists {
		s.mu.Unlock()
		s.sem.Release(1)
		return fmt.Errorf("escalate: request %s already open", req.ID)
	}
	s.actors[req.ID] = a
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer func() {
			s.mu.Lock()
			delete(s.actors, req.ID)
			s.mu.Unlock()
		}()
		s.run(a, req, resumed)
	}()

	return nil
}

// OfferAccepted is the collector's fast-path signal. Unknown requests are
// ignored: the collector already rejected offers for non-open requests.
func (s *Scheduler) OfferAccepted(requestID string, count int) {
	s.send(requestID, event{kind: evOffer, count: count})
}

// Cancel withdraws a request: the actor disarms its timer and transitions
// the request to cancelled.
func (s *Scheduler) Cancel(requestID string, reason *string) error {
	if !s.send(requestID, event{kind: evCancel, reason: reason}) {
		return ErrNotOpen
	}
	return nil
}

// ForceEvaluate closes collection manually, provided at least one offer
// exists when the actor processes the event.
func (s *Scheduler) ForceEvaluate(requestID string) error {
	if !s.send(requestID, event{kind: evForce}) {
		return ErrNotOpen
	}
	return nil
}

func (s *Scheduler) send(requestID string, ev event) bool {
	s.mu.Lock()
	a, ok := s.actors[requestID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case a.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Shutdown stops accepting requests, cancels every actor's wait and blocks
// until they have drained. Requests stay open in storage and are picked up
// again by Resume on the next run.
func (s *Scheduler) Shutdown() {
	s.closing.Store(true)
	s.stop()
	s.wg.Wait()
	s.logger.Info("scheduler drained")
}

// run is the actor loop: the only goroutine that may transition its
// request. Exactly one timer is armed at a time.
func (s *Scheduler) run(a *actor, req request.Request, resumed bool) {
	ctx := s.ctx
	scoresByLevel := make(map[int][]advisor.Score, config.MaxLevel)

	level := req.Level
	if level < 1 {
		level = 1
	}

	if req.Status == request.StatusEvaluating {
		// Interrupted mid-evaluation by a previous shutdown.
		rule := evaluate.ClosedByTimeout
		if req.OfferCount >= req.MinDesiredOffers {
			rule = evaluate.ClosedByMinReached
		}
		s.evaluateAndClose(ctx, req, level, rule, scoresByLevel)
		return
	}

	var deadline time.Time
	if resumed {
		deadline = req.LevelEnteredAt.Add(s.cfg.Levels[level-1].Timeout)
	} else {
		var ok bool
		deadline, ok = s.enterLevel(ctx, &req, level, scoresByLevel)
		if !ok {
			return
		}
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	rearm := func(d time.Duration) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}

	offerCount := req.OfferCount

	// handle applies one event and reports whether the actor is finished.
	handle := func(ev event) bool {
		switch ev.kind {
		case evOffer:
			if ev.count > offerCount {
				offerCount = ev.count
			}
			if offerCount >= req.MinDesiredOffers {
				timer.Stop()
				s.evaluateAndClose(ctx, req, level, evaluate.ClosedByMinReached, scoresByLevel)
				return true
			}

		case evCancel:
			timer.Stop()
			s.cancel(ctx, req, ev.reason)
			return true

		case evForce:
			if offerCount == 0 {
				s.logger.Warn("manual close ignored: no offers",
					zap.String("request_id", req.ID))
				return false
			}
			timer.Stop()
			s.evaluateAndClose(ctx, req, level, evaluate.ClosedManually, scoresByLevel)
			return true
		}
		return false
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-a.events:
			if handle(ev) {
				return
			}

		case <-timer.C:
			// Events queued before the timer fired win the race: a
			// threshold-crossing offer must start evaluation, never a
			// further notification wave.
			drained := false
			for !drained {
				select {
				case ev := <-a.events:
					if handle(ev) {
						return
					}
				default:
					drained = true
				}
			}

			if level < config.MaxLevel {
				level++
				next, ok := s.enterLevel(ctx, &req, level, scoresByLevel)
				if !ok {
					return
				}
				rearm(time.Until(next))
				continue
			}

			// Level 5 window expired: evaluate what we have or close empty.
			if offerCount > 0 {
				s.evaluateAndClose(ctx, req, level, evaluate.ClosedByTimeout, scoresByLevel)
				return
			}
			s.closeNoOffers(ctx, req)
			return
		}
	}
}

// enterLevel persists the level transition, ranks a fresh candidate
// snapshot and dispatches notifications to the top-K advisors not already
// notified at a lower level. Dispatch problems are logged and the timer
// proceeds regardless: a flaky channel must not stall escalation.
func (s *Scheduler) enterLevel(ctx context.Context, req *request.Request, level int, scoresByLevel map[int][]advisor.Score) (time.Time, bool) {
	enteredAt := s.now()

	geo := advisor.Geography{
		City:         req.OriginCity,
		MetroArea:    req.OriginDepartment,
		LogisticsHub: req.OriginDepartment,
	}

	pool, err := s.candidates.Candidates(ctx, geo)
	if err != nil {
		s.logger.Error("candidate snapshot failed",
			zap.String("request_id", req.ID), zap.Int("level", level), zap.Error(err))
		pool = nil
	}

	ranked, err := s.scorer.Rank(req.ID, level, geo, pool)
	if err != nil {
		s.logger.Error("candidate ranking failed",
			zap.String("request_id", req.ID), zap.Int("level", level), zap.Error(err))
		ranked = nil
	}
	scoresByLevel[level] = ranked

	already := map[string]bool{}
	if s.notified != nil {
		if already, err = s.notified.NotifiedAdvisors(ctx, req.ID); err != nil {
			s.logger.Warn("notified index read failed",
				zap.String("request_id", req.ID), zap.Error(err))
			already = map[string]bool{}
		}
	}

	fanOut := s.cfg.Levels[level-1].FanOut
	batch := notify.Batch{RequestID: req.ID, Level: level}
	for _, sc := range ranked {
		if len(batch.Scores) == fanOut {
			break
		}
		if already[sc.AdvisorID] {
			continue
		}
		batch.Scores = append(batch.Scores, sc)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.Error("level transition begin failed",
			zap.String("request_id", req.ID), zap.Error(err))
		return time.Time{}, false
	}
	defer tx.Rollback(ctx)

	current, err := s.requests.GetForUpdate(ctx, tx, req.ID)
	if err != nil {
		s.logger.Error("level transition load failed",
			zap.String("request_id", req.ID), zap.Error(err))
		return time.Time{}, false
	}
	if current.Status != request.StatusOpen {
		// Terminal elsewhere (e.g. cancelled through another node).
		return time.Time{}, false
	}

	updated, err := s.requests.EnterLevel(ctx, tx, req.ID, level, enteredAt)
	if err != nil {
		s.logger.Error("level transition write failed",
			zap.String("request_id", req.ID), zap.Error(err))
		return time.Time{}, false
	}

	if s.dispatcher != nil && len(batch.Scores) > 0 {
		if err := s.dispatcher.Dispatch(ctx, tx, batch); err != nil {
			// Dispatch is fire-and-forget; the window still opens.
			s.logger.Warn("notification dispatch failed",
				zap.String("request_id", req.ID), zap.Int("level", level), zap.Error(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("level transition commit failed",
			zap.String("request_id", req.ID), zap.Error(err))
		return time.Time{}, false
	}

	*req = updated
	s.logger.Info("level entered",
		zap.String("request_id", req.ID),
		zap.Int("level", level),
		zap.Int("notified", len(batch.Scores)),
	)

	return enteredAt.Add(s.cfg.Levels[level-1].Timeout), true
}

// evaluateAndClose runs the evaluator over the frozen offer set and
// finalizes the award. Recording happens after the award is terminal; a
// recording failure is retried there and never reopens the decision.
func (s *Scheduler) evaluateAndClose(ctx context.Context, req request.Request, level int, rule evaluate.ClosureRule, scoresByLevel map[int][]advisor.Score) {
	if !s.markEvaluating(ctx, req.ID) {
		return
	}

	parts, err := s.requests.Parts(ctx, req.ID)
	if err != nil {
		s.logger.Error("evaluation part load failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	offers, err := s.offers.ListForRequest(ctx, req.ID)
	if err != nil {
		s.logger.Error("evaluation offer load failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	if len(offers) == 1 {
		rule = evaluate.ClosedBySingleOffer
	}

	award, offerScores, err := s.evaluator.Evaluate(req, parts, offers)
	if err != nil {
		s.logger.Error("evaluation failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.Error("award begin failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	defer tx.Rollback(ctx)

	if err := s.awards.Create(ctx, tx, award); err != nil {
		s.logger.Error("award write failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	if _, err := s.requests.MarkAwarded(ctx, tx, req.ID, award.TotalAmount, s.now()); err != nil {
		s.logger.Error("award finalize failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	if s.outbox != nil {
		payload := map[string]any{
			"request_id":   req.ID,
			"award_id":     award.ID,
			"total_amount": award.TotalAmount,
			"advisors":     award.AdvisorIDs(),
			"closure_rule": string(rule),
		}
		if err := s.outbox.Enqueue(ctx, tx, "request.awarded", payload); err != nil {
			s.logger.Error("award outbox failed", zap.String("request_id", req.ID), zap.Error(err))
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("award commit failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}

	s.logger.Info("request awarded",
		zap.String("request_id", req.ID),
		zap.Int("level_reached", level),
		zap.String("closure_rule", string(rule)),
		zap.Int("covered_parts", award.Covered()),
		zap.Int64("total_amount", award.TotalAmount),
	)

	rec := evaluate.Record{
		ID:            s.idGen(),
		RequestID:     req.ID,
		LevelReached:  level,
		ClosureRule:   rule,
		ConfigVersion: s.cfg.Version,
		Snapshot: evaluate.Snapshot{
			CandidateScores: scoresByLevel,
			Offers:          offers,
			OfferScores:     offerScores,
			Award:           award,
		},
		CreatedAt: s.now(),
	}
	if err := s.recorder.Record(ctx, rec); err != nil {
		// Award stays final; the record write is independently retryable.
		s.logger.Error("evaluation recording failed",
			zap.String("request_id", req.ID), zap.Error(err))
	}
}

func (s *Scheduler) markEvaluating(ctx context.Context, requestID string) bool {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.Error("evaluating begin failed", zap.String("request_id", requestID), zap.Error(err))
		return false
	}
	defer tx.Rollback(ctx)

	current, err := s.requests.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		s.logger.Error("evaluating load failed", zap.String("request_id", requestID), zap.Error(err))
		return false
	}
	if current.Status != request.StatusOpen && current.Status != request.StatusEvaluating {
		return false
	}
	if current.Status == request.StatusOpen {
		if _, err := s.requests.SetStatus(ctx, tx, requestID, request.StatusEvaluating); err != nil {
			s.logger.Error("evaluating write failed", zap.String("request_id", requestID), zap.Error(err))
			return false
		}
	}
	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("evaluating commit failed", zap.String("request_id", requestID), zap.Error(err))
		return false
	}
	return true
}

func (s *Scheduler) closeNoOffers(ctx context.Context, req request.Request) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.Error("close begin failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	defer tx.Rollback(ctx)

	if _, err := s.requests.SetStatus(ctx, tx, req.ID, request.StatusClosedNoOffers); err != nil {
		s.logger.Error("close write failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	if s.outbox != nil {
		payload := map[string]any{"request_id": req.ID, "status": string(request.StatusClosedNoOffers)}
		if err := s.outbox.Enqueue(ctx, tx, "request.closed_no_offers", payload); err != nil {
			s.logger.Error("close outbox failed", zap.String("request_id", req.ID), zap.Error(err))
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("close commit failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}

	s.logger.Info("request closed without offers", zap.String("request_id", req.ID))
}

func (s *Scheduler) cancel(ctx context.Context, req request.Request, reason *string) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.Error("cancel begin failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	defer tx.Rollback(ctx)

	current, err := s.requests.GetForUpdate(ctx, tx, req.ID)
	if err != nil {
		s.logger.Error("cancel load failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	if current.Status.Terminal() {
		return
	}
	if _, err := s.requests.MarkCancelled(ctx, tx, req.ID, reason); err != nil {
		s.logger.Error("cancel write failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	if s.outbox != nil {
		payload := map[string]any{"request_id": req.ID, "status": string(request.StatusCancelled)}
		if reason != nil {
			payload["reason"] = *reason
		}
		if err := s.outbox.Enqueue(ctx, tx, "request.cancelled", payload); err != nil {
			s.logger.Error("cancel outbox failed", zap.String("request_id", req.ID), zap.Error(err))
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("cancel commit failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}

	s.logger.Info("request cancelled", zap.String("request_id", req.ID))
}
