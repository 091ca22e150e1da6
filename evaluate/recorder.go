package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"partsflow/advisor"
	"partsflow/offer"
)

// ErrRecording wraps an audit write that kept failing after retries. The
// award itself is final by the time recording starts; callers surface this
// for an independent retry, they do not roll the award back.
var ErrRecording = errors.New("evaluate: recording failed")

// Snapshot freezes everything the decision was based on. Values are copied
// deliberately: the audit trail must stay readable even after the live rows
// move on.
type Snapshot struct {
	CandidateScores map[int][]advisor.Score `json:"candidate_scores"`
	Offers          []offer.Offer           `json:"offers"`
	OfferScores     []OfferScore            `json:"offer_scores"`
	Award           Award                   `json:"award"`
}

// Record is one append-only evaluation audit entry.
type Record struct {
	ID            string
	RequestID     string
	LevelReached  int
	ClosureRule   ClosureRule
	ConfigVersion string
	Snapshot      Snapshot
	CreatedAt     time.Time
}

// RecordStore persists records; AuditFeed streams them to BI consumers.
type RecordStore interface {
	Insert(ctx context.Context, rec Record) error
}

type AuditFeed interface {
	Publish(ctx context.Context, rec Record) error
}

type PGRecordStore struct {
	pool *pgxpool.Pool
}

func NewRecordStore(pool *pgxpool.Pool) *PGRecordStore {
	return &PGRecordStore{pool: pool}
}

func (s *PGRecordStore) Insert(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("evaluate: marshal snapshot: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO evaluation_records (id, request_id, level_reached, closure_rule, config_version, snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, rec.ID, rec.RequestID, rec.LevelReached, rec.ClosureRule, rec.ConfigVersion, body, rec.CreatedAt); err != nil {
		return fmt.Errorf("evaluate: insert record: %w", err)
	}
	return nil
}

// StreamAuditFeed XADDs each record to a redis stream for analytics.
type StreamAuditFeed struct {
	client *redis.Client
	stream string
}

func NewStreamAuditFeed(client *redis.Client, stream string) *StreamAuditFeed {
	if stream == "" {
		stream = "evaluation.audit"
	}
	return &StreamAuditFeed{client: client, stream: stream}
}

func (f *StreamAuditFeed) Publish(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("evaluate: marshal feed snapshot: %w", err)
	}
	err = f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: f.stream,
		Values: map[string]any{
			"record_id":      rec.ID,
			"request_id":     rec.RequestID,
			"level_reached":  rec.LevelReached,
			"closure_rule":   string(rec.ClosureRule),
			"config_version": rec.ConfigVersion,
			"snapshot":       string(body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("evaluate: publish audit feed: %w", err)
	}
	return nil
}

// Recorder writes the audit trail with capped-backoff retries. Feed publish
// failures are logged but never fail recording: the durable row is the
// source of truth, the stream is a convenience.
type Recorder struct {
	store    RecordStore
	feed     AuditFeed
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
	sleep    func(time.Duration)
}

func NewRecorder(store RecordStore, attempts int, backoff time.Duration, logger *zap.Logger) *Recorder {
	if attempts < 1 {
		attempts = 1
	}
	return &Recorder{
		store:    store,
		attempts: attempts,
		backoff:  backoff,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

func (r *Recorder) WithFeed(feed AuditFeed) *Recorder {
	r.feed = feed
	return r
}

func (r *Recorder) WithSleep(sleep func(time.Duration)) *Recorder {
	r.sleep = sleep
	return r
}

// Record persists the evaluation record, retrying transient failures.
func (r *Recorder) Record(ctx context.Context, rec Record) error {
	var lastErr error
	delay := r.backoff
	for attempt := 1; attempt <= r.attempts; attempt++ {
		lastErr = r.store.Insert(ctx, rec)
		if lastErr == nil {
			break
		}
		r.logger.Warn("evaluation record write failed",
			zap.String("request_id", rec.RequestID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt < r.attempts {
			r.sleep(delay)
			if delay < 10*time.Second {
				delay *= 2
			}
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrRecording, lastErr)
	}

	if r.feed != nil {
		if err := r.feed.Publish(ctx, rec); err != nil {
			r.logger.Warn("audit feed publish failed",
				zap.String("request_id", rec.RequestID),
				zap.Error(err),
			)
		}
	}
	return nil
}
