package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Relay drains pending outbox rows and publishes them to redis pub/sub,
// where the channel-specific delivery collaborators (SMS/WhatsApp/push/
// email) pick them up. Delivery guarantees past redis are theirs, not ours.
type Relay struct {
	pool        *pgxpool.Pool
	client      *redis.Client
	logger      *zap.Logger
	interval    time.Duration
	maxAttempts int
}

func NewRelay(pool *pgxpool.Pool, client *redis.Client, maxAttempts int, logger *zap.Logger) *Relay {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Relay{
		pool:        pool,
		client:      client,
		logger:      logger,
		interval:    200 * time.Millisecond,
		maxAttempts: maxAttempts,
	}
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	r.interval = d
	return r
}

// Run drains the outbox until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drainBatch(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("outbox drain failed", zap.Error(err))
			}
		}
	}
}

func (r *Relay) drainBatch(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("notify: begin drain tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 50
	`)
	if err != nil {
		return fmt.Errorf("notify: select pending: %w", err)
	}

	type pending struct {
		id       int64
		topic    string
		payload  []byte
		attempts int
	}
	batch := make([]pending, 0, 50)
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.topic, &p.payload, &p.attempts); err != nil {
			rows.Close()
			return fmt.Errorf("notify: scan pending: %w", err)
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("notify: iterate pending: %w", err)
	}

	for _, p := range batch {
		pubErr := r.client.Publish(ctx, "notify."+p.topic, p.payload).Err()
		if pubErr == nil {
			if _, err := tx.Exec(ctx,
				`UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = now() WHERE id = $1`,
				p.id); err != nil {
				return fmt.Errorf("notify: mark processed: %w", err)
			}
			continue
		}

		status := "pending"
		if p.attempts+1 >= r.maxAttempts {
			status = "dead"
			r.logger.Error("outbox message dead-lettered",
				zap.Int64("outbox_id", p.id),
				zap.String("topic", p.topic),
				zap.Error(pubErr),
			)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET status = $2, attempts = attempts + 1, last_attempt = now() WHERE id = $1`,
			p.id, status); err != nil {
			return fmt.Errorf("notify: mark attempt: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("notify: commit drain: %w", err)
	}
	return nil
}
