package notify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"partsflow/advisor"
)

// TopicAdvisorAlert is published once per advisor chosen at a level entry.
const TopicAdvisorAlert = "notification.advisor_alert"

// Batch is one level entry's worth of notifications.
type Batch struct {
	RequestID string
	Level     int
	Scores    []advisor.Score
}

// Dispatcher hands a notification batch to the external delivery
// collaborator. Fire-and-forget from the scheduler's point of view.
type Dispatcher interface {
	Dispatch(ctx context.Context, tx pgx.Tx, batch Batch) error
}

// OutboxDispatcher enqueues one outbox message per advisor and records the
// notification in the log that backs the already-notified exclusion and the
// load-balancing tie-break.
type OutboxDispatcher struct {
	outbox *Outbox
}

func NewOutboxDispatcher(outbox *Outbox) *OutboxDispatcher {
	if outbox == nil {
		outbox = NewOutbox()
	}
	return &OutboxDispatcher{outbox: outbox}
}

func (d *OutboxDispatcher) Dispatch(ctx context.Context, tx pgx.Tx, batch Batch) error {
	const logSQL = `
		INSERT INTO notification_log (request_id, advisor_id, level)
		VALUES ($1, $2, $3)
	`
	for _, s := range batch.Scores {
		payload := map[string]any{
			"request_id": batch.RequestID,
			"advisor_id": s.AdvisorID,
			"level":      batch.Level,
			"score":      s.Composite,
		}
		if err := d.outbox.Enqueue(ctx, tx, TopicAdvisorAlert, payload); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, logSQL, batch.RequestID, s.AdvisorID, batch.Level); err != nil {
			return fmt.Errorf("notify: log notification: %w", err)
		}
	}
	return nil
}
