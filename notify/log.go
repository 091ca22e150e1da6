package notify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Log reads the notification log back for escalation: advisors already
// alerted at a lower level are never alerted twice for the same request.
type Log struct {
	pool *pgxpool.Pool
}

func NewLog(pool *pgxpool.Pool) *Log {
	return &Log{pool: pool}
}

func (l *Log) NotifiedAdvisors(ctx context.Context, requestID string) (map[string]bool, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT DISTINCT advisor_id FROM notification_log WHERE request_id = $1`, requestID)
	if err != nil {
		return nil, fmt.Errorf("notify: query notified: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("notify: scan notified: %w", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate notified: %w", err)
	}
	return out, nil
}
