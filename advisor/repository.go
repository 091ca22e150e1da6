package advisor

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolRepository reads the candidate pool for a request's geography.
type PoolRepository interface {
	Candidates(ctx context.Context, geo Geography) ([]Candidate, error)
}

// PGPoolRepository queries advisor rows together with their notification
// counts over the recent window. Aggregates on the advisors table are
// maintained by the external CRM surfaces.
type PGPoolRepository struct {
	pool *pgxpool.Pool
}

func NewPoolRepository(pool *pgxpool.Pool) *PGPoolRepository {
	return &PGPoolRepository{pool: pool}
}

func (r *PGPoolRepository) Candidates(ctx context.Context, geo Geography) ([]Candidate, error) {
	// No geographic filter: upper escalation levels must reach advisors
	// far from the origin, so proximity ranks candidates instead of
	// excluding them. The join supplies the recent solicitation count.
	const query = `
		SELECT a.id, a.city, a.metro_area, a.logistics_hub,
		       a.response_rate, a.recent_responses,
		       a.win_rate, a.fulfillment_rate, a.fulfilled_orders,
		       a.trust_rating,
		       COALESCE(n.cnt, 0)
		FROM advisors a
		LEFT JOIN (
			SELECT advisor_id, COUNT(*) AS cnt
			FROM notification_log
			WHERE sent_at > now() - interval '7 days'
			GROUP BY advisor_id
		) n ON n.advisor_id = a.id
		WHERE a.active
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("advisor: query candidates: %w", err)
	}
	defer rows.Close()

	out := make([]Candidate, 0, 32)
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.City, &c.MetroArea, &c.LogisticsHub,
			&c.ResponseRate, &c.RecentResponses,
			&c.WinRate, &c.FulfillmentRate, &c.FulfilledOrders,
			&c.TrustRating, &c.RecentNotifications); err != nil {
			return nil, fmt.Errorf("advisor: scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("advisor: iterate candidates: %w", err)
	}
	return out, nil
}
