package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the cross-table invariants checked during a stress run. Each
// query must return zero rows on a healthy database.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_offer_per_advisor",
			SQL: `SELECT request_id, advisor_id, COUNT(*) FROM offers
                  GROUP BY request_id, advisor_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_offer_count_consistent",
			SQL: `SELECT r.id, r.offer_count FROM requests r
                  WHERE r.offer_count <> (SELECT COUNT(*) FROM offers o WHERE o.request_id = r.id)`,
		},
		{
			Name: "O3_level_in_range",
			SQL:  `SELECT id, level FROM requests WHERE level < 1 OR level > 5`,
		},
		{
			Name: "O4_awarded_has_award",
			SQL: `SELECT r.id FROM requests r
                  WHERE r.status = 'awarded'
                    AND NOT EXISTS (SELECT 1 FROM awards a WHERE a.request_id = r.id)`,
		},
		{
			Name: "O5_single_award_per_request",
			SQL: `SELECT request_id, COUNT(*) FROM awards
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_award_lines_reference_request_offers",
			SQL: `SELECT l.id FROM award_lines l
                  JOIN awards a ON a.id = l.award_id
                  JOIN offers o ON o.id = l.offer_id
                  WHERE l.covered AND o.request_id <> a.request_id`,
		},
		{
			Name: "O7_no_duplicate_notifications",
			SQL: `SELECT request_id, advisor_id, COUNT(*) FROM notification_log
                  GROUP BY request_id, advisor_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_no_offers_means_closed_empty",
			SQL: `SELECT r.id FROM requests r
                  WHERE r.status = 'closed_no_offers'
                    AND EXISTS (SELECT 1 FROM offers o WHERE o.request_id = r.id)`,
		},
		{
			Name: "O9_terminal_requests_closed",
			SQL: `SELECT id, status FROM requests
                  WHERE status IN ('awarded', 'closed_no_offers', 'cancelled')
                    AND closed_at IS NULL`,
		},
		{
			Name: "O10_outbox_not_stuck",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed', 'dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
