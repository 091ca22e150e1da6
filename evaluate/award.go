package evaluate

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ClosureRule names what ended a request's collection phase.
type ClosureRule string

const (
	ClosedByTimeout     ClosureRule = "timeout"
	ClosedByMinReached  ClosureRule = "minimum_reached"
	ClosedBySingleOffer ClosureRule = "single_offer_exception"
	ClosedManually      ClosureRule = "manual"
)

// PartAward is the decision for one requested part: a winning (offer,
// advisor) pair or an explicit "uncovered".
type PartAward struct {
	PartID    string  `json:"part_id"`
	PartName  string  `json:"part_name"`
	Quantity  int     `json:"quantity"`
	Covered   bool    `json:"covered"`
	OfferID   string  `json:"offer_id,omitempty"`
	AdvisorID string  `json:"advisor_id,omitempty"`
	LineScore float64 `json:"line_score,omitempty"`
	Amount    int64   `json:"amount,omitempty"`
}

// Award is the evaluator's decision for a whole request. It may be mixed:
// different advisors winning different parts. Immutable once created.
type Award struct {
	ID          string      `json:"id"`
	RequestID   string      `json:"request_id"`
	Parts       []PartAward `json:"parts"`
	TotalAmount int64       `json:"total_amount"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Covered counts how many parts got a winner.
func (a Award) Covered() int {
	n := 0
	for _, p := range a.Parts {
		if p.Covered {
			n++
		}
	}
	return n
}

// AdvisorIDs lists the distinct winning advisors in part order.
func (a Award) AdvisorIDs() []string {
	seen := make(map[string]bool, 2)
	out := make([]string, 0, 2)
	for _, p := range a.Parts {
		if p.Covered && !seen[p.AdvisorID] {
			seen[p.AdvisorID] = true
			out = append(out, p.AdvisorID)
		}
	}
	return out
}

// AwardRepository persists awards and answers the uncovered-parts view.
type AwardRepository interface {
	Create(ctx context.Context, tx pgx.Tx, award Award) error
	UncoveredParts(ctx context.Context, requestID string) ([]string, error)
}

type PGAwardRepository struct {
	pool *pgxpool.Pool
}

func NewAwardRepository(pool *pgxpool.Pool) *PGAwardRepository {
	return &PGAwardRepository{pool: pool}
}

func (r *PGAwardRepository) Create(ctx context.Context, tx pgx.Tx, award Award) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO awards (id, request_id, total_amount, created_at)
		VALUES ($1, $2, $3, $4)
	`, award.ID, award.RequestID, award.TotalAmount, award.CreatedAt); err != nil {
		return fmt.Errorf("evaluate: insert award: %w", err)
	}

	const lineSQL = `
		INSERT INTO award_lines (award_id, part_id, offer_id, advisor_id, line_score, amount, covered)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, p := range award.Parts {
		var offerID, advisorID any
		if p.Covered {
			offerID, advisorID = p.OfferID, p.AdvisorID
		}
		if _, err := tx.Exec(ctx, lineSQL,
			award.ID, p.PartID, offerID, advisorID, p.LineScore, p.Amount, p.Covered,
		); err != nil {
			return fmt.Errorf("evaluate: insert award line: %w", err)
		}
	}
	return nil
}

func (r *PGAwardRepository) UncoveredParts(ctx context.Context, requestID string) ([]string, error) {
	const query = `
		SELECT p.name
		FROM award_lines l
		JOIN awards a ON a.id = l.award_id
		JOIN request_parts p ON p.id = l.part_id
		WHERE a.request_id = $1 AND NOT l.covered
		ORDER BY p.position ASC
	`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("evaluate: query uncovered: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0, 2)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("evaluate: scan uncovered: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evaluate: iterate uncovered: %w", err)
	}
	return names, nil
}
