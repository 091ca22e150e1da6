package offer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists offers with last-write-wins semantics per advisor.
type Repository interface {
	Replace(ctx context.Context, tx pgx.Tx, o Offer) (replaced bool, err error)
	ListForRequest(ctx context.Context, requestID string) ([]Offer, error)
	IncrementRequestOfferCount(ctx context.Context, tx pgx.Tx, requestID string) (int, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Replace inserts the offer, first removing any prior offer by the same
// advisor for the same request. The caller's transaction holds the request
// row lock, which serializes competing resubmissions.
func (r *PGRepository) Replace(ctx context.Context, tx pgx.Tx, o Offer) (bool, error) {
	tag, err := tx.Exec(ctx,
		`DELETE FROM offers WHERE request_id = $1 AND advisor_id = $2`,
		o.RequestID, o.AdvisorID)
	if err != nil {
		return false, fmt.Errorf("offer: delete prior: %w", err)
	}
	replaced := tag.RowsAffected() > 0

	if _, err := tx.Exec(ctx, `
		INSERT INTO offers (id, request_id, advisor_id, delivery_days, submitted_at)
		VALUES ($1, $2, $3, $4, now())
	`, o.ID, o.RequestID, o.AdvisorID, o.DeliveryDays); err != nil {
		return false, fmt.Errorf("offer: insert: %w", err)
	}

	for _, line := range o.Lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO offer_lines (id, offer_id, part_id, unit_price, warranty_months, included)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, line.ID, o.ID, line.PartID, line.UnitPrice, line.WarrantyMonths, line.Included); err != nil {
			return false, fmt.Errorf("offer: insert line: %w", err)
		}
	}

	return replaced, nil
}

func (r *PGRepository) ListForRequest(ctx context.Context, requestID string) ([]Offer, error) {
	const query = `
		SELECT id, request_id, advisor_id, delivery_days, submitted_at
		FROM offers
		WHERE request_id = $1
		ORDER BY submitted_at ASC
	`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("offer: query for request: %w", err)
	}
	defer rows.Close()

	offers := make([]Offer, 0, 4)
	for rows.Next() {
		var o Offer
		if err := rows.Scan(&o.ID, &o.RequestID, &o.AdvisorID, &o.DeliveryDays, &o.SubmittedAt); err != nil {
			return nil, fmt.Errorf("offer: scan: %w", err)
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate: %w", err)
	}

	for i := range offers {
		lines, err := r.linesFor(ctx, offers[i].ID)
		if err != nil {
			return nil, err
		}
		offers[i].Lines = lines
	}
	return offers, nil
}

func (r *PGRepository) linesFor(ctx context.Context, offerID string) ([]LineItem, error) {
	const query = `
		SELECT l.id, l.offer_id, l.part_id, l.unit_price, l.warranty_months, l.included
		FROM offer_lines l
		JOIN request_parts p ON p.id = l.part_id
		WHERE l.offer_id = $1
		ORDER BY p.position ASC
	`
	rows, err := r.pool.Query(ctx, query, offerID)
	if err != nil {
		return nil, fmt.Errorf("offer: query lines: %w", err)
	}
	defer rows.Close()

	lines := make([]LineItem, 0, 4)
	for rows.Next() {
		var l LineItem
		if err := rows.Scan(&l.ID, &l.OfferID, &l.PartID, &l.UnitPrice, &l.WarrantyMonths, &l.Included); err != nil {
			return nil, fmt.Errorf("offer: scan line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate lines: %w", err)
	}
	return lines, nil
}

func (r *PGRepository) IncrementRequestOfferCount(ctx context.Context, tx pgx.Tx, requestID string) (int, error) {
	var count int
	err := tx.QueryRow(ctx, `
		UPDATE requests
		SET offer_count = offer_count + 1
		WHERE id = $1
		RETURNING offer_count
	`, requestID).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("offer: request %s vanished during count increment", requestID)
		}
		return 0, fmt.Errorf("offer: increment count: %w", err)
	}
	return count, nil
}
