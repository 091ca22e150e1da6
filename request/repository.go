package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("request: not found")
)

// Repository is the persistence surface for requests and their parts.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, req Request, parts []Part) (Request, error)
	Get(ctx context.Context, id string) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	Parts(ctx context.Context, requestID string) ([]Part, error)
	EnterLevel(ctx context.Context, tx pgx.Tx, id string, level int, enteredAt time.Time) (Request, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Request, error)
	MarkAwarded(ctx context.Context, tx pgx.Tx, id string, amount int64, at time.Time) (Request, error)
	MarkCancelled(ctx context.Context, tx pgx.Tx, id string, reason *string) (Request, error)
	ListOpen(ctx context.Context) ([]Request, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const requestColumns = `id, customer_id, origin_city, origin_department, level, min_desired_offers,
	offer_count, status, config_version, cancel_reason, awarded_amount,
	created_at, level_entered_at, evaluated_at, closed_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, req Request, parts []Part) (Request, error) {
	const query = `
		INSERT INTO requests (id, customer_id, origin_city, origin_department, level,
			min_desired_offers, status, config_version, level_entered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING ` + requestColumns

	row := tx.QueryRow(ctx, query,
		req.ID,
		req.CustomerID,
		req.OriginCity,
		req.OriginDepartment,
		req.Level,
		req.MinDesiredOffers,
		req.Status,
		req.ConfigVersion,
	)
	created, err := scanRequest(row)
	if err != nil {
		return Request{}, fmt.Errorf("request: insert: %w", err)
	}

	const partQuery = `
		INSERT INTO request_parts (id, request_id, position, name, vehicle_make, vehicle_line,
			vehicle_year, quantity, urgent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for _, p := range parts {
		if _, err := tx.Exec(ctx, partQuery,
			p.ID, created.ID, p.Position, p.Name, p.VehicleMake, p.VehicleLine,
			p.VehicleYear, p.Quantity, p.Urgent,
		); err != nil {
			return Request{}, fmt.Errorf("request: insert part %q: %w", p.Name, err)
		}
	}

	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`
	req, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get: %w", err)
	}
	return req, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1 FOR UPDATE`
	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get for update: %w", err)
	}
	return req, nil
}

func (r *PGRepository) Parts(ctx context.Context, requestID string) ([]Part, error) {
	const query = `
		SELECT id, request_id, position, name, vehicle_make, vehicle_line, vehicle_year, quantity, urgent
		FROM request_parts
		WHERE request_id = $1
		ORDER BY position ASC
	`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("request: query parts: %w", err)
	}
	defer rows.Close()

	parts := make([]Part, 0, 4)
	for rows.Next() {
		var p Part
		if err := rows.Scan(&p.ID, &p.RequestID, &p.Position, &p.Name, &p.VehicleMake,
			&p.VehicleLine, &p.VehicleYear, &p.Quantity, &p.Urgent); err != nil {
			return nil, fmt.Errorf("request: scan part: %w", err)
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate parts: %w", err)
	}
	return parts, nil
}

func (r *PGRepository) EnterLevel(ctx context.Context, tx pgx.Tx, id string, level int, enteredAt time.Time) (Request, error) {
	query := `
		UPDATE requests
		SET level = $2,
		    status = 'open',
		    level_entered_at = $3
		WHERE id = $1
		RETURNING ` + requestColumns
	req, err := scanRequest(tx.QueryRow(ctx, query, id, level, enteredAt))
	if err != nil {
		return Request{}, fmt.Errorf("request: enter level %d: %w", level, err)
	}
	return req, nil
}

func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Request, error) {
	query := `
		UPDATE requests
		SET status = $2,
		    evaluated_at = CASE WHEN $2 = 'evaluating' THEN now() ELSE evaluated_at END,
		    closed_at = CASE WHEN $2 IN ('closed_no_offers') THEN now() ELSE closed_at END
		WHERE id = $1
		RETURNING ` + requestColumns
	req, err := scanRequest(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Request{}, fmt.Errorf("request: set status %s: %w", status, err)
	}
	return req, nil
}

func (r *PGRepository) MarkAwarded(ctx context.Context, tx pgx.Tx, id string, amount int64, at time.Time) (Request, error) {
	query := `
		UPDATE requests
		SET status = 'awarded',
		    awarded_amount = $2,
		    closed_at = $3
		WHERE id = $1
		RETURNING ` + requestColumns
	req, err := scanRequest(tx.QueryRow(ctx, query, id, amount, at))
	if err != nil {
		return Request{}, fmt.Errorf("request: mark awarded: %w", err)
	}
	return req, nil
}

func (r *PGRepository) MarkCancelled(ctx context.Context, tx pgx.Tx, id string, reason *string) (Request, error) {
	query := `
		UPDATE requests
		SET status = 'cancelled',
		    cancel_reason = $2,
		    closed_at = now()
		WHERE id = $1
		RETURNING ` + requestColumns
	req, err := scanRequest(tx.QueryRow(ctx, query, id, reason))
	if err != nil {
		return Request{}, fmt.Errorf("request: mark cancelled: %w", err)
	}
	return req, nil
}

func (r *PGRepository) ListOpen(ctx context.Context) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE status IN ('open', 'evaluating') ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("request: list open: %w", err)
	}
	defer rows.Close()

	list := make([]Request, 0, 16)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("request: scan open: %w", err)
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate open: %w", err)
	}
	return list, nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	return req, row.Scan(
		&req.ID,
		&req.CustomerID,
		&req.OriginCity,
		&req.OriginDepartment,
		&req.Level,
		&req.MinDesiredOffers,
		&req.OfferCount,
		&req.Status,
		&req.ConfigVersion,
		&req.CancelReason,
		&req.AwardedAmount,
		&req.CreatedAt,
		&req.LevelEnteredAt,
		&req.EvaluatedAt,
		&req.ClosedAt,
	)
}
