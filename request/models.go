package request

import "time"

// Status is the lifecycle state of a part request. While a request is open
// the Level field carries which escalation tier it currently sits at.
type Status string

const (
	StatusOpen           Status = "open"
	StatusEvaluating     Status = "evaluating"
	StatusAwarded        Status = "awarded"
	StatusClosedNoOffers Status = "closed_no_offers"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusAwarded || s == StatusClosedNoOffers || s == StatusCancelled
}

// Request is a customer's ask for one or more automotive parts. It is never
// deleted, only state-transitioned; the scheduler owns level/state moves and
// the evaluator owns the terminal award fields.
type Request struct {
	ID               string
	CustomerID       string
	OriginCity       string
	OriginDepartment string
	Level            int
	MinDesiredOffers int
	OfferCount       int
	Status           Status
	ConfigVersion    string
	CancelReason     *string
	AwardedAmount    *int64
	CreatedAt        time.Time
	LevelEnteredAt   time.Time
	EvaluatedAt      *time.Time
	ClosedAt         *time.Time
}

// Part is one ordered entry of a request.
type Part struct {
	ID          string
	RequestID   string
	Position    int
	Name        string
	VehicleMake string
	VehicleLine string
	VehicleYear int
	Quantity    int
	Urgent      bool
}

// StateView is the read model exposed to CRUD/analytics surfaces.
type StateView struct {
	ID             string
	Status         Status
	Level          int
	OfferCount     int
	AwardedAmount  *int64
	UncoveredParts []string
}
