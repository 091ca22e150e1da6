package offer

import "time"

// Offer is an advisor's bid against an open request. One offer per advisor
// per request; resubmission replaces the previous one. Offers are frozen
// once the owning request leaves its open levels.
type Offer struct {
	ID           string
	RequestID    string
	AdvisorID    string
	DeliveryDays int
	SubmittedAt  time.Time
	Lines        []LineItem
}

// LineItem prices one requested part. Excluded lines record an explicit
// "will not supply" for audit purposes.
type LineItem struct {
	ID             string
	OfferID        string
	PartID         string
	UnitPrice      int64
	WarrantyMonths int
	Included       bool
}

// ValidationError is returned to the submitting advisor; it never mutates
// request state and is not logged as a system failure.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "offer: invalid " + e.Field + ": " + e.Reason
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
