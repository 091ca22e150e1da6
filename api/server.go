package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"partsflow/escalate"
	"partsflow/offer"
	"partsflow/request"
)

type requestService interface {
	Create(ctx context.Context, params request.CreateParams) (request.Request, error)
	State(ctx context.Context, id string) (request.StateView, error)
}

type offerCollector interface {
	Submit(ctx context.Context, params offer.SubmitParams) (offer.Offer, error)
}

// lifecycle is the slice of the scheduler the API drives directly.
type lifecycle interface {
	Cancel(requestID string, reason *string) error
	ForceEvaluate(requestID string) error
}

// Server is the HTTP surface: request intake and state, offer submission,
// cancellation and the admin-only manual close.
type Server struct {
	requests  requestService
	offers    offerCollector
	scheduler lifecycle
	tokens    *Tokens
	logger    *zap.Logger
}

func NewServer(requests requestService, offers offerCollector, scheduler lifecycle, tokens *Tokens, logger *zap.Logger) *Server {
	return &Server{
		requests:  requests,
		offers:    offers,
		scheduler: scheduler,
		tokens:    tokens,
		logger:    logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ping", s.handlePing)
	mux.Handle("POST /api/requests", s.authorize(s.handleCreateRequest, RoleCustomer, RoleAdmin))
	mux.Handle("GET /api/requests/{id}", s.authorize(s.handleRequestState, RoleCustomer, RoleAdvisor, RoleAdmin))
	mux.Handle("POST /api/requests/{id}/cancel", s.authorize(s.handleCancelRequest, RoleCustomer, RoleAdmin))
	mux.Handle("POST /api/requests/{id}/evaluate", s.authorize(s.handleForceEvaluate, RoleAdmin))
	mux.Handle("POST /api/offers", s.authorize(s.handleSubmitOffer, RoleAdvisor))
	return mux
}

type ctxKey int

const (
	ctxSubject ctxKey = iota
	ctxRole
)

func (s *Server) authorize(next http.HandlerFunc, roles ...Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		subject, role, err := s.tokens.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		allowed := false
		for _, want := range roles {
			if role == want {
				allowed = true
				break
			}
		}
		if !allowed {
			writeError(w, http.StatusForbidden, "role not allowed")
			return
		}
		ctx := context.WithValue(r.Context(), ctxSubject, subject)
		ctx = context.WithValue(ctx, ctxRole, role)
		next(w, r.WithContext(ctx))
	})
}

func subjectFrom(r *http.Request) string {
	subject, _ := r.Context().Value(ctxSubject).(string)
	return subject
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequestBody struct {
	OriginCity       string `json:"origin_city"`
	OriginDepartment string `json:"origin_department"`
	MinDesiredOffers int    `json:"min_desired_offers"`
	Parts            []struct {
		Name        string `json:"name"`
		VehicleMake string `json:"vehicle_make"`
		VehicleLine string `json:"vehicle_line"`
		VehicleYear int    `json:"vehicle_year"`
		Quantity    int    `json:"quantity"`
		Urgent      bool   `json:"urgent"`
	} `json:"parts"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	params := request.CreateParams{
		CustomerID:       subjectFrom(r),
		OriginCity:       body.OriginCity,
		OriginDepartment: body.OriginDepartment,
		MinDesiredOffers: body.MinDesiredOffers,
	}
	for _, p := range body.Parts {
		params.Parts = append(params.Parts, request.PartParams{
			Name:        p.Name,
			VehicleMake: p.VehicleMake,
			VehicleLine: p.VehicleLine,
			VehicleYear: p.VehicleYear,
			Quantity:    p.Quantity,
			Urgent:      p.Urgent,
		})
	}

	created, err := s.requests.Create(r.Context(), params)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":                 created.ID,
		"status":             created.Status,
		"level":              created.Level,
		"min_desired_offers": created.MinDesiredOffers,
	})
}

func (s *Server) handleRequestState(w http.ResponseWriter, r *http.Request) {
	view, err := s.requests.State(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":              view.ID,
		"status":          view.Status,
		"level":           view.Level,
		"offer_count":     view.OfferCount,
		"awarded_amount":  view.AwardedAmount,
		"uncovered_parts": view.UncoveredParts,
	})
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if r.Body != nil {
		// Reason is optional; an empty body is fine.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	var reason *string
	if body.Reason != "" {
		reason = &body.Reason
	}
	if err := s.scheduler.Cancel(r.PathValue("id"), reason); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleForceEvaluate(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.ForceEvaluate(r.PathValue("id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "evaluating"})
}

type submitOfferBody struct {
	RequestID    string `json:"request_id"`
	DeliveryDays int    `json:"delivery_days"`
	Lines        []struct {
		PartID         string `json:"part_id"`
		UnitPrice      int64  `json:"unit_price"`
		WarrantyMonths int    `json:"warranty_months"`
		Included       bool   `json:"included"`
	} `json:"lines"`
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	var body submitOfferBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	params := offer.SubmitParams{
		RequestID:    body.RequestID,
		AdvisorID:    subjectFrom(r),
		DeliveryDays: body.DeliveryDays,
	}
	for _, l := range body.Lines {
		params.Lines = append(params.Lines, offer.LineParams{
			PartID:         l.PartID,
			UnitPrice:      l.UnitPrice,
			WarrantyMonths: l.WarrantyMonths,
			Included:       l.Included,
		})
	}

	accepted, err := s.offers.Submit(r.Context(), params)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         accepted.ID,
		"request_id": accepted.RequestID,
		"lines":      len(accepted.Lines),
	})
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *offer.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": verr.Reason,
			"field": verr.Field,
		})
	case errors.Is(err, request.ErrNotFound):
		writeError(w, http.StatusNotFound, "request not found")
	case errors.Is(err, offer.ErrRequestNotOpen):
		writeError(w, http.StatusConflict, "request no longer accepts offers")
	case errors.Is(err, escalate.ErrNotOpen):
		writeError(w, http.StatusConflict, "request is not open")
	case errors.Is(err, escalate.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "service draining")
	case errors.Is(err, request.ErrNoParts),
		errors.Is(err, request.ErrInvalidQuantity),
		errors.Is(err, request.ErrMissingField):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
