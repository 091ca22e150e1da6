package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"partsflow/escalate"
	"partsflow/offer"
	"partsflow/request"
)

// Entry is one live request an advisor actor can bid on.
type Entry struct {
	RequestID string
	PartIDs   []string
}

// Registry shares created requests between the customer and advisor actors.
type Registry struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Registry) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *Registry) Random() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return Entry{}, false
	}
	return r.entries[rand.Intn(len(r.entries))], true
}

var cities = []struct{ city, department string }{
	{"Bogotá", "Cundinamarca"},
	{"Medellín", "Antioquia"},
	{"Cali", "Valle del Cauca"},
	{"Barranquilla", "Atlántico"},
}

var partNames = []string{
	"brake pads", "oil filter", "alternator", "radiator",
	"clutch kit", "shock absorber", "headlight assembly",
}

// Customer keeps creating multi-part requests until stopped.
func Customer(ctx context.Context, svc *request.Service, reg *Registry, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		origin := cities[rand.Intn(len(cities))]
		params := request.CreateParams{
			CustomerID:       fmt.Sprintf("cust-%d", rand.Int63()),
			OriginCity:       origin.city,
			OriginDepartment: origin.department,
		}
		for i := 0; i < 1+rand.Intn(3); i++ {
			params.Parts = append(params.Parts, request.PartParams{
				Name:     partNames[rand.Intn(len(partNames))],
				Quantity: 1 + rand.Intn(3),
				Urgent:   rand.Intn(4) == 0,
			})
		}

		created, err := svc.Create(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Saturation and chaos-killed connections are expected here.
			time.Sleep(100 * time.Millisecond)
			continue
		}

		parts, err := svc.Parts(ctx, created.ID)
		if err == nil {
			entry := Entry{RequestID: created.ID}
			for _, p := range parts {
				entry.PartIDs = append(entry.PartIDs, p.ID)
			}
			reg.Add(entry)
		}

		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// Advisor bids on random live requests with random prices. Rejections for
// closed requests and validation misses are expected under contention.
func Advisor(ctx context.Context, collector *offer.Collector, advisorID string, reg *Registry, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		entry, ok := reg.Random()
		if !ok {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		params := offer.SubmitParams{
			RequestID:    entry.RequestID,
			AdvisorID:    advisorID,
			DeliveryDays: 1 + rand.Intn(10),
		}
		for _, partID := range entry.PartIDs {
			params.Lines = append(params.Lines, offer.LineParams{
				PartID:         partID,
				UnitPrice:      int64(20_000 + rand.Intn(400_000)),
				WarrantyMonths: rand.Intn(24),
				Included:       rand.Intn(5) != 0,
			})
		}

		_, err := collector.Submit(ctx, params)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}

		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Canceller occasionally withdraws a random request mid-flight.
func Canceller(ctx context.Context, sched *escalate.Scheduler, reg *Registry, stop <-chan struct{}) error {
	reason := "stress cancel"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if entry, ok := reg.Random(); ok && rand.Intn(4) == 0 {
			if err := sched.Cancel(entry.RequestID, &reason); err != nil &&
				!errors.Is(err, escalate.ErrNotOpen) {
				return err
			}
		}

		time.Sleep(500 * time.Millisecond)
	}
}
