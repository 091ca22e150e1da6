package advisor

// Candidate is a point-in-time snapshot of one advisor's scoring inputs.
// The aggregates are maintained by the surrounding CRM/analytics surfaces
// and are read-only from the engine's perspective.
type Candidate struct {
	ID           string
	City         string
	MetroArea    string
	LogisticsHub string

	// Recent window participation.
	ResponseRate    float64
	RecentResponses int

	// Longer-window performance.
	WinRate         float64
	FulfillmentRate float64
	FulfilledOrders int

	// Latest store audit rating.
	TrustRating float64

	// Notifications sent to this advisor recently, used for load balancing.
	RecentNotifications int
}

// Geography describes where a request originates, for proximity scoring.
type Geography struct {
	City         string
	MetroArea    string
	LogisticsHub string
}

// Score is the composite ranking of one candidate for one request at one
// escalation level. Superseded, never updated, by the next level's run.
type Score struct {
	AdvisorID   string
	RequestID   string
	Level       int
	Composite   float64
	Proximity   float64
	Activity    float64
	Performance float64
	Trust       float64
}
