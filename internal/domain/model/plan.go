package model

import "time"

// Plan is the read model of the plan catalog, an external collaborator.
// The engine only ever reads plans; catalog CRUD lives elsewhere.
type Plan struct {
	ID             string
	Name           string
	PriceMinor     int64  // minor units
	Currency       string
	BillingCycle   string // "monthly" | "yearly"
	IntervalDays   int    // length of one billing period
	MonthlyCredits int64
	CreatedAt      time.Time
}

func (p *Plan) IsZero() bool { return p == nil || p.ID == "" }

// BillingInterval returns the duration of one billing period.
func (p *Plan) BillingInterval() time.Duration {
	days := p.IntervalDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}
