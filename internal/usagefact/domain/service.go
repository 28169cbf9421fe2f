package domain

import (
	"context"
	"time"
)

// TimeRange is a half-open [From, To) query window.
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// Aggregate carries summed (or averaged) metric fields over a range.
// FailedRows counts rows excluded because a component carried the
// failed sentinel; EstimatedRows counts rows priced with the fallback
// intensity.
type Aggregate struct {
	BusyCPUSeconds float64 `json:"busy_cpu_seconds"`
	IdleCPUSeconds float64 `json:"idle_cpu_seconds"`
	BusyKWh        float64 `json:"busy_kwh"`
	IdleKWh        float64 `json:"idle_kwh"`
	BusyGCO2eq     float64 `json:"busy_gco2eq"`
	IdleGCO2eq     float64 `json:"idle_gco2eq"`

	Rows          int `json:"rows"`
	FailedRows    int `json:"failed_rows"`
	EstimatedRows int `json:"estimated_rows"`
}

func (a Aggregate) TotalKWh() float64    { return a.BusyKWh + a.IdleKWh }
func (a Aggregate) TotalGCO2eq() float64 { return a.BusyGCO2eq + a.IdleGCO2eq }

// Service is the scoped, idempotent fact store.
type Service interface {
	// Upsert writes one row keyed by (scope, timestamp, entity key).
	// Re-writing the same key overwrites the metric fields atomically;
	// rows violating the scope/key invariant are rejected unchanged.
	Upsert(ctx context.Context, row *UsageFactRow) error

	QueryTimeSeries(ctx context.Context, scope Scope, entityKey string, rng TimeRange) ([]UsageFactRow, error)

	// QueryTotals sums metric fields over the range, excluding failed
	// rows and reporting how many were excluded.
	QueryTotals(ctx context.Context, scope Scope, entityKey string, rng TimeRange) (Aggregate, error)

	// QueryAverages returns the arithmetic mean over rows in range.
	// This is deliberately a mean of rows, not a time-weighted mean.
	QueryAverages(ctx context.Context, scope Scope, entityKey string, rng TimeRange) (Aggregate, error)
}
