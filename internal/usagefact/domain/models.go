// Package domain contains persistence models for the usage fact store.
package domain

import (
	"errors"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stfc-cloud/carbonledger/internal/carbon"
)

// Scope is the aggregation granularity of a fact row.
type Scope string

const (
	ScopePlatform Scope = "platform"
	ScopeProject  Scope = "project"
	ScopeMachine  Scope = "machine"
	ScopeUser     Scope = "user"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopePlatform, ScopeProject, ScopeMachine, ScopeUser:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidScope        = errors.New("invalid_scope")
	ErrScopeKeyMismatch    = errors.New("scope_key_mismatch")
	ErrInvalidTimestamp    = errors.New("invalid_timestamp")
	ErrNegativeMeasurement = errors.New("negative_measurement")
	ErrIntensityMismatch   = errors.New("intensity_mismatch")
)

// intensityTolerance bounds the allowed disagreement between a stored
// intensity and the value derived from the busy/idle fields.
const intensityTolerance = 1e-6

// UsageFactRow is one observation of energy and carbon at one scope and
// one timestamp. The natural key is (scope, timestamp, entity key);
// repeated writes for the same key are upserts, which is what makes
// ingestion idempotent and safely re-runnable.
//
// The key columns default to the empty string rather than NULL so the
// natural-key unique index holds on every supported dialect.
type UsageFactRow struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	Scope      Scope        `gorm:"type:text;not null;uniqueIndex:ux_usage_facts_natural,priority:1"`
	Timestamp  time.Time    `gorm:"not null;uniqueIndex:ux_usage_facts_natural,priority:2"`
	ProjectKey string       `gorm:"type:text;not null;default:'';uniqueIndex:ux_usage_facts_natural,priority:3"`
	MachineKey string       `gorm:"type:text;not null;default:'';uniqueIndex:ux_usage_facts_natural,priority:4"`
	UserKey    string       `gorm:"type:text;not null;default:'';uniqueIndex:ux_usage_facts_natural,priority:5"`

	BusyCPUSeconds carbon.Measurement `gorm:"column:busy_cpu_seconds;type:text;not null"`
	IdleCPUSeconds carbon.Measurement `gorm:"column:idle_cpu_seconds;type:text;not null"`
	BusyKWh        carbon.Measurement `gorm:"column:busy_kwh;type:text;not null"`
	IdleKWh        carbon.Measurement `gorm:"column:idle_kwh;type:text;not null"`
	BusyGCO2eq     carbon.Measurement `gorm:"column:busy_gco2eq;type:text;not null"`
	IdleGCO2eq     carbon.Measurement `gorm:"column:idle_gco2eq;type:text;not null"`

	// IntensityGPerKWh is the grid intensity applied to this row, when
	// recorded explicitly. Estimated marks rows priced with the fallback
	// constant rather than a live reading.
	IntensityGPerKWh *float64 `gorm:"column:intensity_g_per_kwh;type:numeric"`
	Estimated        bool     `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageFactRow) TableName() string { return "usage_facts" }

// EntityKey returns the key column selected by the row's scope.
func (r UsageFactRow) EntityKey() string {
	switch r.Scope {
	case ScopeProject:
		return r.ProjectKey
	case ScopeMachine:
		return r.MachineKey
	case ScopeUser:
		return r.UserKey
	default:
		return ""
	}
}

// Validate enforces the write-boundary invariants: a valid scope, a
// timestamp, exactly the key column its scope demands, non-negative
// measured values, and a stored intensity that agrees with the
// busy/idle-derived ratio.
func (r UsageFactRow) Validate() error {
	if !r.Scope.Valid() {
		return ErrInvalidScope
	}
	if r.Timestamp.IsZero() {
		return ErrInvalidTimestamp
	}

	keysSet := 0
	for _, k := range []string{r.ProjectKey, r.MachineKey, r.UserKey} {
		if k != "" {
			keysSet++
		}
	}
	switch r.Scope {
	case ScopePlatform:
		if keysSet != 0 {
			return ErrScopeKeyMismatch
		}
	default:
		if keysSet != 1 || r.EntityKey() == "" {
			return ErrScopeKeyMismatch
		}
	}

	for _, m := range []carbon.Measurement{
		r.BusyCPUSeconds, r.IdleCPUSeconds,
		r.BusyKWh, r.IdleKWh,
		r.BusyGCO2eq, r.IdleGCO2eq,
	} {
		if v, ok := m.Float(); ok && v < 0 {
			return ErrNegativeMeasurement
		}
	}

	if r.IntensityGPerKWh != nil {
		if derived, ok := r.derivedIntensity(); ok {
			if math.Abs(derived-*r.IntensityGPerKWh) > intensityTolerance*math.Max(1, derived) {
				return ErrIntensityMismatch
			}
		}
	}

	return nil
}

// derivedIntensity recomputes (busyG+idleG)/(busyKWh+idleKWh); undefined
// when any component failed or the denominator is not positive.
func (r UsageFactRow) derivedIntensity() (float64, bool) {
	kwh := r.BusyKWh.Add(r.IdleKWh)
	g := r.BusyGCO2eq.Add(r.IdleGCO2eq)
	kwhV, ok := kwh.Float()
	if !ok || kwhV <= 0 {
		return 0, false
	}
	gV, ok := g.Float()
	if !ok {
		return 0, false
	}
	return gV / kwhV, true
}

// Failed reports whether any metric component of the row carries the
// failed sentinel. Aggregations exclude such rows and report the count
// instead of silently treating them as zero.
func (r UsageFactRow) Failed() bool {
	return r.BusyCPUSeconds.IsFailed() || r.IdleCPUSeconds.IsFailed() ||
		r.BusyKWh.IsFailed() || r.IdleKWh.IsFailed() ||
		r.BusyGCO2eq.IsFailed() || r.IdleGCO2eq.IsFailed()
}
