package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stfc-cloud/carbonledger/internal/carbon"
	"github.com/stfc-cloud/carbonledger/internal/carbonintensity"
	"github.com/stfc-cloud/carbonledger/internal/config"
	"github.com/stfc-cloud/carbonledger/internal/cpumetrics"
	dimdomain "github.com/stfc-cloud/carbonledger/internal/dimension/domain"
	"github.com/stfc-cloud/carbonledger/internal/observability/metrics"
	factdomain "github.com/stfc-cloud/carbonledger/internal/usagefact/domain"
	wsdomain "github.com/stfc-cloud/carbonledger/internal/workspace/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is the tracking entry point the scheduler drives.
type Runner interface {
	TrackAll(ctx context.Context, windowStart time.Time) (BatchResult, error)
}

// Tracker runs one attribution cycle over every live entity.
type Tracker struct {
	source     cpumetrics.Source
	intensity  carbonintensity.Provider
	workspaces wsdomain.Service
	dimensions dimdomain.Service
	facts      factdomain.Service
	log        *zap.Logger
	metrics    *metrics.Metrics

	profile     carbon.PowerProfile
	granularity time.Duration
	workers     int
}

type TrackerParam struct {
	fx.In

	Source     cpumetrics.Source
	Intensity  carbonintensity.Provider
	Workspaces wsdomain.Service
	Dimensions dimdomain.Service
	Facts      factdomain.Service
	Cfg        config.Config
	Log        *zap.Logger
	Metrics    *metrics.Metrics `optional:"true"`
}

func NewTracker(p TrackerParam) *Tracker {
	workers := p.Cfg.TrackWorkers
	if workers <= 0 {
		workers = 8
	}
	granularity := p.Cfg.TrackGranularity
	if granularity <= 0 {
		granularity = time.Hour
	}
	return &Tracker{
		source:     p.Source,
		intensity:  p.Intensity,
		workspaces: p.Workspaces,
		dimensions: p.Dimensions,
		facts:      p.Facts,
		log:        p.Log.Named("tracker"),
		metrics:    p.Metrics,
		profile: carbon.PowerProfile{
			BusyWatts: p.Cfg.BusyPowerWatts,
			IdleWatts: p.Cfg.IdlePowerWatts,
		},
		granularity: granularity,
		workers:     workers,
	}
}

// TrackAll records usage for the window [windowStart, windowStart+granularity).
// Entities run concurrently with a bounded worker count; one entity's
// failure or panic never stops the batch. Re-running the same window
// overwrites the same rows, so recovery is a plain re-run.
func (t *Tracker) TrackAll(ctx context.Context, windowStart time.Time) (BatchResult, error) {
	windowStart = windowStart.UTC().Truncate(t.granularity)
	windowEnd := windowStart.Add(t.granularity)

	records, err := t.workspaces.ActiveAt(ctx, windowStart)
	if err != nil {
		return BatchResult{}, fmt.Errorf("enumerate workspaces: %w", err)
	}

	reading := t.intensity.At(ctx, windowStart)
	t.registerDimensions(ctx, records)

	entries := t.aggregateEntries(records)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)

	for _, entry := range entries {
		g.Go(func() error {
			t.runEntry(gctx, entry, windowEnd, reading)
			return nil
		})
	}

	// gctx dies when Wait returns, so the fold-and-upsert closure runs
	// on the parent context
	userEntries := t.trackUsers(ctx, gctx, g, records, windowStart, windowEnd, reading)

	// errgroup workers never return errors; Wait only joins them.
	_ = g.Wait()

	entries = append(entries, userEntries()...)

	result := BatchResult{Entries: entries}
	for _, e := range entries {
		switch {
		case e.State == StateFailed:
			result.Errored++
		case e.Err != nil:
			result.PartiallyFailed++
		default:
			result.Succeeded++
		}
	}

	t.logPlatformSummary(ctx, windowStart)

	t.log.Info("tracking cycle finished",
		zap.Time("window_start", windowStart),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("partially_failed", result.PartiallyFailed),
		zap.Int("errored", result.Errored),
	)
	return result, nil
}

// aggregateEntries builds the platform, per-project, and per-machine
// entries. Their selectors aggregate across hosts server-side, so no
// write-side accumulation is needed.
func (t *Tracker) aggregateEntries(records []wsdomain.ActiveWorkspaceRecord) []*Entry {
	entries := []*Entry{
		newEntry(factdomain.ScopePlatform, "", cpumetrics.Selector{}),
	}

	projects := map[string]struct{}{}
	machines := map[string]struct{}{}
	for _, rec := range records {
		projects[rec.OwnerProj] = struct{}{}
		machines[rec.MachineType] = struct{}{}
	}
	for project := range projects {
		entries = append(entries, newEntry(factdomain.ScopeProject, project, cpumetrics.Selector{Project: project}))
	}
	for machine := range machines {
		entries = append(entries, newEntry(factdomain.ScopeMachine, machine, cpumetrics.Selector{Machine: machine}))
	}
	return entries
}

// runEntry walks one entry through download, processing, and the final
// upsert. Panics are contained here so a bad entity cannot take down
// the batch.
func (t *Tracker) runEntry(ctx context.Context, entry *Entry, windowEnd time.Time, reading carbonintensity.Reading) {
	defer func() {
		if r := recover(); r != nil {
			_ = entry.Fail(fmt.Errorf("panic: %v", r))
			t.log.Error("entity tracking panicked",
				zap.String("entity", entry.name()),
				zap.Any("panic", r),
			)
		}
	}()

	sample, err := t.source.Fetch(ctx, entry.Selector, windowEnd, t.granularity)
	if err != nil {
		if t.metrics != nil {
			t.metrics.IncMetricFetchFailed(ctx)
		}
		t.failEntry(ctx, entry, fmt.Errorf("fetch metrics: %w", err))
		return
	}
	_ = entry.Advance(StateDownloaded)
	if sample.Failed() {
		entry.Err = fmt.Errorf("metric source returned no usable data")
	}

	row := t.buildRow(entry, windowEnd.Add(-t.granularity), sample, reading)
	_ = entry.Advance(StateProcessed)

	if err := t.facts.Upsert(ctx, row); err != nil {
		t.failEntry(ctx, entry, fmt.Errorf("upsert fact: %w", err))
		return
	}
	_ = entry.Advance(StateComplete)

	if t.metrics != nil {
		t.metrics.IncFactUpserted(ctx, string(entry.Scope))
		outcome := "complete"
		if entry.Err != nil {
			outcome = "partial"
		}
		t.metrics.IncEntryTracked(ctx, outcome)
	}
}

func (t *Tracker) failEntry(ctx context.Context, entry *Entry, err error) {
	_ = entry.Fail(err)
	if t.metrics != nil {
		t.metrics.IncEntryTracked(ctx, "failed")
	}
	t.log.Warn("entity tracking failed",
		zap.String("entity", entry.name()),
		zap.Error(err),
	)
}

// trackUsers fans out one fetch per live host and folds the samples by
// resolved owner. The fold happens in memory and each owner gets one
// upsert per cycle, so user rows need no read-modify-write. The
// returned closure yields the user entries once the group has joined.
func (t *Tracker) trackUsers(ctx, gctx context.Context, g *errgroup.Group, records []wsdomain.ActiveWorkspaceRecord, windowStart, windowEnd time.Time, reading carbonintensity.Reading) func() []*Entry {
	hostnames := map[string]struct{}{}
	for _, rec := range records {
		hostnames[rec.Hostname] = struct{}{}
	}

	var mu sync.Mutex
	sums := map[string]carbon.CPUSample{}
	hostEntries := make([]*Entry, 0, len(hostnames))

	for hostname := range hostnames {
		entry := newEntry(factdomain.ScopeUser, hostname, cpumetrics.Selector{Hostname: hostname})
		hostEntries = append(hostEntries, entry)

		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					_ = entry.Fail(fmt.Errorf("panic: %v", r))
				}
			}()

			sample, err := t.source.Fetch(gctx, entry.Selector, windowEnd, t.granularity)
			if err != nil {
				if t.metrics != nil {
					t.metrics.IncMetricFetchFailed(gctx)
				}
				t.failEntry(gctx, entry, fmt.Errorf("fetch metrics: %w", err))
				return nil
			}
			_ = entry.Advance(StateDownloaded)

			attr, err := t.workspaces.Resolve(gctx, entry.Key, windowStart)
			if err != nil {
				t.failEntry(gctx, entry, fmt.Errorf("resolve owner: %w", err))
				return nil
			}
			_ = entry.Advance(StateProcessed)

			if !attr.Attributed {
				// machine and project rows already cover this host's
				// usage; an ambiguous owner gets no user row
				t.log.Warn("host usage left unattributed",
					zap.String("hostname", entry.Key),
					zap.Int("matches", attr.Matches),
				)
				_ = entry.Advance(StateComplete)
				if t.metrics != nil {
					t.metrics.IncEntryTracked(gctx, "unattributed")
				}
				return nil
			}

			mu.Lock()
			prev, ok := sums[attr.User]
			if !ok {
				prev = carbon.CPUSample{Busy: carbon.Measured(0), Idle: carbon.Measured(0)}
			}
			sums[attr.User] = carbon.CPUSample{
				Busy: prev.Busy.Add(sample.Busy),
				Idle: prev.Idle.Add(sample.Idle),
			}
			mu.Unlock()

			_ = entry.Advance(StateComplete)
			return nil
		})
	}

	return func() []*Entry {
		users := make([]string, 0, len(sums))
		for user := range sums {
			users = append(users, user)
		}
		sort.Strings(users)

		entries := make([]*Entry, 0, len(hostEntries)+len(users))
		entries = append(entries, hostEntries...)

		for _, user := range users {
			entry := newEntry(factdomain.ScopeUser, user, cpumetrics.Selector{})
			entries = append(entries, entry)
			_ = entry.Advance(StateDownloaded)

			sample := sums[user]
			if sample.Failed() {
				entry.Err = fmt.Errorf("one or more hosts returned no usable data")
			}
			row := t.buildRow(entry, windowStart, sample, reading)
			_ = entry.Advance(StateProcessed)

			if err := t.facts.Upsert(ctx, row); err != nil {
				t.failEntry(ctx, entry, fmt.Errorf("upsert fact: %w", err))
				continue
			}
			_ = entry.Advance(StateComplete)
			if t.metrics != nil {
				t.metrics.IncFactUpserted(ctx, string(factdomain.ScopeUser))
			}
		}
		return entries
	}
}

func (t *Tracker) buildRow(entry *Entry, timestamp time.Time, sample carbon.CPUSample, reading carbonintensity.Reading) *factdomain.UsageFactRow {
	busyKWh := carbon.EstimateBusyKWh(t.profile, sample.Busy)
	idleKWh := carbon.EstimateIdleKWh(t.profile, sample.Idle)
	emissions := carbon.Breakdown(busyKWh, idleKWh, reading.GPerKWh)

	intensity := reading.GPerKWh
	row := &factdomain.UsageFactRow{
		Scope:            entry.Scope,
		Timestamp:        timestamp,
		BusyCPUSeconds:   sample.Busy,
		IdleCPUSeconds:   sample.Idle,
		BusyKWh:          busyKWh,
		IdleKWh:          idleKWh,
		BusyGCO2eq:       emissions.Busy,
		IdleGCO2eq:       emissions.Idle,
		IntensityGPerKWh: &intensity,
		Estimated:        reading.Estimated,
	}
	switch entry.Scope {
	case factdomain.ScopeProject:
		row.ProjectKey = entry.Key
	case factdomain.ScopeMachine:
		row.MachineKey = entry.Key
	case factdomain.ScopeUser:
		row.UserKey = entry.Key
	}
	return row
}

// registerDimensions keeps the dimension registry in step with what
// the workspace records reference. Registration failures only log;
// the fact rows themselves do not depend on the registry.
func (t *Tracker) registerDimensions(ctx context.Context, records []wsdomain.ActiveWorkspaceRecord) {
	seen := map[string]struct{}{}
	register := func(kind dimdomain.Kind, name string) {
		key := string(kind) + ":" + name
		if _, ok := seen[key]; ok || name == "" {
			return
		}
		seen[key] = struct{}{}
		if _, err := t.dimensions.Register(ctx, kind, name, nil); err != nil {
			t.log.Warn("dimension registration failed",
				zap.String("kind", string(kind)),
				zap.String("name", name),
				zap.Error(err),
			)
		}
	}

	for _, rec := range records {
		register(dimdomain.KindProject, rec.OwnerProj)
		register(dimdomain.KindMachine, rec.MachineType)
		register(dimdomain.KindUser, rec.OwnerUser)
		register(dimdomain.KindGroup, rec.GroupKey())
	}
}

// logPlatformSummary puts the cycle's platform total in human terms.
func (t *Tracker) logPlatformSummary(ctx context.Context, windowStart time.Time) {
	agg, err := t.facts.QueryTotals(ctx, factdomain.ScopePlatform, "", factdomain.TimeRange{
		From: windowStart,
		To:   windowStart.Add(t.granularity),
	})
	if err != nil || agg.Rows == 0 {
		return
	}

	fields := []zap.Field{
		zap.Float64("total_kwh", agg.TotalKWh()),
		zap.Float64("total_gco2eq", agg.TotalGCO2eq()),
	}
	for _, eq := range carbon.TopEquivalencies(agg.TotalGCO2eq(), 3) {
		fields = append(fields, zap.Float64(eq.Name, eq.Value))
	}
	t.log.Info("platform emissions this window", fields...)
}
