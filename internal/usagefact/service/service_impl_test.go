package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stfc-cloud/carbonledger/internal/carbon"
	"github.com/stfc-cloud/carbonledger/internal/config"
	"github.com/stfc-cloud/carbonledger/internal/usagefact/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (domain.Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.UsageFactRow{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Cfg:   config.Config{TrackGranularity: time.Hour},
	})
	return svc, db
}

func measuredRow(scope domain.Scope, ts time.Time) *domain.UsageFactRow {
	row := &domain.UsageFactRow{
		Scope:          scope,
		Timestamp:      ts,
		BusyCPUSeconds: carbon.Measured(1800),
		IdleCPUSeconds: carbon.Measured(1800),
		BusyKWh:        carbon.Measured(0.006),
		IdleKWh:        carbon.Measured(0.0005),
		BusyGCO2eq:     carbon.Measured(1.2),
		IdleGCO2eq:     carbon.Measured(0.1),
	}
	switch scope {
	case domain.ScopeProject:
		row.ProjectKey = "IDAaaS"
	case domain.ScopeMachine:
		row.MachineKey = "Muon"
	case domain.ScopeUser:
		row.UserKey = "alice"
	}
	return row
}

func TestUpsertIsIdempotent(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	row := measuredRow(domain.ScopeProject, ts)
	require.NoError(t, svc.Upsert(ctx, row))
	require.NoError(t, svc.Upsert(ctx, measuredRow(domain.ScopeProject, ts)))

	var count int64
	require.NoError(t, db.Model(&domain.UsageFactRow{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestUpsertLastWriteWins(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, svc.Upsert(ctx, measuredRow(domain.ScopeMachine, ts)))

	updated := measuredRow(domain.ScopeMachine, ts)
	updated.BusyKWh = carbon.Measured(0.01)
	require.NoError(t, svc.Upsert(ctx, updated))

	rows, err := svc.QueryTimeSeries(ctx, domain.ScopeMachine, "Muon", domain.TimeRange{
		From: ts.Add(-time.Hour), To: ts.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	v, ok := rows[0].BusyKWh.Float()
	require.True(t, ok)
	assert.Equal(t, 0.01, v)
}

func TestUpsertRejectsScopeKeyViolations(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		mutate func(*domain.UsageFactRow)
	}{
		{"project scope without key", func(r *domain.UsageFactRow) { r.ProjectKey = "" }},
		{"project scope with user key", func(r *domain.UsageFactRow) { r.UserKey = "alice" }},
		{"platform scope with key", func(r *domain.UsageFactRow) {
			r.Scope = domain.ScopePlatform
		}},
		{"unknown scope", func(r *domain.UsageFactRow) { r.Scope = "host" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			row := measuredRow(domain.ScopeProject, ts)
			tc.mutate(row)
			err := svc.Upsert(ctx, row)
			assert.Error(t, err)
		})
	}

	var count int64
	require.NoError(t, db.Model(&domain.UsageFactRow{}).Count(&count).Error)
	assert.Equal(t, int64(0), count, "rejected rows must leave the store unchanged")
}

func TestUpsertRejectsNegativeValues(t *testing.T) {
	svc, _ := newTestService(t)
	row := measuredRow(domain.ScopeUser, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	row.IdleKWh = carbon.Measured(-0.1)
	assert.ErrorIs(t, svc.Upsert(context.Background(), row), domain.ErrNegativeMeasurement)
}

func TestUpsertRejectsMismatchedIntensity(t *testing.T) {
	svc, _ := newTestService(t)
	row := measuredRow(domain.ScopeUser, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	wrong := 999.0
	row.IntensityGPerKWh = &wrong
	assert.ErrorIs(t, svc.Upsert(context.Background(), row), domain.ErrIntensityMismatch)
}

func TestUpsertTruncatesTimestampToGranularity(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	row := measuredRow(domain.ScopeProject, time.Date(2024, 3, 1, 10, 42, 31, 0, time.UTC))
	require.NoError(t, svc.Upsert(ctx, row))

	rows, err := svc.QueryTimeSeries(ctx, domain.ScopeProject, "IDAaaS", domain.TimeRange{
		From: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), rows[0].Timestamp.UTC())
}

func TestQueryTotalsExcludesFailedRowsAndCountsThem(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, svc.Upsert(ctx, measuredRow(domain.ScopeProject, base)))
	require.NoError(t, svc.Upsert(ctx, measuredRow(domain.ScopeProject, base.Add(time.Hour))))

	failed := measuredRow(domain.ScopeProject, base.Add(2*time.Hour))
	failed.BusyCPUSeconds = carbon.Failed()
	failed.BusyKWh = carbon.Failed()
	failed.BusyGCO2eq = carbon.Failed()
	require.NoError(t, svc.Upsert(ctx, failed))

	totals, err := svc.QueryTotals(ctx, domain.ScopeProject, "IDAaaS", domain.TimeRange{
		From: base, To: base.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, totals.Rows)
	assert.Equal(t, 1, totals.FailedRows)
	assert.InDelta(t, 0.012, totals.BusyKWh, 1e-9, "failed row must not contribute zero")
	assert.InDelta(t, 0.001, totals.IdleKWh, 1e-9)
	assert.InDelta(t, 2.4, totals.BusyGCO2eq, 1e-9)
}

func TestQueryAveragesIsArithmeticMeanOfRows(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	first := measuredRow(domain.ScopeUser, base)
	second := measuredRow(domain.ScopeUser, base.Add(time.Hour))
	second.BusyKWh = carbon.Measured(0.012)
	require.NoError(t, svc.Upsert(ctx, first))
	require.NoError(t, svc.Upsert(ctx, second))

	avg, err := svc.QueryAverages(ctx, domain.ScopeUser, "alice", domain.TimeRange{
		From: base, To: base.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.009, avg.BusyKWh, 1e-9)
	assert.Equal(t, 2, avg.Rows)
}

func TestQueryRangeIsHalfOpen(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, svc.Upsert(ctx, measuredRow(domain.ScopeMachine, ts)))

	rows, err := svc.QueryTimeSeries(ctx, domain.ScopeMachine, "Muon", domain.TimeRange{
		From: ts.Add(-time.Hour), To: ts,
	})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestQueryRejectsMissingEntityKey(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.QueryTotals(context.Background(), domain.ScopeProject, "", domain.TimeRange{})
	assert.ErrorIs(t, err, domain.ErrScopeKeyMismatch)
}
