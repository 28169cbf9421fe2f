package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stfc-cloud/carbonledger/internal/config"
	"github.com/stfc-cloud/carbonledger/internal/usagefact/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Cfg   config.Config
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	granularity time.Duration
}

func NewService(p ServiceParam) domain.Service {
	granularity := p.Cfg.TrackGranularity
	if granularity <= 0 {
		granularity = time.Hour
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("usagefact.service"),
		genID:       p.GenID,
		granularity: granularity,
	}
}

// natural key and metric columns of usage_facts. Every upsert is a
// single atomic row write: concurrent writes to the same key commute
// (last value wins), never interleave partial fields.
var (
	conflictColumns = []clause.Column{
		{Name: "scope"},
		{Name: "timestamp"},
		{Name: "project_key"},
		{Name: "machine_key"},
		{Name: "user_key"},
	}
	metricColumns = []string{
		"busy_cpu_seconds", "idle_cpu_seconds",
		"busy_kwh", "idle_kwh",
		"busy_gco2eq", "idle_gco2eq",
		"intensity_g_per_kwh", "estimated",
		"updated_at",
	}
)

func (s *Service) Upsert(ctx context.Context, row *domain.UsageFactRow) error {
	if row == nil {
		return domain.ErrInvalidScope
	}

	row.Timestamp = row.Timestamp.UTC().Truncate(s.granularity)

	if err := row.Validate(); err != nil {
		return err
	}

	if row.ID == 0 {
		row.ID = s.genID.Generate()
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   conflictColumns,
			DoUpdates: clause.AssignmentColumns(metricColumns),
		}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("upsert usage fact: %w", err)
	}
	return nil
}

func (s *Service) QueryTimeSeries(ctx context.Context, scope domain.Scope, entityKey string, rng domain.TimeRange) ([]domain.UsageFactRow, error) {
	stmt, err := s.scopedQuery(ctx, scope, entityKey, rng)
	if err != nil {
		return nil, err
	}

	var rows []domain.UsageFactRow
	if err := stmt.Order("timestamp ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query time series: %w", err)
	}
	return rows, nil
}

func (s *Service) QueryTotals(ctx context.Context, scope domain.Scope, entityKey string, rng domain.TimeRange) (domain.Aggregate, error) {
	rows, err := s.QueryTimeSeries(ctx, scope, entityKey, rng)
	if err != nil {
		return domain.Aggregate{}, err
	}
	return accumulate(rows), nil
}

// QueryAverages returns the arithmetic mean over rows in range, not a
// time-weighted mean; failed rows are excluded from the denominator.
func (s *Service) QueryAverages(ctx context.Context, scope domain.Scope, entityKey string, rng domain.TimeRange) (domain.Aggregate, error) {
	rows, err := s.QueryTimeSeries(ctx, scope, entityKey, rng)
	if err != nil {
		return domain.Aggregate{}, err
	}

	agg := accumulate(rows)
	counted := agg.Rows - agg.FailedRows
	if counted > 0 {
		n := float64(counted)
		agg.BusyCPUSeconds /= n
		agg.IdleCPUSeconds /= n
		agg.BusyKWh /= n
		agg.IdleKWh /= n
		agg.BusyGCO2eq /= n
		agg.IdleGCO2eq /= n
	}
	return agg, nil
}

func (s *Service) scopedQuery(ctx context.Context, scope domain.Scope, entityKey string, rng domain.TimeRange) (*gorm.DB, error) {
	if !scope.Valid() {
		return nil, domain.ErrInvalidScope
	}
	if scope != domain.ScopePlatform && entityKey == "" {
		return nil, domain.ErrScopeKeyMismatch
	}

	stmt := s.db.WithContext(ctx).
		Model(&domain.UsageFactRow{}).
		Where("scope = ?", scope).
		Where("timestamp >= ? AND timestamp < ?", rng.From.UTC(), rng.To.UTC())

	switch scope {
	case domain.ScopeProject:
		stmt = stmt.Where("project_key = ?", entityKey)
	case domain.ScopeMachine:
		stmt = stmt.Where("machine_key = ?", entityKey)
	case domain.ScopeUser:
		stmt = stmt.Where("user_key = ?", entityKey)
	}
	return stmt, nil
}

// accumulate sums measured rows; rows with any failed component are
// excluded from the sums and counted, never coerced to zero.
func accumulate(rows []domain.UsageFactRow) domain.Aggregate {
	agg := domain.Aggregate{Rows: len(rows)}
	for _, row := range rows {
		if row.Estimated {
			agg.EstimatedRows++
		}
		if row.Failed() {
			agg.FailedRows++
			continue
		}
		add := func(dst *float64, m interface{ Float() (float64, bool) }) {
			if v, ok := m.Float(); ok {
				*dst += v
			}
		}
		add(&agg.BusyCPUSeconds, row.BusyCPUSeconds)
		add(&agg.IdleCPUSeconds, row.IdleCPUSeconds)
		add(&agg.BusyKWh, row.BusyKWh)
		add(&agg.IdleKWh, row.IdleKWh)
		add(&agg.BusyGCO2eq, row.BusyGCO2eq)
		add(&agg.IdleGCO2eq, row.IdleGCO2eq)
	}
	return agg
}
