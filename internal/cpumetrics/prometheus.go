// Package cpumetrics reads per-mode CPU seconds out of Prometheus.
// Queries run against node_cpu_seconds_total; mode="idle" counts as
// idle and every other mode as busy.
package cpumetrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/stfc-cloud/carbonledger/internal/carbon"
	"github.com/stfc-cloud/carbonledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Selector narrows a query to one slice of the fleet. Empty fields
// match everything, so the zero Selector reads platform-wide totals.
type Selector struct {
	Project  string
	Machine  string
	Hostname string
}

// Source fetches the CPU seconds accrued over the window ending at
// the given instant.
type Source interface {
	Fetch(ctx context.Context, sel Selector, at time.Time, window time.Duration) (carbon.CPUSample, error)
}

// QueryAPI is the slice of the Prometheus v1 API the source needs.
// v1.API satisfies it; tests substitute a fake.
type QueryAPI interface {
	Query(ctx context.Context, query string, ts time.Time, opts ...v1.Option) (model.Value, v1.Warnings, error)
}

type PrometheusSource struct {
	api     QueryAPI
	log     *zap.Logger
	timeout time.Duration
}

type SourceParam struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

func NewPrometheusSource(p SourceParam) (Source, error) {
	client, err := api.NewClient(api.Config{Address: p.Cfg.PrometheusURL})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	return NewSourceWithAPI(v1.NewAPI(client), p.Log, p.Cfg.PrometheusTimeout), nil
}

func NewSourceWithAPI(queryAPI QueryAPI, log *zap.Logger, timeout time.Duration) Source {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PrometheusSource{
		api:     queryAPI,
		log:     log.Named("cpumetrics"),
		timeout: timeout,
	}
}

func (s *PrometheusSource) Fetch(ctx context.Context, sel Selector, at time.Time, window time.Duration) (carbon.CPUSample, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	busy, err := s.sumIncrease(queryCtx, sel, `mode!="idle"`, at, window)
	if err != nil {
		return carbon.FailedSample(), err
	}
	idle, err := s.sumIncrease(queryCtx, sel, `mode="idle"`, at, window)
	if err != nil {
		return carbon.FailedSample(), err
	}

	if busy.IsFailed() || idle.IsFailed() {
		return carbon.FailedSample(), nil
	}
	return carbon.CPUSample{Busy: busy, Idle: idle}, nil
}

// sumIncrease returns the summed counter increase for one mode match.
// A timed-out or malformed answer yields the failed sentinel with a
// nil error; only unexpected transport failures propagate.
func (s *PrometheusSource) sumIncrease(ctx context.Context, sel Selector, modeMatch string, at time.Time, window time.Duration) (carbon.Measurement, error) {
	query := buildQuery(sel, modeMatch, window)

	result, warnings, err := s.api.Query(ctx, query, at)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("cpu metrics query timed out", zap.String("query", query))
			return carbon.Failed(), nil
		}
		return carbon.Failed(), fmt.Errorf("query cpu seconds: %w", err)
	}
	if len(warnings) > 0 {
		s.log.Warn("cpu metrics query warnings",
			zap.String("query", query),
			zap.Strings("warnings", warnings),
		)
	}

	vector, ok := result.(model.Vector)
	if !ok {
		s.log.Warn("unexpected cpu metrics result type",
			zap.String("query", query),
			zap.String("type", result.Type().String()),
		)
		return carbon.Failed(), nil
	}

	// no matching series means no activity in the window
	total := 0.0
	for _, sample := range vector {
		total += float64(sample.Value)
	}
	return carbon.Measured(total), nil
}

func buildQuery(sel Selector, modeMatch string, window time.Duration) string {
	matchers := []string{`__name__="node_cpu_seconds_total"`, modeMatch}
	if sel.Project != "" {
		matchers = append(matchers, fmt.Sprintf("cloud_project_name=%q", sel.Project))
	}
	if sel.Machine != "" {
		matchers = append(matchers, fmt.Sprintf("machine_name=%q", sel.Machine))
	}
	if sel.Hostname != "" {
		matchers = append(matchers, fmt.Sprintf("instance=%q", sel.Hostname))
	}
	return fmt.Sprintf("sum(increase({%s}[%s]))", strings.Join(matchers, ","), model.Duration(window).String())
}
