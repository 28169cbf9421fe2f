package cpumetrics

import (
	"context"
	"errors"
	"testing"
	"time"

	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeQueryAPI struct {
	results map[string]model.Value
	err     error
	queries []string
}

func (f *fakeQueryAPI) Query(_ context.Context, query string, _ time.Time, _ ...v1.Option) (model.Value, v1.Warnings, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, nil, f.err
	}
	if v, ok := f.results[query]; ok {
		return v, nil, nil
	}
	return model.Vector{}, nil, nil
}

func vectorOf(values ...float64) model.Vector {
	out := make(model.Vector, 0, len(values))
	for _, v := range values {
		out = append(out, &model.Sample{Value: model.SampleValue(v)})
	}
	return out
}

func TestFetchSplitsBusyAndIdle(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := &fakeQueryAPI{results: map[string]model.Value{
		buildQuery(Selector{Project: "IDAaaS"}, `mode!="idle"`, time.Hour): vectorOf(300, 237.45),
		buildQuery(Selector{Project: "IDAaaS"}, `mode="idle"`, time.Hour):  vectorOf(287239.26),
	}}
	src := NewSourceWithAPI(fake, zap.NewNop(), time.Second)

	sample, err := src.Fetch(context.Background(), Selector{Project: "IDAaaS"}, at, time.Hour)
	require.NoError(t, err)

	busy, ok := sample.Busy.Float()
	require.True(t, ok)
	assert.InDelta(t, 537.45, busy, 1e-9, "busy sums every non-idle mode across hosts")

	idle, ok := sample.Idle.Float()
	require.True(t, ok)
	assert.InDelta(t, 287239.26, idle, 1e-9)
}

func TestFetchEmptyResultIsZeroActivity(t *testing.T) {
	src := NewSourceWithAPI(&fakeQueryAPI{}, zap.NewNop(), time.Second)

	sample, err := src.Fetch(context.Background(), Selector{Hostname: "host-muon-01"}, time.Now(), time.Hour)
	require.NoError(t, err)
	assert.False(t, sample.Failed())

	busy, _ := sample.Busy.Float()
	assert.Equal(t, 0.0, busy)
}

func TestFetchTimeoutYieldsFailedSampleWithoutError(t *testing.T) {
	fake := &fakeQueryAPI{err: context.DeadlineExceeded}
	src := NewSourceWithAPI(fake, zap.NewNop(), time.Second)

	sample, err := src.Fetch(context.Background(), Selector{}, time.Now(), time.Hour)
	require.NoError(t, err)
	assert.True(t, sample.Failed())
}

func TestFetchMalformedResultYieldsFailedSample(t *testing.T) {
	query := buildQuery(Selector{}, `mode!="idle"`, time.Hour)
	fake := &fakeQueryAPI{results: map[string]model.Value{
		query: &model.String{Value: "nope"},
	}}
	src := NewSourceWithAPI(fake, zap.NewNop(), time.Second)

	sample, err := src.Fetch(context.Background(), Selector{}, time.Now(), time.Hour)
	require.NoError(t, err)
	assert.True(t, sample.Failed())
}

func TestFetchTransportErrorPropagates(t *testing.T) {
	fake := &fakeQueryAPI{err: errors.New("connection refused")}
	src := NewSourceWithAPI(fake, zap.NewNop(), time.Second)

	sample, err := src.Fetch(context.Background(), Selector{}, time.Now(), time.Hour)
	assert.Error(t, err)
	assert.True(t, sample.Failed())
}

func TestBuildQuerySelectors(t *testing.T) {
	q := buildQuery(Selector{Project: "IDAaaS", Machine: "Muon", Hostname: "host-muon-01"}, `mode="idle"`, time.Hour)
	assert.Equal(t,
		`sum(increase({__name__="node_cpu_seconds_total",mode="idle",cloud_project_name="IDAaaS",machine_name="Muon",instance="host-muon-01"}[1h]))`,
		q)

	q = buildQuery(Selector{}, `mode!="idle"`, 30*time.Minute)
	assert.Equal(t, `sum(increase({__name__="node_cpu_seconds_total",mode!="idle"}[30m]))`, q)
}
