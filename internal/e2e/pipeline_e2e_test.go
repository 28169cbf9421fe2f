package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stfc-cloud/carbonledger/internal/carbonintensity"
	"github.com/stfc-cloud/carbonledger/internal/clock"
	"github.com/stfc-cloud/carbonledger/internal/config"
	"github.com/stfc-cloud/carbonledger/internal/cpumetrics"
	"github.com/stfc-cloud/carbonledger/internal/dimension"
	"github.com/stfc-cloud/carbonledger/internal/migration"
	"github.com/stfc-cloud/carbonledger/internal/observability"
	"github.com/stfc-cloud/carbonledger/internal/server"
	"github.com/stfc-cloud/carbonledger/internal/tracker"
	"github.com/stfc-cloud/carbonledger/internal/usagefact"
	"github.com/stfc-cloud/carbonledger/internal/workspace"
	wsdomain "github.com/stfc-cloud/carbonledger/internal/workspace/domain"
	"github.com/stfc-cloud/carbonledger/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// The fixture window everything below tracks and queries.
var windowStart = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	app        *fx.App
	db         *gorm.DB
	runner     tracker.Runner
	workspaces wsdomain.Service
	baseURL    string
	httpSrv    *httptest.Server
	promSrv    *httptest.Server
	gridSrv    *httptest.Server
	dataDir    string
}

var env *testEnv

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	var err error
	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func TestE2E_HealthCheck(t *testing.T) {
	resp, err := http.Get(env.baseURL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestE2E_TrackingCycleWritesFacts(t *testing.T) {
	result := runCycle(t)

	// platform + project + machine aggregates, two host fan-outs, two
	// folded user entries
	if result.Succeeded != 7 {
		t.Fatalf("expected 7 succeeded entries, got %d", result.Succeeded)
	}
	if result.PartiallyFailed != 0 || result.Errored != 0 {
		t.Fatalf("expected clean cycle, got partial=%d errored=%d", result.PartiallyFailed, result.Errored)
	}

	if got := countRows(t, env.db, "usage_facts"); got != 5 {
		t.Fatalf("expected 5 fact rows, got %d", got)
	}
}

func TestE2E_RerunIsIdempotent(t *testing.T) {
	runCycle(t)
	runCycle(t)

	if got := countRows(t, env.db, "usage_facts"); got != 5 {
		t.Fatalf("expected 5 fact rows after rerun, got %d", got)
	}
}

func TestE2E_UsageTotals(t *testing.T) {
	runCycle(t)

	// 900 busy CPU-seconds at 12 W and 6300 idle at 1 W, priced at the
	// 220 g/kWh mean the fake grid feed reports
	totals := getTotals(t, "platform", "")
	wantFloat(t, "platform total_kwh", totals.TotalKWh, 0.00475)
	wantFloat(t, "platform total_gco2eq", totals.TotalGCO2eq, 1.045)

	alice := getTotals(t, "user", "alice")
	wantFloat(t, "alice total_kwh", alice.TotalKWh, 0.001+3300.0/3600000)
	wantFloat(t, "alice total_gco2eq", alice.TotalGCO2eq, 220*(0.001+3300.0/3600000))

	bob := getTotals(t, "user", "bob")
	wantFloat(t, "bob total_kwh", bob.TotalKWh, 0.002+3000.0/3600000)
}

func TestE2E_UsageSeries(t *testing.T) {
	runCycle(t)

	reqURL := env.baseURL + "/api/v1/usage/project/series?key=astro" + rangeParams()
	var payload struct {
		Points []struct {
			Timestamp        time.Time `json:"timestamp"`
			BusyCPUSeconds   float64   `json:"busy_cpu_seconds"`
			IdleCPUSeconds   float64   `json:"idle_cpu_seconds"`
			IntensityGPerKWh *float64  `json:"intensity_g_per_kwh"`
			Estimated        bool      `json:"estimated"`
		} `json:"points"`
	}
	getJSON(t, reqURL, &payload)

	if len(payload.Points) != 1 {
		t.Fatalf("expected one series point, got %d", len(payload.Points))
	}
	point := payload.Points[0]
	if !point.Timestamp.Equal(windowStart) {
		t.Fatalf("expected point at %s, got %s", windowStart, point.Timestamp)
	}
	wantFloat(t, "project busy seconds", point.BusyCPUSeconds, 900)
	wantFloat(t, "project idle seconds", point.IdleCPUSeconds, 6300)
	if point.IntensityGPerKWh == nil {
		t.Fatalf("expected stored intensity")
	}
	wantFloat(t, "stored intensity", *point.IntensityGPerKWh, 220)
	if point.Estimated {
		t.Fatalf("expected live intensity, got estimated")
	}
}

func TestE2E_DimensionsRegistered(t *testing.T) {
	runCycle(t)

	if names := dimensionNames(t, "project"); !contains(names, "astro") {
		t.Fatalf("expected project astro registered, got %v", names)
	}
	if names := dimensionNames(t, "user"); !contains(names, "alice") || !contains(names, "bob") {
		t.Fatalf("expected users alice and bob registered, got %v", names)
	}
	if names := dimensionNames(t, "group"); !contains(names, "astro_astro-small") {
		t.Fatalf("expected derived group registered, got %v", names)
	}
}

func TestE2E_IntensityAndEquivalencies(t *testing.T) {
	var current struct {
		GPerKWh   float64 `json:"g_per_kwh"`
		Estimated bool    `json:"estimated"`
	}
	getJSON(t, env.baseURL+"/api/v1/intensity/current", &current)
	wantFloat(t, "current intensity", current.GPerKWh, 220)
	if current.Estimated {
		t.Fatalf("expected live reading, got estimated")
	}

	var equiv struct {
		Equivalencies []struct {
			Name  string  `json:"name"`
			Value float64 `json:"value"`
		} `json:"equivalencies"`
	}
	getJSON(t, env.baseURL+"/api/v1/equivalencies?g=1000&top=2", &equiv)
	if len(equiv.Equivalencies) != 2 {
		t.Fatalf("expected 2 equivalencies, got %d", len(equiv.Equivalencies))
	}
}

func TestE2E_ActiveWorkspaces(t *testing.T) {
	reqURL := env.baseURL + "/api/v1/workspaces/active?at=" + windowStart.Format(time.RFC3339)
	var payload struct {
		Workspaces []struct {
			Hostname string `json:"hostname"`
		} `json:"workspaces"`
	}
	getJSON(t, reqURL, &payload)

	if len(payload.Workspaces) != 2 {
		t.Fatalf("expected 2 active workspaces, got %d", len(payload.Workspaces))
	}
}

func startEnv() (*testEnv, error) {
	promSrv := httptest.NewServer(http.HandlerFunc(servePromQuery))
	gridSrv := httptest.NewServer(http.HandlerFunc(serveIntensity))

	dataDir, err := os.MkdirTemp("", "carbonledger-e2e-")
	if err != nil {
		return nil, err
	}

	setDefaultEnv(map[string]string{
		"ENVIRONMENT":               "test",
		"LOG_LEVEL":                 "error",
		"DATABASE_TYPE":             "sqlite",
		"DATABASE_NAME":             filepath.Join(dataDir, "e2e"),
		"PROMETHEUS_URL":            promSrv.URL,
		"CARBON_INTENSITY_BASE_URL": gridSrv.URL,
	})

	var (
		srv    *server.Server
		dbConn *gorm.DB
		runner tracker.Runner
		wsSvc  wsdomain.Service
	)

	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),
		db.Module,
		clock.Module,
		migration.Module,
		usagefact.Module,
		dimension.Module,
		workspace.Module,
		cpumetrics.Module,
		carbonintensity.Module,
		tracker.Module,
		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Populate(&srv, &dbConn, &runner, &wsSvc),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		promSrv.Close()
		gridSrv.Close()
		return nil, err
	}

	httpSrv := httptest.NewServer(srv.Engine())

	e := &testEnv{
		app:        app,
		db:         dbConn,
		runner:     runner,
		workspaces: wsSvc,
		baseURL:    httpSrv.URL,
		httpSrv:    httpSrv,
		promSrv:    promSrv,
		gridSrv:    gridSrv,
		dataDir:    dataDir,
	}
	if err := e.seedWorkspaces(ctx); err != nil {
		e.shutdown()
		return nil, err
	}
	return e, nil
}

func (e *testEnv) seedWorkspaces(ctx context.Context) error {
	opened := windowStart.Add(-time.Hour)
	records := []*wsdomain.ActiveWorkspaceRecord{
		{Hostname: "host-a", MachineType: "astro-small", OwnerUser: "alice", OwnerProj: "astro", StartedAt: opened},
		{Hostname: "host-b", MachineType: "astro-small", OwnerUser: "bob", OwnerProj: "astro", StartedAt: opened},
	}
	for _, rec := range records {
		if err := e.workspaces.Open(ctx, rec); err != nil {
			return fmt.Errorf("seed workspace %s: %w", rec.Hostname, err)
		}
	}
	return nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	if e.app != nil {
		_ = e.app.Stop(context.Background())
	}
	if e.promSrv != nil {
		e.promSrv.Close()
	}
	if e.gridSrv != nil {
		e.gridSrv.Close()
	}
	if e.dataDir != "" {
		_ = os.RemoveAll(e.dataDir)
	}
}

func setDefaultEnv(values map[string]string) {
	for key, value := range values {
		if strings.TrimSpace(os.Getenv(key)) != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}

// servePromQuery answers instant queries with a fixed hourly fleet:
// host-a burned 300 busy / 3300 idle CPU-seconds, host-b 600 / 3000.
func servePromQuery(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	query := r.FormValue("query")
	busy := strings.Contains(query, `mode!="idle"`)

	var value float64
	switch {
	case strings.Contains(query, `instance="host-a"`):
		value = pick(busy, 300, 3300)
	case strings.Contains(query, `instance="host-b"`):
		value = pick(busy, 600, 3000)
	default:
		// project, machine, and platform selectors all cover the
		// same two hosts
		value = pick(busy, 900, 6300)
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[%d,"%s"]}]}}`,
		windowStart.Unix(),
		strconv.FormatFloat(value, 'f', -1, 64),
	)
}

func pick(busy bool, busyValue, idleValue float64) float64 {
	if busy {
		return busyValue
	}
	return idleValue
}

// serveIntensity reports two half-hour periods at 200 and 240 gCO2/kWh
// for any requested range, so hourly lookups average to 220.
func serveIntensity(w http.ResponseWriter, r *http.Request) {
	from := windowStart
	periods := make([]map[string]any, 0, 2)
	for i, actual := range []float64{200, 240} {
		half := from.Add(time.Duration(i) * 30 * time.Minute)
		periods = append(periods, map[string]any{
			"from": half.Format("2006-01-02T15:04Z"),
			"to":   half.Add(30 * time.Minute).Format("2006-01-02T15:04Z"),
			"intensity": map[string]any{
				"forecast": actual + 5,
				"actual":   actual,
			},
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": periods})
}

func runCycle(t *testing.T) tracker.BatchResult {
	t.Helper()
	result, err := env.runner.TrackAll(context.Background(), windowStart)
	if err != nil {
		t.Fatalf("tracking cycle failed: %v", err)
	}
	return result
}

type totalsPayload struct {
	TotalKWh    float64 `json:"total_kwh"`
	TotalGCO2eq float64 `json:"total_gco2eq"`
}

func getTotals(t *testing.T, scope, key string) totalsPayload {
	t.Helper()
	reqURL := env.baseURL + "/api/v1/usage/" + scope + "/totals?" + rangeParams()[1:]
	if key != "" {
		reqURL += "&key=" + key
	}
	var payload totalsPayload
	getJSON(t, reqURL, &payload)
	return payload
}

func rangeParams() string {
	return "&from=" + windowStart.Format(time.RFC3339) + "&to=" + windowStart.Add(time.Hour).Format(time.RFC3339)
}

func dimensionNames(t *testing.T, kind string) []string {
	t.Helper()
	var payload struct {
		Entities []struct {
			Name string `json:"name"`
		} `json:"entities"`
	}
	getJSON(t, env.baseURL+"/api/v1/dimensions/"+kind, &payload)

	names := make([]string, 0, len(payload.Entities))
	for _, e := range payload.Entities {
		names = append(names, e.Name)
	}
	return names
}

func getJSON(t *testing.T, reqURL string, out any) {
	t.Helper()
	resp, err := http.Get(reqURL)
	if err != nil {
		t.Fatalf("request %s failed: %v", reqURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for %s, got %d: %s", reqURL, resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		t.Fatalf("decode %s: %v: %s", reqURL, err, string(body))
	}
}

func countRows(t *testing.T, dbConn *gorm.DB, table string) int64 {
	t.Helper()
	var count int64
	if err := dbConn.Table(table).Count(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

func wantFloat(t *testing.T, what string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("%s: expected %v, got %v", what, want, got)
	}
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
