package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stfc-cloud/carbonledger/internal/carbon"
	factdomain "github.com/stfc-cloud/carbonledger/internal/usagefact/domain"
)

// queryScope pulls the scope from the path and the entity key and
// range from the query string. The default range is the last 24 hours.
func queryScope(c *gin.Context) (factdomain.Scope, string, factdomain.TimeRange, error) {
	scope := factdomain.Scope(c.Param("scope"))
	if !scope.Valid() {
		return "", "", factdomain.TimeRange{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidRequest, c.Param("scope"))
	}

	key := c.Query("key")
	if scope != factdomain.ScopePlatform && key == "" {
		return "", "", factdomain.TimeRange{}, fmt.Errorf("%w: scope %s requires key", ErrInvalidRequest, scope)
	}

	now := time.Now().UTC()
	rng := factdomain.TimeRange{From: now.Add(-24 * time.Hour), To: now}
	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return "", "", factdomain.TimeRange{}, fmt.Errorf("%w: bad from timestamp", ErrInvalidRequest)
		}
		rng.From = t.UTC()
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return "", "", factdomain.TimeRange{}, fmt.Errorf("%w: bad to timestamp", ErrInvalidRequest)
		}
		rng.To = t.UTC()
	}
	if !rng.From.Before(rng.To) {
		return "", "", factdomain.TimeRange{}, fmt.Errorf("%w: from must precede to", ErrInvalidRequest)
	}

	return scope, key, rng, nil
}

func (s *Server) GetUsageSeries(c *gin.Context) {
	scope, key, rng, err := queryScope(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	rows, err := s.factSvc.QueryTimeSeries(c.Request.Context(), scope, key, rng)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	type point struct {
		Timestamp        time.Time          `json:"timestamp"`
		BusyCPUSeconds   carbon.Measurement `json:"busy_cpu_seconds"`
		IdleCPUSeconds   carbon.Measurement `json:"idle_cpu_seconds"`
		BusyKWh          carbon.Measurement `json:"busy_kwh"`
		IdleKWh          carbon.Measurement `json:"idle_kwh"`
		BusyGCO2eq       carbon.Measurement `json:"busy_gco2eq"`
		IdleGCO2eq       carbon.Measurement `json:"idle_gco2eq"`
		IntensityGPerKWh *float64           `json:"intensity_g_per_kwh,omitempty"`
		Estimated        bool               `json:"estimated"`
	}

	points := make([]point, 0, len(rows))
	for _, row := range rows {
		points = append(points, point{
			Timestamp:        row.Timestamp.UTC(),
			BusyCPUSeconds:   row.BusyCPUSeconds,
			IdleCPUSeconds:   row.IdleCPUSeconds,
			BusyKWh:          row.BusyKWh,
			IdleKWh:          row.IdleKWh,
			BusyGCO2eq:       row.BusyGCO2eq,
			IdleGCO2eq:       row.IdleGCO2eq,
			IntensityGPerKWh: row.IntensityGPerKWh,
			Estimated:        row.Estimated,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"scope":  scope,
		"key":    key,
		"from":   rng.From,
		"to":     rng.To,
		"points": points,
	})
}

func (s *Server) GetUsageTotals(c *gin.Context) {
	scope, key, rng, err := queryScope(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	agg, err := s.factSvc.QueryTotals(c.Request.Context(), scope, key, rng)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scope":        scope,
		"key":          key,
		"from":         rng.From,
		"to":           rng.To,
		"totals":       agg,
		"total_kwh":    agg.TotalKWh(),
		"total_gco2eq": agg.TotalGCO2eq(),
	})
}

func (s *Server) GetUsageAverages(c *gin.Context) {
	scope, key, rng, err := queryScope(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	agg, err := s.factSvc.QueryAverages(c.Request.Context(), scope, key, rng)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scope":    scope,
		"key":      key,
		"from":     rng.From,
		"to":       rng.To,
		"averages": agg,
	})
}
