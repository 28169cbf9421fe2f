package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetCurrentIntensity(c *gin.Context) {
	reading := s.intensity.Current(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"g_per_kwh": reading.GPerKWh,
		"estimated": reading.Estimated,
		"at":        reading.At,
	})
}

func (s *Server) GetIntensityForecast(c *gin.Context) {
	hours := 24
	if raw := c.Query("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 48 {
			AbortWithError(c, fmt.Errorf("%w: hours must be 1-48", ErrInvalidRequest))
			return
		}
		hours = parsed
	}

	points, err := s.intensity.Forecast(c.Request.Context(), hours)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	type forecastPoint struct {
		From    string  `json:"from"`
		To      string  `json:"to"`
		GPerKWh float64 `json:"g_per_kwh"`
	}
	out := make([]forecastPoint, 0, len(points))
	for _, p := range points {
		out = append(out, forecastPoint{
			From:    p.From.Format("2006-01-02T15:04Z"),
			To:      p.To.Format("2006-01-02T15:04Z"),
			GPerKWh: p.Forecast,
		})
	}
	c.JSON(http.StatusOK, gin.H{"hours": hours, "forecast": out})
}
