package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stfc-cloud/carbonledger/internal/carbon"
)

// GetEquivalencies translates a gCO2eq amount into everyday terms.
func (s *Server) GetEquivalencies(c *gin.Context) {
	raw := c.Query("g")
	grams, err := strconv.ParseFloat(raw, 64)
	if err != nil || grams < 0 {
		AbortWithError(c, fmt.Errorf("%w: g must be a non-negative number", ErrInvalidRequest))
		return
	}

	var list []carbon.Equivalency
	if rawTop := c.Query("top"); rawTop != "" {
		top, err := strconv.Atoi(rawTop)
		if err != nil || top <= 0 {
			AbortWithError(c, fmt.Errorf("%w: top must be a positive integer", ErrInvalidRequest))
			return
		}
		list = carbon.TopEquivalencies(grams, top)
	} else {
		list = carbon.Equivalencies(grams)
	}

	c.JSON(http.StatusOK, gin.H{
		"gco2eq":        grams,
		"equivalencies": list,
	})
}
