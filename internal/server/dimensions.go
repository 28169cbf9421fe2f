package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	dimdomain "github.com/stfc-cloud/carbonledger/internal/dimension/domain"
)

func (s *Server) ListDimensions(c *gin.Context) {
	kind := dimdomain.Kind(c.Param("kind"))

	entities, err := s.dimensionSvc.List(c.Request.Context(), kind)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"kind":     kind,
		"entities": entities,
	})
}

func (s *Server) ListActiveWorkspaces(c *gin.Context) {
	at := time.Now().UTC()
	if raw := c.Query("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		at = parsed.UTC()
	}

	records, err := s.workspaceSvc.ActiveAt(c.Request.Context(), at)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"at":         at,
		"workspaces": records,
	})
}
