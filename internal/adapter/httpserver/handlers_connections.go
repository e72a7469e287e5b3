package httpserver

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

type connectionsResponse struct {
	Count  int      `json:"count"`
	IDs    []uint32 `json:"ids"`
	LastID uint32   `json:"last_id"`
}

// handleConnections serves a snapshot of the relay registry. last_id is read after ids and may be
// newer than the highest listed id.
func (s *Server) handleConnections(c echo.Context) error {
	ids := s.connections.IDs()
	if ids == nil {
		ids = []uint32{}
	}

	response := connectionsResponse{
		Count:  len(ids),
		IDs:    ids,
		LastID: s.connections.LastID(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write connections response: %w", err)
	}
	return nil
}
