package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// capabilitiesHandler lists the agents and skills currently on disk.
// Served from the registry cache; a refresh query param forces a rescan.
func (s *Server) capabilitiesHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.authenticate(ctx, c); err != nil {
		return err
	}

	snap := s.deps.Registry.List()
	if c.QueryParam("refresh") == "true" {
		snap = s.deps.Registry.Refresh()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"agents":       snap.Agents,
		"skills":       snap.Skills,
		"agents_count": len(snap.Agents),
		"skills_count": len(snap.Skills),
		"last_scan":    s.deps.Registry.LastScan(),
	})
}
