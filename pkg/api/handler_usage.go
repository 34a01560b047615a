package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/cortexops/gantry/pkg/store"
)

// usageHandler returns the aggregated usage summary for the caller's
// project. period is day, week, or month (default month); windows are
// calendar-aligned in UTC.
func (s *Server) usageHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	id, err := s.authenticate(ctx, c)
	if err != nil {
		return err
	}

	// Keys are project-scoped; a foreign project_id is a permission
	// question, not a lookup question.
	projectID := c.QueryParam("project_id")
	if projectID == "" {
		projectID = id.ProjectID()
	}
	if projectID != id.ProjectID() {
		return echo.NewHTTPError(http.StatusForbidden, "api key is not bound to this project")
	}

	period := c.QueryParam("period")
	if period == "" {
		period = string(store.WindowMonth)
	}
	window, err := store.ParseWindow(period)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	summary, err := s.deps.Store.GetUsage(ctx, projectID, window, time.Now().UTC())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}
