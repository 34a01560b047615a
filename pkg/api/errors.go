package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/cortexops/gantry/pkg/direct"
	"github.com/cortexops/gantry/pkg/policy"
	"github.com/cortexops/gantry/pkg/pool"
	"github.com/cortexops/gantry/pkg/store"
	"github.com/cortexops/gantry/pkg/usage"
)

// mapError is the single adaptation point from internal error kinds to
// HTTP statuses. Every handler funnels errors through here.
func mapError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, policy.ErrAuthMissing),
		errors.Is(err, policy.ErrAuthInvalid),
		errors.Is(err, policy.ErrAuthRevoked):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing api key")

	case errors.Is(err, policy.ErrRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")

	case policy.IsPermissionDenied(err):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())

	case store.IsBudgetExceeded(err):
		return echo.NewHTTPError(http.StatusTooManyRequests, "budget exceeded")

	case errors.Is(err, pool.ErrTaskTimedOut):
		return echo.NewHTTPError(http.StatusRequestTimeout, "task timed out")

	case errors.Is(err, pool.ErrTaskCancelled):
		return echo.NewHTTPError(http.StatusRequestTimeout, "task cancelled")

	case pool.IsTaskFailed(err):
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())

	case errors.Is(err, pool.ErrTaskNotFound), errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")

	case errors.Is(err, direct.ErrUpstreamRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, "upstream rate limited")

	case direct.IsUpstreamRejected(err):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())

	case errors.Is(err, direct.ErrUpstreamUnavailable):
		return echo.NewHTTPError(http.StatusInternalServerError, "upstream unavailable")

	case errors.Is(err, usage.ErrUnknownModel):
		// Pricing table and upstream disagree: a misconfiguration.
		return echo.NewHTTPError(http.StatusInternalServerError, "unknown model")

	case errors.Is(err, pool.ErrPoolStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}

	slog.Error("Unexpected error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// errorDetail extracts the client-facing detail string for transports
// that cannot carry an HTTP status, such as WebSocket frames.
func errorDetail(err error) string {
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		he = mapError(err)
	}
	if msg := he.Message; msg != "" {
		return msg
	}
	return http.StatusText(he.Code)
}

// errorHandler renders every HTTP error as {"detail": "..."}.
func errorHandler(c *echo.Context, err error) {
	if r, _ := echo.UnwrapResponse(c.Response()); r != nil && r.Committed {
		return
	}

	var he *echo.HTTPError
	if !errors.As(err, &he) {
		he = mapError(err)
	}

	detail := http.StatusText(he.Code)
	if msg := he.Message; msg != "" {
		detail = msg
	}
	_ = c.JSON(he.Code, map[string]string{"detail": detail})
}
