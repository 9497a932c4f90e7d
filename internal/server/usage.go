package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vitalfew/ranker/internal/runtime"
	"github.com/vitalfew/ranker/internal/store"
	"github.com/vitalfew/ranker/internal/usage"
)

// UsageHandler reports the caller's current quota standing.
type UsageHandler struct {
	Gate  *usage.Gate
	Store *store.Store
}

func (h *UsageHandler) Register(g *echo.Group, secret []byte) {
	g.GET("/usage", h.getUsage, runtime.OptionalAuthMiddleware(secret))
}

func (h *UsageHandler) getUsage(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := resolveIdentity(c, h.Store)
	if err != nil {
		return err
	}
	snap, err := h.Gate.CheckQuota(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	day := time.Now().UTC().Format("2006-01-02")
	daily, err := h.Store.GetDailyRuns(ctx, id.Key(), day)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := UsageResponse{
		Plan:             string(id.Plan),
		MonthlyUsed:      snap.MonthlyUsed,
		MonthlyLimit:     snap.MonthlyLimit,
		MonthlyRemaining: snap.MonthlyRemaining,
		DailyUsed:        daily,
		Warning:          snap.Warning,
		Reason:           snap.Reason,
	}
	if id.UserID != "" {
		credits, err := h.Store.GetCredits(ctx, id.UserID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		resp.Credits = &credits
	}
	return c.JSON(http.StatusOK, resp)
}
