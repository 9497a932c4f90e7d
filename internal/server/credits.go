package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/vitalfew/ranker/internal/store"
)

// CreditsHandler tops up account balances. The endpoint is guarded by a
// shared admin key rather than a user session.
type CreditsHandler struct {
	Store    *store.Store
	AdminKey string
}

func (h *CreditsHandler) Register(g *echo.Group) {
	g.POST("/add", h.addCredits)
}

func (h *CreditsHandler) addCredits(c echo.Context) error {
	if h.AdminKey == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "credit top-up disabled")
	}
	key := c.Request().Header.Get("X-Admin-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.AdminKey)) != 1 {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin key")
	}

	var req CreditsAddRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email required")
	}
	if req.Amount <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "amount must be positive")
	}

	ctx := c.Request().Context()
	u, err := h.Store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no such account")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	total, err := h.Store.AddCredits(ctx, u.ID, req.Amount)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, CreditsAddResponse{Email: u.Email, Credits: total})
}
