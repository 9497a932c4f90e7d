package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vitalfew/ranker/internal/ranking"
	"github.com/vitalfew/ranker/internal/runtime"
	"github.com/vitalfew/ranker/internal/store"
	"github.com/vitalfew/ranker/internal/usage"
)

var apiLogger = log.New(log.Writer(), "[API] ", log.LstdFlags)

// RankHandler serves the streaming ranking endpoint.
type RankHandler struct {
	Orch          *ranking.Orchestrator
	Gate          *usage.Gate
	Store         *store.Store
	MaxTasks      int
	MaxTotalChars int
}

func (h *RankHandler) Register(g *echo.Group, secret []byte) {
	g.POST("/rank-tasks", h.rankTasks, runtime.OptionalAuthMiddleware(secret))
}

// rankTasks validates the batch, admits it against quota and credits,
// then streams scored records back as Server-Sent Events. Rejections
// happen before the first event, so they surface as plain JSON errors.
func (h *RankHandler) rankTasks(c echo.Context) error {
	var req RankRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tasks := make([]string, 0, len(req.Tasks))
	total := 0
	for _, t := range req.Tasks {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		tasks = append(tasks, t)
		total += len(t)
	}
	if len(tasks) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no tasks provided")
	}
	if len(tasks) > h.MaxTasks {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("too many tasks: %d > %d", len(tasks), h.MaxTasks))
	}
	if total > h.MaxTotalChars {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("payload too large: %d chars > %d", total, h.MaxTotalChars))
	}

	id, err := resolveIdentity(c, h.Store)
	if err != nil {
		return err
	}

	resp := c.Response()
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	started := false
	emit := func(ev ranking.Event) error {
		if !started {
			resp.Header().Set(echo.HeaderContentType, "text/event-stream")
			resp.Header().Set(echo.HeaderCacheControl, "no-cache")
			resp.Header().Set("Connection", "keep-alive")
			resp.WriteHeader(http.StatusOK)
			started = true
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(resp, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	runID := uuid.NewString()
	apiLogger.Printf("run %s: %d tasks from %s", runID, len(tasks), id.Key())

	adm := &admission{gate: h.Gate, id: id}
	stats, err := h.Orch.Run(c.Request().Context(), tasks, strings.TrimSpace(req.Priorities), adm, emit)
	if err != nil && !started {
		apiLogger.Printf("run %s: rejected: %v", runID, err)
		return rejectionError(err)
	}
	apiLogger.Printf("run %s: done batches=%d attempts=%d records=%d fallbacks=%d err=%v",
		runID, stats.Batches, stats.Attempts, stats.Records, stats.Fallbacks, err)
	// Once streaming began, failures were already delivered in-band as
	// error events.
	return nil
}

// admission binds the usage gate to one request's identity. Quota
// applies to every caller; credits only to authenticated accounts.
type admission struct {
	gate *usage.Gate
	id   usage.Identity
}

func (a *admission) Admit(ctx context.Context, taskCount int) error {
	if _, err := a.gate.AdmitRun(ctx, a.id); err != nil {
		return err
	}
	if a.id.UserID != "" {
		if _, err := a.gate.AdmitCredits(ctx, a.id, taskCount); err != nil {
			return err
		}
	}
	return nil
}

func (a *admission) Record(ctx context.Context, stats ranking.RunStats) error {
	return a.gate.RecordRun(ctx, a.id)
}

// rejectionError maps admission failures to HTTP errors with
// machine-readable payloads.
func rejectionError(err error) error {
	var qerr *usage.QuotaError
	if errors.As(err, &qerr) {
		return echo.NewHTTPError(http.StatusTooManyRequests, QuotaRejection{
			Error:  "quota exceeded",
			Reason: qerr.Reason,
			Used:   qerr.Used,
			Limit:  qerr.Limit,
		})
	}
	var cerr *usage.CreditError
	if errors.As(err, &cerr) {
		return echo.NewHTTPError(http.StatusPaymentRequired, CreditRejection{
			Error:     "insufficient credits",
			Reason:    "insufficient_credits",
			Required:  cerr.Required,
			Available: cerr.Available,
		})
	}
	if errors.Is(err, ranking.ErrNoTasks) {
		return echo.NewHTTPError(http.StatusBadRequest, "no tasks provided")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// resolveIdentity maps the request to an authenticated account or an
// anonymous fingerprint.
func resolveIdentity(c echo.Context, st *store.Store) (usage.Identity, error) {
	if uid, ok := c.Get("user_id").(string); ok && uid != "" {
		u, err := st.GetUserByID(c.Request().Context(), uid)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return usage.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "unknown account")
			}
			return usage.Identity{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return usage.Identity{UserID: u.ID, Plan: usage.Plan(u.Plan), Master: u.IsMaster}, nil
	}
	fp := usage.Fingerprint(c.RealIP(), c.Request().UserAgent())
	return usage.Identity{Anonymous: fp, Plan: usage.PlanFree}, nil
}
