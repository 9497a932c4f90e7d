package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/vitalfew/ranker/internal/store"
	"github.com/vitalfew/ranker/internal/usage"
)

func sqlmockTime() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }

func TestGetUsageAnonymous(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &store.Store{DB: db}
	h := &UsageHandler{Gate: usage.NewGate(st, usage.Config{}), Store: st}

	mock.ExpectQuery("SELECT runs FROM usage_monthly").
		WillReturnRows(sqlmock.NewRows([]string{"runs"}).AddRow(4))
	mock.ExpectQuery("SELECT runs FROM usage_daily").
		WillReturnRows(sqlmock.NewRows([]string{"runs"}).AddRow(2))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/ai/usage", nil)
	req.Header.Set("User-Agent", "test-agent")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.getUsage(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp UsageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Plan != "free" || resp.MonthlyUsed != 4 || resp.MonthlyLimit != 10 || resp.MonthlyRemaining != 6 {
		t.Fatalf("monthly standing wrong: %+v", resp)
	}
	if resp.DailyUsed != 2 {
		t.Fatalf("daily used = %d, want 2", resp.DailyUsed)
	}
	if resp.Credits != nil {
		t.Fatalf("anonymous caller must not report credits: %+v", resp)
	}
	if strings.Contains(rec.Body.String(), `"credits"`) {
		t.Fatalf("credits field must be absent for anonymous callers: %s", rec.Body.String())
	}
}

func TestGetUsageAuthenticatedZeroBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &store.Store{DB: db}
	h := &UsageHandler{Gate: usage.NewGate(st, usage.Config{}), Store: st}

	userRows := sqlmock.NewRows([]string{"id", "email", "password_hash", "plan", "credits", "is_master", "created_at", "last_used_at"}).
		AddRow("user-1", "u@example.com", "hash", "free", 0, false, sqlmockTime(), nil)
	mock.ExpectQuery("SELECT id, email, password_hash").
		WithArgs("user-1").
		WillReturnRows(userRows)
	mock.ExpectQuery("SELECT runs FROM usage_monthly").
		WillReturnRows(sqlmock.NewRows([]string{"runs"}).AddRow(1))
	mock.ExpectQuery("SELECT runs FROM usage_daily").
		WillReturnRows(sqlmock.NewRows([]string{"runs"}).AddRow(1))
	mock.ExpectQuery("SELECT credits FROM users").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(0))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/ai/usage", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("user_id", "user-1")
	if err := h.getUsage(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp UsageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// A drained balance is still reported, distinguishable from an
	// anonymous caller.
	if resp.Credits == nil || *resp.Credits != 0 {
		t.Fatalf("zero balance must serialize as credits:0, got %+v", resp)
	}
	if !strings.Contains(rec.Body.String(), `"credits":0`) {
		t.Fatalf("credits field missing from body: %s", rec.Body.String())
	}
}

func TestAddCreditsRequiresAdminKey(t *testing.T) {
	h := &CreditsHandler{AdminKey: "sekrit"}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/credits/add", strings.NewReader(`{"email":"a@b.c","amount":5}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Admin-Key", "wrong")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.addCredits(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAddCreditsTopsUpBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &store.Store{DB: db}
	h := &CreditsHandler{Store: st, AdminKey: "sekrit"}

	rows := sqlmock.NewRows([]string{"id", "email", "password_hash", "plan", "credits", "is_master", "created_at", "last_used_at"}).
		AddRow("user-1", "a@b.c", "hash", "free", 10, false, sqlmockTime(), nil)
	mock.ExpectQuery("SELECT id, email, password_hash").
		WithArgs("a@b.c").
		WillReturnRows(rows)
	mock.ExpectQuery("UPDATE users SET credits").
		WithArgs("user-1", 5).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(15))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/credits/add", strings.NewReader(`{"email":"A@B.C","amount":5}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Admin-Key", "sekrit")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.addCredits(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp CreditsAddResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Credits != 15 {
		t.Fatalf("credits = %d, want 15", resp.Credits)
	}
}

func TestAddCreditsValidation(t *testing.T) {
	h := &CreditsHandler{AdminKey: "sekrit"}

	for _, body := range []string{`{"email":"","amount":5}`, `{"email":"a@b.c","amount":0}`, `{"email":"a@b.c","amount":-3}`} {
		e := echo.New()
		req := httptest.NewRequest(http.MethodPost, "/api/credits/add", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set("X-Admin-Key", "sekrit")
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		if err := h.addCredits(c); err != nil {
			e.HTTPErrorHandler(err, c)
		}
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d", body, rec.Code)
		}
	}
}
