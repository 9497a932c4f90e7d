package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/vitalfew/ranker/internal/store"
)

func newAuthHandler(t *testing.T) (*AuthHandler, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	h := &AuthHandler{
		Store:         &store.Store{DB: db},
		Secret:        []byte("test-secret"),
		SignupCredits: 25,
	}
	return h, mock, func() { db.Close() }
}

func doJSON(h echo.HandlerFunc, method, path, body string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestSignupCreatesAccount(t *testing.T) {
	h, mock, done := newAuthHandler(t)
	defer done()

	mock.ExpectQuery("INSERT INTO users").
		WithArgs("new@example.com", sqlmock.AnyArg(), "free", 25).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-1"))

	rec := doJSON(h.signup, http.MethodPost, "/api/auth/signup", `{"email":"New@Example.com","password":"longenough"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSignupRejectsWeakInput(t *testing.T) {
	h, _, done := newAuthHandler(t)
	defer done()

	if rec := doJSON(h.signup, http.MethodPost, "/s", `{"email":"a@b.c","password":"short"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("short password: status = %d", rec.Code)
	}
	if rec := doJSON(h.signup, http.MethodPost, "/s", `{"email":"not-an-email","password":"longenough"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad email: status = %d", rec.Code)
	}
}

func TestSignupDuplicateEmail(t *testing.T) {
	h, mock, done := newAuthHandler(t)
	defer done()

	mock.ExpectQuery("INSERT INTO users").
		WithArgs("dup@example.com", sqlmock.AnyArg(), "free", 25).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := doJSON(h.signup, http.MethodPost, "/s", `{"email":"dup@example.com","password":"longenough"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestLoginIssuesToken(t *testing.T) {
	h, mock, done := newAuthHandler(t)
	defer done()

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	rows := sqlmock.NewRows([]string{"id", "email", "password_hash", "plan", "credits", "is_master", "created_at", "last_used_at"}).
		AddRow("user-1", "u@example.com", string(hash), "free", 25, false, sqlmockTime(), nil)
	mock.ExpectQuery("SELECT id, email, password_hash").
		WithArgs("u@example.com").
		WillReturnRows(rows)

	rec := doJSON(h.login, http.MethodPost, "/api/auth/login", `{"email":"u@example.com","password":"correct-horse"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("token missing from body")
	}
	foundCookie := false
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == "auth" && ck.Value == resp.Token {
			foundCookie = true
		}
	}
	if !foundCookie {
		t.Fatal("auth cookie not set")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	h, mock, done := newAuthHandler(t)
	defer done()

	hash, _ := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	rows := sqlmock.NewRows([]string{"id", "email", "password_hash", "plan", "credits", "is_master", "created_at", "last_used_at"}).
		AddRow("user-1", "u@example.com", string(hash), "free", 25, false, sqlmockTime(), nil)
	mock.ExpectQuery("SELECT id, email, password_hash").
		WithArgs("u@example.com").
		WillReturnRows(rows)

	rec := doJSON(h.login, http.MethodPost, "/l", `{"email":"u@example.com","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	h, _, done := newAuthHandler(t)
	defer done()

	rec := doJSON(h.logout, http.MethodPost, "/api/auth/logout", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == "auth" && ck.MaxAge >= 0 {
			t.Fatal("auth cookie not expired")
		}
	}
}
