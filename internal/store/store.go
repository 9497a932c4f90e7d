package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
)

// Store wraps the Postgres account and usage tables.
type Store struct {
	DB *sql.DB
}

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrInsufficientCredits is returned when a conditional deduction
	// would drive a balance negative.
	ErrInsufficientCredits = errors.New("store: insufficient credits")
	// ErrDuplicateEmail is returned when signup collides with an
	// existing account.
	ErrDuplicateEmail = errors.New("store: email already registered")
)

// User is one account row.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Plan         string
	Credits      int
	IsMaster     bool
	CreatedAt    time.Time
	LastUsedAt   sql.NullTime
}

// New constructs the Store from the environment, preferring DATABASE_URL.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// User operations

func (s *Store) CreateUser(ctx context.Context, email, hash, plan string, credits int) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash, plan, credits) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (email) DO NOTHING RETURNING id`,
		email, hash, plan, credits).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrDuplicateEmail
	}
	return id, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, plan, credits, is_master, created_at, last_used_at
		 FROM users WHERE email=$1`, email))
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, plan, credits, is_master, created_at, last_used_at
		 FROM users WHERE id=$1`, id))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Plan, &u.Credits, &u.IsMaster, &u.CreatedAt, &u.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Credit operations

func (s *Store) GetCredits(ctx context.Context, userID string) (int, error) {
	var credits int
	err := s.DB.QueryRowContext(ctx, `SELECT credits FROM users WHERE id=$1`, userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return credits, err
}

// DeductCredits atomically subtracts amount from the balance, refusing
// the update when the balance cannot cover it. Returns the remaining
// balance on success.
func (s *Store) DeductCredits(ctx context.Context, userID string, amount int) (int, error) {
	var remaining int
	err := s.DB.QueryRowContext(ctx,
		`UPDATE users SET credits = credits - $2 WHERE id=$1 AND credits >= $2 RETURNING credits`,
		userID, amount).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInsufficientCredits
	}
	return remaining, err
}

// AddCredits atomically adds amount to the balance and returns the new
// total.
func (s *Store) AddCredits(ctx context.Context, userID string, amount int) (int, error) {
	var total int
	err := s.DB.QueryRowContext(ctx,
		`UPDATE users SET credits = credits + $2 WHERE id=$1 RETURNING credits`,
		userID, amount).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return total, err
}

// Usage counters. Counters are keyed by subject: a user id for
// authenticated callers, a fingerprint for anonymous ones.

func (s *Store) GetMonthlyRuns(ctx context.Context, key, month string) (int, error) {
	var runs int
	err := s.DB.QueryRowContext(ctx,
		`SELECT runs FROM usage_monthly WHERE subject_key=$1 AND month=$2`, key, month).Scan(&runs)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return runs, err
}

func (s *Store) GetDailyRuns(ctx context.Context, key, day string) (int, error) {
	var runs int
	err := s.DB.QueryRowContext(ctx,
		`SELECT runs FROM usage_daily WHERE subject_key=$1 AND day=$2`, key, day).Scan(&runs)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return runs, err
}

// IncrementRun bumps the daily and monthly counters for the subject and
// stamps the account's last use. The whole update runs in one
// transaction so a crash cannot leave the counters disagreeing.
func (s *Store) IncrementRun(ctx context.Context, userID, anonID, day, month, plan string) error {
	key := userID
	if key == "" {
		key = anonID
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_daily (subject_key, day, plan, runs) VALUES ($1,$2,$3,1)
		 ON CONFLICT (subject_key, day) DO UPDATE SET runs = usage_daily.runs + 1`,
		key, day, plan); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_monthly (subject_key, month, plan, runs) VALUES ($1,$2,$3,1)
		 ON CONFLICT (subject_key, month) DO UPDATE SET runs = usage_monthly.runs + 1`,
		key, month, plan); err != nil {
		return err
	}
	if userID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET last_used_at = NOW() WHERE id=$1`, userID); err != nil {
			return err
		}
	}
	return tx.Commit()
}
