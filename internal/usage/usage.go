package usage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"
)

// Plan names a pricing tier.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanLight Plan = "light"
	PlanPro   Plan = "pro"
)

// Identity is the subject of an admission check: an authenticated user or
// an anonymous browser fingerprint.
type Identity struct {
	UserID    string // empty for anonymous callers
	Anonymous string // fingerprint, set when UserID is empty
	Plan      Plan
	Master    bool // master accounts bypass all limits
}

// Key returns the identifier usage counters are keyed by.
func (id Identity) Key() string {
	if id.UserID != "" {
		return id.UserID
	}
	return id.Anonymous
}

// Fingerprint derives a stable anonymous identity from connection
// attributes.
func Fingerprint(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + ":" + userAgent))
	return hex.EncodeToString(sum[:])
}

// Snapshot is the outcome of a quota check, computed fresh from the
// account store at admission time and never cached across the run.
type Snapshot struct {
	Allowed          bool
	Warning          bool
	Reason           string
	MonthlyUsed      int
	MonthlyLimit     int // 0 means unlimited
	MonthlyRemaining int // -1 means unlimited
}

// Admission reasons, machine-readable.
const (
	ReasonUnlimited        = "unlimited"
	ReasonFreeTier         = "free_tier"
	ReasonWithinLimit      = "within_limit"
	ReasonApproachingLimit = "approaching_limit"
	ReasonQuotaExceeded    = "monthly_quota_exceeded"
)

// QuotaError rejects a run for quota reasons.
type QuotaError struct {
	Reason string
	Used   int
	Limit  int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s: used %d of %d", e.Reason, e.Used, e.Limit)
}

// CreditError rejects a run for insufficient credits.
type CreditError struct {
	Required  int
	Available int
}

func (e *CreditError) Error() string {
	return fmt.Sprintf("insufficient_credits: required %d, available %d", e.Required, e.Available)
}

// Store is the account-store surface the gate needs. All mutations are
// assumed atomic; DeductCredits in particular must be a single
// conditional update, not a read-modify-write.
type Store interface {
	GetMonthlyRuns(ctx context.Context, key, month string) (int, error)
	IncrementRun(ctx context.Context, userID, anonID, day, month string, plan string) error
	GetCredits(ctx context.Context, userID string) (int, error)
	DeductCredits(ctx context.Context, userID string, amount int) (int, error)
}

// Config carries the tier limits. Zero values fall back to production
// defaults.
type Config struct {
	FreeMonthlyQuota int // runs per month on the free tier
	LightSoftLimit   int
	ProSoftLimit     int
	GracePercent     int // overage allowed past the soft limit, in percent
	WarnPercent      int // watermark for soft warnings, in percent of the limit
}

func (c Config) withDefaults() Config {
	if c.FreeMonthlyQuota <= 0 {
		c.FreeMonthlyQuota = 10
	}
	if c.LightSoftLimit <= 0 {
		c.LightSoftLimit = 300
	}
	if c.ProSoftLimit <= 0 {
		c.ProSoftLimit = 1000
	}
	if c.GracePercent <= 0 {
		c.GracePercent = 20
	}
	if c.WarnPercent <= 0 {
		c.WarnPercent = 90
	}
	return c
}

// Gate performs admission checks and usage recording around ranking runs.
type Gate struct {
	store  Store
	cfg    Config
	now    func() time.Time
	logger *log.Logger
}

// NewGate builds a usage gate over the given account store.
func NewGate(store Store, cfg Config) *Gate {
	return &Gate{
		store:  store,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: log.New(log.Writer(), "[USAGE] ", log.LstdFlags),
	}
}

func (g *Gate) month() string { return g.now().UTC().Format("2006-01") }
func (g *Gate) day() string   { return g.now().UTC().Format("2006-01-02") }

// CheckQuota computes whether id may start a run under the run-quota
// model. Free identities are hard-limited at the monthly quota; paid
// tiers get a soft warning past the watermark and a hard block past the
// grace ceiling (20% above the nominal limit).
func (g *Gate) CheckQuota(ctx context.Context, id Identity) (Snapshot, error) {
	if id.Master {
		return Snapshot{Allowed: true, Reason: ReasonUnlimited, MonthlyRemaining: -1}, nil
	}

	used, err := g.store.GetMonthlyRuns(ctx, id.Key(), g.month())
	if err != nil {
		return Snapshot{}, fmt.Errorf("get monthly runs: %w", err)
	}

	switch id.Plan {
	case PlanLight, PlanPro:
		limit := g.cfg.LightSoftLimit
		if id.Plan == PlanPro {
			limit = g.cfg.ProSoftLimit
		}
		grace := limit + limit*g.cfg.GracePercent/100
		watermark := limit * g.cfg.WarnPercent / 100
		snap := Snapshot{
			MonthlyUsed:      used,
			MonthlyLimit:     limit,
			MonthlyRemaining: max(limit-used, 0),
		}
		if used >= grace {
			snap.Reason = ReasonQuotaExceeded
			return snap, nil
		}
		snap.Allowed = true
		snap.Reason = ReasonWithinLimit
		if used >= watermark {
			snap.Warning = true
			snap.Reason = ReasonApproachingLimit
			g.logger.Printf("subject %s at %d/%d monthly runs", id.Key(), used, limit)
		}
		return snap, nil
	default:
		quota := g.cfg.FreeMonthlyQuota
		snap := Snapshot{
			MonthlyUsed:      used,
			MonthlyLimit:     quota,
			MonthlyRemaining: max(quota-used, 0),
		}
		if used >= quota {
			snap.Reason = ReasonQuotaExceeded
			return snap, nil
		}
		snap.Allowed = true
		snap.Reason = ReasonFreeTier
		return snap, nil
	}
}

// AdmitRun applies CheckQuota as a hard admission decision.
func (g *Gate) AdmitRun(ctx context.Context, id Identity) (Snapshot, error) {
	snap, err := g.CheckQuota(ctx, id)
	if err != nil {
		return snap, err
	}
	if !snap.Allowed {
		return snap, &QuotaError{Reason: snap.Reason, Used: snap.MonthlyUsed, Limit: snap.MonthlyLimit}
	}
	return snap, nil
}

// RequiredCredits is the price of a run over n tasks.
func RequiredCredits(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// AdmitCredits deducts the run's price up front (pessimistic deduction,
// so a caller cannot start more work than they can pay for) and returns
// the remaining balance. No refund is issued if the run later degrades
// to fallback scoring. Only authenticated identities carry balances.
func (g *Gate) AdmitCredits(ctx context.Context, id Identity, taskCount int) (int, error) {
	if id.Master {
		return -1, nil
	}
	required := RequiredCredits(taskCount)
	remaining, err := g.store.DeductCredits(ctx, id.UserID, required)
	if err != nil {
		available, gerr := g.store.GetCredits(ctx, id.UserID)
		if gerr == nil && available < required {
			return available, &CreditError{Required: required, Available: available}
		}
		return 0, fmt.Errorf("deduct credits: %w", err)
	}
	return remaining, nil
}

// RecordRun increments the daily and monthly counters for id and stamps
// last use. Called once per completed run.
func (g *Gate) RecordRun(ctx context.Context, id Identity) error {
	if err := g.store.IncrementRun(ctx, id.UserID, id.Anonymous, g.day(), g.month(), string(id.Plan)); err != nil {
		return fmt.Errorf("increment run: %w", err)
	}
	return nil
}
