package usage

import (
	"context"
	"errors"
	"testing"

	"github.com/vitalfew/ranker/internal/store"
)

type fakeStore struct {
	monthlyRuns map[string]int
	credits     map[string]int
	increments  int
	lastKeyed   string
}

func newFakeStore() *fakeStore {
	return &fakeStore{monthlyRuns: map[string]int{}, credits: map[string]int{}}
}

func (f *fakeStore) GetMonthlyRuns(ctx context.Context, key, month string) (int, error) {
	return f.monthlyRuns[key], nil
}

func (f *fakeStore) IncrementRun(ctx context.Context, userID, anonID, day, month, plan string) error {
	key := userID
	if key == "" {
		key = anonID
	}
	f.monthlyRuns[key]++
	f.increments++
	f.lastKeyed = key
	return nil
}

func (f *fakeStore) GetCredits(ctx context.Context, userID string) (int, error) {
	return f.credits[userID], nil
}

func (f *fakeStore) DeductCredits(ctx context.Context, userID string, amount int) (int, error) {
	if f.credits[userID] < amount {
		return 0, store.ErrInsufficientCredits
	}
	f.credits[userID] -= amount
	return f.credits[userID], nil
}

func TestFreeQuotaHardLimit(t *testing.T) {
	st := newFakeStore()
	g := NewGate(st, Config{})
	id := Identity{Anonymous: "fp-1", Plan: PlanFree}
	ctx := context.Background()

	st.monthlyRuns["fp-1"] = 9
	snap, err := g.CheckQuota(ctx, id)
	if err != nil {
		t.Fatalf("CheckQuota: %v", err)
	}
	if !snap.Allowed || snap.MonthlyRemaining != 1 {
		t.Fatalf("run 10 should be allowed: %+v", snap)
	}

	st.monthlyRuns["fp-1"] = 10
	snap, err = g.CheckQuota(ctx, id)
	if err != nil {
		t.Fatalf("CheckQuota: %v", err)
	}
	if snap.Allowed || snap.Reason != ReasonQuotaExceeded {
		t.Fatalf("run 11 should be blocked: %+v", snap)
	}

	_, err = g.AdmitRun(ctx, id)
	var qerr *QuotaError
	if !errors.As(err, &qerr) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if qerr.Used != 10 || qerr.Limit != 10 {
		t.Fatalf("quota error amounts: %+v", qerr)
	}
}

func TestPaidTierWatermarkAndGrace(t *testing.T) {
	st := newFakeStore()
	g := NewGate(st, Config{ProSoftLimit: 1000})
	id := Identity{UserID: "u1", Plan: PlanPro}
	ctx := context.Background()

	cases := []struct {
		used    int
		allowed bool
		warning bool
		reason  string
	}{
		{500, true, false, ReasonWithinLimit},
		{899, true, false, ReasonWithinLimit},
		{900, true, true, ReasonApproachingLimit},
		{1000, true, true, ReasonApproachingLimit},
		{1199, true, true, ReasonApproachingLimit},
		{1200, false, false, ReasonQuotaExceeded},
	}
	for _, c := range cases {
		st.monthlyRuns["u1"] = c.used
		snap, err := g.CheckQuota(ctx, id)
		if err != nil {
			t.Fatalf("CheckQuota(%d): %v", c.used, err)
		}
		if snap.Allowed != c.allowed || snap.Warning != c.warning || snap.Reason != c.reason {
			t.Errorf("used=%d: got allowed=%v warning=%v reason=%q, want allowed=%v warning=%v reason=%q",
				c.used, snap.Allowed, snap.Warning, snap.Reason, c.allowed, c.warning, c.reason)
		}
	}
}

func TestMasterBypassesQuota(t *testing.T) {
	st := newFakeStore()
	st.monthlyRuns["u1"] = 1_000_000
	g := NewGate(st, Config{})
	snap, err := g.CheckQuota(context.Background(), Identity{UserID: "u1", Plan: PlanPro, Master: true})
	if err != nil {
		t.Fatalf("CheckQuota: %v", err)
	}
	if !snap.Allowed || snap.Reason != ReasonUnlimited || snap.MonthlyRemaining != -1 {
		t.Fatalf("master should be unlimited: %+v", snap)
	}
}

func TestRequiredCredits(t *testing.T) {
	cases := []struct{ n, want int }{{0, 1}, {-5, 1}, {1, 1}, {7, 7}, {1000, 1000}}
	for _, c := range cases {
		if got := RequiredCredits(c.n); got != c.want {
			t.Errorf("RequiredCredits(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestAdmitCreditsDeductsUpFront(t *testing.T) {
	st := newFakeStore()
	st.credits["u1"] = 10
	g := NewGate(st, Config{})
	id := Identity{UserID: "u1", Plan: PlanFree}

	remaining, err := g.AdmitCredits(context.Background(), id, 7)
	if err != nil {
		t.Fatalf("AdmitCredits: %v", err)
	}
	if remaining != 3 || st.credits["u1"] != 3 {
		t.Fatalf("remaining = %d, store = %d, want 3", remaining, st.credits["u1"])
	}

	_, err = g.AdmitCredits(context.Background(), id, 7)
	var cerr *CreditError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CreditError, got %v", err)
	}
	if cerr.Required != 7 || cerr.Available != 3 {
		t.Fatalf("credit error amounts: %+v", cerr)
	}
	if st.credits["u1"] != 3 {
		t.Fatalf("failed admission must not change the balance, got %d", st.credits["u1"])
	}
}

func TestRecordRunKeysByIdentity(t *testing.T) {
	st := newFakeStore()
	g := NewGate(st, Config{})

	if err := g.RecordRun(context.Background(), Identity{UserID: "u1", Plan: PlanFree}); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if st.lastKeyed != "u1" {
		t.Fatalf("keyed by %q, want u1", st.lastKeyed)
	}

	if err := g.RecordRun(context.Background(), Identity{Anonymous: "fp-9", Plan: PlanFree}); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if st.lastKeyed != "fp-9" {
		t.Fatalf("keyed by %q, want fp-9", st.lastKeyed)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("1.2.3.4", "Mozilla/5.0")
	b := Fingerprint("1.2.3.4", "Mozilla/5.0")
	c := Fingerprint("1.2.3.5", "Mozilla/5.0")
	if a != b {
		t.Fatal("same inputs must produce the same fingerprint")
	}
	if a == c {
		t.Fatal("different inputs must produce different fingerprints")
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}
