package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"maps-scraper-backend/pkg/database"
	"maps-scraper-backend/pkg/models"

	"github.com/shopspring/decimal"
)

func int64Ptr(v int64) *int64     { return &v }
func floatPtr(v float64) *float64 { return &v }

func newStore(t *testing.T) *database.MemoryDatabase {
	t.Helper()
	return database.NewMemoryDatabase(database.SeedPlans()...)
}

func addRows(db *database.MemoryDatabase, userID string, rows ...int64) {
	for i, n := range rows {
		db.PutTask(models.ScrapingTask{
			TaskID:   fmt.Sprintf("%s-task-%d", userID, i),
			UserID:   userID,
			Status:   models.TaskCompleted,
			RowCount: n,
		})
	}
}

func TestResolveDefaultsToFreePlan(t *testing.T) {
	db := newStore(t)
	db.PutProfile(models.Profile{ID: "u1", Credits: 0})
	addRows(db, "u1", 200, 100)

	s, err := NewResolver(db, Options{}).Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if s.PlanID != models.DefaultPlanID || !s.IsFreePlan {
		t.Fatalf("expected free default plan, got %+v", s)
	}
	if s.TotalRows != 300 || s.FreeRowsLimit != 500 || s.IsExceeded {
		t.Fatalf("unexpected usage %+v", s)
	}
}

func TestResolveRecomputesTotalRows(t *testing.T) {
	db := newStore(t)
	db.PutProfile(models.Profile{ID: "u1", TotalRows: 10})
	addRows(db, "u1", 400, 200)

	s, err := NewResolver(db, Options{}).Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if s.TotalRows != 600 || !s.IsExceeded {
		t.Fatalf("expected recomputed 600 rows and exceeded, got %+v", s)
	}
}

func TestSubscriptionNeverExceeded(t *testing.T) {
	for _, rows := range []int64{0, 499, 501, 1000000} {
		t.Run(fmt.Sprintf("rows=%d", rows), func(t *testing.T) {
			db := newStore(t)
			db.PutProfile(models.Profile{ID: "u1", PlanID: int64Ptr(2)})
			addRows(db, "u1", rows)

			s, err := NewResolver(db, Options{}).Resolve(context.Background(), "u1")
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if !s.IsSubscriptionPlan || s.IsExceeded || s.IsFreePlan {
				t.Fatalf("monthly non-free plan misclassified: %+v", s)
			}
		})
	}
}

func TestHasBothPlanTypes(t *testing.T) {
	tests := []struct {
		name    string
		planID  int64
		credits int64
		want    bool
	}{
		{"subscription with credits", 2, 100, true},
		{"subscription without credits", 2, 0, false},
		{"free plan with credits", 1, 100, false},
		{"credit plan with credits", 3, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newStore(t)
			db.PutProfile(models.Profile{ID: "u1", PlanID: int64Ptr(tt.planID), Credits: tt.credits})

			s, err := NewResolver(db, Options{}).Resolve(context.Background(), "u1")
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if s.HasBothPlanTypes != tt.want {
				t.Fatalf("HasBothPlanTypes = %v, want %v", s.HasBothPlanTypes, tt.want)
			}
			if s.HasBothPlanTypes != (s.IsSubscriptionPlan && s.Credits > 0) {
				t.Fatalf("HasBothPlanTypes inconsistent with snapshot %+v", s)
			}
		})
	}
}

func TestFreePlanNameMatch(t *testing.T) {
	tests := map[string]bool{
		"Free Plan":     true,
		"FREE":          true,
		"Freebie Bonus": true,
		"Pro Monthly":   false,
		"Pay As You Go": false,
	}
	for name, want := range tests {
		if got := IsFreePlanName(name); got != want {
			t.Errorf("IsFreePlanName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestPricePerCreditFallback(t *testing.T) {
	fallback := decimal.NewFromFloat(FallbackPricePerCredit)
	tests := []struct {
		name   string
		stored *float64
		want   decimal.Decimal
	}{
		{"nil", nil, fallback},
		{"below threshold", floatPtr(0.0005), fallback},
		{"at threshold", floatPtr(0.001), decimal.NewFromFloat(0.001)},
		{"normal", floatPtr(0.004), decimal.NewFromFloat(0.004)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EffectivePricePerCredit(tt.stored); !got.Equal(tt.want) {
				t.Fatalf("EffectivePricePerCredit() = %s, want %s", got, tt.want)
			}
		})
	}

	db := newStore(t)
	db.PutPlan(models.PricingPlan{ID: 9, Name: "Credits", BillingPeriod: models.BillingCredits, PricePerCredit: floatPtr(0.0005)})
	db.PutProfile(models.Profile{ID: "u1", PlanID: int64Ptr(9), Credits: 10})
	s, err := NewResolver(db, Options{}).Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !s.PricePerCredit.Equal(fallback) || !s.IsCreditBasedPlan {
		t.Fatalf("expected fallback price on credit plan, got %+v", s)
	}
}

func TestResolveProfileMissing(t *testing.T) {
	_, err := NewResolver(newStore(t), Options{}).Resolve(context.Background(), "ghost")
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestResolveOrDefaultFailsOpen(t *testing.T) {
	db := newStore(t)
	db.PutProfile(models.Profile{ID: "u1", PlanID: int64Ptr(1), Credits: 50})
	addRows(db, "u1", 900)
	db.FailNextProfileReads(1)

	r := NewResolver(db, Options{})
	s := r.ResolveOrDefault(context.Background(), "u1")
	if s.PlanName != "Free Plan" || s.IsExceeded || s.Credits != 0 || s.TotalRows != 0 {
		t.Fatalf("expected default snapshot, got %+v", s)
	}

	s = r.ResolveOrDefault(context.Background(), "u1")
	if !s.IsExceeded || s.Credits != 50 {
		t.Fatalf("expected real snapshot after transient failure, got %+v", s)
	}
}

func TestGateCheck(t *testing.T) {
	db := newStore(t)
	db.PutProfile(models.Profile{ID: "free-ok"})
	addRows(db, "free-ok", 500)
	db.PutProfile(models.Profile{ID: "free-over", PlanID: int64Ptr(1)})
	addRows(db, "free-over", 501)
	db.PutProfile(models.Profile{ID: "pro", PlanID: int64Ptr(2)})
	addRows(db, "pro", 5000)
	db.PutProfile(models.Profile{ID: "credits", PlanID: int64Ptr(3), Credits: 0})
	addRows(db, "credits", 5000)

	gate := NewGate(NewResolver(db, Options{}))
	ctx := context.Background()

	if e := gate.Check(ctx, ""); e.Eligible || !e.AuthRequired || e.Message != SignInMessage {
		t.Fatalf("unauthenticated: %+v", e)
	}
	if e := gate.Check(ctx, "ghost"); e.Eligible || !e.AuthRequired {
		t.Fatalf("missing profile: %+v", e)
	}
	if e := gate.Check(ctx, "free-ok"); !e.Eligible {
		t.Fatalf("free within limit (boundary) should be eligible: %+v", e)
	}
	e := gate.Check(ctx, "free-over")
	if e.Eligible || !strings.Contains(e.Message, "free tier limit of 500 rows") {
		t.Fatalf("free over limit: %+v", e)
	}
	if e := gate.Check(ctx, "pro"); !e.Eligible {
		t.Fatalf("subscription should be eligible: %+v", e)
	}
	if e := gate.Check(ctx, "credits"); !e.Eligible {
		t.Fatalf("credit plan should be eligible at this layer: %+v", e)
	}

	db.FailNextProfileReads(1)
	if e := gate.Check(ctx, "free-over"); !e.Eligible {
		t.Fatalf("transient failure should fail open: %+v", e)
	}
}

func TestPreviewOnly(t *testing.T) {
	tests := []struct {
		name string
		s    Snapshot
		want bool
	}{
		{"free within limit", Snapshot{IsFreePlan: true}, false},
		{"free exceeded", Snapshot{IsFreePlan: true, IsExceeded: true}, true},
		{"free exceeded with credits", Snapshot{IsFreePlan: true, IsExceeded: true, Credits: 10}, false},
		{"subscription", Snapshot{IsSubscriptionPlan: true}, false},
	}
	for _, tt := range tests {
		if got := tt.s.PreviewOnly(); got != tt.want {
			t.Errorf("%s: PreviewOnly() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
