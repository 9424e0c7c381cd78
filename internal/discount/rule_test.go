package discount

import (
	"errors"
	"testing"
	"time"
)

func window(now time.Time) Discount {
	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)
	return Discount{
		Code:     "SPRING",
		Rule:     Rule{Type: TypePercentage, Value: 10},
		StartsAt: &start,
		EndsAt:   &end,
		MinTotal: 100,
	}
}

func TestStatusDerivedFromWindow(t *testing.T) {
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	d := window(now)
	if got := d.Status(now); got != StatusActive {
		t.Fatalf("expected ACTIVE, got %s", got)
	}
	if got := d.Status(now.Add(-2 * time.Hour)); got != StatusPending {
		t.Fatalf("expected PENDING, got %s", got)
	}
	if got := d.Status(now.Add(2 * time.Hour)); got != StatusEnded {
		t.Fatalf("expected ENDED, got %s", got)
	}
	if got := (Discount{}).Status(now); got != StatusActive {
		t.Fatalf("expected open-ended discount to be ACTIVE, got %s", got)
	}
}

func TestValidate(t *testing.T) {
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	limit := 2

	cases := []struct {
		name    string
		mutate  func(*Discount)
		at      time.Time
		total   float64
		wantErr error
	}{
		{name: "ok", at: now, total: 150},
		{name: "pending", at: now.Add(-2 * time.Hour), total: 150, wantErr: ErrPending},
		{name: "ended", at: now.Add(2 * time.Hour), total: 150, wantErr: ErrEnded},
		{name: "min total", at: now, total: 99, wantErr: ErrMinimumTotalUnmet},
		{name: "usage", at: now, total: 150, wantErr: ErrUsageLimitReached, mutate: func(d *Discount) {
			d.UsageLimit = &limit
			d.UsageCount = 2
		}},
		{name: "location", at: now, total: 150, wantErr: ErrWrongLocation, mutate: func(d *Discount) {
			d.LocationIDs = []int64{2, 3}
		}},
		{name: "scoped location ok", at: now, total: 150, mutate: func(d *Discount) {
			d.LocationIDs = []int64{1}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := window(now)
			if tc.mutate != nil {
				tc.mutate(&d)
			}
			err := d.Validate(tc.at, tc.total, 1)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestPricingMapsRuleType(t *testing.T) {
	d := Discount{Code: "X", Rule: Rule{Type: TypeFixed, Value: 15}}
	p := d.Pricing()
	if p.TypeName != "Fixed" || p.Value != 15 || p.Code != "X" {
		t.Fatalf("unexpected pricing discount %+v", p)
	}
	d.Rule.Type = "percentage"
	if got := d.Pricing().TypeName; got != "Percentage" {
		t.Fatalf("expected Percentage, got %s", got)
	}
}
