package pricing

import (
	"math"
	"strings"
)

// Discount types accepted by ApplyDiscount. Matching is case-insensitive so
// both "Fixed" and "FIXED" select the fixed rule.
const (
	TypeFixed      = "Fixed"
	TypePercentage = "Percentage"
)

// Item describes a cart line priced per rental day.
type Item struct {
	ID          int64
	Qty         int
	PricePerDay float64
}

// Discount is the rule applied to a cart total.
type Discount struct {
	Code     string  `json:"code"`
	TypeName string  `json:"typeName"`
	Value    float64 `json:"value"`
}

// Policy tunes discount application. The zero value keeps totals unclamped.
type Policy struct {
	ClampNegative bool
}

// Summary aggregates computed pricing components.
type Summary struct {
	WorkingDays float64 `json:"workingDays"`
	Subtotal    float64 `json:"subtotal"`
	Discount    float64 `json:"discount"`
	Total       float64 `json:"total"`
}

// CartSubtotal multiplies the daily cart price by the working days. It is 0
// while the working days are not computable.
func CartSubtotal(items []Item, workingDays float64, ok bool) float64 {
	if !ok || workingDays == 0 {
		return 0
	}
	var daily float64
	for _, it := range items {
		daily += it.PricePerDay * float64(it.Qty)
	}
	return daily * workingDays
}

// ApplyDiscount reduces total by d and rounds up. Unknown rule types and a
// nil discount leave the total untouched. The result may be negative.
func ApplyDiscount(total float64, d *Discount) float64 {
	if d == nil {
		return total
	}
	switch {
	case strings.EqualFold(d.TypeName, TypeFixed):
		return math.Ceil(total - d.Value)
	case strings.EqualFold(d.TypeName, TypePercentage):
		return math.Ceil(total - total*(d.Value/100))
	default:
		return total
	}
}

// Apply is ApplyDiscount honoring the policy.
func (p Policy) Apply(total float64, d *Discount) float64 {
	discounted := ApplyDiscount(total, d)
	if p.ClampNegative && discounted < 0 {
		return 0
	}
	return discounted
}

// Compute prices the cart for the given working days.
func (p Policy) Compute(items []Item, workingDays float64, ok bool, d *Discount) Summary {
	subtotal := CartSubtotal(items, workingDays, ok)
	total := p.Apply(subtotal, d)
	return Summary{
		WorkingDays: workingDays,
		Subtotal:    subtotal,
		Discount:    subtotal - total,
		Total:       total,
	}
}
