package discount

import (
	"errors"
	"strings"
	"time"

	"github.com/noah-isme/backend-rental/internal/pricing"
)

var (
	// ErrNotFound is returned when no discount matches the code.
	ErrNotFound = errors.New("discount not found")
	// ErrPending is returned when the discount window has not opened yet.
	ErrPending = errors.New("discount not active yet")
	// ErrEnded is returned when the discount window has closed.
	ErrEnded = errors.New("discount ended")
	// ErrUsageLimitReached indicates the discount has exhausted its usage quota.
	ErrUsageLimitReached = errors.New("discount usage limit reached")
	// ErrMinimumTotalUnmet indicates the cart total is below the discount minimum.
	ErrMinimumTotalUnmet = errors.New("discount minimum total not met")
	// ErrWrongLocation is returned when the discount is scoped to other locations.
	ErrWrongLocation = errors.New("discount not valid at this location")
)

// Status is derived from the validity window and never stored.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusEnded   Status = "ENDED"
)

// Rule types as persisted.
const (
	TypeFixed      = "FIXED"
	TypePercentage = "PERCENTAGE"
)

// Rule is the reduction a discount grants.
type Rule struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

// Discount is a coupon with a validity window, usage counters and location scope.
type Discount struct {
	ID          int64      `json:"id"`
	Code        string     `json:"code"`
	Rule        Rule       `json:"rule"`
	StartsAt    *time.Time `json:"startsAt,omitempty"`
	EndsAt      *time.Time `json:"endsAt,omitempty"`
	UsageCount  int        `json:"usageCount"`
	UsageLimit  *int       `json:"usageLimit,omitempty"`
	MinTotal    float64    `json:"minTotal"`
	LocationIDs []int64    `json:"locationIds,omitempty"`
}

// Status reports where now falls in the validity window.
func (d Discount) Status(now time.Time) Status {
	if d.StartsAt != nil && now.Before(*d.StartsAt) {
		return StatusPending
	}
	if d.EndsAt != nil && now.After(*d.EndsAt) {
		return StatusEnded
	}
	return StatusActive
}

// Validate ensures the discount can be applied at now to a cart total at the location.
func (d Discount) Validate(now time.Time, total float64, locationID int64) error {
	switch d.Status(now) {
	case StatusPending:
		return ErrPending
	case StatusEnded:
		return ErrEnded
	}
	if d.UsageLimit != nil && *d.UsageLimit >= 0 && d.UsageCount >= *d.UsageLimit {
		return ErrUsageLimitReached
	}
	if total < d.MinTotal {
		return ErrMinimumTotalUnmet
	}
	if len(d.LocationIDs) > 0 && !containsID(d.LocationIDs, locationID) {
		return ErrWrongLocation
	}
	return nil
}

// Pricing converts the rule into the shape the pricing engine applies.
func (d Discount) Pricing() *pricing.Discount {
	typeName := d.Rule.Type
	switch strings.ToUpper(strings.TrimSpace(d.Rule.Type)) {
	case TypeFixed:
		typeName = pricing.TypeFixed
	case TypePercentage:
		typeName = pricing.TypePercentage
	}
	return &pricing.Discount{Code: d.Code, TypeName: typeName, Value: d.Rule.Value}
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
