package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/noah-isme/backend-rental/internal/allocation"
	"github.com/noah-isme/backend-rental/internal/calendar"
	"github.com/noah-isme/backend-rental/internal/earnings"
	"github.com/noah-isme/backend-rental/internal/pricing"
)

// LocationSlots are the pickup hours offered at one location.
type LocationSlots struct {
	Morning   string   `yaml:"morning"`
	Afternoon []string `yaml:"afternoon"`
}

// Policy is the business configuration of the rental engine.
type Policy struct {
	Locations     map[int64]LocationSlots       `yaml:"locations"`
	OwnerPriority []string                      `yaml:"owner_priority"`
	Shares        map[string]map[string]float64 `yaml:"shares"`
	ApplyToSub    bool                          `yaml:"apply_to_sub"`
	ClampNegative bool                          `yaml:"clamp_negative_totals"`
	MaxRentalDays int                           `yaml:"max_rental_days"`
}

// DefaultPolicy mirrors the two locations the business operated with.
func DefaultPolicy() Policy {
	return Policy{
		Locations: map[int64]LocationSlots{
			1: {Morning: "09:00", Afternoon: []string{"18:30"}},
			2: {Morning: "10:00", Afternoon: []string{"17:00", "19:00"}},
		},
		OwnerPriority: append([]string(nil), allocation.DefaultPriority...),
		Shares: map[string]map[string]float64{
			"Both":     {"federico": 0.5, "oscar": 0.5},
			"Federico": {"federico": 1},
			"Oscar":    {"oscar": 1},
			"Sub":      {"sub": 1},
		},
		ApplyToSub:    true,
		MaxRentalDays: 365,
	}
}

// LoadPolicy reads a YAML policy file. An empty path yields DefaultPolicy.
// Sections missing from the file keep their defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	path = strings.TrimSpace(path)
	if path == "" {
		return policy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates a YAML policy document.
func ParsePolicy(data []byte) (Policy, error) {
	policy := DefaultPolicy()
	var raw Policy
	raw.ApplyToSub = policy.ApplyToSub
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if len(raw.Locations) > 0 {
		policy.Locations = raw.Locations
	}
	if len(raw.OwnerPriority) > 0 {
		policy.OwnerPriority = raw.OwnerPriority
	}
	if len(raw.Shares) > 0 {
		policy.Shares = raw.Shares
	}
	policy.ApplyToSub = raw.ApplyToSub
	policy.ClampNegative = raw.ClampNegative
	if raw.MaxRentalDays != 0 {
		policy.MaxRentalDays = raw.MaxRentalDays
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy: %w", err)
	}
	return policy, nil
}

// Validate checks that every owner with a share mapping can be allocated and
// that each owner's shares add up to one.
func (p Policy) Validate() error {
	if len(p.OwnerPriority) == 0 {
		return errors.New("owner_priority must not be empty")
	}
	seen := make(map[string]bool, len(p.OwnerPriority))
	for _, name := range p.OwnerPriority {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return errors.New("owner_priority contains an empty name")
		}
		if seen[key] {
			return fmt.Errorf("owner_priority lists %q twice", name)
		}
		seen[key] = true
	}
	planner := p.Planner()
	for owner, buckets := range p.Shares {
		if err := planner.Validate(owner); err != nil {
			return err
		}
		var sum float64
		for bucket, share := range buckets {
			switch earnings.Bucket(strings.ToLower(bucket)) {
			case earnings.Federico, earnings.Oscar, earnings.Sub:
			default:
				return fmt.Errorf("owner %q: unknown bucket %q", owner, bucket)
			}
			if share < 0 {
				return fmt.Errorf("owner %q: negative share for %q", owner, bucket)
			}
			sum += share
		}
		if math.Abs(sum-1) > 1e-9 {
			return fmt.Errorf("owner %q: shares add up to %v, want 1", owner, sum)
		}
	}
	if p.MaxRentalDays < 0 {
		return fmt.Errorf("max_rental_days must not be negative, got %d", p.MaxRentalDays)
	}
	for id, slots := range p.Locations {
		if id <= 0 {
			return fmt.Errorf("location id %d must be positive", id)
		}
		if strings.TrimSpace(slots.Morning) == "" {
			return fmt.Errorf("location %d: morning slot is required", id)
		}
	}
	return nil
}

// Slots returns the pickup slots used to bill a session at locationID. Late
// slots are the afternoon slots of every location.
func (p Policy) Slots(locationID int64) calendar.Slots {
	var slots calendar.Slots
	if loc, ok := p.Locations[locationID]; ok {
		slots.Morning = loc.Morning
	}
	seen := map[string]bool{}
	for _, loc := range p.Locations {
		for _, hour := range loc.Afternoon {
			hour = strings.TrimSpace(hour)
			if hour != "" && !seen[hour] {
				seen[hour] = true
				slots.Late = append(slots.Late, hour)
			}
		}
	}
	sort.Strings(slots.Late)
	return slots
}

// Planner returns the allocation planner for the configured priority.
func (p Policy) Planner() allocation.Planner {
	return allocation.Planner{Priority: append([]string(nil), p.OwnerPriority...)}
}

// Calculator returns the earnings calculator for the configured shares.
func (p Policy) Calculator() earnings.Calculator {
	shares := make(earnings.Shares, len(p.Shares))
	for owner, buckets := range p.Shares {
		m := make(map[earnings.Bucket]float64, len(buckets))
		for bucket, share := range buckets {
			m[earnings.Bucket(strings.ToLower(bucket))] = share
		}
		shares[owner] = m
	}
	return earnings.Calculator{
		Shares: shares,
		Policy: pricing.Policy{ClampNegative: p.ClampNegative},
	}
}
