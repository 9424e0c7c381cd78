// Package allocation splits a requested quantity across the owners holding
// stock of one equipment model.
package allocation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownOwner is returned when an owner name is missing from the priority list.
	ErrUnknownOwner = errors.New("allocation: owner missing from priority list")
	// ErrInvalidQuantity indicates a negative requested quantity.
	ErrInvalidQuantity = errors.New("allocation: quantity must not be negative")
)

// DefaultPriority is the canonical drain order.
var DefaultPriority = []string{"Both", "Federico", "Oscar", "Sub"}

// InsufficientStockError reports that the owners could not cover the request.
type InsufficientStockError struct {
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("allocation: insufficient stock: requested %d, available %d", e.Requested, e.Available)
}

// OwnerStock is the stock one owner record can supply.
type OwnerStock struct {
	ID        int64
	OwnerName string
	Stock     int
}

// Allocation is one line of an allocation plan.
type Allocation struct {
	ID       int64 `json:"id"`
	Quantity int   `json:"quantity"`
}

// Planner drains owners in the configured priority order. Every owner name
// that can hold stock must appear in Priority.
type Planner struct {
	Priority []string
}

// Validate reports owner names that are not covered by the priority list.
func (p Planner) Validate(names ...string) error {
	for _, name := range names {
		if p.rank(name) < 0 {
			return fmt.Errorf("%w: %q", ErrUnknownOwner, name)
		}
	}
	return nil
}

// Allocate partitions requested across owners. Owners are stable-sorted by
// priority and drained greedily; owners with no stock are skipped. The plan
// lists one entry per drained owner in drain order.
func (p Planner) Allocate(owners []OwnerStock, requested int) ([]Allocation, error) {
	if requested < 0 {
		return nil, ErrInvalidQuantity
	}
	sorted := make([]OwnerStock, len(owners))
	copy(sorted, owners)
	for _, o := range sorted {
		if err := p.Validate(o.OwnerName); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return p.rank(sorted[i].OwnerName) < p.rank(sorted[j].OwnerName)
	})

	remaining := requested
	plan := make([]Allocation, 0, len(sorted))
	for _, o := range sorted {
		if remaining == 0 {
			break
		}
		if o.Stock <= 0 {
			continue
		}
		if o.Stock >= remaining {
			plan = append(plan, Allocation{ID: o.ID, Quantity: remaining})
			remaining = 0
			break
		}
		plan = append(plan, Allocation{ID: o.ID, Quantity: o.Stock})
		remaining -= o.Stock
	}
	if remaining > 0 {
		return nil, &InsufficientStockError{Requested: requested, Available: requested - remaining}
	}
	return plan, nil
}

func (p Planner) priority() []string {
	if len(p.Priority) == 0 {
		return DefaultPriority
	}
	return p.Priority
}

func (p Planner) rank(name string) int {
	trimmed := strings.TrimSpace(name)
	for i, candidate := range p.priority() {
		if strings.EqualFold(candidate, trimmed) {
			return i
		}
	}
	return -1
}
