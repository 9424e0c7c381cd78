// Package earnings attributes order revenue to the stakeholders who supplied
// the booked stock.
package earnings

import (
	"errors"
	"fmt"
	"strings"

	"github.com/noah-isme/backend-rental/internal/pricing"
)

// ErrUnknownOwner is returned when a booked owner has no share mapping.
var ErrUnknownOwner = errors.New("earnings: owner has no share mapping")

// Bucket is a stakeholder revenue bucket.
type Bucket string

const (
	Federico Bucket = "federico"
	Oscar    Bucket = "oscar"
	Sub      Bucket = "sub"
)

// Shares maps an owner name to the fraction of its revenue each bucket takes.
type Shares map[string]map[Bucket]float64

// DefaultShares is the canonical mapping: jointly owned stock is halved
// between the two partners and sub-rented stock goes to the sub bucket.
func DefaultShares() Shares {
	return Shares{
		"Both":     {Federico: 0.5, Oscar: 0.5},
		"Federico": {Federico: 1},
		"Oscar":    {Oscar: 1},
		"Sub":      {Sub: 1},
	}
}

func (s Shares) lookup(owner string) (map[Bucket]float64, bool) {
	name := strings.TrimSpace(owner)
	if share, ok := s[name]; ok {
		return share, true
	}
	for key, share := range s {
		if strings.EqualFold(key, name) {
			return share, true
		}
	}
	return nil, false
}

// Line is one allocated owner booking of an order.
type Line struct {
	OwnerName   string
	PricePerDay float64
	Quantity    int
}

// Order is the input of Split.
type Order struct {
	WorkingDays float64
	Lines       []Line
	Discount    *pricing.Discount
	// ApplyToSub spreads the discount over the sub bucket too. When false
	// only the primary buckets absorb it.
	ApplyToSub bool
}

// Earnings is the revenue split of one order.
type Earnings struct {
	Federico float64 `json:"federicoEarnings"`
	Oscar    float64 `json:"oscarEarnings"`
	Sub      float64 `json:"subEarnings"`
	Subtotal float64 `json:"subtotal"`
	Total    float64 `json:"total"`
}

// Calculator splits orders using a share mapping and pricing policy.
type Calculator struct {
	Shares Shares
	Policy pricing.Policy
}

// Split computes the revenue of every bucket from scratch.
func (c Calculator) Split(o Order) (Earnings, error) {
	shares := c.Shares
	if shares == nil {
		shares = DefaultShares()
	}
	var e Earnings
	for _, line := range o.Lines {
		share, ok := shares.lookup(line.OwnerName)
		if !ok {
			return Earnings{}, fmt.Errorf("%w: %q", ErrUnknownOwner, line.OwnerName)
		}
		amount := line.PricePerDay * o.WorkingDays * float64(line.Quantity)
		e.Federico += amount * share[Federico]
		e.Oscar += amount * share[Oscar]
		e.Sub += amount * share[Sub]
	}
	e.Subtotal = e.Federico + e.Oscar + e.Sub
	e.Total = e.Subtotal
	if o.Discount == nil || e.Subtotal == 0 {
		return e, nil
	}

	e.Total = c.Policy.Apply(e.Subtotal, o.Discount)
	reduction := e.Subtotal - e.Total
	primary := e.Federico + e.Oscar
	if o.ApplyToSub || primary == 0 {
		ratio := reduction / e.Subtotal
		e.Federico -= e.Federico * ratio
		e.Oscar -= e.Oscar * ratio
		e.Sub -= e.Sub * ratio
		return e, nil
	}
	ratio := reduction / primary
	e.Federico -= e.Federico * ratio
	e.Oscar -= e.Oscar * ratio
	return e, nil
}
