// Package calendar converts rental date ranges into billable working days.
package calendar

import (
	"strings"
	"time"

	"github.com/noah-isme/backend-rental/internal/rental"
)

// Slots lists the pickup hours that change how a first-day Friday is billed.
// Morning is the morning slot of the pickup location; Late holds the
// afternoon and evening slots of every location.
type Slots struct {
	Morning string
	Late    []string
}

// IsMorning reports whether hour is the morning slot.
func (s Slots) IsMorning(hour string) bool {
	h := strings.TrimSpace(hour)
	return h != "" && h == strings.TrimSpace(s.Morning)
}

// IsLate reports whether hour is any afternoon or evening slot.
func (s Slots) IsLate(hour string) bool {
	h := strings.TrimSpace(hour)
	if h == "" {
		return false
	}
	for _, slot := range s.Late {
		if h == strings.TrimSpace(slot) {
			return true
		}
	}
	return false
}

// Days expands the inclusive day sequence from start to end. It returns nil
// when either bound is missing or end precedes start.
func Days(start, end time.Time) []time.Time {
	if start.IsZero() || end.IsZero() {
		return nil
	}
	from, to := rental.Day(start), rental.Day(end)
	if to.Before(from) {
		return nil
	}
	out := make([]time.Time, 0, int(to.Sub(from).Hours()/24)+1)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// WorkingDays computes the billable day count for an inclusive day sequence.
// The last date is the return day and is never billed. Monday to Thursday
// count one day each. Saturdays and Sundays add half a unit to a weekend
// tally that is halved once at the end. A Friday counts one day unless it is
// the pickup day: a morning pickup bills half a day and a late pickup bills
// nothing.
//
// The boolean is false when nothing is left to bill, which callers treat as
// "not computable yet".
func WorkingDays(dates []time.Time, pickupHour string, slots Slots) (float64, bool) {
	if len(dates) == 0 {
		return 0, false
	}
	toBook := dates[:len(dates)-1]
	if len(toBook) == 0 {
		return 0, false
	}
	var weekDay, weekendDay float64
	for i, d := range toBook {
		switch d.Weekday() {
		case time.Saturday, time.Sunday:
			weekendDay += 0.5
		case time.Friday:
			if i != 0 {
				weekDay++
				continue
			}
			switch {
			case slots.IsMorning(pickupHour):
				weekDay += 0.5
			case slots.IsLate(pickupHour):
			default:
				weekDay++
			}
		default:
			weekDay++
		}
	}
	return weekDay + weekendDay/2, true
}

// ForRange is WorkingDays over the day sequence of r.
func ForRange(r rental.DateRange, pickupHour string, slots Slots) (float64, bool) {
	return WorkingDays(Days(r.Start, r.End), pickupHour, slots)
}
