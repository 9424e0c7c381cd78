// Package availability decides whether enough units of an equipment model
// are free for a candidate date range.
package availability

import "github.com/noah-isme/backend-rental/internal/rental"

// Result details a single availability decision.
type Result struct {
	Available  bool `json:"available"`
	TotalStock int  `json:"totalStock"`
	StockLeft  int  `json:"stockLeft"`
	Requested  int  `json:"requested"`
}

// Check evaluates eq.Quantity against the stock at the session location. When
// the session range is incomplete there is nothing to conflict with and the
// result is vacuously available.
func Check(eq rental.Equipment, sess rental.Session) Result {
	res := Result{Requested: eq.Quantity}
	if !sess.Range.Complete() {
		res.Available = true
		return res
	}
	stocks := eq.Stocks(sess.LocationID)
	for _, o := range stocks {
		res.TotalStock += o.Stock
	}
	if res.TotalStock < eq.Quantity {
		res.StockLeft = res.TotalStock
		return res
	}
	res.StockLeft = res.TotalStock
	for _, o := range stocks {
		res.StockLeft -= booked(o, sess.Range)
	}
	res.Available = res.StockLeft-eq.Quantity >= 0
	return res
}

// IsAvailable reports whether eq.Quantity units are free for the session range.
func IsAvailable(eq rental.Equipment, sess rental.Session) bool {
	return Check(eq, sess).Available
}

// FreeByOwner returns, per owner record ID, the stock not already booked over
// the session range. Deleted records and other locations are omitted.
func FreeByOwner(eq rental.Equipment, sess rental.Session) map[int64]int {
	stocks := eq.Stocks(sess.LocationID)
	out := make(map[int64]int, len(stocks))
	for _, o := range stocks {
		free := o.Stock
		if sess.Range.Complete() {
			free -= booked(o, sess.Range)
		}
		if free < 0 {
			free = 0
		}
		out[o.ID] = free
	}
	return out
}

func booked(o rental.EquipmentOnOwner, r rental.DateRange) int {
	total := 0
	for _, b := range o.Books {
		if r.Overlaps(b.Book.StartDate, b.Book.EndDate) {
			total += b.Quantity
		}
	}
	return total
}
