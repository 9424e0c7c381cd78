package rental

import "time"

// Location is a pickup site holding stock.
type Location struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Book is the date range of a reservation. WorkingDays is frozen when the
// book is created and only refreshed when the order's equipment set changes.
type Book struct {
	ID          int64     `json:"id,omitempty"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	PickupHour  string    `json:"pickup_hour,omitempty"`
	WorkingDays float64   `json:"working_days,omitempty"`
}

// BookOnEquipment reserves Quantity units of one owner's stock for a book.
type BookOnEquipment struct {
	ID                 int64 `json:"id,omitempty"`
	BookID             int64 `json:"bookId,omitempty"`
	EquipmentOnOwnerID int64 `json:"equipmentOnOwnerId,omitempty"`
	Quantity           int   `json:"quantity"`
	Book               Book  `json:"book"`
}

// EquipmentOnOwner is the stock of one equipment model held by one owner at
// one location.
type EquipmentOnOwner struct {
	ID          int64             `json:"id"`
	EquipmentID int64             `json:"equipmentId,omitempty"`
	OwnerID     int64             `json:"ownerId,omitempty"`
	OwnerName   string            `json:"ownerName,omitempty"`
	Location    Location          `json:"location"`
	Stock       int               `json:"stock"`
	Deleted     bool              `json:"deleted"`
	Books       []BookOnEquipment `json:"books"`
}

// Equipment is a rentable model. Quantity is the amount requested in the
// cart and is never persisted.
type Equipment struct {
	ID          int64              `json:"id"`
	Name        string             `json:"name,omitempty"`
	Brand       string             `json:"brand,omitempty"`
	Model       string             `json:"model,omitempty"`
	PricePerDay float64            `json:"price"`
	Accessories []string           `json:"accessories,omitempty"`
	Quantity    int                `json:"quantity"`
	Owners      []EquipmentOnOwner `json:"owner"`
}

// Stocks returns the non-deleted owner records at the location. A zero
// locationID matches every location.
func (e Equipment) Stocks(locationID int64) []EquipmentOnOwner {
	out := make([]EquipmentOnOwner, 0, len(e.Owners))
	for _, o := range e.Owners {
		if o.Deleted {
			continue
		}
		if locationID != 0 && o.Location.ID != locationID {
			continue
		}
		out = append(out, o)
	}
	return out
}

// TotalStock sums the stock of the non-deleted owner records at the location.
func (e Equipment) TotalStock(locationID int64) int {
	total := 0
	for _, o := range e.Stocks(locationID) {
		total += o.Stock
	}
	return total
}

// DateRange is a candidate rental period. Either bound may be zero when the
// customer has not picked it yet.
type DateRange struct {
	Start time.Time `json:"startDate"`
	End   time.Time `json:"endDate"`
}

// Complete reports whether both bounds are set.
func (r DateRange) Complete() bool {
	return !r.Start.IsZero() && !r.End.IsZero()
}

// Overlaps reports whether r conflicts with an existing booking range. Whole
// days are compared, so a booking returned on day D does not conflict with a
// pickup on day D.
func (r DateRange) Overlaps(start, end time.Time) bool {
	return Day(r.Start).Before(Day(end)) && Day(r.End).After(Day(start))
}

// Day truncates t to midnight in UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Session carries the customer's rental context: the pickup location, the
// chosen range and pickup hour. It is passed explicitly to the availability
// checker and the pricing flow instead of living in shared state.
type Session struct {
	LocationID int64
	Range      DateRange
	PickupHour string
}
