// Package booking runs the reservation flow: quoting a cart, reserving it
// atomically against owner stock, and maintaining the order afterwards.
package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/backend-rental/internal/allocation"
	"github.com/noah-isme/backend-rental/internal/availability"
	"github.com/noah-isme/backend-rental/internal/calendar"
	"github.com/noah-isme/backend-rental/internal/discount"
	"github.com/noah-isme/backend-rental/internal/earnings"
	"github.com/noah-isme/backend-rental/internal/events"
	"github.com/noah-isme/backend-rental/internal/obs"
	"github.com/noah-isme/backend-rental/internal/pricing"
	"github.com/noah-isme/backend-rental/internal/rental"
)

var (
	// ErrUnavailable is returned when at least one item cannot be served for the range.
	ErrUnavailable = errors.New("some equipment is not available for these dates")
	// ErrDatesRequired is returned when an operation needs both range bounds.
	ErrDatesRequired = errors.New("start and end dates are required")
	// ErrNotComputable is returned when the range yields no billable working days.
	ErrNotComputable = errors.New("working days cannot be computed for this range")
	// ErrEmptyCart is returned when no items are requested.
	ErrEmptyCart = errors.New("at least one item is required")
	// ErrOrderNotFound is returned when the order does not exist.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderCanceled is returned when mutating a canceled order.
	ErrOrderCanceled = errors.New("order is canceled")
	// ErrNotInOrder is returned when removing equipment the order does not hold.
	ErrNotInOrder = errors.New("equipment is not part of this order")
	// ErrEquipmentNotFound is returned when a requested equipment does not exist.
	ErrEquipmentNotFound = errors.New("equipment not found")
	// ErrInvalidItem is returned for a cart line without a positive ID and quantity.
	ErrInvalidItem = errors.New("item needs a positive equipment id and quantity")
	// ErrLastEquipment is returned when a removal would leave the order empty.
	ErrLastEquipment = errors.New("cannot remove the last equipment of an order, cancel it instead")
	// ErrRangeTooLong is returned when the rental span exceeds the configured maximum.
	ErrRangeTooLong = errors.New("rental range is too long")
)

// UnavailableError lists the equipment that failed the availability check.
type UnavailableError struct {
	EquipmentIDs []int64
}

func (e *UnavailableError) Error() string { return ErrUnavailable.Error() }

// Is makes errors.Is(err, ErrUnavailable) hold.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// DiscountError wraps a discount lookup or validation failure.
type DiscountError struct {
	Code string
	Err  error
}

func (e *DiscountError) Error() string { return fmt.Sprintf("discount %q: %v", e.Code, e.Err) }

func (e *DiscountError) Unwrap() error { return e.Err }

// Order statuses.
const (
	StatusReserved = "RESERVED"
	StatusCanceled = "CANCELED"
)

// Order is a persisted reservation.
type Order struct {
	ID         string            `json:"id"`
	LocationID int64             `json:"locationId"`
	Book       rental.Book       `json:"book"`
	Status     string            `json:"status"`
	DiscountID *int64            `json:"discountId,omitempty"`
	Discount   *pricing.Discount `json:"discount,omitempty"`
	ApplyToSub bool              `json:"applyToSub"`
	Subtotal   float64           `json:"subtotal"`
	Total      float64           `json:"total"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// OrderLine is one owner booking of an order with its price snapshot.
type OrderLine struct {
	BookOnEquipmentID  int64
	EquipmentID        int64
	EquipmentOnOwnerID int64
	OwnerName          string
	PricePerDay        float64
	Quantity           int
}

// NewLine is a booking row to persist.
type NewLine struct {
	EquipmentOnOwnerID int64
	PricePerDay        float64
	Quantity           int
}

// Store is the read side of the booking persistence.
type Store interface {
	ListEquipment(ctx context.Context, locationID int64) ([]rental.Equipment, error)
	LoadEquipment(ctx context.Context, ids []int64, locationID int64) ([]rental.Equipment, error)
	FindDiscount(ctx context.Context, code string) (discount.Discount, error)
	GetOrder(ctx context.Context, id string) (Order, error)
	GetEarnings(ctx context.Context, orderID string) (earnings.Earnings, error)
	Begin(ctx context.Context) (Tx, error)
}

// Tx is the write side. Reads made through Tx lock the rows they return
// until Commit or Rollback.
type Tx interface {
	LockEquipment(ctx context.Context, ids []int64, locationID int64) ([]rental.Equipment, error)
	LockDiscount(ctx context.Context, code string) (discount.Discount, error)
	IncrementDiscountUsage(ctx context.Context, id int64) error
	LockOrder(ctx context.Context, id string) (Order, error)
	CreateBook(ctx context.Context, book rental.Book) (int64, error)
	UpdateBookWorkingDays(ctx context.Context, bookID int64, workingDays float64) error
	CreateOrder(ctx context.Context, order Order) error
	UpdateOrder(ctx context.Context, order Order) error
	InsertLines(ctx context.Context, bookID int64, lines []NewLine) error
	DeleteLines(ctx context.Context, bookID, equipmentID int64) (int, error)
	OrderLines(ctx context.Context, bookID int64) ([]OrderLine, error)
	SaveEarnings(ctx context.Context, orderID string, e earnings.Earnings) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Locker serialises concurrent reservations of the same equipment.
type Locker interface {
	WithEquipment(ctx context.Context, ids []int64, ttl time.Duration, fn func(context.Context) error) error
}

// Cache stores JSON snapshots of catalog reads.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Rules is the configurable rental policy.
type Rules struct {
	Slots      func(locationID int64) calendar.Slots
	Planner    allocation.Planner
	Earnings   earnings.Calculator
	ApplyToSub bool
	// MaxRentalDays bounds the calendar span of a range. Zero uses DefaultMaxRentalDays.
	MaxRentalDays int
}

// DefaultMaxRentalDays is the span limit when Rules leaves it unset.
const DefaultMaxRentalDays = 365

// Service implements the reservation flow.
type Service struct {
	Store    Store
	Locker   Locker
	LockTTL  time.Duration
	Cache    Cache
	CacheTTL time.Duration
	Rules    Rules
	Events   *events.Bus
	Logger   zerolog.Logger
	Now      func() time.Time
}

var tracer = otel.Tracer("github.com/noah-isme/backend-rental/internal/booking")

// ItemRequest is one cart line.
type ItemRequest struct {
	EquipmentID int64 `json:"equipmentId"`
	Quantity    int   `json:"quantity"`
}

// CartRequest is the cart and rental context of a quote or reservation.
type CartRequest struct {
	Session      rental.Session
	Items        []ItemRequest
	DiscountCode string
	// ApplyToSub overrides the configured default when set.
	ApplyToSub *bool
}

// ItemAvailability is the availability verdict of one cart line.
type ItemAvailability struct {
	EquipmentID int64               `json:"equipmentId"`
	Name        string              `json:"name"`
	PricePerDay float64             `json:"price"`
	Result      availability.Result `json:"availability"`
}

// Quote is a priced cart.
type Quote struct {
	Computable  bool               `json:"computable"`
	Summary     pricing.Summary    `json:"summary"`
	Items       []ItemAvailability `json:"items"`
	Unavailable []int64            `json:"unavailable"`
	Discount    *pricing.Discount  `json:"discount,omitempty"`
}

// Reservation is the outcome of Reserve.
type Reservation struct {
	Order       Order                            `json:"order"`
	Allocations map[int64][]allocation.Allocation `json:"allocations"`
	Summary     pricing.Summary                  `json:"summary"`
	Earnings    earnings.Earnings                `json:"earnings"`
}

// Catalog lists the equipment stocked at a location with its total stock.
func (s *Service) Catalog(ctx context.Context, locationID int64) ([]rental.Equipment, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("rental:catalog:location:%d", locationID)
	if s.Cache != nil {
		var cached []rental.Equipment
		if ok, err := s.Cache.GetJSON(ctx, key, &cached); err == nil && ok {
			return cached, nil
		} else if err != nil {
			s.Logger.Warn().Err(err).Str("key", key).Msg("catalog cache read failed")
		}
	}
	items, err := s.Store.ListEquipment(ctx, locationID)
	if err != nil {
		return nil, appError(err)
	}
	if s.Cache != nil {
		if err := s.Cache.SetJSON(ctx, key, items, s.CacheTTL); err != nil {
			s.Logger.Warn().Err(err).Str("key", key).Msg("catalog cache write failed")
		}
	}
	return items, nil
}

// Availability checks every cart line. Missing dates make every line available.
func (s *Service) Availability(ctx context.Context, sess rental.Session, items []ItemRequest) ([]ItemAvailability, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "booking.Availability")
	defer span.End()

	merged, ids, err := mergeItems(items)
	if err != nil {
		return nil, fail(span, err)
	}
	if err := s.checkSpan(sess.Range); err != nil {
		return nil, fail(span, err)
	}
	eqs, err := s.Store.LoadEquipment(ctx, ids, sess.LocationID)
	if err != nil {
		return nil, fail(span, err)
	}
	out, _, err := check(eqs, merged, ids, sess)
	return out, fail(span, err)
}

// Quote prices the cart without persisting anything.
func (s *Service) Quote(ctx context.Context, req CartRequest) (Quote, error) {
	if err := s.ready(); err != nil {
		return Quote{}, err
	}
	ctx, span := tracer.Start(ctx, "booking.Quote", trace.WithAttributes(
		attribute.Int64("rental.location_id", req.Session.LocationID),
		attribute.Int("rental.items", len(req.Items)),
	))
	defer span.End()

	merged, ids, err := mergeItems(req.Items)
	if err != nil {
		return Quote{}, fail(span, err)
	}
	if err := s.checkSpan(req.Session.Range); err != nil {
		return Quote{}, fail(span, err)
	}
	eqs, err := s.Store.LoadEquipment(ctx, ids, req.Session.LocationID)
	if err != nil {
		return Quote{}, fail(span, err)
	}
	lines, unavailable, err := check(eqs, merged, ids, req.Session)
	if err != nil {
		return Quote{}, fail(span, err)
	}
	wd, ok := calendar.ForRange(req.Session.Range, req.Session.PickupHour, s.slots(req.Session.LocationID))
	priceItems := make([]pricing.Item, 0, len(lines))
	for _, line := range lines {
		priceItems = append(priceItems, pricing.Item{ID: line.EquipmentID, Qty: merged[line.EquipmentID], PricePerDay: line.PricePerDay})
	}
	q := Quote{Computable: ok, Items: lines, Unavailable: unavailable}
	// A range that cannot be priced yet has no subtotal to check the code against.
	if code := strings.TrimSpace(req.DiscountCode); code != "" && ok {
		d, err := s.Store.FindDiscount(ctx, code)
		if err != nil {
			return Quote{}, fail(span, &DiscountError{Code: code, Err: err})
		}
		subtotal := pricing.CartSubtotal(priceItems, wd, ok)
		if err := d.Validate(s.now(), subtotal, req.Session.LocationID); err != nil {
			return Quote{}, fail(span, &DiscountError{Code: code, Err: err})
		}
		q.Discount = d.Pricing()
	}
	q.Summary = s.Rules.Earnings.Policy.Compute(priceItems, wd, ok, q.Discount)
	return q, nil
}

// Reserve atomically checks, allocates and persists a reservation. Concurrent
// callers on the same equipment are serialised by the locker, and the owner
// stock rows are locked in the database for the duration of the transaction.
func (s *Service) Reserve(ctx context.Context, req CartRequest) (Reservation, error) {
	if err := s.ready(); err != nil {
		return Reservation{}, err
	}
	start := time.Now()
	ctx, span := tracer.Start(ctx, "booking.Reserve", trace.WithAttributes(
		attribute.Int64("rental.location_id", req.Session.LocationID),
		attribute.Int("rental.items", len(req.Items)),
	))
	defer span.End()

	res, err := s.reserve(ctx, req)
	obs.ObserveReservation(reserveResult(err), float64(time.Since(start).Milliseconds()))
	if err != nil {
		s.Logger.Info().Err(err).Int64("location_id", req.Session.LocationID).Msg("reservation rejected")
		return Reservation{}, fail(span, err)
	}
	span.SetAttributes(attribute.String("rental.order_id", res.Order.ID))
	s.emit(ctx, events.TopicOrderReserved, res.Order.ID, map[string]any{
		"orderId":     res.Order.ID,
		"locationId":  res.Order.LocationID,
		"startDate":   res.Order.Book.StartDate.Format(DateLayout),
		"endDate":     res.Order.Book.EndDate.Format(DateLayout),
		"workingDays": res.Order.Book.WorkingDays,
		"total":       res.Order.Total,
	})
	s.Logger.Info().Str("order_id", res.Order.ID).Float64("total", res.Order.Total).Msg("order reserved")
	return res, nil
}

func (s *Service) reserve(ctx context.Context, req CartRequest) (Reservation, error) {
	sess := req.Session
	if !sess.Range.Complete() {
		return Reservation{}, ErrDatesRequired
	}
	merged, ids, err := mergeItems(req.Items)
	if err != nil {
		return Reservation{}, err
	}
	if err := s.checkSpan(sess.Range); err != nil {
		return Reservation{}, err
	}
	wd, ok := calendar.ForRange(sess.Range, sess.PickupHour, s.slots(sess.LocationID))
	if !ok {
		return Reservation{}, ErrNotComputable
	}
	applyToSub := s.Rules.ApplyToSub
	if req.ApplyToSub != nil {
		applyToSub = *req.ApplyToSub
	}

	var out Reservation
	err = s.Locker.WithEquipment(ctx, ids, s.LockTTL, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx Tx) error {
			eqs, err := tx.LockEquipment(ctx, ids, sess.LocationID)
			if err != nil {
				return err
			}
			if _, unavailable, err := check(eqs, merged, ids, sess); err != nil {
				return err
			} else if len(unavailable) > 0 {
				return &UnavailableError{EquipmentIDs: unavailable}
			}

			allocations := make(map[int64][]allocation.Allocation, len(eqs))
			var newLines []NewLine
			var priceItems []pricing.Item
			var earnLines []earnings.Line
			for _, eq := range byID(eqs, ids) {
				qty := merged[eq.ID]
				eq.Quantity = qty
				plan, err := s.plan(eq, sess, qty)
				if err != nil {
					return err
				}
				allocations[eq.ID] = plan
				owners := ownerNames(eq)
				for _, a := range plan {
					newLines = append(newLines, NewLine{EquipmentOnOwnerID: a.ID, PricePerDay: eq.PricePerDay, Quantity: a.Quantity})
					earnLines = append(earnLines, earnings.Line{OwnerName: owners[a.ID], PricePerDay: eq.PricePerDay, Quantity: a.Quantity})
				}
				priceItems = append(priceItems, pricing.Item{ID: eq.ID, Qty: qty, PricePerDay: eq.PricePerDay})
			}

			order := Order{
				ID:         uuid.NewString(),
				LocationID: sess.LocationID,
				Status:     StatusReserved,
				ApplyToSub: applyToSub,
				CreatedAt:  s.now(),
				Book: rental.Book{
					StartDate:   rental.Day(sess.Range.Start),
					EndDate:     rental.Day(sess.Range.End),
					PickupHour:  strings.TrimSpace(sess.PickupHour),
					WorkingDays: wd,
				},
			}
			if code := strings.TrimSpace(req.DiscountCode); code != "" {
				d, err := tx.LockDiscount(ctx, code)
				if err != nil {
					return &DiscountError{Code: code, Err: err}
				}
				if err := d.Validate(s.now(), pricing.CartSubtotal(priceItems, wd, ok), sess.LocationID); err != nil {
					return &DiscountError{Code: code, Err: err}
				}
				if err := tx.IncrementDiscountUsage(ctx, d.ID); err != nil {
					return err
				}
				id := d.ID
				order.DiscountID = &id
				order.Discount = d.Pricing()
			}
			summary := s.Rules.Earnings.Policy.Compute(priceItems, wd, ok, order.Discount)
			order.Subtotal = summary.Subtotal
			order.Total = summary.Total

			split, err := s.Rules.Earnings.Split(earnings.Order{
				WorkingDays: wd,
				Lines:       earnLines,
				Discount:    order.Discount,
				ApplyToSub:  applyToSub,
			})
			if err != nil {
				return err
			}

			bookID, err := tx.CreateBook(ctx, order.Book)
			if err != nil {
				return err
			}
			order.Book.ID = bookID
			if err := tx.CreateOrder(ctx, order); err != nil {
				return err
			}
			if err := tx.InsertLines(ctx, bookID, newLines); err != nil {
				return err
			}
			if err := tx.SaveEarnings(ctx, order.ID, split); err != nil {
				return err
			}
			out = Reservation{Order: order, Allocations: allocations, Summary: summary, Earnings: split}
			return nil
		})
	})
	if err != nil {
		return Reservation{}, err
	}
	obs.ObserveEarningsRecompute("reserve")
	return out, nil
}

// AddEquipment books more units of an equipment into an existing order and
// recomputes its working days and earnings.
func (s *Service) AddEquipment(ctx context.Context, orderID string, item ItemRequest) (Order, error) {
	if err := s.ready(); err != nil {
		return Order{}, err
	}
	ctx, span := tracer.Start(ctx, "booking.AddEquipment", trace.WithAttributes(
		attribute.String("rental.order_id", orderID),
		attribute.Int64("rental.equipment_id", item.EquipmentID),
	))
	defer span.End()

	merged, ids, err := mergeItems([]ItemRequest{item})
	if err != nil {
		return Order{}, fail(span, err)
	}
	var out Order
	err = s.Locker.WithEquipment(ctx, ids, s.LockTTL, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx Tx) error {
			order, err := s.lockOpenOrder(ctx, tx, orderID)
			if err != nil {
				return err
			}
			sess := rental.Session{
				LocationID: order.LocationID,
				Range:      rental.DateRange{Start: order.Book.StartDate, End: order.Book.EndDate},
				PickupHour: order.Book.PickupHour,
			}
			eqs, err := tx.LockEquipment(ctx, ids, order.LocationID)
			if err != nil {
				return err
			}
			if _, unavailable, err := check(eqs, merged, ids, sess); err != nil {
				return err
			} else if len(unavailable) > 0 {
				return &UnavailableError{EquipmentIDs: unavailable}
			}
			eq := eqs[0]
			plan, err := s.plan(eq, sess, merged[eq.ID])
			if err != nil {
				return err
			}
			lines := make([]NewLine, 0, len(plan))
			for _, a := range plan {
				lines = append(lines, NewLine{EquipmentOnOwnerID: a.ID, PricePerDay: eq.PricePerDay, Quantity: a.Quantity})
			}
			if err := tx.InsertLines(ctx, order.Book.ID, lines); err != nil {
				return err
			}
			out, _, err = s.refresh(ctx, tx, order, true)
			return err
		})
	})
	if err != nil {
		return Order{}, fail(span, err)
	}
	obs.ObserveEarningsRecompute("add_equipment")
	s.emit(ctx, events.TopicEquipmentAdded, orderID, map[string]any{
		"orderId":     orderID,
		"equipmentId": item.EquipmentID,
		"quantity":    item.Quantity,
		"total":       out.Total,
	})
	return out, nil
}

// RemoveEquipment deletes every booking of the equipment from the order and
// recomputes its working days and earnings.
func (s *Service) RemoveEquipment(ctx context.Context, orderID string, equipmentID int64) (Order, error) {
	if err := s.ready(); err != nil {
		return Order{}, err
	}
	ctx, span := tracer.Start(ctx, "booking.RemoveEquipment", trace.WithAttributes(
		attribute.String("rental.order_id", orderID),
		attribute.Int64("rental.equipment_id", equipmentID),
	))
	defer span.End()

	var out Order
	err := s.inTx(ctx, func(tx Tx) error {
		order, err := s.lockOpenOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		n, err := tx.DeleteLines(ctx, order.Book.ID, equipmentID)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotInOrder
		}
		left, err := tx.OrderLines(ctx, order.Book.ID)
		if err != nil {
			return err
		}
		if len(left) == 0 {
			return ErrLastEquipment
		}
		out, _, err = s.refresh(ctx, tx, order, true)
		return err
	})
	if err != nil {
		return Order{}, fail(span, err)
	}
	obs.ObserveEarningsRecompute("remove_equipment")
	s.emit(ctx, events.TopicEquipmentRemoved, orderID, map[string]any{
		"orderId":     orderID,
		"equipmentId": equipmentID,
		"total":       out.Total,
	})
	return out, nil
}

// Cancel releases every booking of the order and zeroes its earnings.
// Canceling a canceled order is a no-op.
func (s *Service) Cancel(ctx context.Context, orderID string) (Order, error) {
	if err := s.ready(); err != nil {
		return Order{}, err
	}
	ctx, span := tracer.Start(ctx, "booking.Cancel", trace.WithAttributes(attribute.String("rental.order_id", orderID)))
	defer span.End()

	var (
		out     Order
		already bool
	)
	err := s.inTx(ctx, func(tx Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == StatusCanceled {
			out, already = order, true
			return nil
		}
		if _, err := tx.DeleteLines(ctx, order.Book.ID, 0); err != nil {
			return err
		}
		order.Status = StatusCanceled
		order.Subtotal, order.Total = 0, 0
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.SaveEarnings(ctx, order.ID, earnings.Earnings{}); err != nil {
			return err
		}
		out = order
		return nil
	})
	if err != nil {
		return Order{}, fail(span, err)
	}
	if !already {
		s.emit(ctx, events.TopicOrderCanceled, orderID, map[string]any{"orderId": orderID})
	}
	return out, nil
}

// Earnings returns the stored revenue split of the order.
func (s *Service) Earnings(ctx context.Context, orderID string) (earnings.Earnings, error) {
	if err := s.ready(); err != nil {
		return earnings.Earnings{}, err
	}
	if _, err := s.Store.GetOrder(ctx, orderID); err != nil {
		return earnings.Earnings{}, appError(err)
	}
	e, err := s.Store.GetEarnings(ctx, orderID)
	return e, appError(err)
}

// RecomputeEarnings rebuilds the stored earnings of the order from its
// bookings. The frozen working days are kept.
func (s *Service) RecomputeEarnings(ctx context.Context, orderID string) (earnings.Earnings, error) {
	if err := s.ready(); err != nil {
		return earnings.Earnings{}, err
	}
	ctx, span := tracer.Start(ctx, "booking.RecomputeEarnings", trace.WithAttributes(attribute.String("rental.order_id", orderID)))
	defer span.End()

	var out earnings.Earnings
	err := s.inTx(ctx, func(tx Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == StatusCanceled {
			out = earnings.Earnings{}
			return tx.SaveEarnings(ctx, order.ID, out)
		}
		_, out, err = s.refresh(ctx, tx, order, false)
		return err
	})
	if err != nil {
		return earnings.Earnings{}, fail(span, err)
	}
	obs.ObserveEarningsRecompute("reconcile")
	s.emit(ctx, events.TopicEarningsRecomputed, orderID, out)
	return out, nil
}

// refresh recomputes working days (when the equipment set changed), the
// order totals and the earnings from the persisted bookings.
func (s *Service) refresh(ctx context.Context, tx Tx, order Order, equipmentChanged bool) (Order, earnings.Earnings, error) {
	lines, err := tx.OrderLines(ctx, order.Book.ID)
	if err != nil {
		return Order{}, earnings.Earnings{}, err
	}
	wd := order.Book.WorkingDays
	if equipmentChanged {
		r := rental.DateRange{Start: order.Book.StartDate, End: order.Book.EndDate}
		if days, ok := calendar.ForRange(r, order.Book.PickupHour, s.slots(order.LocationID)); ok {
			wd = days
		}
		if wd != order.Book.WorkingDays {
			if err := tx.UpdateBookWorkingDays(ctx, order.Book.ID, wd); err != nil {
				return Order{}, earnings.Earnings{}, err
			}
			order.Book.WorkingDays = wd
		}
	}
	priceItems := make([]pricing.Item, 0, len(lines))
	earnLines := make([]earnings.Line, 0, len(lines))
	for _, line := range lines {
		priceItems = append(priceItems, pricing.Item{ID: line.EquipmentID, Qty: line.Quantity, PricePerDay: line.PricePerDay})
		earnLines = append(earnLines, earnings.Line{OwnerName: line.OwnerName, PricePerDay: line.PricePerDay, Quantity: line.Quantity})
	}
	summary := s.Rules.Earnings.Policy.Compute(priceItems, wd, wd > 0, order.Discount)
	split, err := s.Rules.Earnings.Split(earnings.Order{
		WorkingDays: wd,
		Lines:       earnLines,
		Discount:    order.Discount,
		ApplyToSub:  order.ApplyToSub,
	})
	if err != nil {
		return Order{}, earnings.Earnings{}, err
	}
	order.Subtotal = summary.Subtotal
	order.Total = summary.Total
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return Order{}, earnings.Earnings{}, err
	}
	if err := tx.SaveEarnings(ctx, order.ID, split); err != nil {
		return Order{}, earnings.Earnings{}, err
	}
	return order, split, nil
}

func (s *Service) lockOpenOrder(ctx context.Context, tx Tx, id string) (Order, error) {
	order, err := tx.LockOrder(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if order.Status == StatusCanceled {
		return Order{}, ErrOrderCanceled
	}
	return order, nil
}

func (s *Service) plan(eq rental.Equipment, sess rental.Session, qty int) ([]allocation.Allocation, error) {
	free := availability.FreeByOwner(eq, sess)
	owners := make([]allocation.OwnerStock, 0, len(free))
	for _, o := range eq.Stocks(sess.LocationID) {
		owners = append(owners, allocation.OwnerStock{ID: o.ID, OwnerName: o.OwnerName, Stock: free[o.ID]})
	}
	plan, err := s.Rules.Planner.Allocate(owners, qty)
	var short *allocation.InsufficientStockError
	if errors.As(err, &short) {
		return nil, &UnavailableError{EquipmentIDs: []int64{eq.ID}}
	}
	return plan, err
}

func (s *Service) inTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Service) emit(ctx context.Context, topic, aggregateID string, payload any) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, topic, aggregateID, payload); err != nil {
		s.Logger.Warn().Err(err).Str("topic", topic).Str("aggregate_id", aggregateID).Msg("emit domain event")
	}
}

func (s *Service) ready() error {
	if s == nil || s.Store == nil {
		return errors.New("booking service not configured")
	}
	if s.Locker == nil {
		return errors.New("booking service locker not configured")
	}
	return nil
}

func (s *Service) slots(locationID int64) calendar.Slots {
	if s.Rules.Slots == nil {
		return calendar.Slots{}
	}
	return s.Rules.Slots(locationID)
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// check runs the availability checker for every requested equipment and
// returns the per-line verdicts plus the IDs that failed.
func check(eqs []rental.Equipment, merged map[int64]int, ids []int64, sess rental.Session) ([]ItemAvailability, []int64, error) {
	ordered := byID(eqs, ids)
	if len(ordered) != len(ids) {
		return nil, nil, missing(eqs, ids)
	}
	out := make([]ItemAvailability, 0, len(ordered))
	var unavailable []int64
	for _, eq := range ordered {
		eq.Quantity = merged[eq.ID]
		res := availability.Check(eq, sess)
		obs.ObserveAvailability(res.Available)
		if !res.Available {
			unavailable = append(unavailable, eq.ID)
		}
		out = append(out, ItemAvailability{EquipmentID: eq.ID, Name: eq.Name, PricePerDay: eq.PricePerDay, Result: res})
	}
	return out, unavailable, nil
}

func byID(eqs []rental.Equipment, ids []int64) []rental.Equipment {
	index := make(map[int64]rental.Equipment, len(eqs))
	for _, eq := range eqs {
		index[eq.ID] = eq
	}
	out := make([]rental.Equipment, 0, len(ids))
	for _, id := range ids {
		if eq, ok := index[id]; ok {
			out = append(out, eq)
		}
	}
	return out
}

func missing(eqs []rental.Equipment, ids []int64) error {
	found := make(map[int64]bool, len(eqs))
	for _, eq := range eqs {
		found[eq.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return fmt.Errorf("%w: %d", ErrEquipmentNotFound, id)
		}
	}
	return ErrEquipmentNotFound
}

func ownerNames(eq rental.Equipment) map[int64]string {
	names := make(map[int64]string, len(eq.Owners))
	for _, o := range eq.Owners {
		names[o.ID] = o.OwnerName
	}
	return names
}

// mergeItems sums quantities per equipment and returns the IDs in ascending order.
func mergeItems(items []ItemRequest) (map[int64]int, []int64, error) {
	if len(items) == 0 {
		return nil, nil, ErrEmptyCart
	}
	merged := make(map[int64]int, len(items))
	for _, it := range items {
		if it.EquipmentID <= 0 || it.Quantity <= 0 {
			return nil, nil, fmt.Errorf("%w: equipment %d quantity %d", ErrInvalidItem, it.EquipmentID, it.Quantity)
		}
		merged[it.EquipmentID] += it.Quantity
	}
	ids := make([]int64, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return merged, ids, nil
}

func reserveResult(err error) string {
	switch {
	case err == nil:
		return "reserved"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		var dErr *DiscountError
		if errors.As(err, &dErr) {
			return "discount_rejected"
		}
		return "error"
	}
}

func fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return appError(err)
}

// checkSpan rejects complete ranges longer than the configured maximum.
func (s *Service) checkSpan(r rental.DateRange) error {
	if !r.Complete() {
		return nil
	}
	limit := s.Rules.MaxRentalDays
	if limit <= 0 {
		limit = DefaultMaxRentalDays
	}
	start, end := rental.Day(r.Start), rental.Day(r.End)
	if end.After(start.AddDate(0, 0, limit)) {
		return fmt.Errorf("%w: at most %d days", ErrRangeTooLong, limit)
	}
	return nil
}
