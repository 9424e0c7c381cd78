package booking_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-rental/internal/allocation"
	"github.com/noah-isme/backend-rental/internal/booking"
	"github.com/noah-isme/backend-rental/internal/calendar"
	"github.com/noah-isme/backend-rental/internal/common"
	"github.com/noah-isme/backend-rental/internal/discount"
	"github.com/noah-isme/backend-rental/internal/earnings"
	"github.com/noah-isme/backend-rental/internal/events"
	"github.com/noah-isme/backend-rental/internal/rental"
)

var (
	monday = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	friday = time.Date(2024, 6, 7, 0, 0, 0, 0, time.UTC)
	now    = time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC)
)

type eventLog struct {
	mu     sync.Mutex
	topics []string
}

func (l *eventLog) InsertDomainEvent(_ context.Context, topic, aggregateID string, payload []byte) (events.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.topics = append(l.topics, topic)
	return events.Event{ID: int64(len(l.topics)), Topic: topic, AggregateID: aggregateID, Payload: payload}, nil
}

type mapCache struct {
	data map[string]any
	hits int
}

func (c *mapCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	v, ok := c.data[key]
	if !ok {
		return false, nil
	}
	c.hits++
	*(dest.(*[]rental.Equipment)) = v.([]rental.Equipment)
	return true, nil
}

func (c *mapCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	c.data[key] = value
	return nil
}

func location() rental.Location { return rental.Location{ID: 1, Name: "Milano"} }

func fixture() *memStore {
	store := newMemStore()
	store.addEquipment(rental.Equipment{
		ID: 1, Name: "Camera", PricePerDay: 10,
		Owners: []rental.EquipmentOnOwner{
			{ID: 13, OwnerName: "Sub", Location: location(), Stock: 3},
			{ID: 12, OwnerName: "Federico", Location: location(), Stock: 2},
			{ID: 11, OwnerName: "Both", Location: location(), Stock: 1},
			{ID: 14, OwnerName: "Oscar", Location: location(), Stock: 5, Deleted: true},
		},
	})
	store.addEquipment(rental.Equipment{
		ID: 2, Name: "Tripod", PricePerDay: 5,
		Owners: []rental.EquipmentOnOwner{{ID: 21, OwnerName: "Oscar", Location: location(), Stock: 2}},
	})
	return store
}

func newService(store *memStore) (*booking.Service, *fakeLocker, *eventLog) {
	locker := &fakeLocker{}
	log := &eventLog{}
	return &booking.Service{
		Store:   store,
		Locker:  locker,
		LockTTL: time.Second,
		Rules: booking.Rules{
			Slots: func(int64) calendar.Slots {
				return calendar.Slots{Morning: "09:00", Late: []string{"14:00", "18:30"}}
			},
			Planner: allocation.Planner{Priority: allocation.DefaultPriority},
		},
		Events: &events.Bus{Store: log},
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return now },
	}, locker, log
}

func cart(start, end time.Time, items ...booking.ItemRequest) booking.CartRequest {
	return booking.CartRequest{
		Session: rental.Session{LocationID: 1, Range: rental.DateRange{Start: start, End: end}},
		Items:   items,
	}
}

func TestQuotePricesCart(t *testing.T) {
	store := fixture()
	store.addDiscount(discount.Discount{ID: 1, Code: "SPRING", Rule: discount.Rule{Type: discount.TypePercentage, Value: 10}, MinTotal: 100})
	svc, _, _ := newService(store)

	req := cart(monday, friday, booking.ItemRequest{EquipmentID: 1, Quantity: 2}, booking.ItemRequest{EquipmentID: 1, Quantity: 2})
	req.DiscountCode = "spring"
	q, err := svc.Quote(context.Background(), req)
	require.NoError(t, err)
	require.True(t, q.Computable)
	require.Equal(t, 4.0, q.Summary.WorkingDays)
	require.Equal(t, 160.0, q.Summary.Subtotal)
	require.Equal(t, 144.0, q.Summary.Total)
	require.Empty(t, q.Unavailable)
	require.Len(t, q.Items, 1)
	require.Equal(t, 6, q.Items[0].Result.TotalStock)
}

func TestQuoteWithoutDatesIsNotComputable(t *testing.T) {
	svc, _, _ := newService(fixture())
	q, err := svc.Quote(context.Background(), cart(time.Time{}, time.Time{}, booking.ItemRequest{EquipmentID: 1, Quantity: 100}))
	require.NoError(t, err)
	require.False(t, q.Computable)
	require.Zero(t, q.Summary.Total)
	require.Empty(t, q.Unavailable)
}

func TestQuoteRejectsDiscountBelowMinimum(t *testing.T) {
	store := fixture()
	store.addDiscount(discount.Discount{ID: 1, Code: "BIG", Rule: discount.Rule{Type: discount.TypeFixed, Value: 10}, MinTotal: 1000})
	svc, _, _ := newService(store)
	req := cart(monday, friday, booking.ItemRequest{EquipmentID: 1, Quantity: 1})
	req.DiscountCode = "BIG"
	_, err := svc.Quote(context.Background(), req)
	var dErr *booking.DiscountError
	require.ErrorAs(t, err, &dErr)
	require.ErrorIs(t, err, discount.ErrMinimumTotalUnmet)
}

func TestReserveAllocatesByPriority(t *testing.T) {
	store := fixture()
	svc, locker, log := newService(store)

	res, err := svc.Reserve(context.Background(), cart(monday, friday, booking.ItemRequest{EquipmentID: 1, Quantity: 4}))
	require.NoError(t, err)
	require.Equal(t, []allocation.Allocation{{ID: 11, Quantity: 1}, {ID: 12, Quantity: 2}, {ID: 13, Quantity: 1}}, res.Allocations[1])
	require.Equal(t, 4.0, res.Order.Book.WorkingDays)
	require.Equal(t, 160.0, res.Summary.Total)
	require.Equal(t, 100.0, res.Earnings.Federico)
	require.Equal(t, 20.0, res.Earnings.Oscar)
	require.Equal(t, 40.0, res.Earnings.Sub)
	require.Equal(t, [][]int64{{1}}, locker.calls)
	require.Equal(t, []string{events.TopicOrderReserved}, log.topics)

	st := store.snapshot()
	require.Equal(t, booking.StatusReserved, st.Orders[res.Order.ID].Status)
	require.Len(t, st.Lines[res.Order.Book.ID], 3)
	require.Equal(t, res.Earnings, st.Earnings[res.Order.ID])
}

func TestReserveAppliesDiscountOnPrimaryBuckets(t *testing.T) {
	store := fixture()
	store.addDiscount(discount.Discount{ID: 7, Code: "FLAT", Rule: discount.Rule{Type: discount.TypeFixed, Value: 28}})
	svc, _, _ := newService(store)

	req := cart(monday, friday, booking.ItemRequest{EquipmentID: 1, Quantity: 4})
	req.DiscountCode = "FLAT"
	res, err := svc.Reserve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 132.0, res.Order.Total)
	require.Equal(t, 40.0, res.Earnings.Sub)
	require.InDelta(t, 132.0, res.Earnings.Federico+res.Earnings.Oscar+res.Earnings.Sub, 1e-9)
	require.Equal(t, 1, store.snapshot().Discounts["FLAT"].UsageCount)
}

func TestReserveRejectsOverbooking(t *testing.T) {
	store := fixture()
	svc, _, _ := newService(store)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, cart(monday, friday, booking.ItemRequest{EquipmentID: 1, Quantity: 4}))
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, cart(monday, friday, booking.ItemRequest{EquipmentID: 1, Quantity: 3}))
	require.ErrorIs(t, err, booking.ErrUnavailable)
	var unavailable *booking.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, []int64{1}, unavailable.EquipmentIDs)
	require.Len(t, store.snapshot().Orders, 1)

	res, err := svc.Reserve(ctx, cart(monday, friday, booking.ItemRequest{EquipmentID: 1, Quantity: 2}))
	require.NoError(t, err)
	require.Equal(t, []allocation.Allocation{{ID: 13, Quantity: 2}}, res.Allocations[1])
}

func TestReserveAllowsSameDayTurnover(t *testing.T) {
	store := fixture()
	svc, _, _ := newService(store)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, cart(monday, friday, booking.ItemRequest{EquipmentID: 1, Quantity: 6}))
	require.NoError(t, err)

	req := cart(friday, friday.AddDate(0, 0, 3), booking.ItemRequest{EquipmentID: 1, Quantity: 6})
	req.Session.PickupHour = "09:00"
	res, err := svc.Reserve(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1.0, res.Order.Book.WorkingDays)
}

func TestReserveValidatesInput(t *testing.T) {
	svc, locker, _ := newService(fixture())
	ctx := context.Background()

	_, err := svc.Reserve(ctx, cart(time.Time{}, friday, booking.ItemRequest{EquipmentID: 1, Quantity: 1}))
	require.ErrorIs(t, err, booking.ErrDatesRequired)

	_, err = svc.Reserve(ctx, cart(monday, monday, booking.ItemRequest{EquipmentID: 1, Quantity: 1}))
	require.ErrorIs(t, err, booking.ErrNotComputable)

	_, err = svc.Reserve(ctx, cart(monday, friday))
	require.ErrorIs(t, err, booking.ErrEmptyCart)

	_, err = svc.Reserve(ctx, cart(monday, friday, booking.ItemRequest{EquipmentID: 1, Quantity: -1}))
	require.ErrorIs(t, err, booking.ErrInvalidItem)

	_, err = svc.Reserve(ctx, cart(monday, friday, booking.ItemRequest{EquipmentID: 99, Quantity: 1}))
	require.ErrorIs(t, err, booking.ErrEquipmentNotFound)

	require.Len(t, locker.calls, 1)
}

func TestReserveUsageLimitRollsBack(t *testing.T) {
	store := fixture()
	limit := 1
	store.addDiscount(discount.Discount{ID: 3, Code: "ONCE", Rule: discount.Rule{Type: discount.TypeFixed, Value: 5}, UsageLimit: &limit})
	svc, _, _ := newService(store)
	ctx := context.Background()

	req := cart(monday, friday, booking.ItemRequest{EquipmentID: 2, Quantity: 1})
	req.DiscountCode = "ONCE"
	_, err := svc.Reserve(ctx, req)
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, req)
	require.ErrorIs(t, err, discount.ErrUsageLimitReached)

	st := store.snapshot()
	require.Len(t, st.Orders, 1)
	require.Equal(t, 1, st.Discounts["ONCE"].UsageCount)
}

func TestReserveUnknownOwnerIsPolicyError(t *testing.T) {
	store := fixture()
	store.addEquipment(rental.Equipment{
		ID: 3, Name: "Light", PricePerDay: 1,
		Owners: []rental.EquipmentOnOwner{{ID: 31, OwnerName: "Mario", Location: location(), Stock: 1}},
	})
	svc, _, _ := newService(store)
	_, err := svc.Reserve(context.Background(), cart(monday, friday, booking.ItemRequest{EquipmentID: 3, Quantity: 1}))
	require.ErrorIs(t, err, allocation.ErrUnknownOwner)
	require.Empty(t, store.snapshot().Orders)
}

func TestReserveLockTimeout(t *testing.T) {
	svc, locker, _ := newService(fixture())
	locker.err = context.DeadlineExceeded
	_, err := svc.Reserve(context.Background(), cart(monday, friday, booking.ItemRequest{EquipmentID: 1, Quantity: 1}))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentReservationsNeverOverbook(t *testing.T) {
	store := fixture()
	svc, _, _ := newService(store)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, rejected int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(context.Background(), cart(monday, friday, booking.ItemRequest{EquipmentID: 2, Quantity: 1}))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, booking.ErrUnavailable):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 2, ok)
	require.Equal(t, 8, rejected)
}

func TestAddAndRemoveEquipmentRecomputeEarnings(t *testing.T) {
	store := fixture()
	svc, _, log := newService(store)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, cart(monday, friday, booking.ItemRequest{EquipmentID: 1, Quantity: 4}))
	require.NoError(t, err)
	id := res.Order.ID

	order, err := svc.AddEquipment(ctx, id, booking.ItemRequest{EquipmentID: 2, Quantity: 1})
	require.NoError(t, err)
	require.Equal(t, 180.0, order.Total)
	e, err := svc.Earnings(ctx, id)
	require.NoError(t, err)
	require.Equal(t, earnings.Earnings{Federico: 100, Oscar: 40, Sub: 40, Subtotal: 180, Total: 180}, e)

	_, err = svc.AddEquipment(ctx, id, booking.ItemRequest{EquipmentID: 2, Quantity: 2})
	require.ErrorIs(t, err, booking.ErrUnavailable)

	order, err = svc.RemoveEquipment(ctx, id, 1)
	require.NoError(t, err)
	require.Equal(t, 20.0, order.Total)
	e, err = svc.Earnings(ctx, id)
	require.NoError(t, err)
	require.Equal(t, earnings.Earnings{Oscar: 20, Subtotal: 20, Total: 20}, e)

	_, err = svc.RemoveEquipment(ctx, id, 1)
	require.ErrorIs(t, err, booking.ErrNotInOrder)

	require.Equal(t, []string{events.TopicOrderReserved, events.TopicEquipmentAdded, events.TopicEquipmentRemoved}, log.topics)
}

func TestCancelReleasesStock(t *testing.T) {
	store := fixture()
	svc, _, log := newService(store)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, cart(monday, friday, booking.ItemRequest{EquipmentID: 2, Quantity: 2}))
	require.NoError(t, err)

	order, err := svc.Cancel(ctx, res.Order.ID)
	require.NoError(t, err)
	require.Equal(t, booking.StatusCanceled, order.Status)
	e, err := svc.Earnings(ctx, res.Order.ID)
	require.NoError(t, err)
	require.Zero(t, e.Total)

	_, err = svc.Cancel(ctx, res.Order.ID)
	require.NoError(t, err)
	require.Equal(t, []string{events.TopicOrderReserved, events.TopicOrderCanceled}, log.topics)

	_, err = svc.AddEquipment(ctx, res.Order.ID, booking.ItemRequest{EquipmentID: 2, Quantity: 1})
	require.ErrorIs(t, err, booking.ErrOrderCanceled)

	_, err = svc.Reserve(ctx, cart(monday, friday, booking.ItemRequest{EquipmentID: 2, Quantity: 2}))
	require.NoError(t, err)
}

func TestRecomputeEarningsRepairsDrift(t *testing.T) {
	store := fixture()
	svc, _, _ := newService(store)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, cart(monday, friday, booking.ItemRequest{EquipmentID: 1, Quantity: 4}))
	require.NoError(t, err)

	store.mu.Lock()
	store.st.Earnings[res.Order.ID] = earnings.Earnings{Federico: 1}
	store.mu.Unlock()

	e, err := svc.RecomputeEarnings(ctx, res.Order.ID)
	require.NoError(t, err)
	require.Equal(t, res.Earnings, e)

	_, err = svc.RecomputeEarnings(ctx, "missing")
	require.ErrorIs(t, err, booking.ErrOrderNotFound)
}

func TestCatalogUsesCache(t *testing.T) {
	store := fixture()
	svc, _, _ := newService(store)
	cache := &mapCache{data: map[string]any{}}
	svc.Cache = cache

	first, err := svc.Catalog(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, first, 2)

	store.addEquipment(rental.Equipment{ID: 9, PricePerDay: 1, Owners: []rental.EquipmentOnOwner{{ID: 91, OwnerName: "Sub", Location: location(), Stock: 1}}})
	second, err := svc.Catalog(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, second, 2)
	require.Equal(t, 1, cache.hits)
}

func TestAvailabilityReportsEveryLine(t *testing.T) {
	svc, _, _ := newService(fixture())
	sess := rental.Session{LocationID: 1, Range: rental.DateRange{Start: monday, End: friday}}
	items, err := svc.Availability(context.Background(), sess, []booking.ItemRequest{{EquipmentID: 2, Quantity: 3}, {EquipmentID: 1, Quantity: 6}})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, int64(1), items[0].EquipmentID)
	require.True(t, items[0].Result.Available)
	require.False(t, items[1].Result.Available)
}

func TestQuoteWithoutDatesSkipsDiscountMinimum(t *testing.T) {
	store := fixture()
	store.addDiscount(discount.Discount{ID: 1, Code: "MIN", Rule: discount.Rule{Type: discount.TypePercentage, Value: 10}, MinTotal: 50})
	svc, _, _ := newService(store)
	req := cart(time.Time{}, time.Time{}, booking.ItemRequest{EquipmentID: 1, Quantity: 1})
	req.DiscountCode = "MIN"
	q, err := svc.Quote(context.Background(), req)
	require.NoError(t, err)
	require.False(t, q.Computable)
	require.Nil(t, q.Discount)
}

func TestRemoveLastEquipmentKeepsOrder(t *testing.T) {
	store := fixture()
	store.addDiscount(discount.Discount{ID: 1, Code: "FLAT", Rule: discount.Rule{Type: discount.TypeFixed, Value: 28}})
	svc, _, log := newService(store)
	ctx := context.Background()

	req := cart(monday, friday, booking.ItemRequest{EquipmentID: 1, Quantity: 1})
	req.DiscountCode = "FLAT"
	res, err := svc.Reserve(ctx, req)
	require.NoError(t, err)
	id := res.Order.ID
	before := store.snapshot()

	_, err = svc.RemoveEquipment(ctx, id, 1)
	require.ErrorIs(t, err, booking.ErrLastEquipment)
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeLastEquipment, appErr.Code)
	require.Equal(t, http.StatusConflict, appErr.HTTPStatus)

	after := store.snapshot()
	require.Equal(t, before.Orders[id], after.Orders[id])
	require.Equal(t, before.Earnings[id], after.Earnings[id])
	require.Equal(t, before.Lines, after.Lines)
	require.GreaterOrEqual(t, after.Orders[id].Total, 0.0)
	require.Equal(t, []string{events.TopicOrderReserved}, log.topics)

	order, err := svc.Cancel(ctx, id)
	require.NoError(t, err)
	require.Equal(t, booking.StatusCanceled, order.Status)
}

func TestRangeLongerThanLimitIsRejected(t *testing.T) {
	ctx := context.Background()
	far := cart(time.Date(1000, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC),
		booking.ItemRequest{EquipmentID: 1, Quantity: 1})

	store := fixture()
	svc, _, _ := newService(store)
	_, err := svc.Quote(ctx, far)
	require.ErrorIs(t, err, booking.ErrRangeTooLong)
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeRangeTooLong, appErr.Code)
	require.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)

	_, err = svc.Availability(ctx, far.Session, far.Items)
	require.ErrorIs(t, err, booking.ErrRangeTooLong)
	_, err = svc.Reserve(ctx, far)
	require.ErrorIs(t, err, booking.ErrRangeTooLong)
	require.Empty(t, store.snapshot().Orders)

	svc.Rules.MaxRentalDays = 3
	_, err = svc.Quote(ctx, cart(monday, friday, booking.ItemRequest{EquipmentID: 1, Quantity: 1}))
	require.ErrorIs(t, err, booking.ErrRangeTooLong)
	_, err = svc.Quote(ctx, cart(monday, monday.AddDate(0, 0, 3), booking.ItemRequest{EquipmentID: 1, Quantity: 1}))
	require.NoError(t, err)
}

func TestServiceErrorsCarryAPICodes(t *testing.T) {
	store := fixture()
	store.addEquipment(rental.Equipment{
		ID: 3, Name: "Light", PricePerDay: 1,
		Owners: []rental.EquipmentOnOwner{{ID: 31, OwnerName: "Mario", Location: location(), Stock: 1}},
	})
	svc, locker, _ := newService(store)
	ctx := context.Background()

	cases := []struct {
		name   string
		call   func() error
		code   string
		status int
	}{
		{"missing order", func() error { _, err := svc.Cancel(ctx, "missing"); return err }, common.CodeNotFound, http.StatusNotFound},
		{"dates required", func() error {
			_, err := svc.Reserve(ctx, cart(time.Time{}, time.Time{}, booking.ItemRequest{EquipmentID: 1, Quantity: 1}))
			return err
		}, common.CodeBadRequest, http.StatusBadRequest},
		{"overbooked", func() error {
			_, err := svc.Reserve(ctx, cart(monday, friday, booking.ItemRequest{EquipmentID: 2, Quantity: 3}))
			return err
		}, common.CodeUnavailable, http.StatusConflict},
		{"unknown owner", func() error {
			_, err := svc.Reserve(ctx, cart(monday, friday, booking.ItemRequest{EquipmentID: 3, Quantity: 1}))
			return err
		}, common.CodePolicyMisconfigured, http.StatusInternalServerError},
		{"lock timeout", func() error {
			locker.err = context.DeadlineExceeded
			defer func() { locker.err = nil }()
			_, err := svc.Reserve(ctx, cart(monday, friday, booking.ItemRequest{EquipmentID: 1, Quantity: 1}))
			return err
		}, common.CodeBusy, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var appErr *common.AppError
			require.ErrorAs(t, tc.call(), &appErr)
			require.Equal(t, tc.code, appErr.Code)
			require.Equal(t, tc.status, appErr.HTTPStatus)
		})
	}
}
