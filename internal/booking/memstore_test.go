package booking_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/backend-rental/internal/booking"
	"github.com/noah-isme/backend-rental/internal/discount"
	"github.com/noah-isme/backend-rental/internal/earnings"
	"github.com/noah-isme/backend-rental/internal/rental"
)

type state struct {
	Equipment map[int64]rental.Equipment
	Discounts map[string]discount.Discount
	Orders    map[string]booking.Order
	Books     map[int64]rental.Book
	Lines     map[int64][]booking.OrderLine
	Earnings  map[string]earnings.Earnings
	NextID    int64
}

func (s state) clone() state {
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	var out state
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

// memStore is an in-memory booking.Store. Transactions run one at a time on a
// copy of the state that replaces it on commit.
type memStore struct {
	txMu    sync.Mutex
	mu      sync.Mutex
	st      state
	commits int
}

func newMemStore() *memStore {
	return &memStore{st: state{
		Equipment: map[int64]rental.Equipment{},
		Discounts: map[string]discount.Discount{},
		Orders:    map[string]booking.Order{},
		Books:     map[int64]rental.Book{},
		Lines:     map[int64][]booking.OrderLine{},
		Earnings:  map[string]earnings.Earnings{},
		NextID:    1000,
	}}
}

func (m *memStore) snapshot() state {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.clone()
}

func (m *memStore) addEquipment(eq rental.Equipment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range eq.Owners {
		eq.Owners[i].EquipmentID = eq.ID
	}
	m.st.Equipment[eq.ID] = eq
}

func (m *memStore) addDiscount(d discount.Discount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.Discounts[strings.ToUpper(d.Code)] = d
}

func (m *memStore) ListEquipment(_ context.Context, locationID int64) ([]rental.Equipment, error) {
	st := m.snapshot()
	var out []rental.Equipment
	for _, eq := range st.Equipment {
		if eq.TotalStock(locationID) > 0 {
			eq.Owners = eq.Stocks(locationID)
			out = append(out, eq)
		}
	}
	return out, nil
}

func (m *memStore) LoadEquipment(_ context.Context, ids []int64, _ int64) ([]rental.Equipment, error) {
	st := m.snapshot()
	return pick(st, ids), nil
}

func (m *memStore) FindDiscount(_ context.Context, code string) (discount.Discount, error) {
	st := m.snapshot()
	d, ok := st.Discounts[strings.ToUpper(code)]
	if !ok {
		return discount.Discount{}, discount.ErrNotFound
	}
	return d, nil
}

func (m *memStore) GetOrder(_ context.Context, id string) (booking.Order, error) {
	st := m.snapshot()
	o, ok := st.Orders[id]
	if !ok {
		return booking.Order{}, booking.ErrOrderNotFound
	}
	return o, nil
}

func (m *memStore) GetEarnings(_ context.Context, id string) (earnings.Earnings, error) {
	st := m.snapshot()
	return st.Earnings[id], nil
}

func (m *memStore) Begin(context.Context) (booking.Tx, error) {
	m.txMu.Lock()
	return &memTx{m: m, st: m.snapshot()}, nil
}

func pick(st state, ids []int64) []rental.Equipment {
	out := make([]rental.Equipment, 0, len(ids))
	for _, id := range ids {
		if eq, ok := st.Equipment[id]; ok {
			out = append(out, eq)
		}
	}
	return out
}

type memTx struct {
	m    *memStore
	st   state
	done bool
}

func (t *memTx) next() int64 {
	t.st.NextID++
	return t.st.NextID
}

func (t *memTx) LockEquipment(_ context.Context, ids []int64, _ int64) ([]rental.Equipment, error) {
	return pick(t.st, ids), nil
}

func (t *memTx) LockDiscount(_ context.Context, code string) (discount.Discount, error) {
	d, ok := t.st.Discounts[strings.ToUpper(code)]
	if !ok {
		return discount.Discount{}, discount.ErrNotFound
	}
	return d, nil
}

func (t *memTx) IncrementDiscountUsage(_ context.Context, id int64) error {
	for code, d := range t.st.Discounts {
		if d.ID == id {
			d.UsageCount++
			t.st.Discounts[code] = d
		}
	}
	return nil
}

func (t *memTx) LockOrder(_ context.Context, id string) (booking.Order, error) {
	o, ok := t.st.Orders[id]
	if !ok {
		return booking.Order{}, booking.ErrOrderNotFound
	}
	o.Book = t.st.Books[o.Book.ID]
	return o, nil
}

func (t *memTx) CreateBook(_ context.Context, book rental.Book) (int64, error) {
	book.ID = t.next()
	t.st.Books[book.ID] = book
	return book.ID, nil
}

func (t *memTx) UpdateBookWorkingDays(_ context.Context, bookID int64, wd float64) error {
	b := t.st.Books[bookID]
	b.WorkingDays = wd
	t.st.Books[bookID] = b
	return nil
}

func (t *memTx) CreateOrder(_ context.Context, o booking.Order) error {
	t.st.Orders[o.ID] = o
	return nil
}

func (t *memTx) UpdateOrder(_ context.Context, o booking.Order) error {
	t.st.Orders[o.ID] = o
	return nil
}

func (t *memTx) InsertLines(_ context.Context, bookID int64, lines []booking.NewLine) error {
	book := t.st.Books[bookID]
	for _, line := range lines {
		id := t.next()
		for eqID, eq := range t.st.Equipment {
			for i, o := range eq.Owners {
				if o.ID != line.EquipmentOnOwnerID {
					continue
				}
				eq.Owners[i].Books = append(eq.Owners[i].Books, rental.BookOnEquipment{
					ID: id, BookID: bookID, EquipmentOnOwnerID: o.ID, Quantity: line.Quantity, Book: book,
				})
				t.st.Equipment[eqID] = eq
				t.st.Lines[bookID] = append(t.st.Lines[bookID], booking.OrderLine{
					BookOnEquipmentID:  id,
					EquipmentID:        eqID,
					EquipmentOnOwnerID: o.ID,
					OwnerName:          o.OwnerName,
					PricePerDay:        line.PricePerDay,
					Quantity:           line.Quantity,
				})
			}
		}
	}
	return nil
}

func (t *memTx) DeleteLines(_ context.Context, bookID, equipmentID int64) (int, error) {
	removed := map[int64]bool{}
	kept := t.st.Lines[bookID][:0]
	for _, line := range t.st.Lines[bookID] {
		if equipmentID == 0 || line.EquipmentID == equipmentID {
			removed[line.BookOnEquipmentID] = true
			continue
		}
		kept = append(kept, line)
	}
	t.st.Lines[bookID] = kept
	for eqID, eq := range t.st.Equipment {
		for i, o := range eq.Owners {
			books := o.Books[:0]
			for _, b := range o.Books {
				if !removed[b.ID] {
					books = append(books, b)
				}
			}
			eq.Owners[i].Books = books
		}
		t.st.Equipment[eqID] = eq
	}
	return len(removed), nil
}

func (t *memTx) OrderLines(_ context.Context, bookID int64) ([]booking.OrderLine, error) {
	return append([]booking.OrderLine(nil), t.st.Lines[bookID]...), nil
}

func (t *memTx) SaveEarnings(_ context.Context, orderID string, e earnings.Earnings) error {
	t.st.Earnings[orderID] = e
	return nil
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.m.mu.Lock()
	t.m.st = t.st
	t.m.commits++
	t.m.mu.Unlock()
	t.m.txMu.Unlock()
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.m.txMu.Unlock()
	return nil
}

// fakeLocker serialises callers in-process and records the requested IDs.
type fakeLocker struct {
	mu    sync.Mutex
	calls [][]int64
	err   error
}

func (l *fakeLocker) WithEquipment(ctx context.Context, ids []int64, _ time.Duration, fn func(context.Context) error) error {
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, append([]int64(nil), ids...))
	return fn(ctx)
}
