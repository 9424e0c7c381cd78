// Package store persists the rental domain in PostgreSQL and caches catalog
// reads in Redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-rental/internal/booking"
	"github.com/noah-isme/backend-rental/internal/discount"
	"github.com/noah-isme/backend-rental/internal/earnings"
	"github.com/noah-isme/backend-rental/internal/events"
	"github.com/noah-isme/backend-rental/internal/pricing"
	"github.com/noah-isme/backend-rental/internal/rental"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Querier is satisfied by both the pool and a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements booking.Store and events.EventStore on a pgx pool.
type Postgres struct {
	Pool *pgxpool.Pool
}

// New wraps an open pool.
func New(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

// Ping checks the database connection within timeout.
func (p *Postgres) Ping(ctx context.Context, timeout time.Duration) error {
	if p == nil || p.Pool == nil {
		return errors.New("store: pool not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Pool.Ping(ctx)
}

func (p *Postgres) ListEquipment(ctx context.Context, locationID int64) ([]rental.Equipment, error) {
	query, args, err := psql.Select("DISTINCT equipment_id").
		From("equipment_on_owner").
		Where(sq.Eq{"location_id": locationID, "deleted": false}).
		OrderBy("equipment_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build list equipment: %w", err)
	}
	rows, err := p.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []rental.Equipment{}, nil
	}
	return loadEquipment(ctx, p.Pool, ids, locationID, false, false)
}

func (p *Postgres) LoadEquipment(ctx context.Context, ids []int64, locationID int64) ([]rental.Equipment, error) {
	return loadEquipment(ctx, p.Pool, ids, locationID, false, true)
}

func (p *Postgres) FindDiscount(ctx context.Context, code string) (discount.Discount, error) {
	return findDiscount(ctx, p.Pool, code, false)
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (booking.Order, error) {
	return getOrder(ctx, p.Pool, id, false)
}

func (p *Postgres) GetEarnings(ctx context.Context, orderID string) (earnings.Earnings, error) {
	query, args, err := psql.Select("federico", "oscar", "sub", "subtotal", "total").
		From("earnings").
		Where(sq.Eq{"order_id": orderID}).
		ToSql()
	if err != nil {
		return earnings.Earnings{}, fmt.Errorf("store: build get earnings: %w", err)
	}
	var e earnings.Earnings
	err = p.Pool.QueryRow(ctx, query, args...).Scan(&e.Federico, &e.Oscar, &e.Sub, &e.Subtotal, &e.Total)
	if errors.Is(err, pgx.ErrNoRows) {
		return earnings.Earnings{}, nil
	}
	return e, err
}

// ActiveOrderIDs lists the IDs of reserved orders whose rental has not ended
// before since.
func (p *Postgres) ActiveOrderIDs(ctx context.Context, since time.Time) ([]string, error) {
	query, args, err := psql.Select("o.id::text").
		From("orders o").
		Join("books b ON b.id = o.book_id").
		Where(sq.Eq{"o.status": booking.StatusReserved}).
		Where(sq.GtOrEq{"b.end_date": rental.Day(since)}).
		OrderBy("o.created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build active orders: %w", err)
	}
	rows, err := p.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// InsertDomainEvent implements events.EventStore.
func (p *Postgres) InsertDomainEvent(ctx context.Context, topic, aggregateID string, payload []byte) (events.Event, error) {
	query, args, err := psql.Insert("domain_events").
		Columns("topic", "aggregate_id", "payload").
		Values(topic, aggregateID, payload).
		Suffix("RETURNING id, occurred_at").
		ToSql()
	if err != nil {
		return events.Event{}, fmt.Errorf("store: build insert event: %w", err)
	}
	ev := events.Event{Topic: topic, AggregateID: aggregateID, Payload: payload}
	if err := p.Pool.QueryRow(ctx, query, args...).Scan(&ev.ID, &ev.OccurredAt); err != nil {
		return events.Event{}, err
	}
	return ev, nil
}

// Begin opens a read-committed transaction.
func (p *Postgres) Begin(ctx context.Context) (booking.Tx, error) {
	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Tx implements booking.Tx.
type Tx struct {
	tx pgx.Tx
}

func (t *Tx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *Tx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (t *Tx) LockEquipment(ctx context.Context, ids []int64, locationID int64) ([]rental.Equipment, error) {
	return loadEquipment(ctx, t.tx, ids, locationID, true, true)
}

func (t *Tx) LockDiscount(ctx context.Context, code string) (discount.Discount, error) {
	return findDiscount(ctx, t.tx, code, true)
}

func (t *Tx) IncrementDiscountUsage(ctx context.Context, id int64) error {
	query, args, err := psql.Update("discounts").
		Set("usage_count", sq.Expr("usage_count + 1")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build discount usage: %w", err)
	}
	_, err = t.tx.Exec(ctx, query, args...)
	return err
}

func (t *Tx) LockOrder(ctx context.Context, id string) (booking.Order, error) {
	return getOrder(ctx, t.tx, id, true)
}

func (t *Tx) CreateBook(ctx context.Context, book rental.Book) (int64, error) {
	query, args, err := psql.Insert("books").
		Columns("start_date", "end_date", "pickup_hour", "working_days").
		Values(rental.Day(book.StartDate), rental.Day(book.EndDate), book.PickupHour, book.WorkingDays).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("store: build create book: %w", err)
	}
	var id int64
	err = t.tx.QueryRow(ctx, query, args...).Scan(&id)
	return id, err
}

func (t *Tx) UpdateBookWorkingDays(ctx context.Context, bookID int64, workingDays float64) error {
	query, args, err := psql.Update("books").
		Set("working_days", workingDays).
		Where(sq.Eq{"id": bookID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build update book: %w", err)
	}
	_, err = t.tx.Exec(ctx, query, args...)
	return err
}

func (t *Tx) CreateOrder(ctx context.Context, o booking.Order) error {
	code, typeName, value := discountColumns(o)
	query, args, err := psql.Insert("orders").
		Columns("id", "location_id", "book_id", "status", "discount_id", "discount_code", "discount_type",
			"discount_value", "apply_to_sub", "subtotal", "total", "created_at", "updated_at").
		Values(o.ID, o.LocationID, o.Book.ID, o.Status, o.DiscountID, code, typeName,
			value, o.ApplyToSub, o.Subtotal, o.Total, o.CreatedAt, o.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build create order: %w", err)
	}
	_, err = t.tx.Exec(ctx, query, args...)
	return err
}

func (t *Tx) UpdateOrder(ctx context.Context, o booking.Order) error {
	query, args, err := psql.Update("orders").
		Set("status", o.Status).
		Set("subtotal", o.Subtotal).
		Set("total", o.Total).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": o.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build update order: %w", err)
	}
	_, err = t.tx.Exec(ctx, query, args...)
	return err
}

func (t *Tx) InsertLines(ctx context.Context, bookID int64, lines []booking.NewLine) error {
	if len(lines) == 0 {
		return nil
	}
	builder := psql.Insert("book_on_equipment").Columns("book_id", "equipment_on_owner_id", "quantity", "price_per_day")
	for _, line := range lines {
		builder = builder.Values(bookID, line.EquipmentOnOwnerID, line.Quantity, line.PricePerDay)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("store: build insert lines: %w", err)
	}
	_, err = t.tx.Exec(ctx, query, args...)
	return err
}

func (t *Tx) DeleteLines(ctx context.Context, bookID, equipmentID int64) (int, error) {
	query, args, err := deleteLinesQuery(bookID, equipmentID).ToSql()
	if err != nil {
		return 0, fmt.Errorf("store: build delete lines: %w", err)
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *Tx) OrderLines(ctx context.Context, bookID int64) ([]booking.OrderLine, error) {
	query, args, err := psql.Select("be.id", "eo.equipment_id", "eo.id", "ow.name", "be.price_per_day", "be.quantity").
		From("book_on_equipment be").
		Join("equipment_on_owner eo ON eo.id = be.equipment_on_owner_id").
		Join("owners ow ON ow.id = eo.owner_id").
		Where(sq.Eq{"be.book_id": bookID}).
		OrderBy("be.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build order lines: %w", err)
	}
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (booking.OrderLine, error) {
		var l booking.OrderLine
		err := row.Scan(&l.BookOnEquipmentID, &l.EquipmentID, &l.EquipmentOnOwnerID, &l.OwnerName, &l.PricePerDay, &l.Quantity)
		return l, err
	})
}

func (t *Tx) SaveEarnings(ctx context.Context, orderID string, e earnings.Earnings) error {
	query, args, err := psql.Insert("earnings").
		Columns("order_id", "federico", "oscar", "sub", "subtotal", "total").
		Values(orderID, e.Federico, e.Oscar, e.Sub, e.Subtotal, e.Total).
		Suffix(`ON CONFLICT (order_id) DO UPDATE SET federico = EXCLUDED.federico, oscar = EXCLUDED.oscar,
sub = EXCLUDED.sub, subtotal = EXCLUDED.subtotal, total = EXCLUDED.total, updated_at = now()`).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build save earnings: %w", err)
	}
	_, err = t.tx.Exec(ctx, query, args...)
	return err
}

func deleteLinesQuery(bookID, equipmentID int64) sq.DeleteBuilder {
	builder := psql.Delete("book_on_equipment").Where(sq.Eq{"book_id": bookID})
	if equipmentID != 0 {
		builder = builder.Where(sq.Expr("equipment_on_owner_id IN (SELECT id FROM equipment_on_owner WHERE equipment_id = ?)", equipmentID))
	}
	return builder
}

func equipmentQuery(ids []int64) sq.SelectBuilder {
	return psql.Select("id", "name", "brand", "model", "price_per_day", "accessories").
		From("equipment").
		Where(sq.Eq{"id": ids}).
		OrderBy("id")
}

// ownersQuery selects the owner stock records of the equipment. Deleted
// records are loaded too so callers can report them; the checker skips them.
func ownersQuery(ids []int64, locationID int64, forUpdate bool) sq.SelectBuilder {
	builder := psql.Select("eo.id", "eo.equipment_id", "eo.owner_id", "ow.name", "l.id", "l.name", "eo.stock", "eo.deleted").
		From("equipment_on_owner eo").
		Join("owners ow ON ow.id = eo.owner_id").
		Join("locations l ON l.id = eo.location_id").
		Where(sq.Eq{"eo.equipment_id": ids})
	if locationID != 0 {
		builder = builder.Where(sq.Eq{"eo.location_id": locationID})
	}
	builder = builder.OrderBy("eo.id")
	if forUpdate {
		builder = builder.Suffix("FOR UPDATE OF eo")
	}
	return builder
}

func booksQuery(ownerIDs []int64) sq.SelectBuilder {
	return psql.Select("be.id", "be.book_id", "be.equipment_on_owner_id", "be.quantity",
		"b.start_date", "b.end_date", "b.pickup_hour", "b.working_days").
		From("book_on_equipment be").
		Join("books b ON b.id = be.book_id").
		Join("orders o ON o.book_id = b.id").
		Where(sq.Eq{"be.equipment_on_owner_id": ownerIDs}).
		Where(sq.NotEq{"o.status": booking.StatusCanceled}).
		OrderBy("be.id")
}

func loadEquipment(ctx context.Context, q Querier, ids []int64, locationID int64, forUpdate, withBooks bool) ([]rental.Equipment, error) {
	if len(ids) == 0 {
		return []rental.Equipment{}, nil
	}
	query, args, err := equipmentQuery(ids).ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build equipment: %w", err)
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (rental.Equipment, error) {
		var e rental.Equipment
		err := row.Scan(&e.ID, &e.Name, &e.Brand, &e.Model, &e.PricePerDay, &e.Accessories)
		e.Owners = []rental.EquipmentOnOwner{}
		return e, err
	})
	if err != nil {
		return nil, err
	}
	index := make(map[int64]int, len(list))
	for i, e := range list {
		index[e.ID] = i
	}

	query, args, err = ownersQuery(ids, locationID, forUpdate).ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build owners: %w", err)
	}
	rows, err = q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	owners, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (rental.EquipmentOnOwner, error) {
		var o rental.EquipmentOnOwner
		err := row.Scan(&o.ID, &o.EquipmentID, &o.OwnerID, &o.OwnerName, &o.Location.ID, &o.Location.Name, &o.Stock, &o.Deleted)
		o.Books = []rental.BookOnEquipment{}
		return o, err
	})
	if err != nil {
		return nil, err
	}

	if withBooks && len(owners) > 0 {
		ownerIDs := make([]int64, 0, len(owners))
		ownerIndex := make(map[int64]int, len(owners))
		for i, o := range owners {
			ownerIDs = append(ownerIDs, o.ID)
			ownerIndex[o.ID] = i
		}
		query, args, err = booksQuery(ownerIDs).ToSql()
		if err != nil {
			return nil, fmt.Errorf("store: build books: %w", err)
		}
		rows, err = q.Query(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		books, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (rental.BookOnEquipment, error) {
			var b rental.BookOnEquipment
			err := row.Scan(&b.ID, &b.BookID, &b.EquipmentOnOwnerID, &b.Quantity,
				&b.Book.StartDate, &b.Book.EndDate, &b.Book.PickupHour, &b.Book.WorkingDays)
			b.Book.ID = b.BookID
			return b, err
		})
		if err != nil {
			return nil, err
		}
		for _, b := range books {
			i := ownerIndex[b.EquipmentOnOwnerID]
			owners[i].Books = append(owners[i].Books, b)
		}
	}

	for _, o := range owners {
		if i, ok := index[o.EquipmentID]; ok {
			list[i].Owners = append(list[i].Owners, o)
		}
	}
	return list, nil
}

func findDiscount(ctx context.Context, q Querier, code string, forUpdate bool) (discount.Discount, error) {
	builder := psql.Select("id", "code", "rule_type", "rule_value", "starts_at", "ends_at",
		"usage_count", "usage_limit", "min_total", "location_ids").
		From("discounts").
		Where(sq.Expr("upper(code) = upper(?)", strings.TrimSpace(code)))
	if forUpdate {
		builder = builder.Suffix("FOR UPDATE")
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return discount.Discount{}, fmt.Errorf("store: build discount: %w", err)
	}
	var d discount.Discount
	err = q.QueryRow(ctx, query, args...).Scan(&d.ID, &d.Code, &d.Rule.Type, &d.Rule.Value, &d.StartsAt, &d.EndsAt,
		&d.UsageCount, &d.UsageLimit, &d.MinTotal, &d.LocationIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return discount.Discount{}, discount.ErrNotFound
	}
	return d, err
}

func getOrder(ctx context.Context, q Querier, id string, forUpdate bool) (booking.Order, error) {
	orderID, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return booking.Order{}, booking.ErrOrderNotFound
	}
	builder := psql.Select("o.id::text", "o.location_id", "o.status", "o.discount_id", "o.discount_code", "o.discount_type",
		"o.discount_value", "o.apply_to_sub", "o.subtotal", "o.total", "o.created_at",
		"b.id", "b.start_date", "b.end_date", "b.pickup_hour", "b.working_days").
		From("orders o").
		Join("books b ON b.id = o.book_id").
		Where(sq.Eq{"o.id": orderID.String()})
	if forUpdate {
		builder = builder.Suffix("FOR UPDATE OF o")
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return booking.Order{}, fmt.Errorf("store: build order: %w", err)
	}
	var (
		o              booking.Order
		code, typeName *string
		value          *float64
	)
	err = q.QueryRow(ctx, query, args...).Scan(&o.ID, &o.LocationID, &o.Status, &o.DiscountID, &code, &typeName,
		&value, &o.ApplyToSub, &o.Subtotal, &o.Total, &o.CreatedAt,
		&o.Book.ID, &o.Book.StartDate, &o.Book.EndDate, &o.Book.PickupHour, &o.Book.WorkingDays)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.Order{}, booking.ErrOrderNotFound
	}
	if err != nil {
		return booking.Order{}, err
	}
	if typeName != nil && value != nil {
		o.Discount = &pricing.Discount{TypeName: *typeName, Value: *value}
		if code != nil {
			o.Discount.Code = *code
		}
	}
	return o, nil
}

// discountColumns flattens the discount snapshot kept on the order.
func discountColumns(o booking.Order) (code, typeName *string, value *float64) {
	if o.Discount == nil {
		return nil, nil, nil
	}
	c, t, v := o.Discount.Code, o.Discount.TypeName, o.Discount.Value
	return &c, &t, &v
}
