package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-rental/internal/obs"
	"github.com/noah-isme/backend-rental/internal/store"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type seedStock struct {
	Owner    string
	Location string
	Stock    int
}

type seedEquipment struct {
	Name        string
	Brand       string
	Model       string
	PricePerDay float64
	Stock       []seedStock
}

type seedDiscount struct {
	Code       string
	Type       string
	Value      float64
	UsageLimit *int
	MinTotal   float64
}

type seedData struct {
	Locations []string
	Owners    []string
	Equipment []seedEquipment
	Discounts []seedDiscount
}

func defaultSeed() seedData {
	limit := 100
	return seedData{
		Locations: []string{"Madrid", "Barcelona"},
		Owners:    []string{"Both", "Federico", "Oscar", "Sub"},
		Equipment: []seedEquipment{
			{Name: "Cinema camera", Brand: "Sony", Model: "FX6", PricePerDay: 180, Stock: []seedStock{
				{Owner: "Both", Location: "Madrid", Stock: 1},
				{Owner: "Federico", Location: "Madrid", Stock: 1},
				{Owner: "Sub", Location: "Madrid", Stock: 2},
				{Owner: "Oscar", Location: "Barcelona", Stock: 1},
			}},
			{Name: "Prime lens set", Brand: "Zeiss", Model: "CP.3", PricePerDay: 120, Stock: []seedStock{
				{Owner: "Oscar", Location: "Madrid", Stock: 1},
				{Owner: "Sub", Location: "Barcelona", Stock: 1},
			}},
			{Name: "Tripod", Brand: "Sachtler", Model: "Flowtech 75", PricePerDay: 25, Stock: []seedStock{
				{Owner: "Federico", Location: "Madrid", Stock: 3},
				{Owner: "Both", Location: "Barcelona", Stock: 2},
			}},
			{Name: "LED panel", Brand: "Aputure", Model: "Nova P300c", PricePerDay: 60, Stock: []seedStock{
				{Owner: "Both", Location: "Madrid", Stock: 2},
				{Owner: "Oscar", Location: "Madrid", Stock: 2},
			}},
		},
		Discounts: []seedDiscount{
			{Code: "WELCOME10", Type: "PERCENTAGE", Value: 10, UsageLimit: &limit},
			{Code: "FIXED25", Type: "FIXED", Value: 25, MinTotal: 100},
		},
	}
}

func main() {
	_ = godotenv.Load()
	logger := obs.NewLogger("console", "info", "rental-seeder")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Fatal().Msg("DATABASE_URL is not set")
	}
	if err := store.Migrate(dbURL); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return seed(ctx, tx, defaultSeed(), logger)
	}); err != nil {
		logger.Fatal().Err(err).Msg("seed failed")
	}
	logger.Info().Msg("seeding completed")
}

func seed(ctx context.Context, tx pgx.Tx, data seedData, logger zerolog.Logger) error {
	locations, err := upsertNames(ctx, tx, "locations", data.Locations)
	if err != nil {
		return err
	}
	owners, err := upsertNames(ctx, tx, "owners", data.Owners)
	if err != nil {
		return err
	}
	for _, eq := range data.Equipment {
		id, err := upsertEquipment(ctx, tx, eq)
		if err != nil {
			return err
		}
		for _, s := range eq.Stock {
			query, args, err := stockInsert(id, owners[s.Owner], locations[s.Location], s.Stock)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return fmt.Errorf("seed stock %s/%s: %w", eq.Name, s.Owner, err)
			}
		}
		logger.Info().Str("equipment", eq.Name).Int("owners", len(eq.Stock)).Msg("seeded equipment")
	}
	for _, d := range data.Discounts {
		query, args, err := discountInsert(d)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("seed discount %s: %w", d.Code, err)
		}
	}
	logger.Info().Int("discounts", len(data.Discounts)).Msg("seeded discounts")
	return nil
}

func upsertNames(ctx context.Context, tx pgx.Tx, table string, names []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(names))
	for _, name := range names {
		query, args, err := psql.Insert(table).
			Columns("name").
			Values(name).
			Suffix("ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name RETURNING id").
			ToSql()
		if err != nil {
			return nil, err
		}
		var id int64
		if err := tx.QueryRow(ctx, query, args...).Scan(&id); err != nil {
			return nil, fmt.Errorf("seed %s %q: %w", table, name, err)
		}
		ids[name] = id
	}
	return ids, nil
}

func upsertEquipment(ctx context.Context, tx pgx.Tx, eq seedEquipment) (int64, error) {
	var id int64
	query, args, err := psql.Select("id").From("equipment").
		Where(sq.Eq{"name": eq.Name, "model": eq.Model}).
		Limit(1).
		ToSql()
	if err != nil {
		return 0, err
	}
	err = tx.QueryRow(ctx, query, args...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	query, args, err = psql.Insert("equipment").
		Columns("name", "brand", "model", "price_per_day").
		Values(eq.Name, eq.Brand, eq.Model, eq.PricePerDay).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, err
	}
	if err := tx.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("seed equipment %q: %w", eq.Name, err)
	}
	return id, nil
}

func stockInsert(equipmentID, ownerID, locationID int64, stock int) (string, []any, error) {
	return psql.Insert("equipment_on_owner").
		Columns("equipment_id", "owner_id", "location_id", "stock").
		Values(equipmentID, ownerID, locationID, stock).
		Suffix("ON CONFLICT (equipment_id, owner_id, location_id) DO UPDATE SET stock = EXCLUDED.stock, deleted = FALSE").
		ToSql()
}

func discountInsert(d seedDiscount) (string, []any, error) {
	return psql.Insert("discounts").
		Columns("code", "rule_type", "rule_value", "usage_limit", "min_total").
		Values(d.Code, d.Type, d.Value, d.UsageLimit, d.MinTotal).
		Suffix("ON CONFLICT ((upper(code))) DO NOTHING").
		ToSql()
}
