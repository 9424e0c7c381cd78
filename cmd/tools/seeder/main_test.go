package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-rental/internal/config"
)

func TestDefaultSeedMatchesPolicy(t *testing.T) {
	data := defaultSeed()
	policy := config.DefaultPolicy()
	planner := policy.Planner()
	require.NoError(t, planner.Validate(data.Owners...))

	locations := map[string]bool{}
	for _, l := range data.Locations {
		locations[l] = true
	}
	owners := map[string]bool{}
	for _, o := range data.Owners {
		owners[o] = true
	}
	for _, eq := range data.Equipment {
		require.Positive(t, eq.PricePerDay, eq.Name)
		for _, s := range eq.Stock {
			require.True(t, owners[s.Owner], "%s: owner %s", eq.Name, s.Owner)
			require.True(t, locations[s.Location], "%s: location %s", eq.Name, s.Location)
			require.Positive(t, s.Stock)
		}
	}
}

func TestStockInsertUpserts(t *testing.T) {
	query, args, err := stockInsert(1, 2, 3, 4)
	require.NoError(t, err)
	require.Contains(t, query, "ON CONFLICT (equipment_id, owner_id, location_id)")
	require.Equal(t, []any{int64(1), int64(2), int64(3), 4}, args)
}

func TestDiscountInsertKeepsExisting(t *testing.T) {
	query, args, err := discountInsert(seedDiscount{Code: "X", Type: "FIXED", Value: 5})
	require.NoError(t, err)
	require.Contains(t, query, "DO NOTHING")
	require.Len(t, args, 5)
}
