package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(dd int) time.Time {
	return time.Date(2026, 2, dd, 0, 0, 0, 0, time.UTC)
}

// testSnapshot models an order of 10 FG-100/P-1 with 6 produced (earliest
// 2026-02-03) and 4 delivered, leaving stock 2.
func testSnapshot() *orderSnapshot {
	k := aggKey{"FG-100", "P-1"}
	return &orderSnapshot{
		voucherNo: "SO-2026-000001",
		orderDate: day(1),
		aggs: map[aggKey]FulfillmentAggregate{
			k: {
				VoucherNo: "SO-2026-000001",
				ProductNo: "FG-100",
				PartNo:    "P-1",
				Ordered:   d("10"),
				Produced:  d("6"),
				Delivered: d("4"),
				Stock:     d("2"),
			},
		},
		prodFloor: map[aggKey]time.Time{k: day(3)},
	}
}

func posting(qty, date string) PostingInput {
	return PostingInput{ProductNo: "FG-100", PartNo: "P-1", PostingDate: date, Qty: d(qty)}
}

func TestCheckPostingsProduction(t *testing.T) {
	eng := &fulfillmentLedger{kind: kindProduction}
	snap := testSnapshot()

	t.Run("within remaining capacity", func(t *testing.T) {
		errs := eng.checkPostings(snap, []PostingInput{posting("4", "2026-02-10")}, false)
		assert.NoError(t, errs[0])
	})

	t.Run("overshoot names the limiting quantity", func(t *testing.T) {
		errs := eng.checkPostings(snap, []PostingInput{posting("5", "2026-02-10")}, false)
		require.Error(t, errs[0])
		assert.Contains(t, errs[0].Error(), "exceeds remaining orderable quantity 4")
	})

	t.Run("quantities accumulate across the request", func(t *testing.T) {
		errs := eng.checkPostings(snap, []PostingInput{
			posting("3", "2026-02-10"),
			posting("2", "2026-02-11"),
		}, false)
		assert.NoError(t, errs[0])
		require.Error(t, errs[1])
		assert.Contains(t, errs[1].Error(), "line 2")
	})

	t.Run("unknown key is rejected", func(t *testing.T) {
		p := posting("1", "2026-02-10")
		p.ProductNo = "FG-999"
		errs := eng.checkPostings(snap, []PostingInput{p}, false)
		require.Error(t, errs[0])
		assert.Contains(t, errs[0].Error(), "no line for FG-999/P-1")
	})

	t.Run("date before order date is rejected", func(t *testing.T) {
		errs := eng.checkPostings(snap, []PostingInput{posting("1", "2026-01-31")}, false)
		require.Error(t, errs[0])
		assert.Contains(t, errs[0].Error(), "precedes order date")
	})
}

func TestCheckPostingsDelivery(t *testing.T) {
	eng := &fulfillmentLedger{kind: kindDelivery}
	snap := testSnapshot()

	t.Run("within stock", func(t *testing.T) {
		errs := eng.checkPostings(snap, []PostingInput{posting("2", "2026-02-12")}, false)
		assert.NoError(t, errs[0])
	})

	t.Run("overshoot beyond produced is rejected", func(t *testing.T) {
		errs := eng.checkPostings(snap, []PostingInput{posting("3", "2026-02-12")}, false)
		require.Error(t, errs[0])
		assert.Contains(t, errs[0].Error(), "exceeds deliverable quantity 2")
	})

	t.Run("date before first production is rejected", func(t *testing.T) {
		errs := eng.checkPostings(snap, []PostingInput{posting("1", "2026-02-02")}, false)
		require.Error(t, errs[0])
		assert.Contains(t, errs[0].Error(), "precedes first production date")
	})

	t.Run("key with no production is rejected", func(t *testing.T) {
		bare := testSnapshot()
		bare.prodFloor = map[aggKey]time.Time{}
		errs := eng.checkPostings(bare, []PostingInput{posting("1", "2026-02-12")}, false)
		require.Error(t, errs[0])
		assert.Contains(t, errs[0].Error(), "no production posted")
	})

	t.Run("previous quantity hint offsets an edited line", func(t *testing.T) {
		prev := d("4")
		p := posting("4", "2026-02-12")
		p.PrevQty = &prev
		errs := eng.checkPostings(snap, []PostingInput{p}, true)
		assert.NoError(t, errs[0])
	})
}

func TestMergePostings(t *testing.T) {
	merged, deltas := mergePostings([]PostingInput{
		posting("3", "2026-02-10"),
		posting("2", "2026-02-10"),
		posting("1", "2026-02-11"),
		{ProductNo: "FG-200", PartNo: "P-2", PostingDate: "2026-02-10", Qty: d("7")},
	})

	require.Len(t, merged, 3)
	assert.Equal(t, "FG-100", merged[0].ProductNo)
	assert.Equal(t, "2026-02-10", merged[0].PostingDate)
	assert.True(t, merged[0].Qty.Equal(d("5")), "repeated keys sum, got %s", merged[0].Qty)
	assert.True(t, merged[1].Qty.Equal(d("1")))
	assert.Equal(t, "FG-200", merged[2].ProductNo)

	assert.True(t, deltas[aggKey{"FG-100", "P-1"}].Equal(d("6")))
	assert.True(t, deltas[aggKey{"FG-200", "P-2"}].Equal(d("7")))
}

func TestCheckShrinkFloor(t *testing.T) {
	aggs := []FulfillmentAggregate{{
		ProductNo: "FG-100",
		PartNo:    "P-1",
		Ordered:   d("10"),
		Produced:  d("6"),
		Delivered: d("4"),
		Stock:     d("2"),
	}}
	line := func(qty string) OrderLineInput {
		return OrderLineInput{LineNo: 1, ProductNo: "FG-100", PartNo: "P-1", Qty: d(qty)}
	}

	assert.NoError(t, checkShrinkFloor([]OrderLineInput{line("6")}, aggs))
	assert.NoError(t, checkShrinkFloor([]OrderLineInput{line("12")}, aggs))

	err := checkShrinkFloor([]OrderLineInput{line("3")}, aggs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below fulfilled quantity 6")

	err = checkShrinkFloor([]OrderLineInput{{LineNo: 1, ProductNo: "FG-999", PartNo: "P-9", Qty: d("5")}}, aggs)
	require.Error(t, err, "dropping a fulfilled key shrinks it to zero")
}
