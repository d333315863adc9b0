package matchselector

import (
	"testing"

	"github.com/confidex/crank/internal/orderaccount"
)

func order(maker byte, pair byte, side orderaccount.Side, createdAt uint64, active, verified, matching bool) *orderaccount.Order {
	o := &orderaccount.Order{
		Side:                     side,
		CreatedAtHour:            createdAt,
		EligibilityProofVerified: verified,
		IsMatching:               matching,
	}
	o.Maker[0] = maker
	o.Pair[0] = pair
	if active {
		o.Status = orderaccount.StatusActive
	} else {
		o.Status = orderaccount.StatusFilled
	}
	return o
}

func TestSelectExcludesSameMaker(t *testing.T) {
	// P1: Buy.maker != Sell.maker
	buy := order(1, 9, orderaccount.SideBuy, 100, true, true, false)
	sell := order(1, 9, orderaccount.SideSell, 101, true, true, false)

	got := Select([]OpenOrder{{Pda: "buy-1", Order: buy}, {Pda: "sell-1", Order: sell}}, nil, 10)
	if len(got) != 0 {
		t.Fatalf("expected same-maker pair to be excluded, got %d candidates", len(got))
	}
}

func TestSelectIncludesDifferentMakerActiveVerified(t *testing.T) {
	buy := order(1, 9, orderaccount.SideBuy, 100, true, true, false)
	sell := order(2, 9, orderaccount.SideSell, 101, true, true, false)

	got := Select([]OpenOrder{{Pda: "buy-1", Order: buy}, {Pda: "sell-1", Order: sell}}, nil, 10)
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if got[0].BuyOrder.Maker != buy.Maker || got[0].SellOrder.Maker != sell.Maker {
		t.Fatal("expected buy/sell orders to round-trip through the candidate")
	}
}

func TestSelectExcludesLockedOrders(t *testing.T) {
	buy := order(1, 9, orderaccount.SideBuy, 100, true, true, false)
	sell := order(2, 9, orderaccount.SideSell, 101, true, true, false)

	locked := map[string]struct{}{"buy-1": {}}
	got := Select([]OpenOrder{{Pda: "buy-1", Order: buy}, {Pda: "sell-1", Order: sell}}, locked, 10)
	if len(got) != 0 {
		t.Fatalf("expected locked buy order to exclude the candidate, got %d", len(got))
	}
}

func TestSelectExcludesInactiveOrUnverifiedOrMatching(t *testing.T) {
	inactive := order(1, 9, orderaccount.SideBuy, 100, false, true, false)
	unverified := order(1, 9, orderaccount.SideBuy, 100, true, false, false)
	matching := order(1, 9, orderaccount.SideBuy, 100, true, true, true)
	sell := order(2, 9, orderaccount.SideSell, 101, true, true, false)

	for _, buy := range []*orderaccount.Order{inactive, unverified, matching} {
		got := Select([]OpenOrder{{Pda: "buy", Order: buy}, {Pda: "sell", Order: sell}}, nil, 10)
		if len(got) != 0 {
			t.Fatalf("expected order to be filtered out, got %d candidates", len(got))
		}
	}
}

func TestSelectReturnsEmptyWithZeroSellOrders(t *testing.T) {
	// B4
	buy := order(1, 9, orderaccount.SideBuy, 100, true, true, false)
	got := Select([]OpenOrder{{Pda: "buy-1", Order: buy}}, nil, 10)
	if len(got) != 0 {
		t.Fatalf("expected 0 candidates with zero sell orders, got %d", len(got))
	}
}

func TestSelectOrdersByCreatedAtHourFIFO(t *testing.T) {
	buyLate := order(1, 9, orderaccount.SideBuy, 200, true, true, false)
	buyEarly := order(2, 9, orderaccount.SideBuy, 100, true, true, false)
	sell := order(3, 9, orderaccount.SideSell, 50, true, true, false)

	got := Select([]OpenOrder{
		{Pda: "buy-late", Order: buyLate},
		{Pda: "buy-early", Order: buyEarly},
		{Pda: "sell-1", Order: sell},
	}, nil, 10)

	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].BuyOrder.CreatedAtHour != 100 {
		t.Fatalf("expected earliest buy first, got createdAtHour=%d", got[0].BuyOrder.CreatedAtHour)
	}
}

func TestSelectCapsAtMaxConcurrentMatches(t *testing.T) {
	var orders []OpenOrder
	for i := 0; i < 5; i++ {
		orders = append(orders, OpenOrder{Pda: "buy", Order: order(byte(i), 9, orderaccount.SideBuy, uint64(i), true, true, false)})
	}
	orders = append(orders, OpenOrder{Pda: "sell", Order: order(99, 9, orderaccount.SideSell, 1000, true, true, false)})

	got := Select(orders, nil, 2)
	if len(got) != 2 {
		t.Fatalf("expected candidates capped to maxConcurrentMatches=2, got %d", len(got))
	}
}
