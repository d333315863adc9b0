// Package matchselector implements the Match Selector algorithm of §4.6:
// given a snapshot of Orders and a set of locked PDAs, produce a
// prioritized list of MatchCandidates. Grounded on core/engine.go's
// position/signal filtering loops, generalized into a two-sided
// cross-product. Pure algorithm, no third-party dependency.
package matchselector

import (
	"sort"

	"github.com/confidex/crank/internal/orderaccount"
)

// MatchCandidate is an in-memory, ephemeral pairing of a buy and sell
// order sharing a pair (§3).
type MatchCandidate struct {
	BuyPda    string
	SellPda   string
	BuyOrder  *orderaccount.Order
	SellOrder *orderaccount.Order
	PairPda   string
}

// OpenOrder pairs a decoded Order with its account PDA.
type OpenOrder struct {
	Pda   string
	Order *orderaccount.Order
}

func eligible(o *orderaccount.Order, locked map[string]struct{}, pda string) bool {
	if o.Status != orderaccount.StatusActive {
		return false
	}
	if !o.EligibilityProofVerified {
		return false
	}
	if o.IsMatching {
		return false
	}
	if _, isLocked := locked[pda]; isLocked {
		return false
	}
	return true
}

// Select applies the §4.6 filters, groups by pair, and returns up to
// maxConcurrentMatches candidates ordered by buy.createdAtHour asc, then
// sell.createdAtHour asc (stable), excluding same-maker pairs (P1, B4).
func Select(orders []OpenOrder, locked map[string]struct{}, maxConcurrentMatches int) []MatchCandidate {
	byPair := make(map[[32]byte]struct {
		buys  []OpenOrder
		sells []OpenOrder
	})

	for _, oo := range orders {
		if !eligible(oo.Order, locked, oo.Pda) {
			continue
		}
		bucket := byPair[oo.Order.Pair]
		switch oo.Order.Side {
		case orderaccount.SideBuy:
			bucket.buys = append(bucket.buys, oo)
		case orderaccount.SideSell:
			bucket.sells = append(bucket.sells, oo)
		}
		byPair[oo.Order.Pair] = bucket
	}

	var candidates []MatchCandidate
	for pair, bucket := range byPair {
		if len(bucket.buys) == 0 || len(bucket.sells) == 0 {
			continue
		}
		sortByCreatedAtHour(bucket.buys)
		sortByCreatedAtHour(bucket.sells)

		for _, buy := range bucket.buys {
			for _, sell := range bucket.sells {
				if buy.Order.Maker == sell.Order.Maker {
					continue
				}
				candidates = append(candidates, MatchCandidate{
					BuyPda:    buy.Pda,
					SellPda:   sell.Pda,
					BuyOrder:  buy.Order,
					SellOrder: sell.Order,
					PairPda:   pdaKeyString(pair),
				})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].BuyOrder.CreatedAtHour != candidates[j].BuyOrder.CreatedAtHour {
			return candidates[i].BuyOrder.CreatedAtHour < candidates[j].BuyOrder.CreatedAtHour
		}
		return candidates[i].SellOrder.CreatedAtHour < candidates[j].SellOrder.CreatedAtHour
	})

	if maxConcurrentMatches > 0 && len(candidates) > maxConcurrentMatches {
		candidates = candidates[:maxConcurrentMatches]
	}
	return candidates
}

func sortByCreatedAtHour(orders []OpenOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].Order.CreatedAtHour < orders[j].Order.CreatedAtHour
	})
}

func pdaKeyString(pair [32]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, len(pair)*2)
	for _, b := range pair {
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return string(out)
}
