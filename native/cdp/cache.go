package cdp

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// cachedValuation returns the user's memoized valuation while it is within
// the TTL.
func (e *Engine) cachedValuation(user common.Address, now uint64) (valuation, bool) {
	entry, ok := e.state.cache[user]
	if !ok || entry.Value == nil {
		return valuation{}, false
	}
	if now > entry.Timestamp+e.cfg.CacheTTLSeconds {
		return valuation{}, false
	}
	return valuation{value: copyOrZero(entry.Value), weighted: copyOrZero(entry.ThresholdWeighted)}, true
}

// valuationOf answers from the cache and falls back to the oracle on a miss
// or expiry. It never writes the cache.
func (e *Engine) valuationOf(ctx context.Context, user common.Address, now uint64) (valuation, error) {
	if cached, ok := e.cachedValuation(user, now); ok {
		return cached, nil
	}
	return e.valuate(ctx, e.state.holdings(user))
}

// RefreshValuation recomputes the user's collateral value from the oracle and
// stores it in the cache. It is the only writer of cache entries; every
// mutation of the user's collateral or debt invalidates the entry.
func (e *Engine) RefreshValuation(ctx context.Context, user common.Address) error {
	return e.execute(ctx, opScope{name: "refresh_valuation", user: user}, func(ctx context.Context, tx *txn) error {
		holdings := tx.state.holdings(user)
		if err := e.requireFresh(ctx, holdings); err != nil {
			return err
		}
		v, err := e.valuate(ctx, holdings)
		if err != nil {
			return err
		}
		tx.setCache(user, CachedValuation{Value: v.value, ThresholdWeighted: v.weighted, Timestamp: tx.now.Time})
		return nil
	})
}
