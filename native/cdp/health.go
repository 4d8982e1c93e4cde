package cdp

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// valuation is a user's collateral value and the threshold-weighted sum
// Σ(value_i · thresholdPct_i) over the same holdings.
type valuation struct {
	value    *uint256.Int
	weighted *uint256.Int
}

// valuate prices the enabled collateral among holdings with the oracle's
// regular read path.
func (e *Engine) valuate(ctx context.Context, holdings []TokenAmount) (valuation, error) {
	out := valuation{value: zero(), weighted: zero()}
	for _, holding := range holdings {
		ct, ok := e.state.collateral(holding.Token)
		if !ok || !ct.Enabled || isZero(holding.Amount) {
			continue
		}
		usd, err := e.oracle.USDValue(ctx, holding.Token, holding.Amount)
		if err != nil {
			return valuation{}, fmt.Errorf("%w: %s: %v", ErrOracleUnavailable, holding.Token.Hex(), err)
		}
		if out.value, err = add(out.value, usd); err != nil {
			return valuation{}, err
		}
		scaled, err := mul(usd, uint256.NewInt(ct.LiquidationThresholdPct))
		if err != nil {
			return valuation{}, err
		}
		if out.weighted, err = add(out.weighted, scaled); err != nil {
			return valuation{}, err
		}
	}
	return out, nil
}

// requireFresh rejects the operation when any enabled collateral among
// holdings has a stale price.
func (e *Engine) requireFresh(ctx context.Context, holdings []TokenAmount) error {
	for _, holding := range holdings {
		ct, ok := e.state.collateral(holding.Token)
		if !ok || !ct.Enabled || isZero(holding.Amount) {
			continue
		}
		if e.oracle.IsStale(ctx, holding.Token) {
			return fmt.Errorf("%w: %s", ErrStalePrice, holding.Token.Hex())
		}
	}
	return nil
}

// healthFactor computes (value·100/debt)·PRECISION / weightedAvgThreshold,
// where weightedAvgThreshold = weighted/value. Zero debt yields the maximum
// representable value.
func healthFactor(v valuation, debt *uint256.Int) (*uint256.Int, error) {
	if isZero(debt) {
		return maxUint256(), nil
	}
	if isZero(v.value) || isZero(v.weighted) {
		return zero(), nil
	}
	scaled, err := mul(v.value, uint256.NewInt(percentScale))
	if err != nil {
		return nil, err
	}
	ratio, err := mulDiv(scaled, Precision, debt)
	if err != nil {
		return nil, err
	}
	return mulDiv(ratio, v.value, v.weighted)
}

// maxDebtFor returns the largest debt the valuation supports at a health
// factor of exactly 1.
func maxDebtFor(v valuation) (*uint256.Int, error) {
	if isZero(v.value) || isZero(v.weighted) {
		return zero(), nil
	}
	scaled, err := mul(v.value, uint256.NewInt(percentScale))
	if err != nil {
		return nil, err
	}
	return mulDiv(scaled, v.value, v.weighted)
}

// withBalance returns holdings with token's amount replaced.
func withBalance(holdings []TokenAmount, token common.Address, amount *uint256.Int) []TokenAmount {
	out := make([]TokenAmount, 0, len(holdings)+1)
	found := false
	for _, holding := range holdings {
		if holding.Token == token {
			found = true
			holding = TokenAmount{Token: token, Amount: copyOrZero(amount)}
		}
		out = append(out, holding)
	}
	if !found {
		out = append(out, TokenAmount{Token: token, Amount: copyOrZero(amount)})
	}
	return out
}

// requireHealthy gates a state that would carry debt against v.
func (e *Engine) requireHealthy(v valuation, debt *uint256.Int) error {
	hf, err := healthFactor(v, debt)
	if err != nil {
		return err
	}
	healthy := !hf.Lt(Precision)
	e.metrics.RecordHealthCheck(healthy)
	if !healthy {
		return ErrUnhealthyPosition
	}
	return nil
}
