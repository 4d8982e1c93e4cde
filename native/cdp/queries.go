package cdp

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Position returns the user's balances, debt and last restricted slot.
func (e *Engine) Position(user common.Address) Position {
	pos := Position{
		User:     user,
		Balances: make(map[common.Address]*uint256.Int),
		Debt:     e.state.debt(user),
		LastSlot: e.state.lastSlot[user],
	}
	for _, holding := range e.state.holdings(user) {
		pos.Balances[holding.Token] = holding.Amount
	}
	return pos
}

// Collateral returns a copy of a registered collateral type.
func (e *Engine) Collateral(token common.Address) (*CollateralType, error) {
	ct, ok := e.state.collateral(token)
	if !ok {
		return nil, ErrUnknownCollateral
	}
	return ct.Clone(), nil
}

// Collaterals returns every registered collateral type, enabled or not, in
// address order.
func (e *Engine) Collaterals() []*CollateralType {
	tokens := e.state.registered()
	out := make([]*CollateralType, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, e.state.collaterals[token].Clone())
	}
	return out
}

// EnabledCollaterals returns the enabled tokens in iteration order.
func (e *Engine) EnabledCollaterals() []common.Address {
	return e.state.tokens.list()
}

// Global returns a copy of the global counters.
func (e *Engine) Global() GlobalState {
	return e.state.global.Clone()
}

// Emergency returns a copy of the emergency record.
func (e *Engine) Emergency() EmergencyState {
	return e.state.emergency.Clone()
}

// HeldCollateral returns the amount of token in engine custody.
func (e *Engine) HeldCollateral(token common.Address) *uint256.Int {
	return e.state.heldOf(token)
}

// CollateralValueUSD returns the user's collateral value, answering from the
// cache while it is valid.
func (e *Engine) CollateralValueUSD(ctx context.Context, user common.Address) (*uint256.Int, error) {
	v, err := e.valuationOf(ctx, user, e.clock.Now().Time)
	if err != nil {
		return nil, err
	}
	return v.value, nil
}

// HealthFactor returns the user's 1e18-scaled health factor. Debt-free
// positions report the maximum uint256 value.
func (e *Engine) HealthFactor(ctx context.Context, user common.Address) (*uint256.Int, error) {
	debt := e.state.debt(user)
	if debt.IsZero() {
		return maxUint256(), nil
	}
	v, err := e.valuationOf(ctx, user, e.clock.Now().Time)
	if err != nil {
		return nil, err
	}
	return healthFactor(v, debt)
}

// MaxMintable returns the additional debt the user could take on before the
// health factor drops below 1, ignoring ceilings and rate windows.
func (e *Engine) MaxMintable(ctx context.Context, user common.Address) (*uint256.Int, error) {
	v, err := e.valuationOf(ctx, user, e.clock.Now().Time)
	if err != nil {
		return nil, err
	}
	capacity, err := maxDebtFor(v)
	if err != nil {
		return nil, err
	}
	return subFloor(capacity, e.state.debt(user)), nil
}

// Users returns every user with a recorded balance or debt in address order.
func (e *Engine) Users() []common.Address {
	seen := make(map[common.Address]struct{})
	for key := range e.state.balances {
		seen[key.user] = struct{}{}
	}
	for user := range e.state.debts {
		seen[user] = struct{}{}
	}
	out := make([]common.Address, 0, len(seen))
	for user := range seen {
		out = append(out, user)
	}
	sortAddresses(out)
	return out
}
