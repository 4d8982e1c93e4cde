package cdp

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Oracle prices collateral in 1e18-scaled USD.
type Oracle interface {
	// USDValue may answer from the last good price.
	USDValue(ctx context.Context, token common.Address, amount *uint256.Int) (*uint256.Int, error)
	// UpdateAndGetUSDValue forces a fresh read.
	UpdateAndGetUSDValue(ctx context.Context, token common.Address, amount *uint256.Int) (*uint256.Int, error)
	IsStale(ctx context.Context, token common.Address) bool
}

// RewardManager receives signed USD deltas of a user's collateral.
type RewardManager interface {
	HandleCollateralChange(ctx context.Context, user common.Address, usdDelta *big.Int) error
}

// SyntheticToken is the pegged asset the engine alone may mint and burn.
type SyntheticToken interface {
	Mint(ctx context.Context, to common.Address, amount *uint256.Int) error
	Burn(ctx context.Context, from common.Address, amount *uint256.Int) error
}

// CollateralVault moves collateral tokens between users and engine custody.
type CollateralVault interface {
	TransferIn(ctx context.Context, token, from common.Address, amount *uint256.Int) error
	TransferOut(ctx context.Context, token, to common.Address, amount *uint256.Int) error
}

// Capability names a privilege a caller must hold.
type Capability string

const (
	CapGovernance Capability = "governance"
	CapEmergency  Capability = "emergency"
)

// Authorizer checks that the caller bound to ctx holds a capability.
type Authorizer interface {
	Authorize(ctx context.Context, capability Capability) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, capability Capability) error

func (f AuthorizerFunc) Authorize(ctx context.Context, capability Capability) error {
	return f(ctx, capability)
}

// EventSink receives committed events.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// Store persists committed change sets and reloads the full state.
type Store interface {
	Load(ctx context.Context) (*ChangeSet, error)
	Commit(ctx context.Context, changes *ChangeSet) error
}

// Clock reports the current slot and time.
type Clock interface {
	Now() Moment
}

// SlotClock derives slots from wall-clock time.
type SlotClock struct {
	SlotDuration time.Duration
	Source       func() time.Time
}

func (c SlotClock) Now() Moment {
	source := c.Source
	if source == nil {
		source = time.Now
	}
	now := source()
	duration := c.SlotDuration
	if duration <= 0 {
		duration = time.Second
	}
	return Moment{
		Slot: uint64(now.UnixNano() / int64(duration)),
		Time: uint64(now.Unix()),
	}
}

type denyAll struct{}

func (denyAll) Authorize(context.Context, Capability) error { return ErrUnauthorized }

type noopSink struct{}

func (noopSink) Emit(context.Context, Event) {}
