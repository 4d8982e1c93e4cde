package cdp

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ModuleName identifies the engine to pause views.
const ModuleName = "cdp"

// CollateralType holds the risk parameters and running totals of one accepted
// collateral token.
type CollateralType struct {
	Token                   common.Address
	LiquidationThresholdPct uint64
	DebtCeiling             *uint256.Int
	TotalDebtMinted         *uint256.Int
	StabilityFeeRateBps     uint64
	FeeAccumulator          *uint256.Int
	LastFeeAccrualTime      uint64
	Enabled                 bool
}

// Clone returns a deep copy of the collateral type.
func (c *CollateralType) Clone() *CollateralType {
	if c == nil {
		return nil
	}
	clone := *c
	clone.DebtCeiling = copyOrZero(c.DebtCeiling)
	clone.TotalDebtMinted = copyOrZero(c.TotalDebtMinted)
	clone.FeeAccumulator = copyOrZero(c.FeeAccumulator)
	return &clone
}

// Position is the read model of a user's vault.
type Position struct {
	User     common.Address
	Balances map[common.Address]*uint256.Int
	Debt     *uint256.Int
	LastSlot uint64
}

// GlobalState aggregates protocol-wide counters.
type GlobalState struct {
	TotalDebtIssued   *uint256.Int
	GlobalDebtCeiling *uint256.Int
	TotalBadDebt      *uint256.Int
	ProtocolRevenue   *uint256.Int
	Paused            bool
}

// Clone returns a deep copy of the global counters.
func (g GlobalState) Clone() GlobalState {
	return GlobalState{
		TotalDebtIssued:   copyOrZero(g.TotalDebtIssued),
		GlobalDebtCeiling: copyOrZero(g.GlobalDebtCeiling),
		TotalBadDebt:      copyOrZero(g.TotalBadDebt),
		ProtocolRevenue:   copyOrZero(g.ProtocolRevenue),
		Paused:            g.Paused,
	}
}

// RateLimitKind selects one of the per-user rolling windows.
type RateLimitKind uint8

const (
	RateLimitMint RateLimitKind = iota + 1
	RateLimitWithdraw
)

func (k RateLimitKind) String() string {
	switch k {
	case RateLimitMint:
		return "mint"
	case RateLimitWithdraw:
		return "withdraw"
	default:
		return "unknown"
	}
}

// ParseRateLimitKind maps a textual kind onto its identifier.
func ParseRateLimitKind(s string) (RateLimitKind, error) {
	switch s {
	case "mint":
		return RateLimitMint, nil
	case "withdraw":
		return RateLimitWithdraw, nil
	default:
		return 0, ErrUnknownRateLimitKind
	}
}

// RateLimitWindow tracks usage since WindowResetTime. Mint windows count
// synthetic units; withdraw windows count USD value.
type RateLimitWindow struct {
	AmountUsedInWindow *uint256.Int
	WindowResetTime    uint64
}

// CachedValuation memoizes a user's collateral value together with the
// threshold-weighted sum used by the health factor.
type CachedValuation struct {
	Value             *uint256.Int
	ThresholdWeighted *uint256.Int
	Timestamp         uint64
}

// TokenAmount pairs a token with an amount.
type TokenAmount struct {
	Token  common.Address
	Amount *uint256.Int
}

// EmergencyState records the global settlement snapshot.
type EmergencyState struct {
	ShutdownActive       bool
	SettlementPrice      *uint256.Int
	SettlementTime       uint64
	TotalDebtAtShutdown  *uint256.Int
	CollateralAtShutdown []TokenAmount
}

// Clone returns a deep copy of the emergency record.
func (s EmergencyState) Clone() EmergencyState {
	out := EmergencyState{
		ShutdownActive:      s.ShutdownActive,
		SettlementPrice:     copyOrZero(s.SettlementPrice),
		SettlementTime:      s.SettlementTime,
		TotalDebtAtShutdown: copyOrZero(s.TotalDebtAtShutdown),
	}
	if len(s.CollateralAtShutdown) > 0 {
		out.CollateralAtShutdown = make([]TokenAmount, len(s.CollateralAtShutdown))
		for i, entry := range s.CollateralAtShutdown {
			out.CollateralAtShutdown[i] = TokenAmount{Token: entry.Token, Amount: copyOrZero(entry.Amount)}
		}
	}
	return out
}

func (s EmergencyState) snapshotOf(token common.Address) *uint256.Int {
	for _, entry := range s.CollateralAtShutdown {
		if entry.Token == token {
			return copyOrZero(entry.Amount)
		}
	}
	return zero()
}

// LiquidationResult describes an executed liquidation.
type LiquidationResult struct {
	User             common.Address
	Liquidator       common.Address
	Collateral       common.Address
	DebtRequested    *uint256.Int
	DebtCovered      *uint256.Int
	CollateralSeized *uint256.Int
	Bonus            *uint256.Int
	Price            *uint256.Int
	HealthFactor     *uint256.Int
	BadDebt          *uint256.Int
}

// SettlementResult describes a user's emergency claim.
type SettlementResult struct {
	User       common.Address
	DebtBurned *uint256.Int
	Payouts    []TokenAmount
}

// Moment is the host's notion of the current time: a discrete slot and its
// wall-clock timestamp in unix seconds.
type Moment struct {
	Slot uint64
	Time uint64
}

// Event is emitted for every committed state transition.
type Event struct {
	ID         uuid.UUID
	Type       string
	Time       uint64
	Attributes map[string]string
}

const (
	EventTypeDeposit           = "cdp.deposit"
	EventTypeWithdraw          = "cdp.withdraw"
	EventTypeMint              = "cdp.mint"
	EventTypeRepay             = "cdp.repay"
	EventTypeLiquidation       = "cdp.liquidation"
	EventTypeBadDebt           = "cdp.bad_debt"
	EventTypeFeeAccrued        = "cdp.fee_accrued"
	EventTypeShutdown          = "cdp.shutdown"
	EventTypeSettlement        = "cdp.settlement"
	EventTypeCollateralAdded   = "cdp.collateral_added"
	EventTypeCollateralRemoved = "cdp.collateral_removed"
	EventTypeParamsUpdated     = "cdp.params_updated"
	EventTypeRevenueWithdrawn  = "cdp.revenue_withdrawn"
)
