package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"usq/native/cdp"
)

const maxBodyBytes = 1 << 20

var errInvalidAddress = errors.New("invalid address")

type positionRequest struct {
	Collateral string `json:"collateral"`
	Amount     string `json:"amount"`
}

type liquidateRequest struct {
	User        string `json:"user"`
	Collateral  string `json:"collateral"`
	DebtToCover string `json:"debtToCover"`
}

type addCollateralRequest struct {
	Token                   string `json:"token"`
	LiquidationThresholdPct uint64 `json:"liquidationThresholdPct"`
	DebtCeiling             string `json:"debtCeiling"`
	StabilityFeeRateBps     uint64 `json:"stabilityFeeRateBps"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type feeRateRequest struct {
	StabilityFeeRateBps uint64 `json:"stabilityFeeRateBps"`
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

type revenueRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type overrideRequest struct {
	Token string    `json:"token"`
	Until time.Time `json:"until"`
	Clear bool      `json:"clear"`
}

type priceUpdate struct {
	Token     string    `json:"token"`
	Price     string    `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

type pricesRequest struct {
	Prices []priceUpdate `json:"prices"`
}

type tokenAmountView struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type windowView struct {
	Used      string `json:"used"`
	Cap       string `json:"cap"`
	ResetTime uint64 `json:"resetTime"`
}

type positionView struct {
	User               string                `json:"user"`
	Balances           []tokenAmountView     `json:"balances"`
	Debt               string                `json:"debt"`
	LastSlot           uint64                `json:"lastSlot"`
	CollateralValueUSD string                `json:"collateralValueUsd,omitempty"`
	HealthFactor       string                `json:"healthFactor,omitempty"`
	MaxMintable        string                `json:"maxMintable,omitempty"`
	ValuationError     string                `json:"valuationError,omitempty"`
	Windows            map[string]windowView `json:"windows"`
}

type collateralView struct {
	Token                   string `json:"token"`
	LiquidationThresholdPct uint64 `json:"liquidationThresholdPct"`
	DebtCeiling             string `json:"debtCeiling"`
	TotalDebtMinted         string `json:"totalDebtMinted"`
	StabilityFeeRateBps     uint64 `json:"stabilityFeeRateBps"`
	FeeAccumulator          string `json:"feeAccumulator"`
	LastFeeAccrualTime      uint64 `json:"lastFeeAccrualTime"`
	Enabled                 bool   `json:"enabled"`
	Held                    string `json:"held"`
}

type globalView struct {
	TotalDebtIssued   string `json:"totalDebtIssued"`
	GlobalDebtCeiling string `json:"globalDebtCeiling"`
	TotalBadDebt      string `json:"totalBadDebt"`
	ProtocolRevenue   string `json:"protocolRevenue"`
	Paused            bool   `json:"paused"`
	SyntheticSupply   string `json:"syntheticSupply,omitempty"`
}

type emergencyView struct {
	ShutdownActive       bool              `json:"shutdownActive"`
	SettlementPrice      string            `json:"settlementPrice"`
	SettlementTime       uint64            `json:"settlementTime"`
	TotalDebtAtShutdown  string            `json:"totalDebtAtShutdown"`
	CollateralAtShutdown []tokenAmountView `json:"collateralAtShutdown"`
}

type liquidationView struct {
	User             string `json:"user"`
	Liquidator       string `json:"liquidator"`
	Collateral       string `json:"collateral"`
	DebtRequested    string `json:"debtRequested"`
	DebtCovered      string `json:"debtCovered"`
	CollateralSeized string `json:"collateralSeized"`
	Bonus            string `json:"bonus"`
	Price            string `json:"price"`
	HealthFactor     string `json:"healthFactor"`
	BadDebt          string `json:"badDebt"`
}

type settlementView struct {
	User       string            `json:"user"`
	DebtBurned string            `json:"debtBurned"`
	Payouts    []tokenAmountView `json:"payouts"`
}

type priceView struct {
	Token     string    `json:"token"`
	Price     string    `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
	Stale     bool      `json:"stale"`
}

type eventView struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Account    string            `json:"account,omitempty"`
	Collateral string            `json:"collateral,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
	Attributes map[string]string `json:"attributes"`
}

type rewardsView struct {
	Address     string `json:"address"`
	Weight      string `json:"weight"`
	Points      string `json:"points"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
	TotalWeight string `json:"totalWeight"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return err
	}
	return nil
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %q", errInvalidAddress, raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	amount, err := cdp.ParseAmount(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", field, err)
	}
	return amount, nil
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func tokenAmounts(items []cdp.TokenAmount) []tokenAmountView {
	out := make([]tokenAmountView, 0, len(items))
	for _, item := range items {
		out = append(out, tokenAmountView{Token: item.Token.Hex(), Amount: amountString(item.Amount)})
	}
	return out
}

func newCollateralView(ct *cdp.CollateralType, held *uint256.Int) collateralView {
	return collateralView{
		Token:                   ct.Token.Hex(),
		LiquidationThresholdPct: ct.LiquidationThresholdPct,
		DebtCeiling:             amountString(ct.DebtCeiling),
		TotalDebtMinted:         amountString(ct.TotalDebtMinted),
		StabilityFeeRateBps:     ct.StabilityFeeRateBps,
		FeeAccumulator:          amountString(ct.FeeAccumulator),
		LastFeeAccrualTime:      ct.LastFeeAccrualTime,
		Enabled:                 ct.Enabled,
		Held:                    amountString(held),
	}
}

func newEmergencyView(s cdp.EmergencyState) emergencyView {
	return emergencyView{
		ShutdownActive:       s.ShutdownActive,
		SettlementPrice:      amountString(s.SettlementPrice),
		SettlementTime:       s.SettlementTime,
		TotalDebtAtShutdown:  amountString(s.TotalDebtAtShutdown),
		CollateralAtShutdown: tokenAmounts(s.CollateralAtShutdown),
	}
}

func newLiquidationView(res *cdp.LiquidationResult) liquidationView {
	return liquidationView{
		User:             res.User.Hex(),
		Liquidator:       res.Liquidator.Hex(),
		Collateral:       res.Collateral.Hex(),
		DebtRequested:    amountString(res.DebtRequested),
		DebtCovered:      amountString(res.DebtCovered),
		CollateralSeized: amountString(res.CollateralSeized),
		Bonus:            amountString(res.Bonus),
		Price:            amountString(res.Price),
		HealthFactor:     amountString(res.HealthFactor),
		BadDebt:          amountString(res.BadDebt),
	}
}
