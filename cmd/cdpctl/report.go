package main

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"usq/core/state"
	"usq/native/cdp"
	"usq/storage"
)

type collateralReport struct {
	Token                   string `json:"token"`
	Enabled                 bool   `json:"enabled"`
	LiquidationThresholdPct uint64 `json:"liquidationThresholdPct"`
	DebtCeiling             string `json:"debtCeiling"`
	TotalDebtMinted         string `json:"totalDebtMinted"`
	StabilityFeeRateBps     uint64 `json:"stabilityFeeRateBps"`
	FeeAccumulator          string `json:"feeAccumulator"`
	Held                    string `json:"held"`
}

type stateReport struct {
	SchemaVersion   uint32             `json:"schemaVersion"`
	VersionStamped  bool               `json:"versionStamped"`
	SupportedSchema uint32             `json:"supportedSchema"`
	Collaterals     []collateralReport `json:"collaterals"`
	IterationOrder  []string           `json:"iterationOrder"`
	Positions       int                `json:"positions"`
	Global          struct {
		TotalDebtIssued   string `json:"totalDebtIssued"`
		GlobalDebtCeiling string `json:"globalDebtCeiling"`
		TotalBadDebt      string `json:"totalBadDebt"`
		ProtocolRevenue   string `json:"protocolRevenue"`
		Paused            bool   `json:"paused"`
	} `json:"global"`
	ShutdownActive  bool   `json:"shutdownActive"`
	SettlementPrice string `json:"settlementPrice,omitempty"`
}

// positionRow is one user's holding of one collateral. Users carrying debt
// without collateral get a row with an empty collateral column.
type positionRow struct {
	User       string
	Collateral string
	Balance    string
	Debt       string
	LastSlot   uint64
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func loadState(db storage.Database) (*cdp.ChangeSet, error) {
	changes, err := state.NewStore(state.NewManager(db)).Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return changes, nil
}

func buildReport(db storage.Database) (*stateReport, error) {
	version, stamped, err := state.NewManager(db).StateVersion()
	if err != nil {
		return nil, err
	}
	changes, err := loadState(db)
	if err != nil {
		return nil, err
	}

	report := &stateReport{SchemaVersion: version, VersionStamped: stamped, SupportedSchema: state.StateVersion}
	held := make(map[common.Address]*uint256.Int, len(changes.Held))
	for _, rec := range changes.Held {
		held[rec.Token] = rec.Amount
	}
	for _, ct := range changes.Collaterals {
		report.Collaterals = append(report.Collaterals, collateralReport{
			Token:                   ct.Token.Hex(),
			Enabled:                 ct.Enabled,
			LiquidationThresholdPct: ct.LiquidationThresholdPct,
			DebtCeiling:             dec(ct.DebtCeiling),
			TotalDebtMinted:         dec(ct.TotalDebtMinted),
			StabilityFeeRateBps:     ct.StabilityFeeRateBps,
			FeeAccumulator:          dec(ct.FeeAccumulator),
			Held:                    dec(held[ct.Token]),
		})
	}
	sort.Slice(report.Collaterals, func(i, j int) bool { return report.Collaterals[i].Token < report.Collaterals[j].Token })
	for _, token := range changes.Tokens {
		report.IterationOrder = append(report.IterationOrder, token.Hex())
	}

	users := make(map[common.Address]struct{})
	for _, rec := range changes.Balances {
		users[rec.User] = struct{}{}
	}
	for _, rec := range changes.Debts {
		users[rec.User] = struct{}{}
	}
	report.Positions = len(users)

	if g := changes.Global; g != nil {
		report.Global.TotalDebtIssued = dec(g.TotalDebtIssued)
		report.Global.GlobalDebtCeiling = dec(g.GlobalDebtCeiling)
		report.Global.TotalBadDebt = dec(g.TotalBadDebt)
		report.Global.ProtocolRevenue = dec(g.ProtocolRevenue)
		report.Global.Paused = g.Paused
	}
	if e := changes.Emergency; e != nil && e.ShutdownActive {
		report.ShutdownActive = true
		report.SettlementPrice = dec(e.SettlementPrice)
	}
	return report, nil
}

func positionRows(db storage.Database) ([]positionRow, error) {
	changes, err := loadState(db)
	if err != nil {
		return nil, err
	}
	debts := make(map[common.Address]*uint256.Int, len(changes.Debts))
	for _, rec := range changes.Debts {
		debts[rec.User] = rec.Amount
	}
	slots := make(map[common.Address]uint64, len(changes.Slots))
	for _, rec := range changes.Slots {
		slots[rec.User] = rec.Slot
	}

	balances := append([]cdp.BalanceRecord(nil), changes.Balances...)
	sort.Slice(balances, func(i, j int) bool {
		if c := bytes.Compare(balances[i].User[:], balances[j].User[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(balances[i].Token[:], balances[j].Token[:]) < 0
	})

	rows := make([]positionRow, 0, len(balances))
	covered := make(map[common.Address]bool)
	for _, rec := range balances {
		covered[rec.User] = true
		rows = append(rows, positionRow{
			User:       rec.User.Hex(),
			Collateral: rec.Token.Hex(),
			Balance:    dec(rec.Amount),
			Debt:       dec(debts[rec.User]),
			LastSlot:   slots[rec.User],
		})
	}
	var debtOnly []common.Address
	for user := range debts {
		if !covered[user] {
			debtOnly = append(debtOnly, user)
		}
	}
	sort.Slice(debtOnly, func(i, j int) bool { return bytes.Compare(debtOnly[i][:], debtOnly[j][:]) < 0 })
	for _, user := range debtOnly {
		rows = append(rows, positionRow{
			User:     user.Hex(),
			Balance:  "0",
			Debt:     dec(debts[user]),
			LastSlot: slots[user],
		})
	}
	return rows, nil
}
