package main

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"usq/core/state"
	"usq/native/cdp"
	"usq/storage"
)

var (
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice  = common.HexToAddress("0x0000000000000000000000000000000000001001")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000001002")
)

func seededDB(t *testing.T) storage.Database {
	t.Helper()
	db := storage.NewMemDB()
	if err := state.EnsureStateVersion(db, false); err != nil {
		t.Fatalf("stamp version: %v", err)
	}
	store := state.NewStore(state.NewManager(db))
	changes := &cdp.ChangeSet{
		Collaterals: []cdp.CollateralType{{
			Token:                   tokenA,
			LiquidationThresholdPct: 150,
			DebtCeiling:             uint256.NewInt(1_000_000),
			TotalDebtMinted:         uint256.NewInt(700),
			FeeAccumulator:          uint256.NewInt(1),
			Enabled:                 true,
		}},
		Tokens:        []common.Address{tokenA},
		TokensChanged: true,
		Balances:      []cdp.BalanceRecord{{User: alice, Token: tokenA, Amount: uint256.NewInt(1_000)}},
		Debts: []cdp.DebtRecord{
			{User: alice, Amount: uint256.NewInt(600)},
			{User: bob, Amount: uint256.NewInt(100)},
		},
		Held:  []cdp.TokenAmount{{Token: tokenA, Amount: uint256.NewInt(1_000)}},
		Slots: []cdp.SlotRecord{{User: alice, Slot: 42}},
		Global: &cdp.GlobalState{
			TotalDebtIssued:   uint256.NewInt(700),
			GlobalDebtCeiling: uint256.NewInt(10_000_000),
			TotalBadDebt:      uint256.NewInt(0),
			ProtocolRevenue:   uint256.NewInt(3),
		},
	}
	if err := store.Commit(context.Background(), changes); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return db
}

func TestBuildReport(t *testing.T) {
	report, err := buildReport(seededDB(t))
	if err != nil {
		t.Fatalf("build report: %v", err)
	}
	if !report.VersionStamped || report.SchemaVersion != state.StateVersion {
		t.Fatalf("unexpected version: %+v", report)
	}
	if len(report.Collaterals) != 1 || report.Collaterals[0].Held != "1000" {
		t.Fatalf("unexpected collaterals: %+v", report.Collaterals)
	}
	if report.Positions != 2 {
		t.Fatalf("expected 2 positions, got %d", report.Positions)
	}
	if report.Global.TotalDebtIssued != "700" || report.Global.ProtocolRevenue != "3" {
		t.Fatalf("unexpected global: %+v", report.Global)
	}
	if len(report.IterationOrder) != 1 || report.IterationOrder[0] != tokenA.Hex() {
		t.Fatalf("unexpected iteration order: %v", report.IterationOrder)
	}
}

func TestPositionRowsIncludeDebtOnlyUsers(t *testing.T) {
	rows, err := positionRows(seededDB(t))
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].User != alice.Hex() || rows[0].Balance != "1000" || rows[0].Debt != "600" || rows[0].LastSlot != 42 {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
	if rows[1].User != bob.Hex() || rows[1].Collateral != "" || rows[1].Debt != "100" {
		t.Fatalf("unexpected debt-only row: %+v", rows[1])
	}
}

func TestWriteCSV(t *testing.T) {
	rows, err := positionRows(seededDB(t))
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	path := filepath.Join(t.TempDir(), "positions.csv")
	if err := writeCSV(path, rows); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(records))
	}
	if records[0][0] != "user" || records[1][2] != "1000" || records[1][4] != "42" {
		t.Fatalf("unexpected csv content: %v", records)
	}
}

func TestWriteParquet(t *testing.T) {
	rows, err := positionRows(seededDB(t))
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	path := filepath.Join(t.TempDir(), "positions.parquet")
	if err := writeParquet(path, rows); err != nil {
		t.Fatalf("write parquet: %v", err)
	}
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	if err != nil {
		t.Fatalf("parquet reader: %v", err)
	}
	defer pr.ReadStop()
	if got := pr.GetNumRows(); got != 2 {
		t.Fatalf("expected 2 parquet rows, got %d", got)
	}
	out := make([]parquetRow, 2)
	if err := pr.Read(&out); err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	if out[0].User != alice.Hex() || out[0].Debt != "600" || out[1].Debt != "100" {
		t.Fatalf("unexpected parquet rows: %+v", out)
	}
}

func TestMigrateLegacyState(t *testing.T) {
	db := seededDB(t)
	manager := state.NewManager(db)
	if err := manager.SetStateVersion(1); err != nil {
		t.Fatalf("downgrade: %v", err)
	}
	from, err := state.Migrate(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if from != 1 {
		t.Fatalf("expected migration from 1, got %d", from)
	}
	report, err := buildReport(db)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.SchemaVersion != state.StateVersion {
		t.Fatalf("expected version %d, got %d", state.StateVersion, report.SchemaVersion)
	}
}
