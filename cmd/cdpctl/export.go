package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

func writeCSV(path string, rows []positionRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write([]string{"user", "collateral", "balance", "debt", "last_slot"}); err != nil {
		return fmt.Errorf("export: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{row.User, row.Collateral, row.Balance, row.Debt, strconv.FormatUint(row.LastSlot, 10)}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("export: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("export: flush csv: %w", err)
	}
	return nil
}

// Amounts are 1e18-scaled integers that exceed 64 bits, so they are stored
// as decimal strings.
type parquetRow struct {
	User       string `parquet:"name=user, type=BYTE_ARRAY, convertedtype=UTF8"`
	Collateral string `parquet:"name=collateral, type=BYTE_ARRAY, convertedtype=UTF8"`
	Balance    string `parquet:"name=balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	Debt       string `parquet:"name=debt, type=BYTE_ARRAY, convertedtype=UTF8"`
	LastSlot   int64  `parquet:"name=last_slot, type=INT64"`
}

func writeParquet(path string, rows []positionRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			User:       row.User,
			Collateral: row.Collateral,
			Balance:    row.Balance,
			Debt:       row.Debt,
			LastSlot:   int64(row.LastSlot),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: finalize parquet: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("export: close parquet: %w", err)
	}
	return nil
}
