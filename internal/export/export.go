// Package export renders ledger entries as an xlsx workbook.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/HugeFrog24/sheetbot/internal/money"
	"github.com/HugeFrog24/sheetbot/internal/storage"
)

const SheetName = "Ledger"

var headers = []interface{}{"Date", "Category", "Amount", "Currency", "Note", "ID"}

// WriteEntries writes entries to w, rendering dates in loc.
func WriteEntries(w io.Writer, entries []storage.Entry, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	if err := f.SetSheetRow(SheetName, "A1", &headers); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	if err := f.SetCellStyle(SheetName, "A1", "F1", bold); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	for i, e := range entries {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{
			e.RecordedAt.In(loc).Format("2006-01-02 15:04"),
			e.Category,
			money.Float(e.Amount),
			e.Currency,
			e.Note,
			e.UID,
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if len(entries) > 0 {
		amountFmt, err := f.NewStyle(&excelize.Style{NumFmt: 2})
		if err != nil {
			return fmt.Errorf("failed to create amount style: %w", err)
		}
		last := fmt.Sprintf("C%d", len(entries)+1)
		if err := f.SetCellStyle(SheetName, "C2", last, amountFmt); err != nil {
			return fmt.Errorf("failed to style amounts: %w", err)
		}
	}
	if err := f.SetColWidth(SheetName, "A", "A", 18); err != nil {
		return fmt.Errorf("failed to size date column: %w", err)
	}
	if err := f.SetColWidth(SheetName, "E", "E", 40); err != nil {
		return fmt.Errorf("failed to size note column: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
