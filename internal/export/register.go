// Package export renders the invoice register, the spreadsheet accountants
// hand to the tax office or import into their bookkeeping system.
package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/karolsw/ksef-gateway/internal/core/domain"
)

const sheetName = "Rejestr"

var headerRow = []string{
	"Invoice ID", "Number", "Status", "Direction", "Issue date", "Due date",
	"Currency", "Net", "VAT", "Gross", "Seller", "Seller NIP", "Buyer", "Buyer NIP",
	"KSeF reference",
}

// WriteRegister writes the invoice register workbook for one tenant. Amounts
// stay as the decimal strings stored on the invoice; the spreadsheet is a
// faithful copy of the records, not a recalculation.
func WriteRegister(w io.Writer, invoices []domain.Invoice) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("create register sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	if err := f.SetSheetRow(sheetName, "A1", &headerRow); err != nil {
		return fmt.Errorf("write header row: %w", err)
	}

	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	if err := f.SetRowStyle(sheetName, 1, 1, style); err != nil {
		return fmt.Errorf("style header row: %w", err)
	}

	for i, inv := range invoices {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("row coordinates: %w", err)
		}
		row := []any{
			inv.ID, inv.Number, string(inv.Status), string(inv.Direction),
			inv.IssueDate, inv.DueDate, inv.Currency,
			inv.TotalNet, inv.TotalVAT, inv.TotalGross,
			inv.Seller.Name, inv.Seller.TaxID, inv.Buyer.Name, inv.Buyer.TaxID,
			inv.KSeFReference,
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("write register row %d: %w", i+2, err)
		}
	}

	if err := f.SetColWidth(sheetName, "A", "A", 38); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}
	if err := f.SetColWidth(sheetName, "B", "O", 18); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write register workbook: %w", err)
	}
	return nil
}
