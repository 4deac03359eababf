package audit

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/jupark12/go-run-queue/models"
)

const (
	findingsSheet     = "Findings"
	transactionsSheet = "Transactions"
)

// BuildReport renders findings and transactions as an XLSX workbook.
func BuildReport(runID string, txns []models.Transaction, findings []models.Finding) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", findingsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(transactionsSheet); err != nil {
		return nil, err
	}

	writeRow := func(sheet string, row int, values ...any) {
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}

	writeRow(findingsSheet, 1, "Run", runID)
	writeRow(findingsSheet, 2, "Code", "Severity", "Title", "Amount", "Transactions", "Detail")
	for i, fd := range findings {
		writeRow(findingsSheet, i+3, fd.Code, fd.Severity, fd.Title, fd.Amount, strings.Join(fd.TransactionIDs, ", "), fd.Detail)
	}

	writeRow(transactionsSheet, 1, "ID", "Page", "Date", "Description", "Amount", "Type")
	for i, t := range txns {
		writeRow(transactionsSheet, i+2, t.ID, t.Page, t.Date, t.Description, t.Amount, t.Type)
	}

	_ = f.SetColWidth(findingsSheet, "A", "B", 18)
	_ = f.SetColWidth(findingsSheet, "C", "C", 32)
	_ = f.SetColWidth(findingsSheet, "F", "F", 80)
	_ = f.SetColWidth(transactionsSheet, "D", "D", 48)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
