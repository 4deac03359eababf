package audit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jupark12/go-run-queue/models"
)

var (
	// MM/DD/YY, MM/DD/YYYY or YYYY-MM-DD
	datePattern   = regexp.MustCompile(`\b(\d{2}/\d{2}/\d{2}(\d{2})?|\d{4}-\d{2}-\d{2})\b`)
	amountPattern = regexp.MustCompile(`-?\$?((?:\d{1,3}(?:,\d{3})+|\d+)\.\d{2})`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

var creditKeywords = []string{"deposit", "credit", "payment received", "refund"}

// ExtractTransactions pulls dated lines with an amount out of page text.
// Headers, footers and lines without a date are skipped.
func ExtractTransactions(lines []string, page int) []models.Transaction {
	transactions := []models.Transaction{}
	for i, line := range lines {
		if len(strings.TrimSpace(line)) < 10 {
			continue
		}
		date := datePattern.FindString(line)
		if date == "" {
			continue
		}
		rest := strings.Replace(line, date, " ", 1)

		loc := amountPattern.FindStringSubmatchIndex(rest)
		if loc == nil {
			continue
		}
		amountStr := strings.ReplaceAll(rest[loc[2]:loc[3]], ",", "")
		amount, err := strconv.ParseFloat(amountStr, 64)
		if err != nil {
			continue
		}

		description := rest[:loc[0]] + " " + rest[loc[1]:]
		description = strings.TrimSpace(spacePattern.ReplaceAllString(description, " "))
		// Trailing columns (running balance) are not part of the description.
		description = strings.TrimSpace(amountPattern.ReplaceAllString(description, ""))

		txnType := "debit"
		lower := strings.ToLower(line)
		for _, kw := range creditKeywords {
			if strings.Contains(lower, kw) {
				txnType = "credit"
				break
			}
		}

		transactions = append(transactions, models.Transaction{
			ID:          fmt.Sprintf("p%d-l%d", page, i+1),
			Page:        page,
			Date:        date,
			Description: description,
			Amount:      amount,
			Type:        txnType,
		})
	}
	return transactions
}
