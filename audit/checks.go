package audit

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jupark12/go-run-queue/models"
)

const (
	roundThreshold = 100.0
	roundMinAmount = 1000.0
)

// RunChecks runs every deterministic check over txns.
func RunChecks(txns []models.Transaction) []models.Finding {
	findings := CheckDuplicates(txns)
	findings = append(findings, CheckRoundNumbers(txns, roundThreshold, roundMinAmount)...)
	findings = append(findings, CheckWeekendPostings(txns)...)
	return findings
}

// CheckDuplicates flags transactions sharing description, date and amount.
func CheckDuplicates(txns []models.Transaction) []models.Finding {
	groups := map[string][]models.Transaction{}
	var order []string
	for _, t := range txns {
		if t.Description == "" || t.Date == "" || t.Amount == 0 {
			continue
		}
		key := fmt.Sprintf("%s|%s|%.2f", strings.ToLower(t.Description), t.Date, t.Amount)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], t)
	}

	findings := []models.Finding{}
	for _, key := range order {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		ids := make([]string, len(group))
		for i, t := range group {
			ids[i] = t.ID
		}
		findings = append(findings, models.Finding{
			Code:     "DUP_TRANSACTION",
			Severity: models.SeverityMedium,
			Title:    "Duplicate Transaction Detected",
			Detail: fmt.Sprintf("Found %d transactions with identical description, date and amount. Description: %s, Date: %s, Amount: $%.2f",
				len(group), group[0].Description, group[0].Date, group[0].Amount),
			Amount:         group[0].Amount,
			TransactionIDs: ids,
		})
	}
	return findings
}

// CheckRoundNumbers flags amounts of at least minAmount that are multiples of threshold.
func CheckRoundNumbers(txns []models.Transaction, threshold, minAmount float64) []models.Finding {
	findings := []models.Finding{}
	for _, t := range txns {
		amt := math.Abs(t.Amount)
		if amt < minAmount || math.Mod(amt, threshold) != 0 {
			continue
		}
		findings = append(findings, models.Finding{
			Code:           "ROUND_NUMBER",
			Severity:       models.SeverityLow,
			Title:          "Suspiciously Round Amount",
			Detail:         fmt.Sprintf("Transaction %s has a round amount of $%.2f. Date: %s, Description: %s", t.ID, t.Amount, t.Date, t.Description),
			Amount:         t.Amount,
			TransactionIDs: []string{t.ID},
		})
	}
	return findings
}

var dateLayouts = []string{"01/02/06", "01/02/2006", "2006-01-02"}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// CheckWeekendPostings flags transactions dated on a Saturday or Sunday.
func CheckWeekendPostings(txns []models.Transaction) []models.Finding {
	findings := []models.Finding{}
	for _, t := range txns {
		d, ok := parseDate(t.Date)
		if !ok {
			continue
		}
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			findings = append(findings, models.Finding{
				Code:           "WEEKEND_POST",
				Severity:       models.SeverityLow,
				Title:          "Weekend Posting Detected",
				Detail:         fmt.Sprintf("Transaction %s was posted on %s, %s. Amount: $%.2f", t.ID, wd, t.Date, t.Amount),
				Amount:         t.Amount,
				TransactionIDs: []string{t.ID},
			})
		}
	}
	return findings
}

// SortFindings orders findings by severity, high first, keeping check order within a severity.
func SortFindings(findings []models.Finding) {
	rank := map[string]int{models.SeverityHigh: 0, models.SeverityMedium: 1, models.SeverityLow: 2}
	sort.SliceStable(findings, func(i, j int) bool {
		return rank[findings[i].Severity] < rank[findings[j].Severity]
	})
}
