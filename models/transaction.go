package models

// Transaction is a line item extracted from an uploaded statement.
type Transaction struct {
	ID          string  `json:"id"`
	Page        int     `json:"page"`
	Date        string  `json:"date"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Type        string  `json:"type"` // "debit" or "credit"
}

// Finding severities
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Finding is the result of a deterministic check over transactions.
type Finding struct {
	Code           string   `json:"code"`
	Severity       string   `json:"severity"`
	Title          string   `json:"title"`
	Detail         string   `json:"detail"`
	Amount         float64  `json:"amount"`
	TransactionIDs []string `json:"transactionIds"`
}

// RunResult is what a processor reports back when a job completes.
type RunResult struct {
	ResultRef    string `json:"resultRef"`
	Summary      string `json:"summary"`
	FindingCount int    `json:"findingCount"`
}
