package audit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/jupark12/go-run-queue/blob"
	"github.com/jupark12/go-run-queue/models"
)

func TestExtractTransactions(t *testing.T) {
	lines := []string{
		"ACME BANK STATEMENT",
		"Date      Description              Amount    Balance",
		"01/15/25  AMAZON MKTPLACE          $1,234.56  5,000.00",
		"01/16/25  DIRECT DEPOSIT PAYROLL   2500.00",
		"2025-01-18  Wire out  5000.00",
		"short",
	}
	txns := ExtractTransactions(lines, 2)
	if len(txns) != 3 {
		t.Fatalf("expected 3 transactions, got %d: %+v", len(txns), txns)
	}
	first := txns[0]
	if first.Date != "01/15/25" || first.Amount != 1234.56 || first.Description != "AMAZON MKTPLACE" || first.Type != "debit" {
		t.Fatalf("unexpected first transaction: %+v", first)
	}
	if first.ID != "p2-l3" || first.Page != 2 {
		t.Fatalf("unexpected id/page: %+v", first)
	}
	if txns[1].Type != "credit" || txns[1].Amount != 2500 {
		t.Fatalf("expected credit deposit, got %+v", txns[1])
	}
	if txns[2].Date != "2025-01-18" || txns[2].Amount != 5000 {
		t.Fatalf("unexpected ISO transaction: %+v", txns[2])
	}
}

func TestChecks(t *testing.T) {
	txns := []models.Transaction{
		{ID: "a", Date: "01/14/25", Description: "Vendor X", Amount: 120.5},
		{ID: "b", Date: "01/14/25", Description: "vendor x", Amount: 120.5},
		{ID: "c", Date: "01/15/25", Description: "Consulting", Amount: 5000},
		{ID: "d", Date: "01/15/25", Description: "Small round", Amount: 900},
		{ID: "e", Date: "2025-01-18", Description: "Saturday", Amount: 10.01},
	}

	dups := CheckDuplicates(txns)
	if len(dups) != 1 || strings.Join(dups[0].TransactionIDs, ",") != "a,b" {
		t.Fatalf("unexpected duplicates: %+v", dups)
	}
	round := CheckRoundNumbers(txns, 100, 1000)
	if len(round) != 1 || round[0].TransactionIDs[0] != "c" {
		t.Fatalf("unexpected round numbers: %+v", round)
	}
	weekend := CheckWeekendPostings(txns)
	if len(weekend) != 1 || weekend[0].TransactionIDs[0] != "e" {
		t.Fatalf("unexpected weekend postings: %+v", weekend)
	}

	all := RunChecks(txns)
	SortFindings(all)
	if len(all) != 3 || all[0].Severity != models.SeverityMedium {
		t.Fatalf("unexpected combined findings: %+v", all)
	}
}

func TestBuildReport(t *testing.T) {
	txns := []models.Transaction{{ID: "p1-l1", Page: 1, Date: "01/15/25", Description: "X", Amount: 5000}}
	findings := CheckRoundNumbers(txns, 100, 1000)
	data, err := BuildReport("run_1", txns, findings)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if v, _ := f.GetCellValue(findingsSheet, "B1"); v != "run_1" {
		t.Fatalf("expected run id in B1, got %q", v)
	}
	if v, _ := f.GetCellValue(findingsSheet, "A3"); v != "ROUND_NUMBER" {
		t.Fatalf("expected finding code in A3, got %q", v)
	}
	if v, _ := f.GetCellValue(transactionsSheet, "A2"); v != "p1-l1" {
		t.Fatalf("expected transaction id in A2, got %q", v)
	}
}

func TestDetectKind(t *testing.T) {
	if k, _ := DetectKind("application/pdf", "x.bin"); k != KindPDF {
		t.Fatalf("expected pdf from content type")
	}
	if k, _ := DetectKind("", "tenants/t/r/a.CSV"); k != KindCSV {
		t.Fatalf("expected csv from extension")
	}
	if _, err := DetectKind("image/png", "a.png"); err == nil {
		t.Fatalf("expected unsupported error")
	}
}

type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	gets    int
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memoryBlobs) Head(_ context.Context, key string) (blob.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return blob.ObjectInfo{}, blob.ErrObjectNotFound
	}
	return blob.ObjectInfo{Key: key, Size: int64(len(data)), ContentType: m.types[key]}, nil
}

func (m *memoryBlobs) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	data, ok := m.objects[key]
	if !ok {
		return nil, blob.ErrObjectNotFound
	}
	return data, nil
}

func (m *memoryBlobs) Put(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func (m *memoryBlobs) PresignPut(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blob.test/" + key, nil
}

func TestProcessorCSV(t *testing.T) {
	blobs := newMemoryBlobs()
	key := blob.UploadKey("tenant-a", "run_1", "ledger.csv")
	csv := "date,description,amount\n01/14/25,Vendor X,120.50\n01/14/25,Vendor X,120.50\n01/15/25,Consulting,5000.00\n"
	blobs.Put(context.Background(), key, []byte(csv), "text/csv")

	var percents []int
	progress := func(_ context.Context, p int, _ string) { percents = append(percents, p) }
	p := NewProcessor(blobs, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := p.Process(context.Background(), models.Job{ID: "j1", RunID: "run_1", ObjectKey: key}, progress)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.FindingCount != 2 || res.ResultRef != blob.ReportKey("run_1") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := blobs.Head(context.Background(), res.ResultRef); err != nil {
		t.Fatalf("report not stored: %v", err)
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress went backwards: %v", percents)
		}
	}
	if percents[len(percents)-1] != 95 {
		t.Fatalf("expected final progress 95, got %v", percents)
	}
}

func TestProcessorMissingUpload(t *testing.T) {
	p := NewProcessor(newMemoryBlobs(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := p.Process(context.Background(), models.Job{ObjectKey: "missing.pdf"}, func(context.Context, int, string) {})
	if err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("expected missing upload error, got %v", err)
	}
}

func TestProcessorRejectsOversizedUpload(t *testing.T) {
	blobs := newMemoryBlobs()
	key := blob.UploadKey("tenant-a", "run_1", "ledger.csv")
	csv := "date,description,amount\n01/14/25,Vendor X,120.50\n"
	blobs.Put(context.Background(), key, []byte(csv), "text/csv")

	p := NewProcessor(blobs, slog.New(slog.NewTextHandler(io.Discard, nil)), WithMaxDocumentSize(16))
	_, err := p.Process(context.Background(), models.Job{ID: "j1", RunID: "run_1", ObjectKey: key}, func(context.Context, int, string) {})
	if err == nil || !strings.Contains(err.Error(), "limit is 16") {
		t.Fatalf("expected size limit error, got %v", err)
	}
	if blobs.gets != 0 {
		t.Fatalf("oversized upload should not be downloaded, gets = %d", blobs.gets)
	}
	if _, err := blobs.Head(context.Background(), blob.ReportKey("run_1")); !errors.Is(err, blob.ErrObjectNotFound) {
		t.Fatalf("no report should be stored, got %v", err)
	}
}
