package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jupark12/go-run-queue/blob"
	"github.com/jupark12/go-run-queue/models"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ProgressFunc reports percent complete with a human-readable message.
type ProgressFunc func(ctx context.Context, percent int, message string)

// DefaultMaxDocumentSize caps how much of an upload a worker will load.
const DefaultMaxDocumentSize int64 = 25 << 20

// Processor turns an uploaded statement into findings and a stored report.
type Processor struct {
	blobs   blob.Store
	logger  *slog.Logger
	maxSize int64
}

type ProcessorOption func(*Processor)

// WithMaxDocumentSize overrides DefaultMaxDocumentSize. Non-positive values are ignored.
func WithMaxDocumentSize(n int64) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.maxSize = n
		}
	}
}

func NewProcessor(blobs blob.Store, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{blobs: blobs, logger: logger, maxSize: DefaultMaxDocumentSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs the whole pipeline for job, reporting progress between 10 and 95.
func (p *Processor) Process(ctx context.Context, job models.Job, progress ProgressFunc) (*models.RunResult, error) {
	info, err := p.blobs.Head(ctx, job.ObjectKey)
	if err != nil {
		if errors.Is(err, blob.ErrObjectNotFound) {
			return nil, fmt.Errorf("upload %s not found", job.ObjectKey)
		}
		return nil, err
	}
	kind, err := DetectKind(info.ContentType, job.ObjectKey)
	if err != nil {
		return nil, err
	}

	if info.Size > p.maxSize {
		return nil, fmt.Errorf("upload is %d bytes, limit is %d", info.Size, p.maxSize)
	}

	data, err := p.blobs.Get(ctx, job.ObjectKey)
	if err != nil {
		return nil, err
	}
	// The object can be replaced between Head and Get.
	if int64(len(data)) > p.maxSize {
		return nil, fmt.Errorf("upload is %d bytes, limit is %d", len(data), p.maxSize)
	}
	progress(ctx, 10, fmt.Sprintf("Downloaded %s (%d bytes)", kind, len(data)))

	doc, err := ReadDocument(kind, data)
	if err != nil {
		return nil, err
	}

	var txns []models.Transaction
	for i, lines := range doc.Pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		txns = append(txns, ExtractTransactions(lines, i+1)...)
		progress(ctx, 10+80*(i+1)/len(doc.Pages), fmt.Sprintf("Parsed page %d of %d", i+1, len(doc.Pages)))
	}

	findings := RunChecks(txns)
	SortFindings(findings)

	report, err := BuildReport(job.RunID, txns, findings)
	if err != nil {
		return nil, err
	}
	key := blob.ReportKey(job.RunID)
	if err := p.blobs.Put(ctx, key, report, xlsxContentType); err != nil {
		return nil, err
	}
	progress(ctx, 95, "Report generated")

	p.logger.Info("processed document", "job_id", job.ID, "run_id", job.RunID,
		"pages", len(doc.Pages), "transactions", len(txns), "findings", len(findings))

	return &models.RunResult{
		ResultRef:    key,
		Summary:      fmt.Sprintf("%d pages, %d transactions, %d findings", len(doc.Pages), len(txns), len(findings)),
		FindingCount: len(findings),
	}, nil
}
