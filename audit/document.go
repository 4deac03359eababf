package audit

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Document kinds accepted for processing.
const (
	KindPDF = "pdf"
	KindCSV = "csv"
)

// Document is the text of an upload split into pages of lines.
type Document struct {
	Pages [][]string
}

// DetectKind picks the document kind from the content type, falling back to the key's extension.
func DetectKind(contentType, key string) (string, error) {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return KindPDF, nil
	case strings.Contains(ct, "csv"):
		return KindCSV, nil
	}
	switch strings.ToLower(path.Ext(key)) {
	case ".pdf":
		return KindPDF, nil
	case ".csv":
		return KindCSV, nil
	}
	return "", fmt.Errorf("unsupported document type %q for %s", contentType, key)
}

// ReadPDF extracts plain text per page. Pages without content stay as empty pages.
func ReadPDF(data []byte) (*Document, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	doc := &Document{}
	for pageIndex := 1; pageIndex <= r.NumPage(); pageIndex++ {
		p := r.Page(pageIndex)
		if p.V.IsNull() {
			doc.Pages = append(doc.Pages, nil)
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to extract text from page %d: %w", pageIndex, err)
		}
		doc.Pages = append(doc.Pages, strings.Split(text, "\n"))
	}
	return doc, nil
}

// ReadCSV turns each record into one line, fields separated by two spaces.
func ReadCSV(data []byte) (*Document, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	var lines []string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		lines = append(lines, strings.Join(record, "  "))
	}
	return &Document{Pages: [][]string{lines}}, nil
}

// ReadDocument dispatches on kind.
func ReadDocument(kind string, data []byte) (*Document, error) {
	switch kind {
	case KindPDF:
		return ReadPDF(data)
	case KindCSV:
		return ReadCSV(data)
	default:
		return nil, fmt.Errorf("unsupported document kind %q", kind)
	}
}
