package blob

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrObjectNotFound is returned when a key has no object.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// Store is the object storage used for uploads and reports.
type Store interface {
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error)
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeFilename replaces every character outside [a-zA-Z0-9._-] with '_'.
func SanitizeFilename(name string) string {
	return unsafeKeyChars.ReplaceAllString(name, "_")
}

// UploadKey is where a tenant's upload for a run is stored.
func UploadKey(tenantID, runID, filename string) string {
	return fmt.Sprintf("tenants/%s/%s/%s", tenantID, runID, SanitizeFilename(filename))
}

// ReportKey is where the generated report for a run is stored.
func ReportKey(runID string) string {
	return fmt.Sprintf("reports/%s/report.xlsx", runID)
}
