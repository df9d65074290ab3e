package mocks

import (
	"context"
	"time"

	"github.com/kvflow/kvflow/pkg/storage"
)

// slowScanner is a proxy to an actual scanner except that every scan is
// started only after scanDelay. This allows simulating scans that do not
// finish within a deadline.
type slowScanner struct {
	scanDelay time.Duration
	storage.Scanner
}

// NewMockSlowScanner returns a wrapper of a scanner that adds an artificial
// delay before each scan is handed to the wrapped scanner.
func NewMockSlowScanner(scanner storage.Scanner, scanDelay time.Duration) storage.Scanner {
	return &slowScanner{
		scanDelay: scanDelay,
		Scanner:   scanner,
	}
}

func (m *slowScanner) Scan(ctx context.Context, req storage.ScanRequest) error {
	select {
	case <-time.After(m.scanDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.Scanner.Scan(ctx, req)
}
