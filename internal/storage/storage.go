package storage

import (
	"github.com/deploymenttheory/go-assembly-store/internal/types"
)

// Storage defines the interface for persisting input reports
type Storage interface {
	// Store saves one input's report
	Store(report types.InputReport) error

	// Close finalizes the storage
	Close() error

	// Stats returns storage statistics
	Stats() types.StorageStats
}

// Discard is a Storage that keeps nothing. It is used when no report file is
// configured.
type Discard struct{}

func (Discard) Store(types.InputReport) error { return nil }
func (Discard) Close() error                  { return nil }
func (Discard) Stats() types.StorageStats     { return types.StorageStats{} }
