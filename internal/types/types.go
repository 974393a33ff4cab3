package types

import (
	"time"

	"github.com/deploymenttheory/go-assembly-store/internal/assembly"
	"github.com/deploymenttheory/go-assembly-store/internal/extractor"
	"github.com/deploymenttheory/go-assembly-store/internal/typemap"
)

// Input status values
const (
	StatusRecognized = "recognized"
	StatusFailed     = "failed"
)

// InputReport is the outcome of processing one input file. Every input in a
// batch gets one, recognized or not.
type InputReport struct {
	Path        string    `json:"path"`
	SHA3Hash    string    `json:"sha3_hash,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	Status      string    `json:"status"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`

	// Kind is the leaf detector, Chain the detectors from the root down.
	Kind       string            `json:"kind,omitempty"`
	Chain      []string          `json:"chain,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`

	Assemblies []assembly.ApplicationAssembly `json:"assemblies,omitempty"`
	Stores     []StoreSummary                 `json:"stores,omitempty"`
	TypeMaps   []TypeMapSummary               `json:"typemaps,omitempty"`
	Warnings   []string                       `json:"warnings,omitempty"`
	Extraction *extractor.Result              `json:"extraction,omitempty"`
}

// StoreSummary describes one assembly store found in an input.
type StoreSummary struct {
	Description string         `json:"description"`
	Version     uint32         `json:"version"`
	Entries     int            `json:"entries"`
	ABIs        map[string]int `json:"abis"`
}

// TypeMapSummary describes one typemap found in an input.
type TypeMapSummary struct {
	Description string          `json:"description"`
	ModuleID    string          `json:"module_id"`
	Assembly    string          `json:"assembly"`
	Entries     int             `json:"entries"`
	Mappings    []typemap.Entry `json:"mappings,omitempty"`
}

// StorageStats holds storage statistics
type StorageStats struct {
	InputsStored    int            `json:"inputs_stored"`
	UniqueHashes    int            `json:"unique_hashes"`
	InputsByKind    map[string]int `json:"inputs_by_kind"`
	FailuresByKind  map[string]int `json:"failures_by_kind"`
	AssembliesFound int            `json:"assemblies_found"`
	LastUpdatedAt   time.Time      `json:"last_updated_at"`
}
