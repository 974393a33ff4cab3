package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/deploymenttheory/go-assembly-store/internal/logger"
	"github.com/deploymenttheory/go-assembly-store/internal/types"
)

// JSONOutput represents the JSON output structure
type JSONOutput struct {
	LastUpdated time.Time           `json:"last_updated"`
	Stats       types.StorageStats  `json:"stats"`
	Inputs      []types.InputReport `json:"inputs"`
}

// JSONStorage implements the Storage interface using a JSON file. A report
// for a path already in the file replaces the earlier one.
type JSONStorage struct {
	filePath  string
	data      JSONOutput
	pathIndex map[string]int
	mutex     sync.RWMutex
}

// New creates a new JSONStorage, loading the file at filePath if it exists
func New(filePath string) (*JSONStorage, error) {
	storage := &JSONStorage{
		filePath:  filePath,
		pathIndex: make(map[string]int),
		data: JSONOutput{
			LastUpdated: time.Now(),
			Inputs:      make([]types.InputReport, 0),
		},
	}

	if _, err := os.Stat(filePath); err == nil {
		if err := storage.loadExistingData(); err != nil {
			return nil, fmt.Errorf("failed to load existing data: %w", err)
		}
	}

	storage.rebuildStats()
	return storage, nil
}

// Store saves a report and rewrites the file
func (s *JSONStorage) Store(report types.InputReport) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if i, ok := s.pathIndex[report.Path]; ok {
		s.data.Inputs[i] = report
	} else {
		s.pathIndex[report.Path] = len(s.data.Inputs)
		s.data.Inputs = append(s.data.Inputs, report)
	}

	s.rebuildStats()
	return s.saveToFile()
}

// rebuildStats recomputes the statistics from the stored reports
func (s *JSONStorage) rebuildStats() {
	stats := types.StorageStats{
		InputsStored:   len(s.data.Inputs),
		InputsByKind:   make(map[string]int),
		FailuresByKind: make(map[string]int),
		LastUpdatedAt:  time.Now(),
	}

	hashes := make(map[string]bool)
	for _, r := range s.data.Inputs {
		if r.SHA3Hash != "" {
			hashes[r.SHA3Hash] = true
		}
		if r.Kind != "" {
			stats.InputsByKind[r.Kind]++
		}
		if r.ErrorKind != "" {
			stats.FailuresByKind[r.ErrorKind]++
		}
		stats.AssembliesFound += len(r.Assemblies)
	}
	stats.UniqueHashes = len(hashes)

	s.data.Stats = stats
	s.data.LastUpdated = stats.LastUpdatedAt
}

// Close finalizes the storage
func (s *JSONStorage) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.rebuildStats()

	logger.Infof("Closing storage with %d inputs stored", s.data.Stats.InputsStored)
	logger.Infof("Inputs by kind: %v", s.data.Stats.InputsByKind)
	if len(s.data.Stats.FailuresByKind) > 0 {
		logger.Infof("Failures by kind: %v", s.data.Stats.FailuresByKind)
	}

	return s.saveToFile()
}

// Stats returns storage statistics
func (s *JSONStorage) Stats() types.StorageStats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.data.Stats
}

// Reports returns a copy of the stored reports in path order
func (s *JSONStorage) Reports() []types.InputReport {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := append([]types.InputReport(nil), s.data.Inputs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// loadExistingData loads existing data from the JSON file
func (s *JSONStorage) loadExistingData() error {
	file, err := os.Open(s.filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}

	var output JSONOutput
	if err := json.Unmarshal(data, &output); err != nil {
		return err
	}

	s.data = output
	if s.data.Inputs == nil {
		s.data.Inputs = make([]types.InputReport, 0)
	}
	for i, r := range s.data.Inputs {
		s.pathIndex[r.Path] = i
	}

	logger.Infof("Loaded %d existing reports from %s", len(s.data.Inputs), s.filePath)
	return nil
}

// saveToFile writes the reports, sorted by path, to the JSON file
func (s *JSONStorage) saveToFile() error {
	s.sortInputs()

	file, err := os.Create(s.filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	return encoder.Encode(s.data)
}

// sortInputs sorts the reports by path and refreshes the index
func (s *JSONStorage) sortInputs() {
	sort.Slice(s.data.Inputs, func(i, j int) bool {
		return s.data.Inputs[i].Path < s.data.Inputs[j].Path
	})
	for i, r := range s.data.Inputs {
		s.pathIndex[r.Path] = i
	}
}
