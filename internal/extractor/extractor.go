// Package extractor writes the assemblies listed by an input reader to disk.
package extractor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/deploymenttheory/go-assembly-store/internal/assembly"
	"github.com/deploymenttheory/go-assembly-store/internal/errs"
	"github.com/deploymenttheory/go-assembly-store/internal/input"
	"github.com/deploymenttheory/go-assembly-store/internal/logger"
)

// Options controls extraction.
type Options struct {
	OutputDir string
	// ABI limits extraction to one architecture. ABI-independent assemblies
	// are always extracted. Empty means every ABI.
	ABI string
}

// Extracted is one assembly written to disk.
type Extracted struct {
	Assembly assembly.ApplicationAssembly `json:"assembly"`
	Path     string                       `json:"path"`
	Bytes    int                          `json:"bytes"`
}

// Failure is one assembly that could not be extracted.
type Failure struct {
	Assembly assembly.ApplicationAssembly `json:"assembly"`
	Kind     string                       `json:"kind"`
	Error    string                       `json:"error"`
}

// Result lists every assembly considered, extracted or failed.
type Result struct {
	Extracted []Extracted `json:"extracted"`
	Failures  []Failure   `json:"failures,omitempty"`
	Skipped   int         `json:"skipped,omitempty"`
}

// Extract writes <OutputDir>/<abi|any>/<name> for every listed assembly. A
// failing assembly is recorded and extraction continues. Only a cancelled
// context or an unusable output directory stops it early.
func Extract(ctx context.Context, r input.Reader, opts Options) (*Result, error) {
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("no output directory")
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, errs.IO(opts.OutputDir, err)
	}

	wantABI := opts.ABI
	if wantABI != "" {
		if canonical := assembly.NormalizeABI(wantABI); canonical != "" {
			wantABI = canonical
		}
	}

	res := &Result{}
	written := make(map[string]string)
	for _, a := range r.Assemblies() {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if wantABI != "" && a.ABI != "" && a.ABI != wantABI {
			res.Skipped++
			continue
		}

		path, n, err := extractOne(r, a, opts.OutputDir, written)
		if err != nil {
			logger.Warningf("%s: %s: %v", r.Description(), a.Name, err)
			res.Failures = append(res.Failures, Failure{Assembly: a, Kind: errs.Kind(err), Error: err.Error()})
			continue
		}

		logger.Debugf("%s: extracted %s (%d bytes)", r.Description(), path, n)
		written[path] = a.Container
		res.Extracted = append(res.Extracted, Extracted{Assembly: a, Path: path, Bytes: n})
	}

	return res, nil
}

// extractOne writes a unless an earlier assembly of this run already wrote
// the same output path.
func extractOne(r input.Reader, a assembly.ApplicationAssembly, outputDir string, written map[string]string) (string, int, error) {
	name, err := safeName(a.Name)
	if err != nil {
		return "", 0, err
	}

	path := filepath.Join(outputDir, a.DirName(), name)
	if from, ok := written[path]; ok {
		return "", 0, fmt.Errorf("%s already extracted from %s", path, from)
	}

	data, err := r.ReadAssembly(a)
	if err != nil {
		return "", 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, errs.IO(filepath.Dir(path), err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", 0, errs.IO(path, err)
	}
	return path, len(data), nil
}

// safeName rejects names that would escape the ABI directory.
func safeName(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || clean == ".." || filepath.IsAbs(clean) ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe assembly name %q", name)
	}
	return clean, nil
}
