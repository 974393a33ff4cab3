// Package apppackage opens ZIP-based Android packages (APK, AAB and base
// modules) and discovers the aspects embedded in them.
package apppackage

import (
	"fmt"
	"io"
	"strings"

	"github.com/deploymenttheory/go-assembly-store/internal/aspect"
	"github.com/deploymenttheory/go-assembly-store/internal/assembly"
	"github.com/deploymenttheory/go-assembly-store/internal/assemblystore"
	"github.com/deploymenttheory/go-assembly-store/internal/elfdso"
	"github.com/deploymenttheory/go-assembly-store/internal/input"
	"github.com/deploymenttheory/go-assembly-store/internal/logger"
	"github.com/deploymenttheory/go-assembly-store/internal/stream"
	"github.com/deploymenttheory/go-assembly-store/internal/typemap"
	"github.com/klauspost/compress/zip"
)

// Format is the package flavor.
type Format string

// Package formats
const (
	FormatAPK  Format = "apk"
	FormatAAB  Format = "aab"
	FormatBase Format = "base"
)

// MaxInflatedEntry caps the size of a deflated entry loaded into memory.
const MaxInflatedEntry = 512 << 20

// MaxInflatedPackage caps the bytes inflated into memory across all entries
// of one package. Entries past the cap are recorded as failures.
var MaxInflatedPackage int64 = 1 << 30

// Layout describes where a format keeps its manifest and payloads.
type Layout struct {
	Format   Format
	Manifest string
	Roots    []string // entry prefixes searched for aspects
}

// Layouts lists the known formats in detector registration order.
var Layouts = []Layout{
	{
		Format:   FormatAPK,
		Manifest: "AndroidManifest.xml",
		Roots:    []string{"assemblies/", "lib/", "typemaps/"},
	},
	{
		Format:   FormatAAB,
		Manifest: "base/manifest/AndroidManifest.xml",
		Roots:    []string{"base/root/assemblies/", "base/lib/", "base/root/typemaps/"},
	},
	{
		Format:   FormatBase,
		Manifest: "manifest/AndroidManifest.xml",
		Roots:    []string{"root/assemblies/", "lib/", "root/typemaps/"},
	},
}

// LayoutFor returns the layout of format.
func LayoutFor(format Format) (Layout, bool) {
	for _, l := range Layouts {
		if l.Format == format {
			return l, true
		}
	}
	return Layout{}, false
}

// DefaultRegistry returns the aspects probed for every candidate entry.
func DefaultRegistry() *aspect.Registry {
	return aspect.NewRegistry(
		assemblystore.Aspect{},
		elfdso.StorePayloadAspect{},
		assembly.CompressedAspect{},
		assembly.PlainAspect{},
		typemap.Aspect{},
	)
}

// EntryNames indexes the archive's entry names. Lookups do not depend on
// archive order.
func EntryNames(zr *zip.Reader) map[string]bool {
	names := make(map[string]bool, len(zr.File))
	for _, f := range zr.File {
		names[f.Name] = true
	}
	return names
}

// Package is an opened, classified Android package.
type Package struct {
	Format    Format
	Archive   *zip.Reader
	Instances []aspect.Instance
	Failures  []aspect.Failure

	desc string
}

// Open probes every candidate entry of zr against registry. zr must read
// from s. Load failures are collected, not returned.
func Open(s *stream.Stream, zr *zip.Reader, format Format, registry *aspect.Registry) (*Package, error) {
	layout, ok := LayoutFor(format)
	if !ok {
		return nil, fmt.Errorf("unknown package format %q", format)
	}

	p := &Package{Format: format, Archive: zr, desc: s.Description()}
	budget := MaxInflatedPackage

	for _, f := range zr.File {
		if !candidate(layout, f) {
			continue
		}

		desc := p.desc + "!" + f.Name
		es, err := entryStream(s, f, desc, budget)
		if err != nil {
			logger.Warningf("%s: %v", desc, err)
			p.Failures = append(p.Failures, aspect.Failure{Description: desc, Err: err})
			continue
		}
		if f.Method != zip.Store {
			budget -= es.Size()
		}

		instances, failures := registry.Load(es, desc)
		p.Instances = append(p.Instances, instances...)
		p.Failures = append(p.Failures, failures...)
	}

	logger.Debugf("%s: %s package, %d aspects loaded, %d failed", p.desc, format, len(p.Instances), len(p.Failures))
	return p, nil
}

func candidate(layout Layout, f *zip.File) bool {
	if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
		return false
	}
	for _, root := range layout.Roots {
		if strings.HasPrefix(f.Name, root) {
			return true
		}
	}
	return false
}

// entryStream exposes a stored entry as a window on the package stream and
// inflates deflated entries into memory, at most budget bytes of them.
func entryStream(s *stream.Stream, f *zip.File, desc string, budget int64) (*stream.Stream, error) {
	if f.Method == zip.Store {
		if f.CompressedSize64 != f.UncompressedSize64 {
			return nil, fmt.Errorf("stored entry sizes differ: %d != %d", f.CompressedSize64, f.UncompressedSize64)
		}
		off, err := f.DataOffset()
		if err != nil {
			return nil, err
		}
		return s.Section(off, int64(f.UncompressedSize64), desc)
	}

	limit := int64(MaxInflatedEntry)
	if budget < limit {
		limit = budget
	}
	if limit < 0 {
		limit = 0
	}
	if f.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("entry of %d bytes exceeds the %d byte inflate limit", f.UncompressedSize64, limit)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("entry inflates beyond the %d byte limit", limit)
	}
	return stream.FromBytes(data, desc), nil
}

// Description implements aspect.Instance.
func (p *Package) Description() string { return p.desc }

// Contents turns the package into an input reader. The package stream stays
// with the caller.
func (p *Package) Contents(chain []string) (*input.Contents, error) {
	c := input.New(string(p.Format), chain, p.desc)
	c.SetAttribute("format", string(p.Format))
	c.SetAttribute("entries", fmt.Sprintf("%d", len(p.Archive.File)))

	for _, inst := range p.Instances {
		if err := c.Add(inst); err != nil {
			return nil, err
		}
	}
	for _, f := range p.Failures {
		c.AddFailure(f)
	}

	return c, nil
}
