package detector

import (
	"debug/elf"
	"fmt"

	"github.com/deploymenttheory/go-assembly-store/internal/apppackage"
	"github.com/deploymenttheory/go-assembly-store/internal/aspect"
	"github.com/deploymenttheory/go-assembly-store/internal/assembly"
	"github.com/deploymenttheory/go-assembly-store/internal/assemblystore"
	"github.com/deploymenttheory/go-assembly-store/internal/elfdso"
	"github.com/deploymenttheory/go-assembly-store/internal/input"
	"github.com/deploymenttheory/go-assembly-store/internal/stream"
	"github.com/deploymenttheory/go-assembly-store/internal/typemap"
	"github.com/klauspost/compress/zip"
)

// Detector names
const (
	NameFile               = "file"
	NameZip                = "zip"
	NameAPK                = "apk"
	NameAAB                = "aab"
	NameBase               = "base"
	NameELF                = "elf"
	NameXamarinApp         = "xamarin-app"
	NameStoreDSO           = "assembly-store-dso"
	NameAssemblyStore      = "assembly-store"
	NameCompressedAssembly = "compressed-assembly"
	NameTypeMap            = "typemap"
)

// zipLocalHeader is the local file header signature.
var zipLocalHeader = []byte("PK\x03\x04")

// zipState is what the zip detector hands its children.
type zipState struct {
	reader *zip.Reader
	names  map[string]bool
}

// DefaultTree returns the tree of every format the engine understands,
// probing package entries with registry. A nil registry uses
// apppackage.DefaultRegistry.
func DefaultTree(registry *aspect.Registry) *Tree {
	if registry == nil {
		registry = apppackage.DefaultRegistry()
	}

	packageDetector := func(format apppackage.Format) *Detector {
		layout, _ := apppackage.LayoutFor(format)
		return &Detector{
			Name: string(format),
			Probe: func(s *stream.Stream, parent *Result) (bool, interface{}) {
				zs, ok := parent.State.(*zipState)
				return ok && zs.names[layout.Manifest], zs
			},
			Open: func(s *stream.Stream, match *Result) (*input.Contents, error) {
				zs := match.State.(*zipState)
				p, err := apppackage.Open(s, zs.reader, format, registry)
				if err != nil {
					return nil, err
				}
				return p.Contents(match.Chain)
			},
		}
	}

	root := &Detector{
		Name:  NameFile,
		Probe: probeFile,
		Nested: []*Detector{
			{
				Name:           NameZip,
				Probe:          probeZip,
				InputConflicts: true,
				Nested: []*Detector{
					packageDetector(apppackage.FormatAPK),
					packageDetector(apppackage.FormatAAB),
					packageDetector(apppackage.FormatBase),
				},
			},
			{
				Name:           NameELF,
				Probe:          probeELF,
				InputConflicts: true,
				Nested: []*Detector{
					{Name: NameXamarinApp, Probe: probeXamarinApp, Open: openXamarinApp},
					{Name: NameStoreDSO, Probe: probeStoreDSO, Open: openStoreDSO},
				},
			},
			{Name: NameAssemblyStore, Probe: probeAssemblyStore, Open: openAssemblyStore},
			{Name: NameCompressedAssembly, Probe: probeCompressedAssembly, Open: openCompressedAssembly},
			{Name: NameTypeMap, Probe: probeTypeMap, Open: openTypeMap},
		},
	}

	tree, err := NewTree(root)
	if err != nil {
		panic(fmt.Sprintf("default detector tree: %v", err))
	}
	return tree
}

func probeFile(s *stream.Stream, parent *Result) (bool, interface{}) {
	return s.Size() > 0, nil
}

func probeZip(s *stream.Stream, parent *Result) (bool, interface{}) {
	if !s.HasPrefix(0, zipLocalHeader) {
		return false, nil
	}
	zr, err := zip.NewReader(s, s.Size())
	if err != nil || len(zr.File) == 0 {
		return false, nil
	}
	return true, &zipState{reader: zr, names: apppackage.EntryNames(zr)}
}

func probeELF(s *stream.Stream, parent *Result) (bool, interface{}) {
	if !elfdso.HasMagic(s) {
		return false, nil
	}
	f, err := elfdso.Parse(s)
	if err != nil {
		return false, nil
	}
	return true, f
}

func probeXamarinApp(s *stream.Stream, parent *Result) (bool, interface{}) {
	f, ok := parent.State.(*elf.File)
	return ok && elfdso.HasFormatTag(f), f
}

func probeStoreDSO(s *stream.Stream, parent *Result) (bool, interface{}) {
	f, ok := parent.State.(*elf.File)
	if !ok {
		return false, nil
	}
	_, found := elfdso.StorePayload(f, s)
	return found, f
}

func probeAssemblyStore(s *stream.Stream, parent *Result) (bool, interface{}) {
	return assemblystore.Probe(s), nil
}

func probeCompressedAssembly(s *stream.Stream, parent *Result) (bool, interface{}) {
	return assembly.CompressedAspect{}.Probe(s, s.Description()), nil
}

func probeTypeMap(s *stream.Stream, parent *Result) (bool, interface{}) {
	return typemap.Probe(s), nil
}

func single(s *stream.Stream, match *Result, inst aspect.Instance) (*input.Contents, error) {
	c := input.New(match.Name(), match.Chain, s.Description())
	if err := c.Add(inst); err != nil {
		return nil, err
	}
	return c, nil
}

func openXamarinApp(s *stream.Stream, match *Result) (*input.Contents, error) {
	app, err := elfdso.OpenApp(s)
	if err != nil {
		return nil, err
	}
	return single(s, match, app)
}

func openStoreDSO(s *stream.Stream, match *Result) (*input.Contents, error) {
	st, err := elfdso.OpenStore(s)
	if err != nil {
		return nil, err
	}
	return single(s, match, st)
}

func openAssemblyStore(s *stream.Stream, match *Result) (*input.Contents, error) {
	st, err := assemblystore.Open(s)
	if err != nil {
		return nil, err
	}
	// assemblies.arm64_v8a.blob style names carry the ABI.
	if abi := assembly.ABIFromPath(s.Description()); abi != "" {
		st.AssumeABI(abi)
	}
	return single(s, match, st)
}

func openCompressedAssembly(s *stream.Stream, match *Result) (*input.Contents, error) {
	inst, err := assembly.CompressedAspect{}.Load(s, s.Description())
	if err != nil {
		return nil, err
	}
	return single(s, match, inst)
}

func openTypeMap(s *stream.Stream, match *Result) (*input.Contents, error) {
	tm, err := typemap.Parse(s)
	if err != nil {
		return nil, err
	}
	return single(s, match, tm)
}
