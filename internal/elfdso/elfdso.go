// Package elfdso inspects the ELF shared libraries shipped inside Android
// packages: the application library exporting format_tag, and libraries that
// carry an assembly store in a section named payload.
package elfdso

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-assembly-store/internal/aspect"
	"github.com/deploymenttheory/go-assembly-store/internal/assemblystore"
	"github.com/deploymenttheory/go-assembly-store/internal/errs"
	"github.com/deploymenttheory/go-assembly-store/internal/logger"
	"github.com/deploymenttheory/go-assembly-store/internal/stream"
	"github.com/deploymenttheory/go-assembly-store/internal/typemap"
)

// Conventions recognized in application libraries.
const (
	FormatTagSymbol = "format_tag"
	PayloadSection  = "payload"
	TypeMapSection  = "typemap"
)

// Magic is the ELF identification prefix.
var Magic = []byte(elf.ELFMAG)

// HasMagic reports whether s starts with the ELF identification bytes.
func HasMagic(s *stream.Stream) bool {
	return s.HasPrefix(0, Magic)
}

// Parse reads the ELF headers of s. Only header and section table bytes
// are read; the stream position is untouched.
func Parse(s *stream.Stream) (f *elf.File, err error) {
	// debug/elf can panic on hostile section tables.
	defer func() {
		if r := recover(); r != nil {
			f, err = nil, fmt.Errorf("%s: malformed ELF: %v", s.Description(), r)
		}
	}()
	return elf.NewFile(s)
}

// ABIFromMachine maps the ELF machine onto an Android ABI name.
func ABIFromMachine(m elf.Machine) string {
	switch m {
	case elf.EM_AARCH64:
		return "arm64-v8a"
	case elf.EM_ARM:
		return "armeabi-v7a"
	case elf.EM_X86_64:
		return "x86_64"
	case elf.EM_386:
		return "x86"
	default:
		return ""
	}
}

// HasFormatTag reports whether f exports the format_tag dynamic symbol.
func HasFormatTag(f *elf.File) bool {
	_, ok := lookupDynamic(f, FormatTagSymbol)
	return ok
}

// StorePayload returns the payload section when it starts with the store
// magic.
func StorePayload(f *elf.File, s *stream.Stream) (*elf.Section, bool) {
	sec := f.Section(PayloadSection)
	if sec == nil || sec.Type == elf.SHT_NOBITS || sec.Size < uint64(len(assemblystore.Magic)) {
		return nil, false
	}
	if sec.Offset+sec.Size > uint64(s.Size()) {
		return nil, false
	}
	return sec, s.HasPrefix(int64(sec.Offset), assemblystore.Magic)
}

func lookupDynamic(f *elf.File, name string) (elf.Symbol, bool) {
	syms, err := f.DynamicSymbols()
	if err != nil {
		return elf.Symbol{}, false
	}
	for _, sym := range syms {
		if sym.Name == name && sym.Section != elf.SHN_UNDEF {
			return sym, true
		}
	}
	return elf.Symbol{}, false
}

// App is an application shared library exporting format_tag.
type App struct {
	FormatTag uint64
	ABI       string
	TypeMap   *typemap.TypeMap

	desc string
}

// Description implements aspect.Instance.
func (a *App) Description() string { return a.desc }

// OpenApp reads the format tag and, when present, the typemap section.
func OpenApp(s *stream.Stream) (*App, error) {
	desc := s.Description()

	f, err := Parse(s)
	if err != nil {
		return nil, errs.IO(desc, err)
	}

	sym, ok := lookupDynamic(f, FormatTagSymbol)
	if !ok {
		return nil, fmt.Errorf("%s: no %s symbol", desc, FormatTagSymbol)
	}
	tag, err := readSymbolValue(f, s, sym)
	if err != nil {
		return nil, errs.IO(desc, err)
	}

	app := &App{FormatTag: tag, ABI: ABIFromMachine(f.Machine), desc: desc}

	if sec := f.Section(TypeMapSection); sec != nil && sec.Type != elf.SHT_NOBITS {
		sub, err := s.Section(int64(sec.Offset), int64(sec.Size), desc+"!"+TypeMapSection)
		if err != nil {
			return nil, errs.IO(desc, err)
		}
		if typemap.Probe(sub) {
			app.TypeMap, err = typemap.Parse(sub)
			if err != nil {
				return nil, err
			}
		}
	}

	logger.Debugf("%s: application library, format tag %#x, abi %s", desc, app.FormatTag, app.ABI)
	return app, nil
}

func readSymbolValue(f *elf.File, s *stream.Stream, sym elf.Symbol) (uint64, error) {
	if int(sym.Section) >= len(f.Sections) {
		return 0, fmt.Errorf("symbol %s in section %d out of range", sym.Name, sym.Section)
	}
	sec := f.Sections[sym.Section]
	if sec.Type == elf.SHT_NOBITS {
		return 0, fmt.Errorf("symbol %s lies in %s, which has no file contents", sym.Name, sec.Name)
	}
	if sym.Value < sec.Addr || sym.Value-sec.Addr+sym.Size > sec.Size {
		return 0, fmt.Errorf("symbol %s lies outside section %s", sym.Name, sec.Name)
	}

	var width int
	switch sym.Size {
	case 4, 8:
		width = int(sym.Size)
	default:
		return 0, fmt.Errorf("symbol %s has unsupported size %d", sym.Name, sym.Size)
	}

	raw, err := s.ReadFull(int64(sec.Offset+sym.Value-sec.Addr), width)
	if err != nil {
		return 0, err
	}

	order := f.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}
	if width == 4 {
		return uint64(order.Uint32(raw)), nil
	}
	return order.Uint64(raw), nil
}

// OpenStore opens the assembly store carried in the payload section. The
// store's ABI-independent section is labelled with the library's ABI.
func OpenStore(s *stream.Stream) (*assemblystore.Store, error) {
	desc := s.Description()

	f, err := Parse(s)
	if err != nil {
		return nil, errs.IO(desc, err)
	}
	sec, ok := StorePayload(f, s)
	if !ok {
		return nil, fmt.Errorf("%s: no assembly store in %s section", desc, PayloadSection)
	}

	sub, err := s.Section(int64(sec.Offset), int64(sec.Size), desc+"!"+PayloadSection)
	if err != nil {
		return nil, errs.IO(desc, err)
	}

	st, err := assemblystore.Open(sub)
	if err != nil {
		return nil, err
	}
	st.AssumeABI(ABIFromMachine(f.Machine))
	return st, nil
}

// StorePayloadAspect recognizes libassemblies.<abi>.blob.so style libraries.
type StorePayloadAspect struct{}

func (StorePayloadAspect) Name() string { return "assembly-store-dso" }

func (StorePayloadAspect) Probe(s *stream.Stream, description string) bool {
	if !HasMagic(s) {
		return false
	}
	f, err := Parse(s)
	if err != nil {
		return false
	}
	_, ok := StorePayload(f, s)
	return ok
}

func (StorePayloadAspect) Load(s *stream.Stream, description string) (aspect.Instance, error) {
	st, err := OpenStore(s)
	if err != nil {
		return nil, err
	}
	return st, nil
}
