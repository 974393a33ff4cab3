package assemblystore

import (
	"encoding/binary"

	"github.com/deploymenttheory/go-assembly-store/internal/assembly"
	"github.com/deploymenttheory/go-assembly-store/internal/codec"
)

// Store layout constants. All integers are little-endian.
const (
	Version = 1

	HeaderSize       = 16
	SectionEntrySize = 28
	RecordSize       = 28

	MaxSections = 16

	// FlagIgnoreOnLoad marks assemblies the runtime skips at startup.
	FlagIgnoreOnLoad uint8 = 1 << 0
)

// Magic is the store signature at offset 0.
var Magic = []byte("XABA")

// ABI identifies the architecture a section serves.
type ABI uint32

// Section ABIs
const (
	ABIAny ABI = iota
	ABIArm64
	ABIArm
	ABIX86_64
	ABIX86
)

var abiNames = map[ABI]string{
	ABIAny:    "any",
	ABIArm64:  "arm64-v8a",
	ABIArm:    "armeabi-v7a",
	ABIX86_64: "x86_64",
	ABIX86:    "x86",
}

func (a ABI) String() string {
	if name, ok := abiNames[a]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether a is a known ABI code.
func (a ABI) Valid() bool {
	_, ok := abiNames[a]
	return ok
}

// AssemblyABI is the ApplicationAssembly spelling: empty for ABIAny.
func (a ABI) AssemblyABI() string {
	if a == ABIAny {
		return ""
	}
	return a.String()
}

// ParseABI maps an ABI name onto its code. Empty and "any" map to ABIAny.
func ParseABI(name string) (ABI, bool) {
	if name == "" {
		return ABIAny, true
	}
	if canonical := assembly.NormalizeABI(name); canonical != "" {
		name = canonical
	}
	for abi, n := range abiNames {
		if n == name {
			return abi, true
		}
	}
	return ABIAny, false
}

// Header is the fixed store header.
type Header struct {
	Magic        [4]byte
	Version      uint32
	EntryCount   uint32
	SectionCount uint32
}

func parseHeader(b []byte) Header {
	var h Header
	copy(h.Magic[:], b[0:4])
	h.Version = binary.LittleEndian.Uint32(b[4:8])
	h.EntryCount = binary.LittleEndian.Uint32(b[8:12])
	h.SectionCount = binary.LittleEndian.Uint32(b[12:16])
	return h
}

func (h Header) put(b []byte) {
	copy(b[0:4], h.Magic[:])
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.EntryCount)
	binary.LittleEndian.PutUint32(b[12:16], h.SectionCount)
}

// sectionEntry is one row of the section table.
type sectionEntry struct {
	ABI         ABI
	EntryCount  uint32
	IndexOffset uint32
	NamesOffset uint32
	NamesSize   uint32
	DataOffset  uint32
	DataSize    uint32
}

func parseSectionEntry(b []byte) sectionEntry {
	return sectionEntry{
		ABI:         ABI(binary.LittleEndian.Uint32(b[0:4])),
		EntryCount:  binary.LittleEndian.Uint32(b[4:8]),
		IndexOffset: binary.LittleEndian.Uint32(b[8:12]),
		NamesOffset: binary.LittleEndian.Uint32(b[12:16]),
		NamesSize:   binary.LittleEndian.Uint32(b[16:20]),
		DataOffset:  binary.LittleEndian.Uint32(b[20:24]),
		DataSize:    binary.LittleEndian.Uint32(b[24:28]),
	}
}

func (e sectionEntry) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.ABI))
	binary.LittleEndian.PutUint32(b[4:8], e.EntryCount)
	binary.LittleEndian.PutUint32(b[8:12], e.IndexOffset)
	binary.LittleEndian.PutUint32(b[12:16], e.NamesOffset)
	binary.LittleEndian.PutUint32(b[16:20], e.NamesSize)
	binary.LittleEndian.PutUint32(b[20:24], e.DataOffset)
	binary.LittleEndian.PutUint32(b[24:28], e.DataSize)
}

// Record is one index entry. Offsets are relative to the owning section's
// name table and data region.
type Record struct {
	Name         string
	NameOffset   uint32
	NameLength   uint16
	Compression  codec.Method
	Flags        uint8
	NameHash     uint64
	DataOffset   uint32
	StoredLength uint32
	Size         uint32
}

// IgnoreOnLoad reports the ignore-on-load flag.
func (r Record) IgnoreOnLoad() bool {
	return r.Flags&FlagIgnoreOnLoad != 0
}

func parseRecord(b []byte) Record {
	return Record{
		NameOffset:   binary.LittleEndian.Uint32(b[0:4]),
		NameLength:   binary.LittleEndian.Uint16(b[4:6]),
		Compression:  codec.Method(b[6]),
		Flags:        b[7],
		NameHash:     binary.LittleEndian.Uint64(b[8:16]),
		DataOffset:   binary.LittleEndian.Uint32(b[16:20]),
		StoredLength: binary.LittleEndian.Uint32(b[20:24]),
		Size:         binary.LittleEndian.Uint32(b[24:28]),
	}
}

func (r Record) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], r.NameOffset)
	binary.LittleEndian.PutUint16(b[4:6], r.NameLength)
	b[6] = byte(r.Compression)
	b[7] = r.Flags
	binary.LittleEndian.PutUint64(b[8:16], r.NameHash)
	binary.LittleEndian.PutUint32(b[16:20], r.DataOffset)
	binary.LittleEndian.PutUint32(b[20:24], r.StoredLength)
	binary.LittleEndian.PutUint32(b[24:28], r.Size)
}
