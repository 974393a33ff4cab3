// Package assemblystore reads and writes assembly stores: a header, a table
// of per-ABI sections, and for each section an index, a name table and a
// data region holding the packed assemblies.
package assemblystore

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/deploymenttheory/go-assembly-store/internal/assembly"
	"github.com/deploymenttheory/go-assembly-store/internal/codec"
	"github.com/deploymenttheory/go-assembly-store/internal/errs"
	"github.com/deploymenttheory/go-assembly-store/internal/logger"
	"github.com/deploymenttheory/go-assembly-store/internal/stream"
)

// ErrNotFound is returned when a lookup names no record.
var ErrNotFound = errors.New("assembly not found in store")

// CorruptError describes the first consistency check a store failed.
type CorruptError struct {
	Store   string
	Section int // -1 for header level problems
	Record  int // -1 for section level problems
	Reason  string
}

func (e *CorruptError) Error() string {
	switch {
	case e.Section < 0:
		return fmt.Sprintf("%s: %s: %s", errs.ErrCorruptIndex, e.Store, e.Reason)
	case e.Record < 0:
		return fmt.Sprintf("%s: %s: section %d: %s", errs.ErrCorruptIndex, e.Store, e.Section, e.Reason)
	default:
		return fmt.Sprintf("%s: %s: section %d record %d: %s", errs.ErrCorruptIndex, e.Store, e.Section, e.Record, e.Reason)
	}
}

func (e *CorruptError) Unwrap() error { return errs.ErrCorruptIndex }

// Store is a parsed assembly store. The index is held in memory; payloads
// are read from the underlying stream on demand.
type Store struct {
	Header   Header
	Sections []*Section

	src        *stream.Stream
	desc       string
	assumedABI string
}

// Section is the per-ABI part of a store.
type Section struct {
	ABI     ABI
	Records []Record

	dataOffset uint32
	dataSize   uint32
	byName     map[string]int
	store      *Store
}

// Open parses and validates the store held in s. Every header, section and
// record check runs before any payload byte is read; on failure no store is
// returned.
func Open(s *stream.Stream) (*Store, error) {
	desc := s.Description()
	size := uint64(s.Size())

	corrupt := func(section, record int, format string, args ...interface{}) error {
		return &CorruptError{Store: desc, Section: section, Record: record, Reason: fmt.Sprintf(format, args...)}
	}

	if size < HeaderSize {
		return nil, corrupt(-1, -1, "%d bytes is too short for a header", size)
	}
	raw, err := s.ReadFull(0, HeaderSize)
	if err != nil {
		return nil, errs.IO(desc, err)
	}
	header := parseHeader(raw)

	if !bytes.Equal(header.Magic[:], Magic) {
		return nil, corrupt(-1, -1, "bad magic %q", header.Magic[:])
	}
	if header.Version != Version {
		return nil, corrupt(-1, -1, "unsupported version %d", header.Version)
	}
	if header.SectionCount == 0 || header.SectionCount > MaxSections {
		return nil, corrupt(-1, -1, "section count %d outside 1..%d", header.SectionCount, MaxSections)
	}

	tableEnd := uint64(HeaderSize) + uint64(header.SectionCount)*SectionEntrySize
	if tableEnd > size {
		return nil, corrupt(-1, -1, "section table ends at %d beyond store size %d", tableEnd, size)
	}
	table, err := s.ReadFull(HeaderSize, int(tableEnd-HeaderSize))
	if err != nil {
		return nil, errs.IO(desc, err)
	}

	store := &Store{Header: header, src: s, desc: desc}

	var total uint64
	seenABI := make(map[ABI]bool)

	for i := 0; i < int(header.SectionCount); i++ {
		entry := parseSectionEntry(table[i*SectionEntrySize : (i+1)*SectionEntrySize])

		if !entry.ABI.Valid() {
			return nil, corrupt(i, -1, "unknown ABI code %d", uint32(entry.ABI))
		}
		if seenABI[entry.ABI] {
			return nil, corrupt(i, -1, "duplicate section for ABI %s", entry.ABI)
		}
		seenABI[entry.ABI] = true

		indexEnd := uint64(entry.IndexOffset) + uint64(entry.EntryCount)*RecordSize
		if indexEnd > size {
			return nil, corrupt(i, -1, "index of %d records ends at %d beyond store size %d", entry.EntryCount, indexEnd, size)
		}
		if end := uint64(entry.NamesOffset) + uint64(entry.NamesSize); end > size {
			return nil, corrupt(i, -1, "name table ends at %d beyond store size %d", end, size)
		}
		if end := uint64(entry.DataOffset) + uint64(entry.DataSize); end > size {
			return nil, corrupt(i, -1, "data region ends at %d beyond store size %d", end, size)
		}
		total += uint64(entry.EntryCount)

		section, err := loadSection(s, store, i, entry, corrupt)
		if err != nil {
			return nil, err
		}
		store.Sections = append(store.Sections, section)
	}

	if total != uint64(header.EntryCount) {
		return nil, corrupt(-1, -1, "header declares %d entries but sections hold %d", header.EntryCount, total)
	}

	logger.Debugf("%s: assembly store with %d sections and %d entries", desc, header.SectionCount, header.EntryCount)
	return store, nil
}

func loadSection(s *stream.Stream, store *Store, idx int, entry sectionEntry,
	corrupt func(int, int, string, ...interface{}) error) (*Section, error) {

	index, err := s.ReadFull(int64(entry.IndexOffset), int(entry.EntryCount)*RecordSize)
	if err != nil {
		return nil, errs.IO(store.desc, err)
	}
	names, err := s.ReadFull(int64(entry.NamesOffset), int(entry.NamesSize))
	if err != nil {
		return nil, errs.IO(store.desc, err)
	}

	section := &Section{
		ABI:        entry.ABI,
		Records:    make([]Record, 0, entry.EntryCount),
		dataOffset: entry.DataOffset,
		dataSize:   entry.DataSize,
		byName:     make(map[string]int, entry.EntryCount),
		store:      store,
	}

	for r := 0; r < int(entry.EntryCount); r++ {
		rec := parseRecord(index[r*RecordSize : (r+1)*RecordSize])

		nameEnd := uint64(rec.NameOffset) + uint64(rec.NameLength)
		if rec.NameLength == 0 {
			return nil, corrupt(idx, r, "empty name")
		}
		if nameEnd > uint64(entry.NamesSize) {
			return nil, corrupt(idx, r, "name [%d, %d) outside name table of %d bytes", rec.NameOffset, nameEnd, entry.NamesSize)
		}
		nameBytes := names[rec.NameOffset:nameEnd]
		if !utf8.Valid(nameBytes) {
			return nil, corrupt(idx, r, "name is not valid UTF-8")
		}
		rec.Name = string(nameBytes)

		if xxhash.Sum64(nameBytes) != rec.NameHash {
			return nil, corrupt(idx, r, "name hash mismatch for %q", rec.Name)
		}
		if !rec.Compression.Valid() {
			return nil, corrupt(idx, r, "unknown compression method %d for %q", uint8(rec.Compression), rec.Name)
		}
		if end := uint64(rec.DataOffset) + uint64(rec.StoredLength); end > uint64(entry.DataSize) {
			return nil, corrupt(idx, r, "payload of %q [%d, %d) outside data region of %d bytes",
				rec.Name, rec.DataOffset, end, entry.DataSize)
		}
		if _, err := assembly.New(section.describe(rec)); err != nil {
			return nil, corrupt(idx, r, "%v", err)
		}
		if _, dup := section.byName[rec.Name]; dup {
			return nil, corrupt(idx, r, "duplicate name %q", rec.Name)
		}

		section.byName[rec.Name] = len(section.Records)
		section.Records = append(section.Records, rec)
	}

	return section, nil
}

// Description implements aspect.Instance.
func (st *Store) Description() string { return st.desc }

// AssumeABI labels the assemblies of the ABI-independent section with abi
// when the store has no section of its own for abi. Stores embedded in a
// shared library carry their architecture in the ELF header rather than in
// the section table.
func (st *Store) AssumeABI(abi string) {
	st.assumedABI = abi
}

// List returns every assembly in section order then index order.
func (st *Store) List() []assembly.ApplicationAssembly {
	var out []assembly.ApplicationAssembly
	for _, sec := range st.Sections {
		out = append(out, sec.List()...)
	}
	return out
}

// Section returns the section serving abi, or nil.
func (st *Store) Section(abi ABI) *Section {
	for _, sec := range st.Sections {
		if sec.ABI == abi {
			return sec
		}
	}
	return nil
}

// ABIs lists the section ABIs in table order.
func (st *Store) ABIs() []ABI {
	out := make([]ABI, 0, len(st.Sections))
	for _, sec := range st.Sections {
		out = append(out, sec.ABI)
	}
	return out
}

// Read decodes the assembly name from the section serving abi.
func (st *Store) Read(abi ABI, name string) ([]byte, error) {
	sec := st.Section(abi)
	if sec == nil {
		return nil, fmt.Errorf("%w: %s: no %s section", ErrNotFound, st.desc, abi)
	}
	return sec.Read(name)
}

// ReadAssembly reads a, as returned by List. The section recorded in a
// wins over its ABI label.
func (st *Store) ReadAssembly(a assembly.ApplicationAssembly) ([]byte, error) {
	name := a.Section
	if name == "" {
		name = a.ABI
	}
	abi, ok := ParseABI(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unknown ABI %q", ErrNotFound, st.desc, name)
	}
	if a.Section == "" && a.ABI != "" && a.ABI == st.assumedABI && st.Section(abi) == nil {
		abi = ABIAny
	}
	return st.Read(abi, a.Name)
}

// List returns the section's assemblies in index order. The index is never
// re-read, so repeated calls return identical slices.
func (sec *Section) List() []assembly.ApplicationAssembly {
	out := make([]assembly.ApplicationAssembly, 0, len(sec.Records))
	for _, rec := range sec.Records {
		out = append(out, sec.describe(rec))
	}
	return out
}

// Lookup returns the record for name.
func (sec *Section) Lookup(name string) (Record, bool) {
	i, ok := sec.byName[name]
	if !ok {
		return Record{}, false
	}
	return sec.Records[i], true
}

// Read reads and decodes one assembly from this section.
func (sec *Section) Read(name string) ([]byte, error) {
	rec, ok := sec.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s: %q in %s section", ErrNotFound, sec.store.desc, name, sec.ABI)
	}

	off := int64(sec.dataOffset) + int64(rec.DataOffset)
	stored, err := sec.store.src.ReadFull(off, int(rec.StoredLength))
	if err != nil {
		return nil, errs.IO(sec.store.desc, err)
	}

	return codec.Decode(rec.Compression, rec.Name, stored, rec.Size)
}

func (sec *Section) describe(rec Record) assembly.ApplicationAssembly {
	abi := sec.ABI.AssemblyABI()
	if abi == "" && sec.store.assumedABI != "" {
		if own, ok := ParseABI(sec.store.assumedABI); ok && sec.store.Section(own) == nil {
			abi = sec.store.assumedABI
		}
	}
	return assembly.ApplicationAssembly{
		Name:           rec.Name,
		ABI:            abi,
		IsCompressed:   rec.Compression != codec.MethodNone,
		CompressedSize: rec.StoredLength,
		Size:           rec.Size,
		IgnoreOnLoad:   rec.IgnoreOnLoad(),
		Container:      sec.store.desc,
		Section:        sec.ABI.String(),
	}
}
