package assemblystore

import (
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/deploymenttheory/go-assembly-store/internal/codec"
)

// Entry is one assembly handed to the Builder in stored form.
type Entry struct {
	Name         string
	Method       codec.Method
	IgnoreOnLoad bool
	Stored       []byte
	Size         uint32
}

// Builder writes stores in the layout Open reads. Sections are emitted in
// the order their ABI is first used.
type Builder struct {
	order    []ABI
	sections map[ABI][]Entry
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{sections: make(map[ABI][]Entry)}
}

// Add stores data uncompressed.
func (b *Builder) Add(abi ABI, name string, data []byte) {
	b.AddRaw(abi, Entry{Name: name, Method: codec.MethodNone, Stored: data, Size: uint32(len(data))})
}

// AddCompressed stores data with method. Data the method cannot shrink is
// stored uncompressed.
func (b *Builder) AddCompressed(abi ABI, name string, data []byte, method codec.Method) error {
	stored, ok, err := codec.Encode(method, data)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if !ok || len(stored) > len(data) {
		b.Add(abi, name, data)
		return nil
	}
	b.AddRaw(abi, Entry{Name: name, Method: method, Stored: stored, Size: uint32(len(data))})
	return nil
}

// AddRaw adds an entry exactly as given. No consistency checks are made, so
// tests can write stores that Open must reject.
func (b *Builder) AddRaw(abi ABI, e Entry) {
	if _, ok := b.sections[abi]; !ok {
		b.order = append(b.order, abi)
	}
	b.sections[abi] = append(b.sections[abi], e)
}

// Bytes serializes the store. A builder with no entries yields a store with
// one empty ABI-independent section.
func (b *Builder) Bytes() ([]byte, error) {
	order := b.order
	if len(order) == 0 {
		order = []ABI{ABIAny}
	}
	if len(order) > MaxSections {
		return nil, fmt.Errorf("%d sections exceed the maximum of %d", len(order), MaxSections)
	}

	var (
		total   uint32
		entries = make([]sectionEntry, len(order))
		offset  = uint64(HeaderSize) + uint64(len(order))*SectionEntrySize
	)

	for i, abi := range order {
		list := b.sections[abi]

		var namesSize, dataSize uint64
		for _, e := range list {
			if len(e.Name) > math.MaxUint16 {
				return nil, fmt.Errorf("name of %d bytes is too long", len(e.Name))
			}
			namesSize += uint64(len(e.Name))
			dataSize += uint64(len(e.Stored))
		}

		entries[i] = sectionEntry{ABI: abi, EntryCount: uint32(len(list))}
		entries[i].IndexOffset = uint32(offset)
		offset += uint64(len(list)) * RecordSize
		entries[i].NamesOffset = uint32(offset)
		entries[i].NamesSize = uint32(namesSize)
		offset += namesSize
		entries[i].DataOffset = uint32(offset)
		entries[i].DataSize = uint32(dataSize)
		offset += dataSize

		total += uint32(len(list))
	}
	if offset > math.MaxUint32 {
		return nil, fmt.Errorf("store of %d bytes exceeds the 4 GiB limit", offset)
	}

	out := make([]byte, offset)
	Header{
		Magic:        [4]byte{Magic[0], Magic[1], Magic[2], Magic[3]},
		Version:      Version,
		EntryCount:   total,
		SectionCount: uint32(len(order)),
	}.put(out[:HeaderSize])

	for i, abi := range order {
		se := entries[i]
		se.put(out[HeaderSize+i*SectionEntrySize:])

		var nameOff, dataOff uint32
		for r, e := range b.sections[abi] {
			rec := Record{
				NameOffset:   nameOff,
				NameLength:   uint16(len(e.Name)),
				Compression:  e.Method,
				NameHash:     xxhash.Sum64String(e.Name),
				DataOffset:   dataOff,
				StoredLength: uint32(len(e.Stored)),
				Size:         e.Size,
			}
			if e.IgnoreOnLoad {
				rec.Flags |= FlagIgnoreOnLoad
			}
			rec.put(out[se.IndexOffset+uint32(r*RecordSize):])

			copy(out[se.NamesOffset+nameOff:], e.Name)
			copy(out[se.DataOffset+dataOff:], e.Stored)
			nameOff += uint32(len(e.Name))
			dataOff += uint32(len(e.Stored))
		}
	}

	return out, nil
}
