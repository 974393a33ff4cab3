package testutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// ELFSection is an allocated section of a fixture library. Type defaults to
// SHT_PROGBITS.
type ELFSection struct {
	Name string
	Type elf.SectionType
	Data []byte
}

// ELFSymbol is a global dynamic symbol pointing into a fixture section.
type ELFSymbol struct {
	Name    string
	Section string
	Offset  uint64
	Size    uint64
}

// ELFOptions describes a minimal little-endian ELF64 shared object.
type ELFOptions struct {
	Machine  elf.Machine
	Sections []ELFSection
	Symbols  []ELFSymbol
}

const (
	elfHeaderSize     = 64
	elfSectionHdrSize = 64
	elfSymSize        = 24
)

// BuildELF lays out the header, then every section's data, then the section
// header table. Section addresses equal their file offsets.
//
// Section order: null, .shstrtab, .dynstr, .dynsym, then opts.Sections.
func BuildELF(opts ELFOptions) []byte {
	if opts.Machine == 0 {
		opts.Machine = elf.EM_AARCH64
	}

	type section struct {
		name    string
		typ     elf.SectionType
		flags   elf.SectionFlag
		data    []byte
		link    uint32
		info    uint32
		entsize uint64
		offset  uint64
		nameOff uint32
	}

	index := map[string]int{}
	sections := []*section{{}}
	add := func(s *section) {
		index[s.name] = len(sections)
		sections = append(sections, s)
	}

	shstrtab := &section{name: ".shstrtab", typ: elf.SHT_STRTAB}
	dynstr := &section{name: ".dynstr", typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC}
	dynsym := &section{name: ".dynsym", typ: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC, info: 1, entsize: elfSymSize}
	add(shstrtab)
	add(dynstr)
	add(dynsym)
	dynsym.link = uint32(index[".dynstr"])

	for _, s := range opts.Sections {
		typ := s.Type
		if typ == elf.SHT_NULL {
			typ = elf.SHT_PROGBITS
		}
		add(&section{name: s.Name, typ: typ, flags: elf.SHF_ALLOC, data: s.Data})
	}

	var names bytes.Buffer
	names.WriteByte(0)
	for _, s := range sections[1:] {
		s.nameOff = uint32(names.Len())
		names.WriteString(s.name)
		names.WriteByte(0)
	}
	shstrtab.data = names.Bytes()

	// Symbol values need section offsets, so lay out everything but the
	// symbol table first. .dynsym size is known up front.
	var strs bytes.Buffer
	strs.WriteByte(0)
	symNames := make([]uint32, len(opts.Symbols))
	for i, sym := range opts.Symbols {
		symNames[i] = uint32(strs.Len())
		strs.WriteString(sym.Name)
		strs.WriteByte(0)
	}
	dynstr.data = strs.Bytes()
	dynsym.data = make([]byte, elfSymSize*(len(opts.Symbols)+1))

	offset := uint64(elfHeaderSize)
	for _, s := range sections[1:] {
		offset = align8(offset)
		s.offset = offset
		offset += uint64(len(s.data))
	}
	shoff := align8(offset)

	for i, sym := range opts.Symbols {
		target := sections[index[sym.Section]]
		b := dynsym.data[(i+1)*elfSymSize:]
		binary.LittleEndian.PutUint32(b[0:], symNames[i])
		b[4] = byte(elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT))
		binary.LittleEndian.PutUint16(b[6:], uint16(index[sym.Section]))
		binary.LittleEndian.PutUint64(b[8:], target.offset+sym.Offset)
		binary.LittleEndian.PutUint64(b[16:], sym.Size)
	}

	out := make([]byte, shoff+uint64(len(sections))*elfSectionHdrSize)

	copy(out, elf.ELFMAG)
	out[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le := binary.LittleEndian
	le.PutUint16(out[16:], uint16(elf.ET_DYN))
	le.PutUint16(out[18:], uint16(opts.Machine))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(out[40:], shoff)
	le.PutUint16(out[52:], elfHeaderSize)
	le.PutUint16(out[58:], elfSectionHdrSize)
	le.PutUint16(out[60:], uint16(len(sections)))
	le.PutUint16(out[62:], uint16(index[".shstrtab"]))

	for i, s := range sections {
		if i > 0 {
			copy(out[s.offset:], s.data)
		}

		h := out[shoff+uint64(i)*elfSectionHdrSize:]
		le.PutUint32(h[0:], s.nameOff)
		le.PutUint32(h[4:], uint32(s.typ))
		le.PutUint64(h[8:], uint64(s.flags))
		if s.flags&elf.SHF_ALLOC != 0 {
			le.PutUint64(h[16:], s.offset)
		}
		le.PutUint64(h[24:], s.offset)
		le.PutUint64(h[32:], uint64(len(s.data)))
		le.PutUint32(h[40:], s.link)
		le.PutUint32(h[44:], s.info)
		le.PutUint64(h[48:], 1)
		le.PutUint64(h[56:], s.entsize)
	}

	return out
}

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}
