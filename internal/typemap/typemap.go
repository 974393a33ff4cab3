// Package typemap reads managed-type to Java-type name tables.
package typemap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/deploymenttheory/go-assembly-store/internal/aspect"
	"github.com/deploymenttheory/go-assembly-store/internal/errs"
	"github.com/deploymenttheory/go-assembly-store/internal/stream"
	"github.com/google/uuid"
)

// Layout constants
const (
	Version    = 2
	HeaderSize = 40
)

// Magic is the typemap signature at offset 0.
var Magic = []byte("XATM")

// Entry pairs a Java type with its managed counterpart.
type Entry struct {
	JavaName    string `json:"java_name"`
	ManagedName string `json:"managed_name"`
}

// TypeMap is one parsed typemap module.
type TypeMap struct {
	ModuleID      uuid.UUID
	Assembly      string
	Entries       []Entry
	JavaToManaged map[string]string
	ManagedToJava map[string]string

	desc string
}

// Description implements aspect.Instance.
func (tm *TypeMap) Description() string { return tm.desc }

// ManagedName returns the managed type mapped to a Java type.
func (tm *TypeMap) ManagedName(javaName string) (string, bool) {
	name, ok := tm.JavaToManaged[javaName]
	return name, ok
}

// JavaName returns the Java type mapped to a managed type.
func (tm *TypeMap) JavaName(managedName string) (string, bool) {
	name, ok := tm.ManagedToJava[managedName]
	return name, ok
}

// Probe reports whether s starts with a supported typemap header.
func Probe(s *stream.Stream) bool {
	if s.Size() < HeaderSize {
		return false
	}
	head, err := s.Peek(0, 8)
	if err != nil || len(head) < 8 {
		return false
	}
	return bytes.Equal(head[:4], Magic) && binary.LittleEndian.Uint32(head[4:8]) == Version
}

// Parse reads a typemap. All sizes are checked against the stream before
// any entry is read.
func Parse(s *stream.Stream) (*TypeMap, error) {
	desc := s.Description()
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: typemap %s: %s", errs.ErrCorruptIndex, desc, fmt.Sprintf(format, args...))
	}

	if s.Size() < HeaderSize {
		return nil, invalid("%d bytes is too short for a header", s.Size())
	}
	head, err := s.ReadFull(0, HeaderSize)
	if err != nil {
		return nil, errs.IO(desc, err)
	}
	if !bytes.Equal(head[:4], Magic) {
		return nil, invalid("bad magic %q", head[:4])
	}
	if v := binary.LittleEndian.Uint32(head[4:8]); v != Version {
		return nil, invalid("unsupported version %d", v)
	}

	var (
		count        = binary.LittleEndian.Uint32(head[8:12])
		javaWidth    = binary.LittleEndian.Uint32(head[12:16])
		managedWidth = binary.LittleEndian.Uint32(head[16:20])
		nameSize     = binary.LittleEndian.Uint32(head[20:24])
	)

	if count > 0 && (javaWidth == 0 || managedWidth == 0) {
		return nil, invalid("zero name width with %d entries", count)
	}
	need := uint64(HeaderSize) + uint64(nameSize) + uint64(count)*(uint64(javaWidth)+uint64(managedWidth))
	if need > uint64(s.Size()) {
		return nil, invalid("%d entries need %d bytes, stream has %d", count, need, s.Size())
	}

	moduleID, err := uuid.FromBytes(head[24:40])
	if err != nil {
		return nil, invalid("module id: %v", err)
	}

	body, err := s.ReadFull(HeaderSize, int(need-HeaderSize))
	if err != nil {
		return nil, errs.IO(desc, err)
	}

	tm := &TypeMap{
		ModuleID:      moduleID,
		Assembly:      cstring(body[:nameSize]),
		Entries:       make([]Entry, 0, count),
		JavaToManaged: make(map[string]string, count),
		ManagedToJava: make(map[string]string, count),
		desc:          desc,
	}

	rowWidth := uint64(javaWidth) + uint64(managedWidth)
	rows := body[nameSize:]
	for i := uint64(0); i < uint64(count); i++ {
		row := rows[i*rowWidth : (i+1)*rowWidth]
		e := Entry{
			JavaName:    cstring(row[:javaWidth]),
			ManagedName: cstring(row[javaWidth:]),
		}
		if e.JavaName == "" || e.ManagedName == "" {
			return nil, invalid("entry %d has an empty name", i)
		}
		if !utf8.ValidString(e.JavaName) || !utf8.ValidString(e.ManagedName) {
			return nil, invalid("entry %d is not valid UTF-8", i)
		}

		tm.Entries = append(tm.Entries, e)
		// First occurrence wins in both directions.
		if _, ok := tm.JavaToManaged[e.JavaName]; !ok {
			tm.JavaToManaged[e.JavaName] = e.ManagedName
		}
		if _, ok := tm.ManagedToJava[e.ManagedName]; !ok {
			tm.ManagedToJava[e.ManagedName] = e.JavaName
		}
	}

	return tm, nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Encode writes a typemap. Name widths are sized to the longest name plus a
// terminating NUL.
func Encode(moduleID uuid.UUID, assemblyName string, entries []Entry) []byte {
	var javaWidth, managedWidth int
	for _, e := range entries {
		javaWidth = max(javaWidth, len(e.JavaName)+1)
		managedWidth = max(managedWidth, len(e.ManagedName)+1)
	}

	out := make([]byte, HeaderSize+len(assemblyName)+len(entries)*(javaWidth+managedWidth))
	copy(out, Magic)
	binary.LittleEndian.PutUint32(out[4:], Version)
	binary.LittleEndian.PutUint32(out[8:], uint32(len(entries)))
	binary.LittleEndian.PutUint32(out[12:], uint32(javaWidth))
	binary.LittleEndian.PutUint32(out[16:], uint32(managedWidth))
	binary.LittleEndian.PutUint32(out[20:], uint32(len(assemblyName)))
	copy(out[24:40], moduleID[:])

	off := HeaderSize + copy(out[HeaderSize:], assemblyName)
	for _, e := range entries {
		copy(out[off:], e.JavaName)
		off += javaWidth
		copy(out[off:], e.ManagedName)
		off += managedWidth
	}
	return out
}

// Aspect recognizes typemap files inside packages.
type Aspect struct{}

func (Aspect) Name() string { return "typemap" }

func (Aspect) Probe(s *stream.Stream, description string) bool {
	return Probe(s)
}

func (Aspect) Load(s *stream.Stream, description string) (aspect.Instance, error) {
	tm, err := Parse(s)
	if err != nil {
		return nil, err
	}
	return tm, nil
}
