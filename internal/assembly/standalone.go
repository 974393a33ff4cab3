package assembly

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-assembly-store/internal/aspect"
	"github.com/deploymenttheory/go-assembly-store/internal/codec"
	"github.com/deploymenttheory/go-assembly-store/internal/errs"
	"github.com/deploymenttheory/go-assembly-store/internal/stream"
)

// Signatures
var (
	CompressedMagic = []byte("XALZ")
	PEMagic         = []byte("MZ")
)

// CompressedHeaderSize is magic + descriptor index + uncompressed size.
const CompressedHeaderSize = 12

// Payload is a standalone assembly entry loaded from its own stream.
type Payload struct {
	Assembly        ApplicationAssembly
	DescriptorIndex uint32

	src    *stream.Stream
	offset int64
	method codec.Method
}

// Description implements aspect.Instance.
func (p *Payload) Description() string { return p.Assembly.Container }

// Bytes reads and decodes the assembly. The result length always equals
// Assembly.Size.
func (p *Payload) Bytes() ([]byte, error) {
	stored, err := p.src.ReadFull(p.offset, int(p.Assembly.CompressedSize))
	if err != nil {
		return nil, errs.IO(p.src.Description(), err)
	}
	return codec.Decode(p.method, p.Assembly.Name, stored, p.Assembly.Size)
}

// CompressedAspect recognizes XALZ-wrapped assemblies.
type CompressedAspect struct{}

func (CompressedAspect) Name() string { return "compressed-assembly" }

func (CompressedAspect) Probe(s *stream.Stream, description string) bool {
	return s.Size() >= CompressedHeaderSize && s.HasPrefix(0, CompressedMagic)
}

func (CompressedAspect) Load(s *stream.Stream, description string) (aspect.Instance, error) {
	head, err := s.ReadFull(0, CompressedHeaderSize)
	if err != nil {
		return nil, errs.IO(description, err)
	}
	if !bytes.Equal(head[:4], CompressedMagic) {
		return nil, fmt.Errorf("%s: not a compressed assembly", description)
	}

	stored := s.Size() - CompressedHeaderSize
	if stored > int64(^uint32(0)) {
		return nil, fmt.Errorf("%s: compressed payload too large", description)
	}

	a, err := New(ApplicationAssembly{
		Name:           NameFromPath(description),
		ABI:            ABIFromPath(description),
		IsCompressed:   true,
		CompressedSize: uint32(stored),
		Size:           binary.LittleEndian.Uint32(head[8:12]),
		Container:      description,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", description, err)
	}

	return &Payload{
		Assembly:        a,
		DescriptorIndex: binary.LittleEndian.Uint32(head[4:8]),
		src:             s,
		offset:          CompressedHeaderSize,
		method:          codec.MethodLZ4,
	}, nil
}

// PlainAspect recognizes uncompressed PE assemblies.
type PlainAspect struct{}

func (PlainAspect) Name() string { return "assembly" }

func (PlainAspect) Probe(s *stream.Stream, description string) bool {
	return s.HasPrefix(0, PEMagic)
}

func (PlainAspect) Load(s *stream.Stream, description string) (aspect.Instance, error) {
	if s.Size() > int64(^uint32(0)) {
		return nil, fmt.Errorf("%s: assembly too large", description)
	}
	size := uint32(s.Size())

	a, err := New(ApplicationAssembly{
		Name:           NameFromPath(description),
		ABI:            ABIFromPath(description),
		CompressedSize: size,
		Size:           size,
		Container:      description,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", description, err)
	}

	return &Payload{Assembly: a, src: s, method: codec.MethodNone}, nil
}

// EncodeCompressed wraps data in an XALZ container.
func EncodeCompressed(descriptorIndex uint32, data []byte) ([]byte, error) {
	block, ok, err := codec.Encode(codec.MethodLZ4, data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("lz4: data is not compressible")
	}

	out := make([]byte, CompressedHeaderSize, CompressedHeaderSize+len(block))
	copy(out, CompressedMagic)
	binary.LittleEndian.PutUint32(out[4:8], descriptorIndex)
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(data)))
	return append(out, block...), nil
}
