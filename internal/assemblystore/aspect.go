package assemblystore

import (
	"encoding/binary"

	"github.com/deploymenttheory/go-assembly-store/internal/aspect"
	"github.com/deploymenttheory/go-assembly-store/internal/stream"
)

// Probe reports whether s starts with the store magic and a supported
// version.
func Probe(s *stream.Stream) bool {
	head, err := s.Peek(0, 8)
	if err != nil || len(head) < 8 {
		return false
	}
	return string(head[:4]) == string(Magic) && binary.LittleEndian.Uint32(head[4:8]) == Version
}

// Aspect recognizes raw store blobs inside packages.
type Aspect struct{}

func (Aspect) Name() string { return "assembly-store" }

func (Aspect) Probe(s *stream.Stream, description string) bool {
	return Probe(s)
}

func (Aspect) Load(s *stream.Stream, description string) (aspect.Instance, error) {
	st, err := Open(s)
	if err != nil {
		return nil, err
	}
	return st, nil
}
