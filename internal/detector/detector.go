// Package detector classifies input files by walking a static tree of format
// signatures. Every sibling at a level is probed; exactly one may accept.
package detector

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/deploymenttheory/go-assembly-store/internal/errs"
	"github.com/deploymenttheory/go-assembly-store/internal/input"
	"github.com/deploymenttheory/go-assembly-store/internal/logger"
	"github.com/deploymenttheory/go-assembly-store/internal/stream"
)

// Result is the classification so far: the chain of accepting detectors and
// the state the deepest one produced.
type Result struct {
	Chain  []string
	State  interface{}
	Parent *Result
}

// Name is the deepest accepted detector.
func (r *Result) Name() string {
	if r == nil || len(r.Chain) == 0 {
		return ""
	}
	return r.Chain[len(r.Chain)-1]
}

// ProbeFunc checks one signature. It must not fail or move the stream
// position. The returned state is handed to nested probes and to Open.
type ProbeFunc func(s *stream.Stream, parent *Result) (bool, interface{})

// OpenFunc builds the reader for a leaf match.
type OpenFunc func(s *stream.Stream, match *Result) (*input.Contents, error)

// Detector is a node of the tree. A detector without nested detectors is a
// leaf and must have Open.
type Detector struct {
	Name   string
	Probe  ProbeFunc
	Open   OpenFunc
	Nested []*Detector

	// InputConflicts marks nested detectors whose signatures can all be
	// present in one malformed input, such as a zip carrying two package
	// manifests. Several accepting children then fail that input as
	// unrecognized instead of reporting an ambiguous tree.
	InputConflicts bool
}

// Tree is an immutable detector hierarchy.
type Tree struct {
	root *Detector
}

// NewTree validates the hierarchy under root.
func NewTree(root *Detector) (*Tree, error) {
	if err := validate(root); err != nil {
		return nil, err
	}
	return &Tree{root: root}, nil
}

func validate(d *Detector) error {
	if d == nil || d.Name == "" || d.Probe == nil {
		return errors.New("detector needs a name and a probe")
	}
	if len(d.Nested) == 0 && d.Open == nil {
		return fmt.Errorf("leaf detector %s has no open function", d.Name)
	}

	seen := make(map[string]bool)
	for _, child := range d.Nested {
		if err := validate(child); err != nil {
			return err
		}
		if seen[child.Name] {
			return fmt.Errorf("detector %s has two children named %s", d.Name, child.Name)
		}
		seen[child.Name] = true
	}
	return nil
}

// DetectionError reports where classification or opening stopped.
type DetectionError struct {
	Path       string
	Chain      []string
	Candidates []string // siblings that all accepted, for ambiguous matches
	Err        error
}

func (e *DetectionError) Error() string {
	var b strings.Builder
	b.WriteString(e.Path)
	b.WriteString(": ")

	switch {
	case len(e.Candidates) > 0:
		fmt.Fprintf(&b, "%v: %s accepted by %s", e.Err, chainString(e.Chain), strings.Join(e.Candidates, ", "))
	case errors.Is(e.Err, errs.ErrUnrecognizedFormat) && len(e.Chain) > 0:
		fmt.Fprintf(&b, "%v below %s", e.Err, chainString(e.Chain))
	case len(e.Chain) > 0:
		fmt.Fprintf(&b, "%s: %v", chainString(e.Chain), e.Err)
	default:
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DetectionError) Unwrap() error { return e.Err }

func chainString(chain []string) string {
	return strings.Join(chain, " > ")
}

// Detect classifies the file at path and opens a reader for it.
// Directories and special files are unrecognized.
func (t *Tree) Detect(path string) (input.Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &DetectionError{Path: path, Err: errs.IO(path, err)}
	}
	if !info.Mode().IsRegular() {
		return nil, &DetectionError{Path: path, Err: fmt.Errorf("%w: not a regular file", errs.ErrUnrecognizedFormat)}
	}

	s, err := stream.Open(path)
	if err != nil {
		return nil, &DetectionError{Path: path, Err: errs.IO(path, err)}
	}
	return t.DetectStream(s)
}

// DetectStream classifies s and opens a reader for it. On success the
// reader owns s; on failure s is closed.
func (t *Tree) DetectStream(s *stream.Stream) (input.Reader, error) {
	match, leaf, err := t.Classify(s)
	if err != nil {
		s.Close()
		return nil, err
	}

	c, err := leaf.Open(s, match)
	if err != nil {
		s.Close()
		return nil, &DetectionError{Path: s.Description(), Chain: match.Chain, Err: err}
	}

	c.OwnCloser(s)
	logger.Debugf("%s: classified as %s", s.Description(), chainString(match.Chain))
	return c, nil
}

// Classify walks the tree without opening a reader. It returns the leaf
// match and its detector.
func (t *Tree) Classify(s *stream.Stream) (*Result, *Detector, error) {
	desc := s.Description()

	ok, state := safeProbe(t.root, s, nil)
	if !ok {
		return nil, nil, &DetectionError{Path: desc, Err: errs.ErrUnrecognizedFormat}
	}

	node := t.root
	match := &Result{Chain: []string{node.Name}, State: state}

	for len(node.Nested) > 0 {
		var (
			accepted []*Detector
			states   []interface{}
		)
		for _, child := range node.Nested {
			if ok, st := safeProbe(child, s, match); ok {
				accepted = append(accepted, child)
				states = append(states, st)
			}
		}

		switch len(accepted) {
		case 0:
			return nil, nil, &DetectionError{Path: desc, Chain: match.Chain, Err: errs.ErrUnrecognizedFormat}
		case 1:
		default:
			names := make([]string, len(accepted))
			for i, d := range accepted {
				names[i] = d.Name
			}
			if node.InputConflicts {
				err := fmt.Errorf("%w: conflicting layouts", errs.ErrUnrecognizedFormat)
				return nil, nil, &DetectionError{Path: desc, Chain: match.Chain, Candidates: names, Err: err}
			}
			logger.Errorf("%s: detectors %s all accepted below %s", desc, strings.Join(names, ", "), chainString(match.Chain))
			return nil, nil, &DetectionError{Path: desc, Chain: match.Chain, Candidates: names, Err: errs.ErrAmbiguousFormat}
		}

		node = accepted[0]
		chain := append(append([]string(nil), match.Chain...), node.Name)
		match = &Result{Chain: chain, State: states[0], Parent: match}
	}

	return match, node, nil
}

// safeProbe runs a probe and checks that it left the stream position alone.
// A panicking probe declines.
func safeProbe(d *Detector, s *stream.Stream, parent *Result) (ok bool, state interface{}) {
	before, posErr := s.Position()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("%s: %s probe panicked: %v", s.Description(), d.Name, r)
			ok, state = false, nil
		}
		if posErr == nil {
			if after, err := s.Position(); err == nil && after != before {
				logger.Warningf("%s: %s probe moved the stream from %d to %d", s.Description(), d.Name, before, after)
				s.Seek(before, io.SeekStart)
			}
		}
	}()

	return d.Probe(s, parent)
}
