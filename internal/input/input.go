// Package input holds the result of classifying one top-level file.
package input

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/deploymenttheory/go-assembly-store/internal/aspect"
	"github.com/deploymenttheory/go-assembly-store/internal/assembly"
	"github.com/deploymenttheory/go-assembly-store/internal/assemblystore"
	"github.com/deploymenttheory/go-assembly-store/internal/elfdso"
	"github.com/deploymenttheory/go-assembly-store/internal/typemap"
)

// ErrUnknownContainer is returned by ReadAssembly for an assembly the reader
// did not list.
var ErrUnknownContainer = errors.New("assembly container not held by this reader")

// Reader is the handle produced by a successful detection. It owns every
// stream opened for the input until Close.
type Reader interface {
	// Kind is the leaf detector name, e.g. "apk".
	Kind() string
	// Chain lists accepted detector names from the root down.
	Chain() []string
	Description() string

	Assemblies() []assembly.ApplicationAssembly
	Stores() []*assemblystore.Store
	TypeMaps() []*typemap.TypeMap
	Attributes() map[string]string

	// ReadAssembly returns the uncompressed bytes of an assembly listed by
	// Assemblies.
	ReadAssembly(a assembly.ApplicationAssembly) ([]byte, error)

	Close() error
}

type source interface {
	read(a assembly.ApplicationAssembly) ([]byte, error)
}

type storeSource struct{ st *assemblystore.Store }

func (s storeSource) read(a assembly.ApplicationAssembly) ([]byte, error) {
	return s.st.ReadAssembly(a)
}

type payloadSource struct{ p *assembly.Payload }

func (s payloadSource) read(a assembly.ApplicationAssembly) ([]byte, error) {
	return s.p.Bytes()
}

// Contents is the Reader implementation shared by every leaf detector.
type Contents struct {
	kind  string
	chain []string
	desc  string

	assemblies []assembly.ApplicationAssembly
	stores     []*assemblystore.Store
	typeMaps   []*typemap.TypeMap
	attributes map[string]string
	sources    map[string]source
	failures   []aspect.Failure

	closeOnce sync.Once
	closers   []io.Closer
}

// New creates an empty reader.
func New(kind string, chain []string, description string) *Contents {
	return &Contents{
		kind:       kind,
		chain:      append([]string(nil), chain...),
		desc:       description,
		attributes: make(map[string]string),
		sources:    make(map[string]source),
	}
}

// Add records a loaded aspect instance. Unknown instance types are
// rejected.
func (c *Contents) Add(inst aspect.Instance) error {
	switch v := inst.(type) {
	case *assemblystore.Store:
		c.stores = append(c.stores, v)
		c.sources[v.Description()] = storeSource{v}
		c.assemblies = append(c.assemblies, v.List()...)
	case *assembly.Payload:
		c.sources[v.Description()] = payloadSource{v}
		c.assemblies = append(c.assemblies, v.Assembly)
	case *typemap.TypeMap:
		c.typeMaps = append(c.typeMaps, v)
	case *elfdso.App:
		c.SetAttribute("format_tag", fmt.Sprintf("%#x", v.FormatTag))
		if v.ABI != "" {
			c.SetAttribute("abi", v.ABI)
		}
		if v.TypeMap != nil {
			c.typeMaps = append(c.typeMaps, v.TypeMap)
		}
	default:
		return fmt.Errorf("%s: unsupported aspect instance %T", inst.Description(), inst)
	}
	return nil
}

// AddFailure records an aspect that probed but failed to load.
func (c *Contents) AddFailure(f aspect.Failure) {
	c.failures = append(c.failures, f)
}

// SetAttribute records a descriptive key/value pair.
func (c *Contents) SetAttribute(key, value string) {
	c.attributes[key] = value
}

// OwnCloser hands a resource to the reader; it is released by Close in
// reverse order of registration.
func (c *Contents) OwnCloser(cl io.Closer) {
	c.closers = append(c.closers, cl)
}

func (c *Contents) Kind() string        { return c.kind }
func (c *Contents) Description() string { return c.desc }

func (c *Contents) Chain() []string {
	return append([]string(nil), c.chain...)
}

func (c *Contents) Assemblies() []assembly.ApplicationAssembly {
	return append([]assembly.ApplicationAssembly(nil), c.assemblies...)
}

func (c *Contents) Stores() []*assemblystore.Store {
	return append([]*assemblystore.Store(nil), c.stores...)
}

func (c *Contents) TypeMaps() []*typemap.TypeMap {
	return append([]*typemap.TypeMap(nil), c.typeMaps...)
}

// Failures lists aspect loads that failed while the reader was built.
func (c *Contents) Failures() []aspect.Failure {
	return append([]aspect.Failure(nil), c.failures...)
}

func (c *Contents) Attributes() map[string]string {
	out := make(map[string]string, len(c.attributes))
	for k, v := range c.attributes {
		out[k] = v
	}
	return out
}

// AttributeKeys returns attribute names in sorted order.
func (c *Contents) AttributeKeys() []string {
	keys := make([]string, 0, len(c.attributes))
	for k := range c.attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Contents) ReadAssembly(a assembly.ApplicationAssembly) ([]byte, error) {
	src, ok := c.sources[a.Container]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContainer, a.Container)
	}
	return src.read(a)
}

func (c *Contents) Close() error {
	var errList []error
	c.closeOnce.Do(func() {
		for i := len(c.closers) - 1; i >= 0; i-- {
			if err := c.closers[i].Close(); err != nil {
				errList = append(errList, err)
			}
		}
	})
	return errors.Join(errList...)
}
