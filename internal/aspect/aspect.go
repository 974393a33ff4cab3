// Package aspect defines the capability contract used to discover payloads
// inside a package without the package knowing every payload type.
package aspect

import (
	"github.com/deploymenttheory/go-assembly-store/internal/logger"
	"github.com/deploymenttheory/go-assembly-store/internal/stream"
)

// Instance is a successfully loaded aspect.
type Instance interface {
	// Description names the stream the instance was loaded from.
	Description() string
}

// Aspect is something a stream may or may not be.
type Aspect interface {
	// Name is used in diagnostics.
	Name() string

	// Probe is a cheap signature check. It never fails and never moves the
	// stream position; malformed input is reported as false.
	Probe(s *stream.Stream, description string) bool

	// Load fully parses the stream. It may fail even when Probe passed.
	Load(s *stream.Stream, description string) (Instance, error)
}

// Registry is an ordered list of known aspects.
type Registry struct {
	aspects []Aspect
}

// NewRegistry creates a registry holding aspects in the given order.
func NewRegistry(aspects ...Aspect) *Registry {
	r := &Registry{}
	for _, a := range aspects {
		r.Register(a)
	}
	return r
}

// Register adds an aspect to the registry
func (r *Registry) Register(a Aspect) {
	r.aspects = append(r.aspects, a)
}

// Probe returns every aspect that accepts the stream. Aspects are
// independent, so more than one may match.
func (r *Registry) Probe(s *stream.Stream, description string) []Aspect {
	var matched []Aspect
	for _, a := range r.aspects {
		if safeProbe(a, s, description) {
			matched = append(matched, a)
		}
	}
	return matched
}

// Failure records an aspect whose probe passed but whose load failed.
type Failure struct {
	Aspect      string
	Description string
	Err         error
}

// Load probes s against every aspect and loads each acceptor.
func (r *Registry) Load(s *stream.Stream, description string) ([]Instance, []Failure) {
	var (
		instances []Instance
		failures  []Failure
	)

	for _, a := range r.Probe(s, description) {
		inst, err := a.Load(s, description)
		if err != nil {
			logger.Warningf("%s: %s load failed: %v", description, a.Name(), err)
			failures = append(failures, Failure{Aspect: a.Name(), Description: description, Err: err})
			continue
		}
		logger.Debugf("%s: loaded %s", description, a.Name())
		instances = append(instances, inst)
	}

	return instances, failures
}

// safeProbe turns a panicking probe into a rejection.
func safeProbe(a Aspect, s *stream.Stream, description string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("%s: %s probe panicked: %v", description, a.Name(), r)
			ok = false
		}
	}()
	return a.Probe(s, description)
}
