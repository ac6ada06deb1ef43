package plugin

import (
	"fmt"
	"sort"
	"sync"

	"firestige.xyz/rzkeychange/internal/core"
)

// CapturerFactory creates a Capturer instance.
type CapturerFactory func() Capturer

// OutputFactory creates an Output instance.
type OutputFactory func() Output

type registry[F any] struct {
	mu        sync.RWMutex
	kind      string
	factories map[string]F
}

func newRegistry[F any](kind string) *registry[F] {
	return &registry[F]{kind: kind, factories: make(map[string]F)}
}

func (r *registry[F]) register(name string, factory F, isNil bool) {
	if name == "" {
		panic(fmt.Sprintf("plugin: %s name is empty", r.kind))
	}
	if isNil {
		panic(fmt.Sprintf("plugin: %s factory %q is nil", r.kind, name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("plugin: %s %q registered twice", r.kind, name))
	}
	r.factories[name] = factory
}

func (r *registry[F]) get(name string) (F, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		var zero F
		return zero, fmt.Errorf("%w: %s %q", core.ErrPluginNotFound, r.kind, name)
	}
	return f, nil
}

func (r *registry[F]) list() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Reset removes all registrations. Intended for tests.
func (r *registry[F]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]F)
}

var (
	capturerReg = newRegistry[CapturerFactory]("capturer")
	outputReg   = newRegistry[OutputFactory]("output")
)

// RegisterCapturer registers a capturer factory. It panics on an empty
// name, a nil factory or a duplicate name.
func RegisterCapturer(name string, factory CapturerFactory) {
	capturerReg.register(name, factory, factory == nil)
}

// GetCapturerFactory returns the factory registered under name.
func GetCapturerFactory(name string) (CapturerFactory, error) {
	return capturerReg.get(name)
}

// ListCapturers returns registered capturer names, sorted.
func ListCapturers() []string { return capturerReg.list() }

// RegisterOutput registers an output factory. It panics on an empty name,
// a nil factory or a duplicate name.
func RegisterOutput(name string, factory OutputFactory) {
	outputReg.register(name, factory, factory == nil)
}

// GetOutputFactory returns the factory registered under name.
func GetOutputFactory(name string) (OutputFactory, error) {
	return outputReg.get(name)
}

// ListOutputs returns registered output names, sorted.
func ListOutputs() []string { return outputReg.list() }
