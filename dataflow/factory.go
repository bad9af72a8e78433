package dataflow

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/schwoere/utdataflow/dataflow/eventqueue"
	"github.com/schwoere/utdataflow/errors"
	"github.com/schwoere/utdataflow/utql"
)

// Dependencies carries the shared services handed to component
// factories.
type Dependencies struct {
	Queue  *eventqueue.Queue
	Logger *slog.Logger
}

// FactoryFunc creates a component instance from its instantiated
// subgraph description. Factories do no I/O; all I/O belongs in the
// component's Start.
type FactoryFunc func(name string, g *utql.Subgraph, deps Dependencies) (Component, error)

// Registration holds the factory and metadata for one component class.
type Registration struct {
	// Class is the component class selected by the UbitrackLib element
	// of the dataflow configuration.
	Class string

	// Description is a human-readable summary.
	Description string

	// New creates a component instance.
	New FactoryFunc

	// ModuleKey, if set, derives a shared-resource key from the
	// subgraph. When two subgraphs denote the same physical resource
	// (same key), the factory returns the already-existing component
	// instead of creating a second one.
	ModuleKey func(g *utql.Subgraph) string
}

// Factory creates dataflow components by class name. It implements the
// module mechanism: registrations with a module key share instances
// per resource.
type Factory struct {
	mu      sync.RWMutex
	classes map[string]*Registration
	modules map[string]Component

	deps   Dependencies
	logger *slog.Logger
}

// NewFactory creates an empty component factory.
func NewFactory(deps Dependencies) *Factory {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
		deps.Logger = logger
	}
	if deps.Queue == nil {
		deps.Queue = eventqueue.Default()
	}
	return &Factory{
		classes: make(map[string]*Registration),
		modules: make(map[string]Component),
		deps:    deps,
		logger:  logger,
	}
}

// Register adds a component class. Duplicate classes are rejected.
func (f *Factory) Register(reg *Registration) error {
	if reg == nil || reg.Class == "" || reg.New == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Factory", "Register", "registration validation")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.classes[reg.Class]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("class %q is already registered", reg.Class),
			"Factory", "Register", "duplicate class check")
	}
	f.classes[reg.Class] = reg
	return nil
}

// Classes returns the registered class names.
func (f *Factory) Classes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.classes))
	for c := range f.classes {
		out = append(out, c)
	}
	return out
}

// CreateComponent instantiates a component of the given class. For
// module classes, an existing instance is returned when the subgraph
// denotes an already-claimed resource.
func (f *Factory) CreateComponent(class, name string, g *utql.Subgraph) (Component, error) {
	f.mu.RLock()
	reg, ok := f.classes[class]
	f.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownComponent, class),
			"Factory", "CreateComponent", "class lookup")
	}

	if reg.ModuleKey != nil {
		key := class + "|" + reg.ModuleKey(g)
		f.mu.Lock()
		defer f.mu.Unlock()
		if existing, ok := f.modules[key]; ok {
			f.logger.Warn("module resource already claimed, sharing component",
				"class", class, "requested", name, "existing", existing.Name())
			return existing, nil
		}
		comp, err := reg.New(name, g, f.deps)
		if err != nil {
			return nil, errors.Wrap(err, "Factory", "CreateComponent", "factory execution")
		}
		f.modules[key] = comp
		return comp, nil
	}

	comp, err := reg.New(name, g, f.deps)
	if err != nil {
		return nil, errors.Wrap(err, "Factory", "CreateComponent", "factory execution")
	}
	return comp, nil
}

// ModuleHandle is an opaque reference to an opened component library.
type ModuleHandle any

// ModuleLoader abstracts the platform-specific plug-in mechanism: open
// a library, resolve its registration entry point, close it. The entry
// point contract is a single registerComponent symbol that registers
// the library's component classes with the factory.
type ModuleLoader interface {
	Open(path string) (ModuleHandle, error)
	Resolve(h ModuleHandle, symbol string) (func(*Factory) error, error)
	Close(h ModuleHandle) error
}

// RegistryLoader is a ModuleLoader backed by an in-process registry of
// component sets. It replaces dynamic library loading: component sets
// are added by name with Add, and "opening" a
// library resolves to its registration function.
type RegistryLoader struct {
	mu   sync.RWMutex
	sets map[string]func(*Factory) error
}

// NewRegistryLoader creates an empty registry loader.
func NewRegistryLoader() *RegistryLoader {
	return &RegistryLoader{sets: make(map[string]func(*Factory) error)}
}

// Add registers a component set under a library name.
func (l *RegistryLoader) Add(name string, register func(*Factory) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sets[name] = register
}

// Open implements ModuleLoader.
func (l *RegistryLoader) Open(path string) (ModuleHandle, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.sets[path]; !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown component library %q", path),
			"RegistryLoader", "Open", "library lookup")
	}
	return path, nil
}

// Resolve implements ModuleLoader. The only supported symbol is
// registerComponent.
func (l *RegistryLoader) Resolve(h ModuleHandle, symbol string) (func(*Factory) error, error) {
	if symbol != "registerComponent" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown symbol %q", symbol),
			"RegistryLoader", "Resolve", "symbol lookup")
	}
	name, _ := h.(string)
	l.mu.RLock()
	defer l.mu.RUnlock()
	register, ok := l.sets[name]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown component library %q", name),
			"RegistryLoader", "Resolve", "library lookup")
	}
	return register, nil
}

// Close implements ModuleLoader.
func (l *RegistryLoader) Close(ModuleHandle) error { return nil }
