package dataflow

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/schwoere/utdataflow/errors"
)

// MaxPathLength is the largest event priority. Priorities are assigned
// in the range [MaxPathLength - longest path, MaxPathLength]; sinks get
// the largest values so that, counting downwards from the sinks, every
// upstream component dispatches first.
const MaxPathLength = 255

// Component is the runtime interface of a dataflow component. Concrete
// components embed BaseComponent (or TriggerComponent) and register
// their ports at construction time.
type Component interface {
	Name() string

	// Mutex is the component mutex, held by the dispatcher around push
	// handlers and by pull consumers around pulls from this component.
	Mutex() *sync.Mutex

	EventPriority() int
	SetEventPriority(int)

	Start() error
	Stop() error
	Running() bool

	Port(name string) (Port, error)
	Ports() []Port

	registerPort(p Port) error
}

// BaseComponent implements the bookkeeping shared by all components.
type BaseComponent struct {
	name  string
	mu    sync.Mutex
	ports map[string]Port

	stateMu       sync.Mutex
	running       bool
	eventPriority int

	logger *slog.Logger
}

// NewBaseComponent creates a component base with the given instance
// name.
func NewBaseComponent(name string, logger *slog.Logger) *BaseComponent {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseComponent{
		name:          name,
		ports:         make(map[string]Port),
		eventPriority: MaxPathLength,
		logger:        logger,
	}
}

// Name returns the component instance name.
func (c *BaseComponent) Name() string { return c.name }

// Mutex returns the component mutex.
func (c *BaseComponent) Mutex() *sync.Mutex { return &c.mu }

// Logger returns the component logger.
func (c *BaseComponent) Logger() *slog.Logger { return c.logger }

// EventPriority returns the scheduling priority offset.
func (c *BaseComponent) EventPriority() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.eventPriority
}

// SetEventPriority sets the scheduling priority offset, clamped to
// 0..MaxPathLength.
func (c *BaseComponent) SetEventPriority(p int) {
	if p < 0 {
		p = 0
	}
	if p > MaxPathLength {
		p = MaxPathLength
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.eventPriority = p
}

// Start marks the component running. Components with internal drivers
// override Start and must keep it idempotent.
func (c *BaseComponent) Start() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.running = true
	return nil
}

// Stop marks the component stopped. The dispatcher treats the running
// flag advisorily.
func (c *BaseComponent) Stop() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.running = false
	return nil
}

// Running reports whether the component has been started.
func (c *BaseComponent) Running() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.running
}

// Port returns the port with the given name.
func (c *BaseComponent) Port(name string) (Port, error) {
	p, ok := c.ports[name]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s:%s", errors.ErrUnknownPort, c.name, name),
			"Component", "Port", "lookup")
	}
	return p, nil
}

// Ports returns all ports in name order.
func (c *BaseComponent) Ports() []Port {
	names := make([]string, 0, len(c.ports))
	for n := range c.ports {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Port, len(names))
	for i, n := range names {
		out[i] = c.ports[n]
	}
	return out
}

func (c *BaseComponent) registerPort(p Port) error {
	if _, ok := c.ports[p.Name()]; ok {
		return errors.WrapInvalid(
			fmt.Errorf("duplicate port %s:%s", c.name, p.Name()),
			"Component", "registerPort", "uniqueness check")
	}
	c.ports[p.Name()] = p
	return nil
}
