// Package driver defines the device-driver abstraction of the Tag Engine and
// its built-in implementations. A driver turns a ConnectionConfig into live
// tag reads and writes; the poll engine owns one driver instance per enabled
// connection.
//
// Drivers must be safe under one concurrent reader and one concurrent writer.
// Internal parallelism is a driver choice.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/vpbank/tag_engine/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Driver interface
// ─────────────────────────────────────────────────────────────────────────────

// Driver is the contract between the poll engine and a device protocol.
type Driver interface {
	// Connected reports whether reads can currently be served.
	Connected() bool

	// Connect establishes the device link for cfg. Implementations remember
	// the connection identity so returned TagValues carry it.
	Connect(ctx context.Context, cfg models.ConnectionConfig) error

	// Disconnect drops the device link; the driver may be reconnected.
	Disconnect(ctx context.Context) error

	// ReadTags reads every tag in one operation and returns values keyed by
	// tag id. A missing key means that tag could not be read this cycle.
	ReadTags(ctx context.Context, tags []models.TagConfig) (map[string]models.TagValue, error)

	// WriteTag writes one value to the device.
	WriteTag(ctx context.Context, tag models.TagConfig, value any) error

	// Close releases all resources; the driver cannot be reused.
	Close() error
}

// ─────────────────────────────────────────────────────────────────────────────
// Registry
// ─────────────────────────────────────────────────────────────────────────────

// Factory constructs a fresh driver instance.
type Factory func(logger *slog.Logger) Driver

// Registry maps driver-type tags to factories. One instance is constructed
// per connection; drivers are never shared.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry pre-populated with the built-in drivers:
// "simulator" and "snmp", plus placeholder registrations for protocol
// drivers that are planned but not implemented (modbus-tcp, s7, ethernet-ip,
// opc-ua) so configurations referencing them load and surface a connection
// error instead of a config error.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}

	r.factories["simulator"] = func(logger *slog.Logger) Driver {
		return NewSimulator(SimulatorOptions{}, logger)
	}
	r.factories["snmp"] = func(logger *slog.Logger) Driver {
		return NewSNMP(logger)
	}
	for _, t := range []string{"modbus-tcp", "s7", "ethernet-ip", "opc-ua"} {
		r.factories[t] = newStubFactory(t)
	}
	return r
}

// Register adds a factory for a new driver type. Registering an existing
// type is an error; the built-ins cannot be replaced accidentally.
func (r *Registry) Register(driverType string, f Factory) error {
	if driverType == "" {
		return fmt.Errorf("driver: register: empty driver type")
	}
	if f == nil {
		return fmt.Errorf("driver: register %q: nil factory", driverType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[driverType]; exists {
		return fmt.Errorf("driver: register %q: already registered", driverType)
	}
	r.factories[driverType] = f
	return nil
}

// New constructs a driver for driverType. Unknown types are a config error.
func (r *Registry) New(driverType string, logger *slog.Logger) (Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[driverType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("driver: unknown driver type %q", driverType)
	}
	return f(logger), nil
}

// Types returns the registered driver-type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
