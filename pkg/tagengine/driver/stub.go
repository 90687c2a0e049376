package driver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vpbank/tag_engine/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Stub driver — placeholder for not-yet-implemented protocols
// ─────────────────────────────────────────────────────────────────────────────

// stub is the placeholder driver registered for protocol types that are
// planned but not implemented (modbus-tcp, s7, ethernet-ip, opc-ua).
// Connect fails with a clear message so the connection surfaces an Error
// status instead of a config-load failure.
type stub struct {
	driverType string
}

// newStubFactory returns a Factory producing stubs for driverType.
func newStubFactory(driverType string) Factory {
	return func(*slog.Logger) Driver {
		return &stub{driverType: driverType}
	}
}

func (s *stub) Connected() bool { return false }

func (s *stub) Connect(_ context.Context, cfg models.ConnectionConfig) error {
	return fmt.Errorf("driver/%s: connection %s: driver not implemented", s.driverType, cfg.ID)
}

func (s *stub) Disconnect(context.Context) error { return nil }

func (s *stub) ReadTags(context.Context, []models.TagConfig) (map[string]models.TagValue, error) {
	return nil, fmt.Errorf("driver/%s: not connected", s.driverType)
}

func (s *stub) WriteTag(_ context.Context, tag models.TagConfig, _ any) error {
	return fmt.Errorf("driver/%s: write %s: not connected", s.driverType, tag.Name)
}

func (s *stub) Close() error { return nil }
