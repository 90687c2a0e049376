// Package config owns the JSON configuration documents of the Tag Engine and
// the process-level settings.
//
// The Store reads and writes five documents under one config directory:
//
//	connections.json    → device connections and their tags
//	flows.json          → flow definitions
//	state-machines.json → state machine definitions
//	internal-tags.json  → persisted global context entries
//	users.json          → UI users (loaded and saved untouched)
//
// Saves are atomic (temp file, fsync, rename). A missing document is replaced
// by its default — connections.json is seeded with a simulator connection —
// and immediately saved so the directory is self-initialising on first run.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/vpbank/tag_engine/models"
)

// Document file names within the config directory.
const (
	ConnectionsFile   = "connections.json"
	FlowsFile         = "flows.json"
	StateMachinesFile = "state-machines.json"
	InternalTagsFile  = "internal-tags.json"
	UsersFile         = "users.json"
)

// ─────────────────────────────────────────────────────────────────────────────
// Store
// ─────────────────────────────────────────────────────────────────────────────

// Store reads and writes the configuration documents. Safe for concurrent
// use; loads and saves of the same file are serialized.
type Store struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStore constructs a Store rooted at dir, creating the directory if
// needed. An inaccessible directory is a fatal startup error.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if dir == "" {
		dir = "./config"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create dir %q: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the config directory path.
func (s *Store) Dir() string { return s.dir }

// ─────────────────────────────────────────────────────────────────────────────
// Snapshot
// ─────────────────────────────────────────────────────────────────────────────

// Snapshot is one coherent read of every document.
type Snapshot struct {
	Connections   []models.ConnectionConfig
	Flows         []models.FlowDefinition
	StateMachines []models.StateMachineConfig
	Users         []models.UserConfig
	InternalTags  []models.InternalTagEntry
}

// LoadAll reads every document. Errors from individual documents are
// accumulated and returned together so that operators see all problems at
// once; the snapshot carries whatever loaded cleanly.
func (s *Store) LoadAll() (*Snapshot, error) {
	var errs *multierror.Error
	snap := &Snapshot{}

	var err error
	if snap.Connections, err = s.LoadConnections(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if snap.Flows, err = s.LoadFlows(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if snap.StateMachines, err = s.LoadStateMachines(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if snap.Users, err = s.LoadUsers(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if snap.InternalTags, err = s.LoadInternalTags(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return snap, errs.ErrorOrNil()
}

// ─────────────────────────────────────────────────────────────────────────────
// Connections
// ─────────────────────────────────────────────────────────────────────────────

// LoadConnections reads connections.json. A missing file is seeded with the
// default simulator connection and saved. Connections that fail validation
// are skipped with a warning; the valid remainder is returned.
func (s *Store) LoadConnections() ([]models.ConnectionConfig, error) {
	var doc models.ConnectionsDocument
	exists, err := s.loadDocument(ConnectionsFile, &doc)
	if err != nil {
		return nil, err
	}
	if !exists {
		doc = seedConnections(time.Now().UTC())
		if err := s.SaveConnections(doc.Connections); err != nil {
			return nil, err
		}
		s.logger.Info("config: seeded default connections", "file", ConnectionsFile,
			"connections", len(doc.Connections))
	}

	valid := make([]models.ConnectionConfig, 0, len(doc.Connections))
	seen := make(map[string]struct{}, len(doc.Connections))
	for _, c := range doc.Connections {
		if _, dup := seen[c.ID]; dup {
			s.logger.Warn("config: skip duplicate connection id", "id", c.ID, "name", c.Name)
			continue
		}
		if err := normalizeConnection(&c); err != nil {
			s.logger.Warn("config: skip invalid connection",
				"id", c.ID, "name", c.Name, "error", err.Error())
			continue
		}
		seen[c.ID] = struct{}{}
		valid = append(valid, c)
	}
	return valid, nil
}

// SaveConnections writes connections.json atomically.
func (s *Store) SaveConnections(conns []models.ConnectionConfig) error {
	return s.saveDocument(ConnectionsFile, models.ConnectionsDocument{Connections: conns})
}

// normalizeConnection validates structure and canonicalises enum fields
// (permissive parse in, canonical form out).
func normalizeConnection(c *models.ConnectionConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var errs *multierror.Error
	for i := range c.Tags {
		t := &c.Tags[i]
		dt, err := models.ParseDataType(string(t.DataType))
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("tag %s: %w", t.ID, err))
			continue
		}
		t.DataType = dt
		if t.Simulation != nil {
			wf, err := models.ParseWaveform(string(t.Simulation.Waveform))
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("tag %s: %w", t.ID, err))
				continue
			}
			t.Simulation.Waveform = wf
		}
	}
	return errs.ErrorOrNil()
}

// ─────────────────────────────────────────────────────────────────────────────
// Flows
// ─────────────────────────────────────────────────────────────────────────────

// LoadFlows reads flows.json; a missing file becomes an empty saved document.
// Graph-level validation (ports, cycles) is the compiler's job so that one
// bad flow fails its own deploy without blocking the others; only duplicate
// flow ids are rejected here.
func (s *Store) LoadFlows() ([]models.FlowDefinition, error) {
	var doc models.FlowsDocument
	exists, err := s.loadDocument(FlowsFile, &doc)
	if err != nil {
		return nil, err
	}
	if !exists {
		doc = models.FlowsDocument{Flows: []models.FlowDefinition{}}
		if err := s.SaveFlows(doc.Flows); err != nil {
			return nil, err
		}
	}

	valid := make([]models.FlowDefinition, 0, len(doc.Flows))
	seen := make(map[string]struct{}, len(doc.Flows))
	for _, f := range doc.Flows {
		if f.ID == "" {
			s.logger.Warn("config: skip flow with empty id", "name", f.Name)
			continue
		}
		if _, dup := seen[f.ID]; dup {
			s.logger.Warn("config: skip duplicate flow id", "id", f.ID, "name", f.Name)
			continue
		}
		seen[f.ID] = struct{}{}
		valid = append(valid, f)
	}
	return valid, nil
}

// SaveFlows writes flows.json atomically.
func (s *Store) SaveFlows(flows []models.FlowDefinition) error {
	return s.saveDocument(FlowsFile, models.FlowsDocument{Flows: flows})
}

// ─────────────────────────────────────────────────────────────────────────────
// State machines
// ─────────────────────────────────────────────────────────────────────────────

// LoadStateMachines reads state-machines.json; a missing file becomes an
// empty saved document. Machines that fail referential validation are skipped
// with a warning.
func (s *Store) LoadStateMachines() ([]models.StateMachineConfig, error) {
	var doc models.StateMachinesDocument
	exists, err := s.loadDocument(StateMachinesFile, &doc)
	if err != nil {
		return nil, err
	}
	if !exists {
		doc = models.StateMachinesDocument{StateMachines: []models.StateMachineConfig{}}
		if err := s.SaveStateMachines(doc.StateMachines); err != nil {
			return nil, err
		}
	}

	valid := make([]models.StateMachineConfig, 0, len(doc.StateMachines))
	seen := make(map[string]struct{}, len(doc.StateMachines))
	for _, m := range doc.StateMachines {
		if _, dup := seen[m.ID]; dup {
			s.logger.Warn("config: skip duplicate state machine id", "id", m.ID, "name", m.Name)
			continue
		}
		if err := m.Validate(); err != nil {
			s.logger.Warn("config: skip invalid state machine",
				"id", m.ID, "name", m.Name, "error", err.Error())
			continue
		}
		seen[m.ID] = struct{}{}
		valid = append(valid, m)
	}
	return valid, nil
}

// SaveStateMachines writes state-machines.json atomically.
func (s *Store) SaveStateMachines(machines []models.StateMachineConfig) error {
	return s.saveDocument(StateMachinesFile, models.StateMachinesDocument{StateMachines: machines})
}

// ─────────────────────────────────────────────────────────────────────────────
// Users
// ─────────────────────────────────────────────────────────────────────────────

// LoadUsers reads users.json; a missing file becomes an empty saved document.
// The engine does not interpret users beyond round-tripping them.
func (s *Store) LoadUsers() ([]models.UserConfig, error) {
	var doc models.UsersDocument
	exists, err := s.loadDocument(UsersFile, &doc)
	if err != nil {
		return nil, err
	}
	if !exists {
		doc = models.UsersDocument{Users: []models.UserConfig{}}
		if err := s.SaveUsers(doc.Users); err != nil {
			return nil, err
		}
	}
	return doc.Users, nil
}

// SaveUsers writes users.json atomically.
func (s *Store) SaveUsers(users []models.UserConfig) error {
	return s.saveDocument(UsersFile, models.UsersDocument{Users: users})
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal tags (ContextStore persistence)
// ─────────────────────────────────────────────────────────────────────────────

// LoadInternalTags reads internal-tags.json. Unlike the other documents, a
// corrupt file is not an error: the context store starts empty with a
// warning.
func (s *Store) LoadInternalTags() ([]models.InternalTagEntry, error) {
	var doc models.InternalTagsDocument
	exists, err := s.loadDocument(InternalTagsFile, &doc)
	if err != nil {
		s.logger.Warn("config: internal tags unreadable, starting empty",
			"file", InternalTagsFile, "error", err.Error())
		return []models.InternalTagEntry{}, nil
	}
	if !exists {
		return []models.InternalTagEntry{}, nil
	}
	return doc.InternalTags, nil
}

// SaveInternalTags writes internal-tags.json atomically.
func (s *Store) SaveInternalTags(entries []models.InternalTagEntry) error {
	return s.saveDocument(InternalTagsFile, models.InternalTagsDocument{InternalTags: entries})
}

// ─────────────────────────────────────────────────────────────────────────────
// Document I/O
// ─────────────────────────────────────────────────────────────────────────────

// loadDocument reads and unmarshals one document. exists=false (and no
// error) means the file is absent and the caller should seed it.
func (s *Store) loadDocument(name string, out any) (exists bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return true, fmt.Errorf("config: parse %s: %w", name, err)
	}
	return true, nil
}

// saveDocument marshals doc pretty-printed and writes it atomically: temp
// file in the same directory, fsync, rename.
func (s *Store) saveDocument(name string, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal %s: %w", name, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("config: temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("config: fsync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("config: chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("config: rename %s: %w", name, err)
	}

	s.logger.Debug("config: saved document", "file", name, "bytes", len(data))
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Default documents
// ─────────────────────────────────────────────────────────────────────────────

// seedConnections builds the first-run connections document: one simulator
// connection with five example tags covering each waveform.
func seedConnections(now time.Time) models.ConnectionsDocument {
	conn := models.ConnectionConfig{
		ID:         "sim-default",
		Name:       "Simulator",
		DriverType: "simulator",
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
		Tags: []models.TagConfig{
			{
				ID: "sim-temperature", Name: "Temperature", Address: "sim/temperature",
				DataType: models.TypeDouble, PollRateMs: 1000, Unit: "°C",
				Description: "Sine wave around 25 °C", LogHistory: true,
				Simulation: &models.SimulationParams{
					Waveform: models.WaveSine, Base: 25, Amplitude: 10, PeriodSec: 60,
				},
			},
			{
				ID: "sim-pressure", Name: "Pressure", Address: "sim/pressure",
				DataType: models.TypeDouble, PollRateMs: 1000, Unit: "bar",
				Description: "Slow ramp", LogHistory: true,
				Simulation: &models.SimulationParams{
					Waveform: models.WaveRamp, Base: 1, Amplitude: 0.5, PeriodSec: 30,
				},
			},
			{
				ID: "sim-flow-rate", Name: "FlowRate", Address: "sim/flow-rate",
				DataType: models.TypeDouble, PollRateMs: 500, Unit: "L/min",
				Description: "Random walk around 100",
				Simulation: &models.SimulationParams{
					Waveform: models.WaveRandom, Base: 100, Amplitude: 20, PeriodSec: 10,
				},
			},
			{
				ID: "sim-tank-level", Name: "TankLevel", Address: "sim/tank-level",
				DataType: models.TypeDouble, PollRateMs: 2000, Unit: "%",
				Description: "Triangle fill/drain cycle",
				Simulation: &models.SimulationParams{
					Waveform: models.WaveTriangle, Base: 50, Amplitude: 50, PeriodSec: 120,
				},
			},
			{
				ID: "sim-pump-running", Name: "PumpRunning", Address: "sim/pump-running",
				DataType: models.TypeBool, PollRateMs: 1000,
				Description: "Square wave pump state",
				Simulation: &models.SimulationParams{
					Waveform: models.WaveBoolean, PeriodSec: 10,
				},
			},
		},
	}
	return models.ConnectionsDocument{Connections: []models.ConnectionConfig{conn}}
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
