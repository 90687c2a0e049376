package driver

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vpbank/tag_engine/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Simulator driver
// ─────────────────────────────────────────────────────────────────────────────

// SimulatorOptions tune the simulator for tests. Zero values select the real
// clock and a time-derived random seed.
type SimulatorOptions struct {
	Clock clock.Clock
	Seed  int64
}

// Simulator is the built-in driver that computes tag values deterministically
// from wall time and each tag's waveform parameters. It is always "connected"
// once Connect has been called.
//
// Write-through: a value written to a waveform tag is returned on the next
// read of that tag, after which the waveform resumes. A tag without
// simulation parameters acts as a holding register and keeps the written
// value indefinitely.
type Simulator struct {
	logger *slog.Logger
	clk    clock.Clock

	mu        sync.Mutex
	rng       *rand.Rand
	cfg       models.ConnectionConfig
	connected bool
	overrides map[string]any // one-shot, waveform tags
	held      map[string]any // sticky, plain tags
}

// NewSimulator constructs a Simulator. If logger is nil, a no-op logger is
// substituted.
func NewSimulator(opts SimulatorOptions, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	seed := opts.Seed
	if seed == 0 {
		seed = opts.Clock.Now().UnixNano()
	}
	return &Simulator{
		logger:    logger,
		clk:       opts.Clock,
		rng:       rand.New(rand.NewSource(seed)),
		overrides: make(map[string]any),
		held:      make(map[string]any),
	}
}

// Connect records the connection identity. The simulator has no device link
// to establish.
func (d *Simulator) Connect(_ context.Context, cfg models.ConnectionConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.connected = true
	return nil
}

// Disconnect marks the driver disconnected. Held values survive so a
// reconnect does not reset holding registers.
func (d *Simulator) Disconnect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

// Connected reports whether Connect has been called.
func (d *Simulator) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// ReadTags samples every tag at the current wall time.
func (d *Simulator) ReadTags(ctx context.Context, tags []models.TagConfig) (map[string]models.TagValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil, fmt.Errorf("driver/simulator: not connected")
	}

	now := d.clk.Now().UTC()
	out := make(map[string]models.TagValue, len(tags))
	for i := range tags {
		out[tags[i].ID] = d.sampleLocked(&tags[i], now)
	}
	return out, nil
}

// WriteTag stores value for the tag: one-shot for waveform tags, sticky for
// plain tags.
func (d *Simulator) WriteTag(ctx context.Context, tag models.TagConfig, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return fmt.Errorf("driver/simulator: write %s: not connected", tag.Name)
	}
	if tag.Simulation != nil {
		d.overrides[tag.ID] = value
	} else {
		d.held[tag.ID] = value
	}
	return nil
}

// Close drops all state.
func (d *Simulator) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.overrides = make(map[string]any)
	d.held = make(map[string]any)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Sampling
// ─────────────────────────────────────────────────────────────────────────────

// sampleLocked computes one TagValue. Caller holds d.mu.
func (d *Simulator) sampleLocked(tag *models.TagConfig, now time.Time) models.TagValue {
	tv := models.TagValue{
		ConnectionID: d.cfg.ID,
		TagID:        tag.ID,
		TagName:      tag.Name,
		TagPath:      models.JoinTagPath(d.cfg.Name, tag.Name),
		DataType:     tag.DataType,
		Quality:      models.QualityGood,
		Timestamp:    now,
	}

	// Write-through override wins once.
	if ov, ok := d.overrides[tag.ID]; ok {
		delete(d.overrides, tag.ID)
		tv.Value = coerceToType(ov, tag.DataType)
		return tv
	}

	// Holding register for tags without waveform parameters.
	if tag.Simulation == nil {
		held, ok := d.held[tag.ID]
		if !ok {
			held = zeroValue(tag.DataType)
		}
		tv.Value = coerceToType(held, tag.DataType)
		return tv
	}

	sim := tag.Simulation
	period := sim.PeriodSec
	if period <= 0 {
		period = 60
	}
	secs := float64(now.UnixNano()) / float64(time.Second)
	frac := math.Mod(secs, period) / period

	var v float64
	switch sim.Waveform {
	case models.WaveSine:
		v = sim.Base + sim.Amplitude*math.Sin(2*math.Pi*frac)
	case models.WaveRamp:
		v = sim.Base + sim.Amplitude*frac
	case models.WaveTriangle:
		v = sim.Base + sim.Amplitude*(1-4*math.Abs(frac-0.5))
	case models.WaveRandom:
		v = sim.Base + sim.Amplitude*(2*d.rng.Float64()-1)
	case models.WaveBoolean:
		tv.Value = coerceToType(frac < 0.5, tag.DataType)
		return tv
	default:
		v = sim.Base + sim.Amplitude*math.Sin(2*math.Pi*frac)
	}

	if sim.Noise > 0 {
		v += sim.Noise * (2*d.rng.Float64() - 1)
	}
	if tag.DataType.IsNumeric() {
		v = tag.ApplyScaling(v)
	}
	tv.Value = coerceToType(v, tag.DataType)
	return tv
}

// coerceToType converts a raw sample to the tag's declared type: one of
// bool, int64, float64, string.
func coerceToType(raw any, dt models.DataType) any {
	switch dt {
	case models.TypeBool:
		if b, ok := models.ToBool(raw); ok {
			return b
		}
		return false
	case models.TypeInt16, models.TypeInt32, models.TypeInt64:
		if f, ok := models.ToFloat(raw); ok {
			return int64(math.Round(f))
		}
		return int64(0)
	case models.TypeFloat, models.TypeDouble:
		if f, ok := models.ToFloat(raw); ok {
			return f
		}
		return float64(0)
	case models.TypeString:
		switch x := raw.(type) {
		case string:
			return x
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		default:
			return fmt.Sprintf("%v", raw)
		}
	default:
		return raw
	}
}

// zeroValue is the default for an unwritten holding register.
func zeroValue(dt models.DataType) any {
	switch dt {
	case models.TypeBool:
		return false
	case models.TypeInt16, models.TypeInt32, models.TypeInt64:
		return int64(0)
	case models.TypeFloat, models.TypeDouble:
		return float64(0)
	case models.TypeString:
		return ""
	default:
		return nil
	}
}
