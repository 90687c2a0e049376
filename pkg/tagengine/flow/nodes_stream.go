package flow

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vpbank/tag_engine/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Delay
// ─────────────────────────────────────────────────────────────────────────────

// delayNode suspends the run for a fixed interval, then forwards the message
// unchanged. The whole run waits — a run is single-threaded — so the run
// timeout caps long delays.
// Config: {"delayMs": 250}.
type delayNode struct {
	d   time.Duration
	clk clock.Clock
}

func newDelay(def models.NodeDefinition, deps Services) (Node, error) {
	ms := cfgInt(def.Config, "delayMs", 0)
	if ms <= 0 {
		return nil, nodeErr(def, "delayMs must be a positive number")
	}
	return &delayNode{d: time.Duration(ms) * time.Millisecond, clk: deps.Clock}, nil
}

func (n *delayNode) Invoke(ctx context.Context, run *Context, msg Message) error {
	t := n.clk.Timer(n.d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	run.Emit(PortOut, msg)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Aggregate
// ─────────────────────────────────────────────────────────────────────────────

// aggregateNode folds numeric payloads over a count or time window and emits
// one aggregate per full window. Time windows are event-driven: the window
// closes with the first message arriving at or past its end, so an idle
// stream emits nothing.
// Config: {"function": "avg", "windowKind": "count", "windowSize": 10} or
// {"function": "max", "windowKind": "time", "windowMs": 60000}.
type aggregateNode struct {
	fn         string
	byCount    bool
	windowSize int
	windowFor  time.Duration
	clk        clock.Clock

	mu          sync.Mutex
	values      []float64
	count       int
	windowStart time.Time
}

var aggregateFunctions = map[string]bool{
	"sum": true, "avg": true, "min": true, "max": true, "count": true,
}

func newAggregate(def models.NodeDefinition, deps Services) (Node, error) {
	fn := cfgString(def.Config, "function", "")
	if !aggregateFunctions[fn] {
		return nil, nodeErr(def, "function must be one of sum, avg, min, max, count")
	}
	n := &aggregateNode{fn: fn, clk: deps.Clock}
	switch kind := cfgString(def.Config, "windowKind", "count"); kind {
	case "count":
		n.byCount = true
		n.windowSize = cfgInt(def.Config, "windowSize", 10)
		if n.windowSize <= 0 {
			return nil, nodeErr(def, "windowSize must be positive")
		}
	case "time":
		ms := cfgInt(def.Config, "windowMs", 0)
		if ms <= 0 {
			return nil, nodeErr(def, "windowMs must be positive")
		}
		n.windowFor = time.Duration(ms) * time.Millisecond
	default:
		return nil, nodeErr(def, "windowKind must be count or time")
	}
	return n, nil
}

func (n *aggregateNode) Invoke(_ context.Context, run *Context, msg Message) error {
	var v float64
	if n.fn != "count" {
		f, ok := toNumber(msg.Payload)
		if !ok {
			return fmt.Errorf("payload %v (%T) is not numeric", msg.Payload, msg.Payload)
		}
		v = f
	}

	n.mu.Lock()
	n.count++
	if n.fn != "count" {
		n.values = append(n.values, v)
	}

	closed := false
	if n.byCount {
		closed = n.count >= n.windowSize
	} else {
		now := n.clk.Now()
		if n.windowStart.IsZero() {
			n.windowStart = now
		}
		closed = now.Sub(n.windowStart) >= n.windowFor
	}

	var out float64
	var samples int
	if closed {
		out = n.fold()
		samples = n.count
		n.values = n.values[:0]
		n.count = 0
		n.windowStart = time.Time{}
	}
	n.mu.Unlock()

	if closed {
		run.Emit(PortOut, msg.WithPayload(out).WithMeta("samples", samples))
	}
	return nil
}

// fold computes the configured aggregate; callers hold the lock.
func (n *aggregateNode) fold() float64 {
	if n.fn == "count" {
		return float64(n.count)
	}
	if len(n.values) == 0 {
		return 0
	}
	switch n.fn {
	case "sum", "avg":
		var sum float64
		for _, v := range n.values {
			sum += v
		}
		if n.fn == "avg" {
			return sum / float64(len(n.values))
		}
		return sum
	case "min":
		out := n.values[0]
		for _, v := range n.values[1:] {
			out = math.Min(out, v)
		}
		return out
	case "max":
		out := n.values[0]
		for _, v := range n.values[1:] {
			out = math.Max(out, v)
		}
		return out
	}
	return 0
}

// ─────────────────────────────────────────────────────────────────────────────
// Smooth
// ─────────────────────────────────────────────────────────────────────────────

// smoothNode emits a filtered copy of a numeric stream.
// Config: {"method": "ema", "alpha": 0.2} or {"method": "sma", "window": 10}
// or {"method": "median", "window": 5}. An omitted alpha derives from the
// window as 2/(window+1).
type smoothNode struct {
	method string
	alpha  float64
	window int

	mu     sync.Mutex
	seeded bool
	ema    float64
	ring   []float64
}

func newSmooth(def models.NodeDefinition, _ Services) (Node, error) {
	method := cfgString(def.Config, "method", "")
	window := cfgInt(def.Config, "window", 10)
	if window <= 0 {
		return nil, nodeErr(def, "window must be positive")
	}
	n := &smoothNode{method: method, window: window}
	switch method {
	case "ema":
		n.alpha = cfgFloat(def.Config, "alpha", 2/float64(window+1))
		if n.alpha <= 0 || n.alpha > 1 {
			return nil, nodeErr(def, "alpha must be in (0, 1]")
		}
	case "sma", "median":
		// ring buffer sized below
	default:
		return nil, nodeErr(def, "method must be one of ema, sma, median")
	}
	return n, nil
}

func (n *smoothNode) Invoke(_ context.Context, run *Context, msg Message) error {
	v, ok := toNumber(msg.Payload)
	if !ok {
		return fmt.Errorf("payload %v (%T) is not numeric", msg.Payload, msg.Payload)
	}

	n.mu.Lock()
	var out float64
	switch n.method {
	case "ema":
		if !n.seeded {
			n.ema = v
			n.seeded = true
		} else {
			n.ema = n.alpha*v + (1-n.alpha)*n.ema
		}
		out = n.ema
	default:
		n.ring = append(n.ring, v)
		if len(n.ring) > n.window {
			n.ring = n.ring[1:]
		}
		if n.method == "sma" {
			var sum float64
			for _, r := range n.ring {
				sum += r
			}
			out = sum / float64(len(n.ring))
		} else {
			sorted := append([]float64(nil), n.ring...)
			sort.Float64s(sorted)
			mid := len(sorted) / 2
			if len(sorted)%2 == 0 {
				out = (sorted[mid-1] + sorted[mid]) / 2
			} else {
				out = sorted[mid]
			}
		}
	}
	n.mu.Unlock()

	run.Emit(PortOut, msg.WithPayload(out))
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Deadband
// ─────────────────────────────────────────────────────────────────────────────

// deadbandNode suppresses values that moved less than the band since the
// last forwarded value. The first value always passes; exact repeats never
// do. Percent mode sizes the band from the last forwarded value.
// Config: {"mode": "absolute", "threshold": 0.5} or
// {"mode": "percent", "threshold": 2}.
type deadbandNode struct {
	percent   bool
	threshold float64

	mu     sync.Mutex
	seeded bool
	last   float64
}

func newDeadband(def models.NodeDefinition, _ Services) (Node, error) {
	threshold := cfgFloat(def.Config, "threshold", -1)
	if threshold < 0 {
		return nil, nodeErr(def, "threshold must be a non-negative number")
	}
	switch mode := cfgString(def.Config, "mode", "absolute"); mode {
	case "absolute":
		return &deadbandNode{threshold: threshold}, nil
	case "percent":
		return &deadbandNode{percent: true, threshold: threshold}, nil
	default:
		return nil, nodeErr(def, "mode must be absolute or percent")
	}
}

func (n *deadbandNode) Invoke(_ context.Context, run *Context, msg Message) error {
	v, ok := toNumber(msg.Payload)
	if !ok {
		return fmt.Errorf("payload %v (%T) is not numeric", msg.Payload, msg.Payload)
	}

	n.mu.Lock()
	pass := false
	if !n.seeded {
		pass = true
	} else {
		band := n.threshold
		if n.percent {
			band = math.Abs(n.last) * n.threshold / 100
		}
		diff := math.Abs(v - n.last)
		pass = diff != 0 && diff >= band
	}
	if pass {
		n.last = v
		n.seeded = true
	}
	n.mu.Unlock()

	if pass {
		run.Emit(PortOut, msg)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Rate of change
// ─────────────────────────────────────────────────────────────────────────────

// rateOfChangeNode emits (v - previous) / dt in units per second, measured
// against arrival time. The first message only seeds the state; messages
// landing in the same clock instant are absorbed without emitting.
type rateOfChangeNode struct {
	clk clock.Clock

	mu     sync.Mutex
	seeded bool
	prev   float64
	prevAt time.Time
}

func newRateOfChange(_ models.NodeDefinition, deps Services) (Node, error) {
	return &rateOfChangeNode{clk: deps.Clock}, nil
}

func (n *rateOfChangeNode) Invoke(_ context.Context, run *Context, msg Message) error {
	v, ok := toNumber(msg.Payload)
	if !ok {
		return fmt.Errorf("payload %v (%T) is not numeric", msg.Payload, msg.Payload)
	}
	now := n.clk.Now()

	n.mu.Lock()
	emit := false
	var rate, dt float64
	if n.seeded {
		dt = now.Sub(n.prevAt).Seconds()
		if dt > 0 {
			rate = (v - n.prev) / dt
			emit = true
		}
	}
	n.prev = v
	n.prevAt = now
	n.seeded = true
	n.mu.Unlock()

	if emit {
		run.Emit(PortOut, msg.WithPayload(rate).WithMeta("dtSeconds", dt))
	}
	return nil
}
