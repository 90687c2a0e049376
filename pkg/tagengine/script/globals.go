package script

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/ctxstore"
)

// ─────────────────────────────────────────────────────────────────────────────
// Collaborator interfaces
// ─────────────────────────────────────────────────────────────────────────────

// TagReader reads current tag values by "Connection/Tag" path.
type TagReader interface {
	Get(path string) (models.TagValue, bool)
}

// TagWriter routes tag writes by "Connection/Tag" path.
type TagWriter interface {
	WriteTagByPath(ctx context.Context, path string, value any) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Globals
// ─────────────────────────────────────────────────────────────────────────────

// Globals is the surface user code sees. Nil collaborators degrade
// gracefully: the corresponding functions return errors (writes) or nil
// (reads) instead of panicking, so validation-only hosts need no wiring.
type Globals struct {
	// Tags resolves tag reads; typically the poll engine's value cache.
	Tags TagReader

	// Writer routes writeTag() calls; typically the poll engine.
	Writer TagWriter

	// State is the context-store view behind stateGet/stateSet/stateHas/
	// stateClear.
	State ctxstore.Scoped

	// StateScope names the scope state functions bind to (ScopeGlobal,
	// ScopeFlow, ScopeNode). Empty selects global — the right default for
	// state machines, whose scratch state must survive config reloads.
	StateScope string

	// Vars are extra per-call identifiers (for example msg and topic on
	// flow script nodes). Built-in names win on collision.
	Vars map[string]any
}

func (g Globals) stateScope() string {
	if g.StateScope == "" {
		return ctxstore.ScopeGlobal
	}
	return g.StateScope
}

// env builds the evaluation environment for one run.
func (g Globals) env(ctx context.Context, input any, logs *logBuffer, clk clock.Clock, logger *slog.Logger) map[string]any {
	env := make(map[string]any, len(g.Vars)+18)
	for k, v := range g.Vars {
		env[k] = v
	}

	env["input"] = input
	env["now"] = func() time.Time { return clk.Now().UTC() }

	// Tag access.
	env["tag"] = func(path string) any {
		if g.Tags == nil {
			return nil
		}
		v, ok := g.Tags.Get(path)
		if !ok {
			return nil
		}
		return v.Value
	}
	env["tagNumber"] = func(path string) (float64, error) {
		v, err := g.readTag(path)
		if err != nil {
			return 0, err
		}
		f, ok := models.ToFloat(v.Value)
		if !ok {
			return 0, fmt.Errorf("script: tag %s is not numeric: %v", path, v.Value)
		}
		return f, nil
	}
	env["tagBool"] = func(path string) (bool, error) {
		v, err := g.readTag(path)
		if err != nil {
			return false, err
		}
		b, ok := models.ToBool(v.Value)
		if !ok {
			return false, fmt.Errorf("script: tag %s is not boolean: %v", path, v.Value)
		}
		return b, nil
	}
	env["tagString"] = func(path string) (string, error) {
		v, err := g.readTag(path)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%v", v.Value), nil
	}
	env["tagQuality"] = func(path string) (int, error) {
		v, err := g.readTag(path)
		if err != nil {
			return int(models.QualityNotConnected), err
		}
		return int(v.Quality), nil
	}
	env["writeTag"] = func(path string, value any) (bool, error) {
		if g.Writer == nil {
			return false, fmt.Errorf("script: tag writes unavailable here")
		}
		if err := g.Writer.WriteTagByPath(ctx, path, value); err != nil {
			return false, err
		}
		return true, nil
	}

	// Scratch state.
	env["stateGet"] = func(key string) any {
		v, _ := g.State.Get(g.stateScope(), key)
		return v
	}
	env["stateSet"] = func(key string, value any) (bool, error) {
		if err := g.State.Set(g.stateScope(), key, value); err != nil {
			return false, err
		}
		return true, nil
	}
	env["stateHas"] = func(key string) bool {
		return g.State.Has(g.stateScope(), key)
	}
	env["stateClear"] = func(key string) (bool, error) {
		if err := g.State.Delete(g.stateScope(), key); err != nil {
			return false, err
		}
		return true, nil
	}

	// Timing.
	env["delay"] = func(ms any) (bool, error) {
		f, ok := models.ToFloat(ms)
		if !ok || f < 0 {
			return false, fmt.Errorf("script: delay: bad duration %v", ms)
		}
		t := clk.Timer(time.Duration(f * float64(time.Millisecond)))
		defer t.Stop()
		select {
		case <-t.C:
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	// Logging.
	env["log"] = func(args ...any) bool {
		msg := strings.TrimSuffix(fmt.Sprintln(args...), "\n")
		logs.add(msg)
		logger.Info("script: log", "message", msg)
		return true
	}

	// JSON.
	env["jsonParse"] = func(s string) (any, error) {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("script: jsonParse: %w", err)
		}
		return v, nil
	}
	env["jsonSerialize"] = func(v any) (string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("script: jsonSerialize: %w", err)
		}
		return string(data), nil
	}

	// Numeric helpers.
	env["scale"] = func(v, inMin, inMax, outMin, outMax any) (float64, error) {
		nums, err := toFloats("scale", v, inMin, inMax, outMin, outMax)
		if err != nil {
			return 0, err
		}
		x, i0, i1, o0, o1 := nums[0], nums[1], nums[2], nums[3], nums[4]
		if i1 == i0 {
			return o0, nil
		}
		return o0 + (x-i0)*(o1-o0)/(i1-i0), nil
	}
	env["clamp"] = func(v, lo, hi any) (float64, error) {
		nums, err := toFloats("clamp", v, lo, hi)
		if err != nil {
			return 0, err
		}
		x, l, h := nums[0], nums[1], nums[2]
		if x < l {
			return l, nil
		}
		if x > h {
			return h, nil
		}
		return x, nil
	}

	return env
}

func (g Globals) readTag(path string) (models.TagValue, error) {
	if g.Tags == nil {
		return models.TagValue{}, fmt.Errorf("script: tag reads unavailable here")
	}
	v, ok := g.Tags.Get(path)
	if !ok {
		return models.TagValue{}, fmt.Errorf("script: unknown tag %s", path)
	}
	return v, nil
}

func toFloats(fn string, vals ...any) ([]float64, error) {
	out := make([]float64, len(vals))
	for i, v := range vals {
		f, ok := models.ToFloat(v)
		if !ok {
			return nil, fmt.Errorf("script: %s: argument %d is not numeric: %v", fn, i+1, v)
		}
		out[i] = f
	}
	return out, nil
}
