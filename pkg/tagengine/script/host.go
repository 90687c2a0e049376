// Package script implements the script host used by flow script nodes and
// state-machine conditions. User code is an expression (expr-lang syntax)
// evaluated against a fixed globals surface: tag read/write, scratch state,
// delay, logging, JSON helpers, and numeric scale/clamp.
//
// Every evaluation runs on its own goroutine under a per-invocation timeout;
// a program that overruns is abandoned (its delay calls observe the
// cancelled context). Compiled programs are cached by source text.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/vpbank/tag_engine/models"
)

// Per-invocation timeout defaults: flow script nodes get the longer budget,
// state-machine condition scans the shorter one.
const (
	DefaultExecuteTimeout   = 10 * time.Second
	DefaultConditionTimeout = 5 * time.Second
)

// ─────────────────────────────────────────────────────────────────────────────
// Contract
// ─────────────────────────────────────────────────────────────────────────────

// Diagnostic is one validation finding. Position information, when the
// parser provides it, rides inside the message text.
type Diagnostic struct {
	Message string `json:"message"`
}

// Result is the outcome of one script execution.
type Result struct {
	Success      bool
	ReturnValue  any
	ErrorMessage string
	LogMessages  []string
	Elapsed      time.Duration
}

// Host is the contract the flow and state-machine executors program against.
type Host interface {
	// Validate compiles code and returns its diagnostics, nil when clean.
	Validate(code string) []Diagnostic

	// Execute evaluates code against the globals surface. input is bound to
	// the `input` identifier. A non-positive timeout selects
	// DefaultExecuteTimeout.
	Execute(ctx context.Context, code string, g Globals, input any, timeout time.Duration) Result

	// EvaluateCondition evaluates code and reduces the result to a boolean
	// by truthiness: booleans as-is, numbers by != 0, strings by non-empty,
	// nil false, anything else true. A non-positive timeout selects
	// DefaultConditionTimeout.
	EvaluateCondition(ctx context.Context, code string, g Globals, timeout time.Duration) (bool, error)
}

// Truthy reduces a script return value to a boolean.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	default:
		if f, ok := models.ToFloat(v); ok {
			return f != 0
		}
		return true
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// expr-backed host
// ─────────────────────────────────────────────────────────────────────────────

// Options controls the host. Zero values select the defaults.
type Options struct {
	// Clock measures elapsed time and drives delay(); tests inject a mock.
	Clock clock.Clock

	// MaxCachedPrograms bounds the compiled-program cache. When full, the
	// cache is reset wholesale — configs hold few distinct scripts, so a
	// reset is cheaper than tracking recency.
	MaxCachedPrograms int
}

// ExprHost implements Host on the expr-lang evaluator. Safe for concurrent
// use by multiple goroutines.
type ExprHost struct {
	clk      clock.Clock
	logger   *slog.Logger
	maxCache int

	mu    sync.Mutex
	cache map[string]*vm.Program
}

// NewHost constructs an ExprHost. If logger is nil, a no-op logger is
// substituted.
func NewHost(opts Options, logger *slog.Logger) *ExprHost {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MaxCachedPrograms <= 0 {
		opts.MaxCachedPrograms = 512
	}
	return &ExprHost{
		clk:      opts.Clock,
		logger:   logger,
		maxCache: opts.MaxCachedPrograms,
		cache:    make(map[string]*vm.Program),
	}
}

// Validate compiles code without running it.
func (h *ExprHost) Validate(code string) []Diagnostic {
	if strings.TrimSpace(code) == "" {
		return []Diagnostic{{Message: "empty script"}}
	}
	if _, err := h.compile(code); err != nil {
		return []Diagnostic{{Message: err.Error()}}
	}
	return nil
}

// Execute evaluates code on its own goroutine under the timeout.
func (h *ExprHost) Execute(ctx context.Context, code string, g Globals, input any, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultExecuteTimeout
	}
	start := h.clk.Now()

	program, err := h.compile(code)
	if err != nil {
		runsTotal.WithLabelValues("compile_error").Inc()
		return Result{ErrorMessage: fmt.Sprintf("script: compile: %v", err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logs := &logBuffer{}
	env := g.env(runCtx, input, logs, h.clk, h.logger)

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := expr.Run(program, env)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		elapsed := h.clk.Now().Sub(start)
		if out.err != nil {
			runsTotal.WithLabelValues("error").Inc()
			return Result{
				ErrorMessage: fmt.Sprintf("script: %v", out.err),
				LogMessages:  logs.take(),
				Elapsed:      elapsed,
			}
		}
		runsTotal.WithLabelValues("ok").Inc()
		return Result{
			Success:     true,
			ReturnValue: out.value,
			LogMessages: logs.take(),
			Elapsed:     elapsed,
		}

	case <-runCtx.Done():
		elapsed := h.clk.Now().Sub(start)
		runsTotal.WithLabelValues("timeout").Inc()
		msg := fmt.Sprintf("script: evaluation exceeded %s", timeout)
		if errors.Is(runCtx.Err(), context.Canceled) {
			msg = "script: evaluation cancelled"
		}
		h.logger.Warn("script: abandoned run", "reason", msg, "elapsed", elapsed)
		return Result{ErrorMessage: msg, LogMessages: logs.take(), Elapsed: elapsed}
	}
}

// EvaluateCondition evaluates code and reduces the result by truthiness.
func (h *ExprHost) EvaluateCondition(ctx context.Context, code string, g Globals, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultConditionTimeout
	}
	res := h.Execute(ctx, code, g, nil, timeout)
	if !res.Success {
		return false, errors.New(res.ErrorMessage)
	}
	return Truthy(res.ReturnValue), nil
}

// compile returns the cached program for code, compiling on first sight.
func (h *ExprHost) compile(code string) (*vm.Program, error) {
	h.mu.Lock()
	if p, ok := h.cache[code]; ok {
		h.mu.Unlock()
		return p, nil
	}
	h.mu.Unlock()

	program, err := expr.Compile(code)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if len(h.cache) >= h.maxCache {
		h.cache = make(map[string]*vm.Program)
	}
	h.cache[code] = program
	h.mu.Unlock()
	return program, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// log collection
// ─────────────────────────────────────────────────────────────────────────────

// logBuffer accumulates log() output for the run's Result.
type logBuffer struct {
	mu   sync.Mutex
	msgs []string
}

func (b *logBuffer) add(msg string) {
	b.mu.Lock()
	b.msgs = append(b.msgs, msg)
	b.mu.Unlock()
}

func (b *logBuffer) take() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.msgs
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
