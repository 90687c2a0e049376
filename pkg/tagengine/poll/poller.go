// Package poll implements the poll engine: one ConnectionPoller per enabled
// device connection, each grouping its tags by poll rate so that tags sharing
// a rate share one timer. Every timer firing reads the whole group through a
// single driver call, then fans the samples out to the current-value cache,
// the message bus, and the history store.
//
// Data path:
//
//	driver → ConnectionPoller → (Cache, tags/<connId>/bulk,
//	                             tags/<connId>/<tagId> retained, HistorySink)
//
// Overload policy: a poll-rate group holds a single-slot busy gate. A tick
// arriving while the previous read is still in flight is dropped and counted,
// never queued. Persistent read failures open a per-connection circuit
// breaker that skips reads for a recovery window.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/driver"
	"github.com/vpbank/tag_engine/pkg/tagengine/task"
	"github.com/vpbank/tag_engine/transport/mqtt"
)

// ─────────────────────────────────────────────────────────────────────────────
// Collaborator interfaces
// ─────────────────────────────────────────────────────────────────────────────

// Publisher is the subset of the bus client consumed by the poll engine.
// Bulk samples go through Publish (one attempt, stale data is worthless);
// status transitions go through PublishRetry.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetry(topic string, payload []byte, qos byte, retained bool) error
}

// Encoder serialises bus payloads.
type Encoder interface {
	Encode(payload any) ([]byte, error)
}

// HistorySink receives every sample whose tag has LogHistory set. The sink
// must never block the poll path; overload is the sink's problem.
type HistorySink interface {
	StoreValue(v models.TagValue)
}

// ─────────────────────────────────────────────────────────────────────────────
// ConnectionPoller
// ─────────────────────────────────────────────────────────────────────────────

// pollGroup is the set of tags on one connection sharing a poll rate, and the
// single-slot gate that drops overlapping ticks.
type pollGroup struct {
	rateMs int
	tags   []models.TagConfig
	busy   atomic.Bool
}

// ConnectionPoller drives one device connection: it owns the driver instance,
// one timer goroutine per poll-rate group, and the connection's circuit
// breaker. Construct with newConnectionPoller, run with Start, and always
// Stop before discarding — Stop joins in-flight reads.
type ConnectionPoller struct {
	cfg    models.ConnectionConfig
	drv    driver.Driver
	bus    Publisher
	codec  Encoder
	hist   HistorySink
	cache  *Cache
	clk    clock.Clock
	logger *slog.Logger

	brk    *breaker
	groups []*pollGroup
	tasks  *task.Group
	cancel context.CancelFunc

	// onPoll reports each successful read's elapsed time to the engine.
	onPoll func(elapsed time.Duration)
}

func newConnectionPoller(cfg models.ConnectionConfig, drv driver.Driver, e *Engine) *ConnectionPoller {
	p := &ConnectionPoller{
		cfg:    cfg,
		drv:    drv,
		bus:    e.bus,
		codec:  e.codec,
		hist:   e.history,
		cache:  e.cache,
		clk:    e.clk,
		logger: e.logger,
		brk:    newBreaker(e.clk),
		tasks:  task.NewGroup(e.logger),
		onPoll: e.recordPoll,
	}
	p.groups = buildGroups(cfg.Tags)
	return p
}

// buildGroups buckets tags by poll rate, ordered by ascending rate for
// deterministic startup.
func buildGroups(tags []models.TagConfig) []*pollGroup {
	byRate := make(map[int][]models.TagConfig)
	for _, t := range tags {
		byRate[t.PollRateMs] = append(byRate[t.PollRateMs], t)
	}
	rates := make([]int, 0, len(byRate))
	for r := range byRate {
		rates = append(rates, r)
	}
	sort.Ints(rates)

	groups := make([]*pollGroup, 0, len(rates))
	for _, r := range rates {
		groups = append(groups, &pollGroup{rateMs: r, tags: byRate[r]})
	}
	return groups
}

// Start connects the driver and launches one timer goroutine per poll-rate
// group. A failed connect is not fatal: the Error status is published and the
// timers still run, so the breaker paces reconnect attempts.
func (p *ConnectionPoller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	if err := p.drv.Connect(ctx, p.cfg); err != nil {
		p.logger.Warn("poll: connect failed",
			"connection", p.cfg.ID,
			"driver", p.cfg.DriverType,
			"error", err.Error(),
		)
		p.publishStatus(models.ConnError, err.Error())
	} else {
		p.publishStatus(models.ConnConnected, "")
	}

	for _, g := range p.groups {
		g := g
		p.tasks.Go(fmt.Sprintf("poll-%s-%dms", p.cfg.ID, g.rateMs), func() error {
			p.runGroup(ctx, g)
			return nil
		})
	}

	p.logger.Info("poll: poller started",
		"connection", p.cfg.ID,
		"name", p.cfg.Name,
		"groups", len(p.groups),
		"tags", len(p.cfg.Tags),
	)
}

// Stop halts the group timers, waits for in-flight reads to complete, and
// only then disconnects the driver — no callback runs past teardown.
func (p *ConnectionPoller) Stop(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}
	p.tasks.Wait()

	if err := p.drv.Disconnect(ctx); err != nil {
		p.logger.Warn("poll: disconnect failed", "connection", p.cfg.ID, "error", err.Error())
	}
	if err := p.drv.Close(); err != nil {
		p.logger.Warn("poll: driver close failed", "connection", p.cfg.ID, "error", err.Error())
	}
}

// WriteTag routes one write to the driver. A write against a disconnected
// driver is dropped with a warning rather than queued.
func (p *ConnectionPoller) WriteTag(ctx context.Context, tagID string, value any) error {
	tag := p.cfg.TagByID(tagID)
	if tag == nil {
		return fmt.Errorf("poll: connection %s: unknown tag %q", p.cfg.ID, tagID)
	}
	if !p.drv.Connected() {
		p.logger.Warn("poll: write dropped, driver not connected",
			"connection", p.cfg.ID,
			"tag", tag.Name,
		)
		return nil
	}
	if err := p.drv.WriteTag(ctx, *tag, value); err != nil {
		return fmt.Errorf("poll: write %s/%s: %w", p.cfg.Name, tag.Name, err)
	}
	writesTotal.WithLabelValues(p.cfg.Name).Inc()
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Poll cycle
// ─────────────────────────────────────────────────────────────────────────────

// runGroup fires one immediate cycle, then ticks at the group's rate until
// the context is cancelled.
func (p *ConnectionPoller) runGroup(ctx context.Context, g *pollGroup) {
	p.fireGroup(ctx, g)

	ticker := p.clk.Ticker(time.Duration(g.rateMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fireGroup(ctx, g)
		}
	}
}

// fireGroup launches one read unless the previous one is still in flight, in
// which case the tick is dropped.
func (p *ConnectionPoller) fireGroup(ctx context.Context, g *pollGroup) {
	if !g.busy.CompareAndSwap(false, true) {
		ticksSkippedTotal.WithLabelValues(p.cfg.Name).Inc()
		p.logger.Debug("poll: tick skipped, read in flight",
			"connection", p.cfg.ID,
			"rate_ms", g.rateMs,
		)
		return
	}
	p.tasks.Go(fmt.Sprintf("poll-read-%s-%dms", p.cfg.ID, g.rateMs), func() error {
		defer g.busy.Store(false)
		p.pollOnce(ctx, g)
		return nil
	})
}

// pollOnce performs one read of the whole group and fans the samples out.
// Runs on a supervised goroutine; errors never escape.
func (p *ConnectionPoller) pollOnce(ctx context.Context, g *pollGroup) {
	if ctx.Err() != nil {
		return
	}
	if !p.brk.Allow() {
		return
	}

	// A driver that lost its link is reconnected on the poll path, paced by
	// the breaker window.
	if !p.drv.Connected() {
		if err := p.drv.Connect(ctx, p.cfg); err != nil {
			p.readFailed(fmt.Errorf("connect: %w", err))
			return
		}
	}

	start := p.clk.Now()
	values, err := p.drv.ReadTags(ctx, g.tags)
	if err != nil {
		p.readFailed(err)
		return
	}
	elapsed := p.clk.Now().Sub(start)

	if p.brk.Success() {
		p.logger.Info("poll: connection recovered", "connection", p.cfg.ID)
		p.publishStatus(models.ConnConnected, "")
	}
	p.onPoll(elapsed)
	pollsTotal.WithLabelValues(p.cfg.Name).Inc()

	samples := p.orderSamples(g, values)
	p.cache.PutAll(samples)
	p.publishSamples(samples)

	for i := range samples {
		if tag := p.cfg.TagByID(samples[i].TagID); tag != nil && tag.LogHistory {
			p.hist.StoreValue(samples[i])
		}
	}
}

// orderSamples maps the driver's result back onto the group's tag order, so
// the bulk message always carries one entry per tag in the group. A tag the
// driver could not read this cycle keeps its last-known value (or nil) with a
// bad quality code.
func (p *ConnectionPoller) orderSamples(g *pollGroup, values map[string]models.TagValue) []models.TagValue {
	now := p.clk.Now().UTC().Truncate(time.Millisecond)
	out := make([]models.TagValue, 0, len(g.tags))
	for i := range g.tags {
		tag := &g.tags[i]
		if v, ok := values[tag.ID]; ok {
			v.Timestamp = v.Timestamp.UTC().Truncate(time.Millisecond)
			out = append(out, v)
			continue
		}
		missing := models.TagValue{
			ConnectionID: p.cfg.ID,
			TagID:        tag.ID,
			TagName:      tag.Name,
			TagPath:      models.JoinTagPath(p.cfg.Name, tag.Name),
			DataType:     tag.DataType,
			Quality:      models.QualityBad,
			Timestamp:    now,
		}
		if last, ok := p.cache.GetByID(p.cfg.ID, tag.ID); ok {
			missing.Value = last.Value
		}
		out = append(out, missing)
	}
	return out
}

// publishSamples sends the bulk message (one attempt — the next cycle
// supersedes it) and the retained per-tag values.
func (p *ConnectionPoller) publishSamples(samples []models.TagValue) {
	bulk := models.BulkTagValueMessage{
		ConnectionID: p.cfg.ID,
		Timestamp:    p.clk.Now().UTC().Truncate(time.Millisecond),
		Tags:         samples,
	}
	if data, err := p.codec.Encode(bulk); err == nil {
		if err := p.bus.Publish(mqtt.TopicBulkTags(p.cfg.ID), data, 0, false); err != nil {
			publishErrorsTotal.WithLabelValues(p.cfg.Name).Inc()
			p.logger.Debug("poll: bulk publish failed", "connection", p.cfg.ID, "error", err.Error())
		}
	} else {
		p.logger.Warn("poll: bulk encode failed", "connection", p.cfg.ID, "error", err.Error())
	}

	for i := range samples {
		data, err := p.codec.Encode(samples[i])
		if err != nil {
			continue
		}
		if err := p.bus.Publish(mqtt.TopicTagValue(p.cfg.ID, samples[i].TagID), data, 0, true); err != nil {
			publishErrorsTotal.WithLabelValues(p.cfg.Name).Inc()
		}
	}
}

// readFailed counts one failure against the breaker and publishes the Error
// status on the closed→open transition. Per-tick failures log at debug only.
func (p *ConnectionPoller) readFailed(err error) {
	pollErrorsTotal.WithLabelValues(p.cfg.Name).Inc()
	p.logger.Debug("poll: read failed",
		"connection", p.cfg.ID,
		"failures", p.brk.Failures()+1,
		"error", err.Error(),
	)
	if p.brk.Failure() {
		breakerOpensTotal.WithLabelValues(p.cfg.Name).Inc()
		msg := fmt.Sprintf("Circuit breaker opened after %d consecutive read failures: %v",
			p.brk.Failures(), err)
		p.logger.Warn("poll: circuit breaker opened",
			"connection", p.cfg.ID,
			"open_for", breakerOpenFor,
			"error", err.Error(),
		)
		p.publishStatus(models.ConnError, msg)
	}
}

// publishStatus publishes the retained per-connection status (QoS 1, best
// effort with retry).
func (p *ConnectionPoller) publishStatus(state models.ConnectionState, errMsg string) {
	status := models.ConnectionStatusMessage{
		ConnectionID: p.cfg.ID,
		Name:         p.cfg.Name,
		State:        state,
		ErrorMessage: errMsg,
		Timestamp:    p.clk.Now().UTC().Truncate(time.Millisecond),
	}
	data, err := p.codec.Encode(status)
	if err != nil {
		p.logger.Warn("poll: status encode failed", "connection", p.cfg.ID, "error", err.Error())
		return
	}
	if err := p.bus.PublishRetry(mqtt.TopicConnectionStatus(p.cfg.ID), data, 1, true); err != nil {
		p.logger.Warn("poll: status publish failed",
			"connection", p.cfg.ID,
			"state", string(state),
			"error", err.Error(),
		)
	}
}
