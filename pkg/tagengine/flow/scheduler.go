package flow

import (
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduler fires timer-trigger nodes. Interval triggers run on clock
// tickers (mockable in tests); cron triggers share one cron runner per
// refresh generation. refresh tears the previous generation down completely,
// so a reload never leaves an orphaned schedule behind.
type scheduler struct {
	m *Manager

	mu    sync.Mutex
	stops []func()
	cron  *cron.Cron
}

func newScheduler(m *Manager) *scheduler {
	return &scheduler{m: m}
}

func (s *scheduler) refresh(flows map[string]*CompiledFlow) {
	s.stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(flows))
	for id := range flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	runner := cron.New()
	cronJobs := 0

	for _, flowID := range ids {
		cf := flows[flowID]
		for _, nd := range cf.NodesOfType("timer-trigger") {
			flowID, nodeID := flowID, nd.ID

			if spec := cfgString(nd.Config, "cron", ""); spec != "" {
				_, err := runner.AddFunc(spec, func() {
					s.m.RunFrom(flowID, nodeID, s.timerMessage(), "cron")
				})
				if err != nil {
					// Specs are validated at compile; reaching this
					// means compile and cron disagree on syntax.
					s.m.logger.Warn("flow: cron schedule rejected",
						"flow", flowID, "node", nodeID, "spec", spec, "error", err.Error())
					continue
				}
				cronJobs++
				continue
			}

			intervalMs := cfgInt(nd.Config, "intervalMs", 0)
			if intervalMs <= 0 {
				continue
			}
			s.stops = append(s.stops, s.startInterval(flowID, nodeID, time.Duration(intervalMs)*time.Millisecond))
		}
	}

	if cronJobs > 0 {
		runner.Start()
		s.cron = runner
	}
}

// startInterval runs one ticker goroutine and returns its stop func.
func (s *scheduler) startInterval(flowID, nodeID string, every time.Duration) func() {
	done := make(chan struct{})
	s.m.tasks.Go("flow-timer-"+nodeID, func() error {
		tick := s.m.deps.Clock.Ticker(every)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-tick.C:
				s.m.RunFrom(flowID, nodeID, s.timerMessage(), "timer")
			}
		}
	})
	return func() { close(done) }
}

func (s *scheduler) timerMessage() Message {
	return Message{Payload: map[string]any{
		"firedAt": s.m.deps.Clock.Now().UTC(),
	}}
}

// stop tears down the current generation of schedules.
func (s *scheduler) stop() {
	s.mu.Lock()
	stops := s.stops
	runner := s.cron
	s.stops = nil
	s.cron = nil
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if runner != nil {
		<-runner.Stop().Done()
	}
}
