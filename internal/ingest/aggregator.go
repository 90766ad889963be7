package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/coachpo/estuary/internal/observability"
	"github.com/coachpo/estuary/internal/schema"
)

// ProgressSource exposes one stream's committed item count to the
// aggregator. The aggregator only ever reads; it never mutates the counter.
type ProgressSource interface {
	Stream() schema.Stream
	Progress() uint64
	Updates() <-chan struct{}
	Done() <-chan struct{}
}

// JointProgress is the combined view of the two stream counters.
type JointProgress struct {
	Samples uint64
	Users   uint64
}

// StopPolicy controls aggregator behaviour when one stream stops while the
// other continues.
type StopPolicy int

const (
	// ContinueFrozen keeps aggregating with the stopped stream frozen at
	// its last known value.
	ContinueFrozen StopPolicy = iota
	// HaltOnFirstStop ends aggregation as soon as either stream stops.
	HaltOnFirstStop
)

// DefaultProgressInterval is the default reporting cadence.
const DefaultProgressInterval = 10 * time.Second

// Reporter receives the sampled joint progress.
type Reporter func(JointProgress)

// Aggregator combines the latest counts of the sample and user pipelines
// into one joint value, recombined whenever either changes and sampled on a
// fixed interval for reporting. Run blocks until every supervised stream
// has stopped or ctx is cancelled.
type Aggregator struct {
	samples  ProgressSource
	users    ProgressSource
	interval time.Duration
	policy   StopPolicy
	report   Reporter
	clock    clockz.Clock

	mu      sync.Mutex
	current JointProgress
}

// NewAggregator combines the two progress sources. A nil reporter logs via
// the global logger; a non-positive interval uses the default.
func NewAggregator(samples, users ProgressSource, interval time.Duration, policy StopPolicy, report Reporter, clock clockz.Clock) *Aggregator {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	a := &Aggregator{
		samples:  samples,
		users:    users,
		interval: interval,
		policy:   policy,
		report:   report,
		clock:    clock,
	}
	if a.report == nil {
		a.report = func(joint JointProgress) {
			observability.Log().Info("joint progress",
				observability.F("samples", joint.Samples),
				observability.F("users", joint.Users))
		}
	}
	return a
}

// Current returns the latest combined value.
func (a *Aggregator) Current() JointProgress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Run blocks until both sources stop, the policy ends aggregation early, or
// ctx is cancelled. It returns the final joint value.
func (a *Aggregator) Run(ctx context.Context) JointProgress {
	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()

	samplesDone := a.samples.Done()
	usersDone := a.users.Done()
	a.recombine()

	for {
		select {
		case <-ctx.Done():
			a.recombine()
			return a.Current()

		case <-a.samples.Updates():
			a.recombine()
		case <-a.users.Updates():
			a.recombine()

		case <-ticker.C():
			a.report(a.Current())

		case <-samplesDone:
			samplesDone = nil
			if a.finished(usersDone == nil) {
				return a.Current()
			}
		case <-usersDone:
			usersDone = nil
			if a.finished(samplesDone == nil) {
				return a.Current()
			}
		}
	}
}

// finished recombines after a source stopped and reports whether
// aggregation should end. A stopped source's counter stays readable, so the
// combined value freezes on its last count.
func (a *Aggregator) finished(otherStopped bool) bool {
	a.recombine()
	if a.policy == HaltOnFirstStop || otherStopped {
		a.report(a.Current())
		return true
	}
	return false
}

func (a *Aggregator) recombine() {
	joint := JointProgress{
		Samples: a.samples.Progress(),
		Users:   a.users.Progress(),
	}
	a.mu.Lock()
	a.current = joint
	a.mu.Unlock()
}
