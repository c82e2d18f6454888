package jobs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/cortex/internal/logging"
	"github.com/dreamware/cortex/internal/shardrouter"
)

// Options configures every job's interval and enable switch (spec §4.9).
// Enabled is the master kill switch: when false, Start spawns nothing
// regardless of the per-job flags, for benchmarking runs that want the
// engine's raw throughput without background interference.
type Options struct {
	Enabled bool

	SnapshotEnabled bool
	SnapshotCheck   time.Duration

	DecayEnabled  bool
	DecayInterval time.Duration

	HealthEnabled  bool
	HealthInterval time.Duration
	HealthRingSize int

	SubscriptionFanoutEnabled  bool
	SubscriptionFanoutInterval time.Duration

	GoalEvaluatorEnabled  bool
	GoalEvaluatorInterval time.Duration

	GapDetectorEnabled  bool
	GapDetectorInterval time.Duration
	GapDetectorMaxScan  int
}

// DefaultOptions returns every job enabled at the intervals named in spec
// §4.9.
func DefaultOptions() Options {
	return Options{
		Enabled: true,

		SnapshotEnabled: true,
		SnapshotCheck:   time.Second,

		DecayEnabled:  true,
		DecayInterval: 5 * time.Second,

		HealthEnabled:  true,
		HealthInterval: 10 * time.Second,
		HealthRingSize: 1000,

		SubscriptionFanoutEnabled:  true,
		SubscriptionFanoutInterval: 500 * time.Millisecond,

		GoalEvaluatorEnabled:  true,
		GoalEvaluatorInterval: 5 * time.Second,

		GapDetectorEnabled:  true,
		GapDetectorInterval: 30 * time.Second,
		GapDetectorMaxScan:  2000,
	}
}

// GapFinding is one item the gap detector surfaced: either a concept with
// no associations, or a near-duplicate pair.
type GapFinding struct {
	Kind    string // "isolated" or "near_duplicate"
	ConceptA string
	ConceptB string // empty for "isolated"
}

// Runner owns the goroutine for each enabled background job: a
// ticker-plus-stop-channel loop per job, generalized to several
// independently configured loops sharing one WaitGroup.
type Runner struct {
	router *shardrouter.Router
	opts   Options
	log    zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup

	gapsDetected atomic.Int32
	gapsMu       sync.Mutex
	gaps         []GapFinding

	subMu       sync.Mutex
	subLastSeen map[string]time.Time

	goalMu    sync.Mutex
	goalFired map[string]bool
}

// New constructs a Runner. It does not start any goroutines until Start is
// called.
func New(router *shardrouter.Router, opts Options) *Runner {
	return &Runner{
		router:      router,
		opts:        opts,
		log:         logging.WithComponent("jobs"),
		stop:        make(chan struct{}),
		subLastSeen: make(map[string]time.Time),
		goalFired:   make(map[string]bool),
	}
}

// Enabled reports the master kill switch's state, surfaced via
// get_autonomy_stats (spec §4.9, §12).
func (r *Runner) Enabled() bool { return r.opts.Enabled }

// GapsDetected returns the count of findings from the most recently
// completed gap-detector cycle.
func (r *Runner) GapsDetected() int32 { return r.gapsDetected.Load() }

// Gaps returns a snapshot of the most recently detected gaps.
func (r *Runner) Gaps() []GapFinding {
	r.gapsMu.Lock()
	defer r.gapsMu.Unlock()
	out := make([]GapFinding, len(r.gaps))
	copy(out, r.gaps)
	return out
}

// Start spawns one goroutine per enabled job. Safe to call at most once.
func (r *Runner) Start() {
	if !r.opts.Enabled {
		r.log.Info().Msg("background jobs disabled by master switch")
		return
	}

	r.spawn(r.opts.SnapshotEnabled, r.opts.SnapshotCheck, r.runSnapshot)
	r.spawn(r.opts.DecayEnabled, r.opts.DecayInterval, r.runDecay)
	r.spawn(r.opts.HealthEnabled, r.opts.HealthInterval, r.runHealthSnapshot)
	r.spawn(r.opts.SubscriptionFanoutEnabled, r.opts.SubscriptionFanoutInterval, r.runSubscriptionFanout)
	r.spawn(r.opts.GoalEvaluatorEnabled, r.opts.GoalEvaluatorInterval, r.runGoalEvaluator)
	r.spawn(r.opts.GapDetectorEnabled, r.opts.GapDetectorInterval, r.runGapDetector)
}

func (r *Runner) spawn(enabled bool, interval time.Duration, tick func()) {
	if !enabled || interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				tick()
			}
		}
	}()
}

// Stop signals every job goroutine and waits for them to exit.
func (r *Runner) Stop() {
	close(r.stop)
	r.wg.Wait()
}
