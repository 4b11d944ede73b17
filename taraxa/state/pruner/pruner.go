package pruner

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/metric_utils"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/snapshots"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_common"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_db"
	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/util/goroutines"
)

type Version = state_common.Version

type Config struct {
	// prune automatically as versions are finalized
	Enabled bool `yaml:"enabled"`
	// number of versions below the tip to keep
	Distance uint64 `yaml:"distance"`
	// how often failed or pending runs are retried
	Interval time.Duration `yaml:"interval"`
}

func DefaultConfig() Config {
	return Config{Enabled: true, Distance: 1000, Interval: 30 * time.Second}
}

// Watermarker bounds pruning by the oldest version still in use.
type Watermarker interface {
	// ClaimPruneTarget returns upTo clamped to the watermark and keeps
	// versions below the result from being pinned afterwards.
	ClaimPruneTarget(upTo Version) Version
}

type Opts struct {
	Log     *zap.Logger
	Metrics *metric_utils.Metrics
}

// Pruner deletes data of old versions in the background. Requests are
// coalesced; the latest one wins. A failed run is logged and retried.
type Pruner struct {
	store     *state_db.Store
	watermark Watermarker
	cfg       Config
	log       *zap.Logger
	metrics   *metric_utils.Metrics

	exec    goroutines.SingleThreadExecutor
	target  *atomic.Uint64
	queued  *atomic.Bool
	failing *atomic.Bool

	stop      chan struct{}
	loop      sync.WaitGroup
	closeOnce sync.Once
}

func New(store *state_db.Store, watermark Watermarker, cfg Config, opts Opts) *Pruner {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	self := &Pruner{
		store:     store,
		watermark: watermark,
		cfg:       cfg,
		log:       opts.Log.Named("pruner"),
		metrics:   opts.Metrics,
		target:    atomic.NewUint64(store.PrunedBelow()),
		queued:    atomic.NewBool(false),
		failing:   atomic.NewBool(false),
		stop:      make(chan struct{}),
	}
	self.exec.Init(1)
	return self
}

// Start follows finalized versions of m when pruning is enabled, and retries
// failed runs every Interval.
func (self *Pruner) Start(m *snapshots.Manager) {
	var finalized <-chan Version
	cancel := func() {}
	if self.cfg.Enabled {
		finalized, cancel = m.Subscribe(16)
	}
	self.loop.Add(1)
	go func() {
		defer self.loop.Done()
		defer cancel()
		ticker := time.NewTicker(self.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-self.stop:
				return
			case v := <-finalized:
				if v >= self.cfg.Distance {
					self.Prune(v - self.cfg.Distance)
				}
			case <-ticker.C:
				if self.failing.Load() || self.pending() {
					self.schedule()
				}
			}
		}
	}()
	self.log.Info("started",
		zap.Bool("auto", self.cfg.Enabled), zap.Uint64("distance", self.cfg.Distance),
		zap.Duration("interval", self.cfg.Interval))
}

// Prune requests deletion of data only needed by versions below upTo. It
// never blocks; the work happens on the pruner goroutine, clamped to the
// current watermark.
func (self *Pruner) Prune(upTo Version) {
	for {
		cur := self.target.Load()
		if upTo <= cur || self.target.CAS(cur, upTo) {
			break
		}
	}
	self.schedule()
}

func (self *Pruner) pending() bool {
	return self.target.Load() > self.store.PrunedBelow()
}

func (self *Pruner) schedule() {
	select {
	case <-self.stop:
		return
	default:
	}
	if self.queued.CAS(false, true) && !self.exec.TrySubmit(self.run) {
		self.queued.Store(false)
	}
}

func (self *Pruner) run() {
	self.queued.Store(false)
	if _, ok := self.store.Tip(); !ok {
		return
	}
	upTo := self.watermark.ClaimPruneTarget(self.target.Load())
	stats, err := self.store.PruneBelow(upTo)
	if err != nil {
		self.failing.Store(true)
		self.metrics.Inc(metric_utils.PruneFailures)
		self.log.Warn("prune failed, will retry", zap.Uint64("up_to", upTo), zap.Error(err))
		return
	}
	if self.failing.CAS(true, false) {
		self.log.Info("prune recovered", zap.Uint64("pruned_below", self.store.PrunedBelow()))
	}
	if stats.Total() > 0 {
		self.log.Debug("prune run", zap.Uint64("up_to", upTo), zap.Int("deleted", stats.Total()))
	}
}

// Flush waits for queued runs to complete. It returns at once after Close.
func (self *Pruner) Flush() {
	self.exec.Join()
}

// LastPruned is the version below which data has been removed. It is
// persisted with the store and survives restarts.
func (self *Pruner) LastPruned() Version {
	return self.store.PrunedBelow()
}

func (self *Pruner) Failing() bool {
	return self.failing.Load()
}

func (self *Pruner) Close() {
	self.closeOnce.Do(func() {
		close(self.stop)
		self.loop.Wait()
		self.exec.JoinAndClose()
	})
}
