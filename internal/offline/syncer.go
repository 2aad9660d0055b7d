package offline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ReachabilityProbe reports whether the upstream can be contacted
type ReachabilityProbe interface {
	Reachable(ctx context.Context) bool
}

// Syncer replays the queue in the background: on Trigger and on a fixed
// interval, but only once the upstream answers, so that attempts are not
// burned while the connection is still down.
type Syncer struct {
	replayer *Replayer
	queue    *Queue
	probe    ReachabilityProbe
	interval time.Duration
	logger   logrus.FieldLogger

	trigger chan struct{}
}

// NewSyncer creates a syncer; interval 0 disables periodic replays
func NewSyncer(replayer *Replayer, queue *Queue, probe ReachabilityProbe, interval time.Duration, logger logrus.FieldLogger) *Syncer {
	return &Syncer{
		replayer: replayer,
		queue:    queue,
		probe:    probe,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a replay without blocking; pending requests coalesce
func (syncer *Syncer) Trigger() {
	select {
	case syncer.trigger <- struct{}{}:
	default:
	}
}

// Run processes triggers and ticks until ctx is cancelled
func (syncer *Syncer) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if syncer.interval > 0 {
		ticker := time.NewTicker(syncer.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	syncer.logger.Infof("Background sync started (interval %s)", syncer.interval)
	for {
		select {
		case <-ctx.Done():
			syncer.logger.Info("Background sync stopped")
			return nil
		case <-syncer.trigger:
			syncer.syncIfOnline(ctx)
		case <-tick:
			syncer.syncIfOnline(ctx)
		}
	}
}

func (syncer *Syncer) syncIfOnline(ctx context.Context) {
	count, err := syncer.queue.Count(ctx)
	if err != nil {
		syncer.logger.Warnf("Failed to read queue length: %v", err)
		return
	}
	if count == 0 {
		return
	}
	if !syncer.probe.Reachable(ctx) {
		syncer.logger.Debugf("Upstream still unreachable, %d operations waiting", count)
		return
	}

	summary, err := syncer.replayer.Replay(ctx)
	if err != nil {
		if ctx.Err() == nil {
			syncer.logger.Errorf("Background replay failed: %v", err)
		}
		return
	}
	syncer.logger.Infof("Background replay: %d synced, %d retrying, %d dropped, %d remaining",
		summary.Synced, summary.Retrying, summary.Abandoned, summary.Remaining)
}
