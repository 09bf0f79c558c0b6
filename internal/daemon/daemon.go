package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"snapsync/internal/config"
	"snapsync/internal/events"
	"snapsync/internal/logging"
	"snapsync/internal/notifications"
	"snapsync/internal/store"
	"snapsync/internal/syncer"
)

// Daemon runs the background drain loop and enforces single-instance
// execution through a file lock.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	syncer   *syncer.Syncer
	bus      *events.Bus
	notifier notifications.Service

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	kick    chan struct{}
	wg      sync.WaitGroup
	subs    []*events.Subscription
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	Draining     bool
	SpoolDBPath  string
	LockFilePath string
	Metrics      store.Metrics
}

// LockPath returns the single-instance lock file location for a
// configuration. Holding this lock means the holder owns the uploading
// reservations; reconciliation must only run with the lock held.
func LockPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.DataDir, "snapsyncd.lock")
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, st *store.Store, s *syncer.Syncer, bus *events.Bus, notifier notifications.Service, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || st == nil || s == nil {
		return nil, errors.New("daemon requires config, store, and syncer")
	}
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}

	lockPath := LockPath(cfg)
	return &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    st,
		syncer:   s,
		bus:      bus,
		notifier: notifier,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		kick:     make(chan struct{}, 1),
	}, nil
}

// Start acquires the daemon lock, reconciles interrupted uploads, and
// launches the drain loop.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another snapsync daemon instance is already running")
	}

	if _, err := d.syncer.Reconcile(ctx); err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("reconcile spool: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.bus != nil {
		// A fresh capture should not wait for the next tick.
		d.subs = append(d.subs, d.bus.Subscribe(events.Queued, func(events.Event) {
			d.Kick()
		}))
		d.subs = append(d.subs, d.bus.Subscribe(events.Failed, func(evt events.Event) {
			asset, err := d.store.GetByID(runCtx, evt.AssetID)
			reason := ""
			if err == nil && asset != nil {
				reason = asset.ErrorMessage
			}
			if err := d.notifier.NotifyAssetFailed(runCtx, evt.AssetID, evt.Retries, reason); err != nil {
				d.logger.Warn("send failure notification", logging.Error(err))
			}
		}))
	}

	d.wg.Add(1)
	go d.run(runCtx)

	d.running.Store(true)
	d.logger.Info("snapsync daemon started", logging.String("lock", d.lockPath))
	return nil
}

// run drives drains until the context is cancelled: one immediately at
// startup, then on every tick or kick. A drain that left retryable failures
// behind reschedules itself with the advisory backoff delay instead of the
// full tick.
func (d *Daemon) run(ctx context.Context) {
	defer d.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-d.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		next := d.drainOnce(ctx)
		timer.Reset(next)
	}
}

func (d *Daemon) drainOnce(ctx context.Context) time.Duration {
	tick := d.cfg.TickInterval()

	summary, err := d.syncer.ProcessQueue(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return tick
		}
		d.logger.Error("drain failed", logging.Error(err))
		if notifyErr := d.notifier.NotifyError(ctx, err, "drain"); notifyErr != nil {
			d.logger.Warn("send error notification", logging.Error(notifyErr))
		}
		return tick
	}

	if summary.StoreErrors > 0 {
		d.logger.Warn("drain could not persist all outcomes",
			logging.Int("store_errors", summary.StoreErrors))
	}

	if summary.Reserved > 0 {
		if err := d.notifier.NotifyDrainCompleted(ctx, summary.Uploaded, summary.Failed, summary.Elapsed); err != nil {
			d.logger.Warn("send drain notification", logging.Error(err))
		}
	}

	if summary.Retried > 0 && summary.NextDelay > 0 {
		return summary.NextDelay
	}
	return tick
}

// Kick requests a drain outside the regular tick. Safe from any goroutine;
// coalesces when one is already requested.
func (d *Daemon) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Stop halts the drain loop and releases the daemon lock. Idempotent.
func (d *Daemon) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}

	for _, sub := range d.subs {
		sub.Unsubscribe()
	}
	d.subs = nil

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.logger.Info("snapsync daemon stopped")
}

// Close stops the daemon and releases the spool database.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Status returns the current daemon status including spool metrics.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	metrics, err := d.store.ComputeMetrics(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Running:      d.running.Load(),
		Draining:     d.syncer.Draining(),
		SpoolDBPath:  d.store.Path(),
		LockFilePath: d.lockPath,
		Metrics:      metrics,
	}, nil
}

// TestNotification triggers a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}
