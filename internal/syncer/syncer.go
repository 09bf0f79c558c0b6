package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"snapsync/internal/backoff"
	"snapsync/internal/config"
	"snapsync/internal/events"
	"snapsync/internal/logging"
	"snapsync/internal/network"
	"snapsync/internal/store"
	"snapsync/internal/transport"
)

// Syncer owns the asset delivery lifecycle: recording captures, draining the
// spool to the remote collector, and applying the retry policy to failures.
type Syncer struct {
	cfg      *config.Config
	store    *store.Store
	uploader transport.Uploader
	signal   network.Signal
	bus      *events.Bus
	policy   backoff.Policy
	logger   *slog.Logger

	draining atomic.Bool
}

// Summary reports what one drain accomplished.
type Summary struct {
	DrainID  string
	Reserved int
	Uploaded int
	Retried  int
	Failed   int
	// StoreErrors counts assets whose attempt outcome could not be
	// persisted. They stay in uploading status until the next
	// reconciliation, unlike Retried assets which are deferred by policy.
	StoreErrors int
	// Skipped is set when another drain already held the single-flight slot.
	Skipped bool
	// Offline is set when the reachability probe reported the collector
	// unreachable and the drain touched nothing.
	Offline bool
	// NextDelay is the advisory wait before the next drain, derived from the
	// highest retry count among assets that failed this drain. Zero when
	// everything succeeded.
	NextDelay time.Duration
	Elapsed   time.Duration
}

// New wires a syncer from its dependencies. The bus may be nil when no one
// observes lifecycle events.
func New(cfg *config.Config, st *store.Store, uploader transport.Uploader, signal network.Signal, bus *events.Bus, logger *slog.Logger) *Syncer {
	return &Syncer{
		cfg:      cfg,
		store:    st,
		uploader: uploader,
		signal:   signal,
		bus:      bus,
		policy:   backoff.FromConfig(cfg.Backoff),
		logger:   logging.NewComponentLogger(logger, "syncer"),
	}
}

// Enqueue records a captured asset in the spool. Enqueueing the same payload
// path again while a live record exists returns that record instead of
// creating a duplicate; the second return reports whether a new record was
// created.
func (s *Syncer) Enqueue(ctx context.Context, asset store.NewAsset) (*store.Asset, bool, error) {
	existing, err := s.store.FindActiveByPayloadPath(ctx, asset.PayloadPath)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	created, err := s.store.Insert(ctx, asset)
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("asset enqueued",
		logging.Int64(logging.FieldAssetID, created.ID),
		logging.String("payload_path", created.PayloadPath))
	s.publish(events.Event{Type: events.Queued, AssetID: created.ID})
	return created, true, nil
}

// ProcessQueue runs one drain: reserve eligible assets in batches of the
// concurrency limit, dispatch uploads, and apply retry outcomes until the
// spool has nothing eligible left. Only one drain runs at a time; a second
// caller gets a Skipped summary immediately instead of blocking.
func (s *Syncer) ProcessQueue(ctx context.Context) (Summary, error) {
	if !s.draining.CompareAndSwap(false, true) {
		return Summary{Skipped: true}, nil
	}
	defer s.draining.Store(false)

	if err := s.cfg.RequireEndpoint(); err != nil {
		return Summary{}, err
	}

	summary := Summary{DrainID: uuid.NewString()}
	started := time.Now()
	logger := s.logger.With(logging.String(logging.FieldDrainID, summary.DrainID))

	if !s.signal.IsOnline(ctx) {
		summary.Offline = true
		logger.Info("drain skipped, collector unreachable")
		return summary, nil
	}

	// Each asset gets at most one attempt per drain. A reverted failure is
	// eligible again immediately, so without this a single drain would burn
	// through the whole retry budget in one call.
	attempted := make(map[int64]bool)

	var maxFailedRetries int
	for {
		if err := ctx.Err(); err != nil {
			summary.Elapsed = time.Since(started)
			return summary, err
		}

		reserved, err := s.store.Reserve(ctx, s.cfg.Sync.ConcurrencyLimit, s.cfg.Sync.MaxRetries)
		if err != nil {
			summary.Elapsed = time.Since(started)
			return summary, fmt.Errorf("reserve batch: %w", err)
		}
		if len(reserved) == 0 {
			break
		}

		batch := reserved[:0:0]
		for _, asset := range reserved {
			if attempted[asset.ID] {
				// Already failed this drain; release the claim untouched
				// and leave it for the next drain.
				if err := s.store.RevertToPending(ctx, asset.ID, asset.ErrorMessage); err != nil {
					logger.Error("release re-reserved asset",
						logging.Int64(logging.FieldAssetID, asset.ID),
						logging.Error(err))
				}
				continue
			}
			attempted[asset.ID] = true
			batch = append(batch, asset)
		}
		if len(batch) == 0 {
			break
		}
		summary.Reserved += len(batch)

		for _, asset := range batch {
			s.publish(events.Event{Type: events.Uploading, AssetID: asset.ID, Retries: asset.Retries})
		}

		outcomes := s.dispatch(ctx, logger, batch)
		for _, outcome := range outcomes {
			switch {
			case outcome.uploaded:
				summary.Uploaded++
			case outcome.storeFailed:
				summary.StoreErrors++
			case outcome.terminal:
				summary.Failed++
			default:
				summary.Retried++
			}
			if !outcome.uploaded && !outcome.storeFailed && outcome.retries > maxFailedRetries {
				maxFailedRetries = outcome.retries
			}
		}
	}

	if summary.Retried > 0 {
		summary.NextDelay = s.policy.Delay(maxFailedRetries)
	}
	summary.Elapsed = time.Since(started)
	logger.Info("drain complete",
		logging.Int("reserved", summary.Reserved),
		logging.Int("uploaded", summary.Uploaded),
		logging.Int("retried", summary.Retried),
		logging.Int("failed", summary.Failed),
		logging.Int("store_errors", summary.StoreErrors),
		logging.Duration("elapsed", summary.Elapsed))
	return summary, nil
}

type outcome struct {
	assetID     int64
	uploaded    bool
	terminal    bool
	storeFailed bool
	retries     int
}

// dispatch uploads one reserved batch concurrently. The batch size is already
// capped at the concurrency limit, so a goroutine per asset is the pool.
func (s *Syncer) dispatch(ctx context.Context, logger *slog.Logger, batch []*store.Asset) []outcome {
	outcomes := make([]outcome, len(batch))
	var wg sync.WaitGroup
	for i, asset := range batch {
		wg.Add(1)
		go func(i int, asset *store.Asset) {
			defer wg.Done()
			outcomes[i] = s.deliver(ctx, logger, asset)
		}(i, asset)
	}
	wg.Wait()
	return outcomes
}

// deliver runs one upload attempt and persists its outcome. A storage error
// here is logged and the asset left for reconciliation rather than failing
// the whole drain.
func (s *Syncer) deliver(ctx context.Context, logger *slog.Logger, asset *store.Asset) outcome {
	result, uploadErr := s.uploader.Upload(ctx, asset)
	if uploadErr == nil {
		if err := s.store.MarkUploaded(ctx, asset.ID, result.ServerID); err != nil {
			logger.Error("persist upload result",
				logging.Int64(logging.FieldAssetID, asset.ID),
				logging.Error(err))
			return outcome{assetID: asset.ID, storeFailed: true, retries: asset.Retries}
		}
		logger.Info("asset uploaded",
			logging.Int64(logging.FieldAssetID, asset.ID),
			logging.String(logging.FieldServerID, result.ServerID))
		s.publish(events.Event{Type: events.Uploaded, AssetID: asset.ID, ServerID: result.ServerID, Retries: asset.Retries})
		return outcome{assetID: asset.ID, uploaded: true}
	}

	retries, err := s.store.IncrementRetry(ctx, asset.ID)
	if err != nil {
		logger.Error("increment retry",
			logging.Int64(logging.FieldAssetID, asset.ID),
			logging.Error(err))
		return outcome{assetID: asset.ID, storeFailed: true, retries: asset.Retries}
	}

	terminal := retries >= s.cfg.Sync.MaxRetries || !transport.Retryable(uploadErr)
	if terminal {
		if err := s.store.MarkFailedTerminal(ctx, asset.ID, uploadErr.Error()); err != nil {
			logger.Error("park failed asset",
				logging.Int64(logging.FieldAssetID, asset.ID),
				logging.Error(err))
			return outcome{assetID: asset.ID, storeFailed: true, retries: retries}
		}
		logger.Warn("asset failed permanently",
			logging.Int64(logging.FieldAssetID, asset.ID),
			logging.Int("retries", retries),
			logging.Error(uploadErr))
		s.publish(events.Event{Type: events.Failed, AssetID: asset.ID, Retries: retries})
		return outcome{assetID: asset.ID, terminal: true, retries: retries}
	}

	if err := s.store.RevertToPending(ctx, asset.ID, uploadErr.Error()); err != nil {
		logger.Error("revert failed asset",
			logging.Int64(logging.FieldAssetID, asset.ID),
			logging.Error(err))
		return outcome{assetID: asset.ID, storeFailed: true, retries: retries}
	}
	logger.Warn("upload attempt failed",
		logging.Int64(logging.FieldAssetID, asset.ID),
		logging.Int("retries", retries),
		logging.Duration("advisory_delay", s.policy.Delay(retries)),
		logging.Error(uploadErr))
	return outcome{assetID: asset.ID, retries: retries}
}

func (s *Syncer) publish(evt events.Event) {
	if s.bus != nil {
		s.bus.Publish(evt)
	}
}

// ResetAsset clears an asset's retries and server id and returns it to
// pending, re-entering eligibility as if newly captured.
func (s *Syncer) ResetAsset(ctx context.Context, id int64) error {
	if err := s.store.ResetToPending(ctx, id); err != nil {
		return err
	}
	s.logger.Info("asset reset", logging.Int64(logging.FieldAssetID, id))
	s.publish(events.Event{Type: events.Queued, AssetID: id})
	return nil
}

// Remove deletes an asset from the spool regardless of status.
func (s *Syncer) Remove(ctx context.Context, id int64) (bool, error) {
	return s.store.Remove(ctx, id)
}

// Reconcile returns assets orphaned in uploading status to pending. Run once
// at startup before the first drain.
func (s *Syncer) Reconcile(ctx context.Context) (int64, error) {
	count, err := s.store.ReconcileStaleUploading(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Warn("reconciled interrupted uploads", logging.Int64("count", count))
	}
	return count, nil
}

// Metrics reports current spool health counters.
func (s *Syncer) Metrics(ctx context.Context) (store.Metrics, error) {
	return s.store.ComputeMetrics(ctx)
}

// Draining reports whether a drain currently holds the single-flight slot.
func (s *Syncer) Draining() bool {
	return s.draining.Load()
}

// NextDelay exposes the advisory delay for a given retry count, used by the
// daemon when scheduling the next tick.
func (s *Syncer) NextDelay(retryCount int) time.Duration {
	return s.policy.Delay(retryCount)
}
