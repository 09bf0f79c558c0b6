package syncer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"snapsync/internal/events"
	"snapsync/internal/logging"
	"snapsync/internal/network"
	"snapsync/internal/store"
	"snapsync/internal/syncer"
	"snapsync/internal/testsupport"
	"snapsync/internal/transport"
)

// fakeUploader scripts delivery outcomes per attempt and records call and
// concurrency counts.
type fakeUploader struct {
	mu          sync.Mutex
	calls       map[int64]int
	inFlight    int
	maxInFlight int
	serve       func(asset *store.Asset, attempt int) (transport.Result, error)
}

func newFakeUploader(serve func(asset *store.Asset, attempt int) (transport.Result, error)) *fakeUploader {
	return &fakeUploader{calls: make(map[int64]int), serve: serve}
}

func succeedWithID(asset *store.Asset, attempt int) (transport.Result, error) {
	return transport.Result{ServerID: fmt.Sprintf("srv-%d", asset.ID)}, nil
}

func (f *fakeUploader) Upload(ctx context.Context, asset *store.Asset) (transport.Result, error) {
	f.mu.Lock()
	f.calls[asset.ID]++
	attempt := f.calls[asset.ID]
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	serve := f.serve
	f.mu.Unlock()

	// Give parallel workers a chance to overlap so the high-water mark is
	// meaningful.
	time.Sleep(5 * time.Millisecond)

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	return serve(asset, attempt)
}

func (f *fakeUploader) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, count := range f.calls {
		total += count
	}
	return total
}

func (f *fakeUploader) callsFor(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// eventRecorder collects bus events safely across worker goroutines.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) record(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) ofType(typ events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []events.Event
	for _, evt := range r.events {
		if evt.Type == typ {
			matched = append(matched, evt)
		}
	}
	return matched
}

func subscribeAll(bus *events.Bus, recorder *eventRecorder) {
	for _, typ := range []events.Type{events.Queued, events.Uploading, events.Uploaded, events.Failed} {
		bus.Subscribe(typ, recorder.record)
	}
}

func TestDrainUploadsAllWithBoundedConcurrency(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	uploader := newFakeUploader(succeedWithID)
	bus := events.NewBus()
	recorder := &eventRecorder{}
	subscribeAll(bus, recorder)

	ctx := context.Background()
	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, testsupport.NewAsset(t, st, fmt.Sprintf("a-%d", i)).ID)
	}

	s := syncer.New(cfg, st, uploader, network.Static(true), bus, logging.NewNop())
	summary, err := s.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if summary.Reserved != 5 || summary.Uploaded != 5 || summary.Retried != 0 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.NextDelay != 0 {
		t.Fatalf("clean drain must not advise a delay, got %s", summary.NextDelay)
	}
	if uploader.maxInFlight > cfg.Sync.ConcurrencyLimit {
		t.Fatalf("concurrency limit %d exceeded: %d in flight", cfg.Sync.ConcurrencyLimit, uploader.maxInFlight)
	}

	serverIDs := make(map[string]bool)
	for _, id := range ids {
		asset, err := st.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if asset.Status != store.StatusUploaded {
			t.Fatalf("asset %d not uploaded: %s", id, asset.Status)
		}
		if asset.ServerID == "" || serverIDs[asset.ServerID] {
			t.Fatalf("asset %d has missing or duplicate server id %q", id, asset.ServerID)
		}
		serverIDs[asset.ServerID] = true
		if uploader.callsFor(id) != 1 {
			t.Fatalf("asset %d uploaded %d times", id, uploader.callsFor(id))
		}
	}

	uploaded := recorder.ofType(events.Uploaded)
	if len(uploaded) != 5 {
		t.Fatalf("expected 5 uploaded events, got %d", len(uploaded))
	}
	for _, evt := range uploaded {
		if evt.ServerID == "" {
			t.Fatalf("uploaded event missing server id: %+v", evt)
		}
	}
	if got := len(recorder.ofType(events.Uploading)); got != 5 {
		t.Fatalf("expected 5 uploading events, got %d", got)
	}
}

func TestDrainOfflineIsNoOp(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	uploader := newFakeUploader(succeedWithID)

	ctx := context.Background()
	asset := testsupport.NewAsset(t, st, "offline")

	s := syncer.New(cfg, st, uploader, network.Static(false), events.NewBus(), logging.NewNop())
	summary, err := s.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if !summary.Offline {
		t.Fatalf("expected offline summary, got %+v", summary)
	}
	if uploader.totalCalls() != 0 {
		t.Fatalf("no uploads expected offline, got %d", uploader.totalCalls())
	}

	unchanged, err := st.GetByID(ctx, asset.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if unchanged.Status != store.StatusPending || unchanged.Retries != 0 {
		t.Fatalf("offline drain must not touch assets: %#v", unchanged)
	}
}

func TestDrainRequiresEndpoint(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Remote.Endpoint = ""
	st := testsupport.MustOpenStore(t, cfg)

	s := syncer.New(cfg, st, newFakeUploader(succeedWithID), network.Static(true), events.NewBus(), logging.NewNop())
	if _, err := s.ProcessQueue(context.Background()); err == nil {
		t.Fatal("expected error without configured endpoint")
	}
}

func TestDrainSingleFlight(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	uploader := newFakeUploader(func(asset *store.Asset, attempt int) (transport.Result, error) {
		close(started)
		<-release
		return succeedWithID(asset, attempt)
	})

	testsupport.NewAsset(t, st, "slow")
	s := syncer.New(cfg, st, uploader, network.Static(true), events.NewBus(), logging.NewNop())

	done := make(chan syncer.Summary, 1)
	go func() {
		summary, err := s.ProcessQueue(context.Background())
		if err != nil {
			t.Errorf("ProcessQueue: %v", err)
		}
		done <- summary
	}()

	<-started
	if !s.Draining() {
		t.Fatal("expected drain in progress")
	}
	second, err := s.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("second ProcessQueue: %v", err)
	}
	if !second.Skipped {
		t.Fatalf("expected second drain skipped, got %+v", second)
	}

	close(release)
	first := <-done
	if first.Uploaded != 1 {
		t.Fatalf("expected first drain to upload, got %+v", first)
	}
	if s.Draining() {
		t.Fatal("drain flag must clear after completion")
	}
}

func TestRetryLifecycleParksAtCap(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	uploader := newFakeUploader(func(asset *store.Asset, attempt int) (transport.Result, error) {
		return transport.Result{}, fmt.Errorf("%w: collector unavailable", transport.ErrTransient)
	})
	bus := events.NewBus()
	recorder := &eventRecorder{}
	subscribeAll(bus, recorder)

	ctx := context.Background()
	asset := testsupport.NewAsset(t, st, "doomed")
	s := syncer.New(cfg, st, uploader, network.Static(true), bus, logging.NewNop())

	// Drains below the cap: exactly one retry each, asset back to pending.
	for attempt := 1; attempt < cfg.Sync.MaxRetries; attempt++ {
		summary, err := s.ProcessQueue(ctx)
		if err != nil {
			t.Fatalf("drain %d: %v", attempt, err)
		}
		if summary.Retried != 1 || summary.Failed != 0 {
			t.Fatalf("drain %d: unexpected summary %+v", attempt, summary)
		}
		if summary.NextDelay <= 0 {
			t.Fatalf("drain %d: expected advisory delay, got %s", attempt, summary.NextDelay)
		}
		current, err := st.GetByID(ctx, asset.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if current.Status != store.StatusPending || current.Retries != attempt {
			t.Fatalf("drain %d: expected pending with %d retries, got %#v", attempt, attempt, current)
		}
	}

	// The capping drain parks the asset.
	summary, err := s.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("capping drain: %v", err)
	}
	if summary.Failed != 1 || summary.Retried != 0 {
		t.Fatalf("capping drain: unexpected summary %+v", summary)
	}
	parked, err := st.GetByID(ctx, asset.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if parked.Status != store.StatusFailed || parked.Retries != cfg.Sync.MaxRetries {
		t.Fatalf("expected parked at cap, got %#v", parked)
	}
	failedEvents := recorder.ofType(events.Failed)
	if len(failedEvents) != 1 || failedEvents[0].Retries != cfg.Sync.MaxRetries {
		t.Fatalf("expected one failed event at the cap, got %#v", failedEvents)
	}

	// A parked asset is invisible to further drains.
	callsBefore := uploader.totalCalls()
	summary, err = s.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("post-cap drain: %v", err)
	}
	if summary.Reserved != 0 {
		t.Fatalf("post-cap drain reserved %d", summary.Reserved)
	}
	if uploader.totalCalls() != callsBefore {
		t.Fatal("parked asset must not be re-attempted")
	}
	if callsBefore != cfg.Sync.MaxRetries {
		t.Fatalf("expected exactly %d attempts, got %d", cfg.Sync.MaxRetries, callsBefore)
	}
}

func TestAdvisoryDelayGrowsWithRetries(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSyncLimits(1, 5))
	st := testsupport.MustOpenStore(t, cfg)
	uploader := newFakeUploader(func(asset *store.Asset, attempt int) (transport.Result, error) {
		return transport.Result{}, fmt.Errorf("%w: flaky", transport.ErrTransient)
	})

	ctx := context.Background()
	testsupport.NewAsset(t, st, "flaky")
	s := syncer.New(cfg, st, uploader, network.Static(true), events.NewBus(), logging.NewNop())

	first, err := s.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("first drain: %v", err)
	}
	second, err := s.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if first.NextDelay != s.NextDelay(1) {
		t.Fatalf("expected delay for retry 1, got %s", first.NextDelay)
	}
	if second.NextDelay != s.NextDelay(2) {
		t.Fatalf("expected delay for retry 2, got %s", second.NextDelay)
	}
	if second.NextDelay <= first.NextDelay {
		t.Fatalf("advisory delay must grow: %s then %s", first.NextDelay, second.NextDelay)
	}
}

func TestPermanentFailureParksImmediately(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	uploader := newFakeUploader(func(asset *store.Asset, attempt int) (transport.Result, error) {
		return transport.Result{}, fmt.Errorf("%w: payload rejected", transport.ErrPermanent)
	})
	bus := events.NewBus()
	recorder := &eventRecorder{}
	subscribeAll(bus, recorder)

	ctx := context.Background()
	asset := testsupport.NewAsset(t, st, "rejected")
	s := syncer.New(cfg, st, uploader, network.Static(true), bus, logging.NewNop())

	summary, err := s.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if summary.Failed != 1 || summary.Retried != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	parked, err := st.GetByID(ctx, asset.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if parked.Status != store.StatusFailed || parked.Retries != 1 {
		t.Fatalf("expected immediate park with one recorded attempt, got %#v", parked)
	}
	if len(recorder.ofType(events.Failed)) != 1 {
		t.Fatal("expected one failed event")
	}
}

func TestResetReturnsParkedAssetToService(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	failing := true
	uploader := newFakeUploader(func(asset *store.Asset, attempt int) (transport.Result, error) {
		if failing {
			return transport.Result{}, fmt.Errorf("%w: bad payload", transport.ErrPermanent)
		}
		return succeedWithID(asset, attempt)
	})
	bus := events.NewBus()
	recorder := &eventRecorder{}
	subscribeAll(bus, recorder)

	ctx := context.Background()
	asset := testsupport.NewAsset(t, st, "revived")
	s := syncer.New(cfg, st, uploader, network.Static(true), bus, logging.NewNop())

	if _, err := s.ProcessQueue(ctx); err != nil {
		t.Fatalf("failing drain: %v", err)
	}

	if err := s.ResetAsset(ctx, asset.ID); err != nil {
		t.Fatalf("ResetAsset: %v", err)
	}
	fresh, err := st.GetByID(ctx, asset.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if fresh.Status != store.StatusPending || fresh.Retries != 0 || fresh.ServerID != "" {
		t.Fatalf("expected clean pending asset after reset, got %#v", fresh)
	}
	if len(recorder.ofType(events.Queued)) != 1 {
		t.Fatal("expected queued event on reset")
	}

	failing = false
	summary, err := s.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("recovery drain: %v", err)
	}
	if summary.Uploaded != 1 {
		t.Fatalf("expected recovery upload, got %+v", summary)
	}
	delivered, err := st.GetByID(ctx, asset.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if delivered.Status != store.StatusUploaded || delivered.Retries != 0 {
		t.Fatalf("reset attempt counter must stay clear on success, got %#v", delivered)
	}

	if err := s.ResetAsset(ctx, 9999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnqueueIsIdempotentPerPayload(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	bus := events.NewBus()
	recorder := &eventRecorder{}
	subscribeAll(bus, recorder)

	ctx := context.Background()
	s := syncer.New(cfg, st, newFakeUploader(succeedWithID), network.Static(true), bus, logging.NewNop())

	first, created, err := s.Enqueue(ctx, store.NewAsset{
		PayloadPath: "/spool/dup.jpg",
		ContentType: "image/jpeg",
		SizeBytes:   100,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !created {
		t.Fatal("expected first enqueue to create")
	}

	second, created, err := s.Enqueue(ctx, store.NewAsset{
		PayloadPath: "/spool/dup.jpg",
		ContentType: "image/jpeg",
		SizeBytes:   100,
	})
	if err != nil {
		t.Fatalf("Enqueue again: %v", err)
	}
	if created {
		t.Fatal("expected duplicate enqueue to reuse the live record")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same record, got %d and %d", first.ID, second.ID)
	}
	if got := len(recorder.ofType(events.Queued)); got != 1 {
		t.Fatalf("expected one queued event, got %d", got)
	}

	// Once the first record is delivered the path may be captured again.
	if _, err := s.ProcessQueue(ctx); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	third, created, err := s.Enqueue(ctx, store.NewAsset{
		PayloadPath: "/spool/dup.jpg",
		ContentType: "image/jpeg",
		SizeBytes:   100,
	})
	if err != nil {
		t.Fatalf("Enqueue after delivery: %v", err)
	}
	if !created || third.ID == first.ID {
		t.Fatalf("expected fresh record after delivery, got %#v created=%v", third, created)
	}
}

func TestReconcileRecoversInterruptedUploads(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	uploader := newFakeUploader(succeedWithID)

	ctx := context.Background()
	asset := testsupport.NewAsset(t, st, "orphan")
	if _, err := st.Reserve(ctx, 1, cfg.Sync.MaxRetries); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	s := syncer.New(cfg, st, uploader, network.Static(true), events.NewBus(), logging.NewNop())
	count, err := s.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 reconciled asset, got %d", count)
	}

	summary, err := s.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if summary.Uploaded != 1 {
		t.Fatalf("expected reconciled asset uploaded, got %+v", summary)
	}
	delivered, err := st.GetByID(ctx, asset.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if delivered.Status != store.StatusUploaded {
		t.Fatalf("expected uploaded, got %s", delivered.Status)
	}
}

func TestFailureIsolationWithinBatch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	bad := testsupport.NewAsset(t, st, "bad")
	good := testsupport.NewAsset(t, st, "good")

	uploader := newFakeUploader(func(asset *store.Asset, attempt int) (transport.Result, error) {
		if asset.ID == bad.ID {
			return transport.Result{}, fmt.Errorf("%w: broken pipe", transport.ErrTransient)
		}
		return succeedWithID(asset, attempt)
	})

	s := syncer.New(cfg, st, uploader, network.Static(true), events.NewBus(), logging.NewNop())
	summary, err := s.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if summary.Uploaded != 1 || summary.Retried != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	delivered, err := st.GetByID(ctx, good.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if delivered.Status != store.StatusUploaded {
		t.Fatalf("healthy asset must deliver despite sibling failure, got %s", delivered.Status)
	}
	reverted, err := st.GetByID(ctx, bad.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reverted.Status != store.StatusPending || reverted.Retries != 1 {
		t.Fatalf("failed asset must revert with one retry, got %#v", reverted)
	}
}

func TestStoreWriteFailureSurfacedInSummary(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	testsupport.NewAsset(t, st, "vanishing")

	// The record disappears while its upload is in flight, so persisting
	// the outcome fails and the drain cannot resolve the reservation.
	uploader := newFakeUploader(func(asset *store.Asset, attempt int) (transport.Result, error) {
		if _, err := st.Remove(ctx, asset.ID); err != nil {
			t.Errorf("Remove: %v", err)
		}
		return succeedWithID(asset, attempt)
	})

	s := syncer.New(cfg, st, uploader, network.Static(true), events.NewBus(), logging.NewNop())
	summary, err := s.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if summary.StoreErrors != 1 {
		t.Fatalf("expected one store error surfaced, got %+v", summary)
	}
	if summary.Uploaded != 0 || summary.Retried != 0 || summary.Failed != 0 {
		t.Fatalf("store failure must not count as a delivery outcome: %+v", summary)
	}
	if summary.NextDelay != 0 {
		t.Fatalf("store failures must not advise a retry delay, got %s", summary.NextDelay)
	}
}

func TestMetricsPassthrough(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	testsupport.NewAsset(t, st, "m1")
	testsupport.NewAsset(t, st, "m2")

	s := syncer.New(cfg, st, newFakeUploader(succeedWithID), network.Static(true), events.NewBus(), logging.NewNop())
	metrics, err := s.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if metrics.Total != 2 || metrics.Pending != 2 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestRemovePassthrough(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	asset := testsupport.NewAsset(t, st, "gone")
	s := syncer.New(cfg, st, newFakeUploader(succeedWithID), network.Static(true), events.NewBus(), logging.NewNop())

	removed, err := s.Remove(ctx, asset.ID)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !removed {
		t.Fatal("expected removal")
	}
	removed, err = s.Remove(ctx, asset.ID)
	if err != nil {
		t.Fatalf("Remove again: %v", err)
	}
	if removed {
		t.Fatal("expected no-op on second removal")
	}
}
