package storage

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/veilid-core-go/veilid-core-go/crypto"
	"github.com/veilid-core-go/veilid-core-go/internal/event"
	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
	"github.com/veilid-core-go/veilid-core-go/internal/startuplock"
)

// task mirrors network/manager.Task: a named periodic job; all tasks share
// one context that Stop cancels.
type task struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
}

// Manager owns the local and remote record stores and runs the three
// periodic tasks spec.md §4.7 names: flush_record_stores,
// offline_subkey_writes, and send_value_changes. Grounded on
// network/manager's runPeriodic idiom, generalized from network
// housekeeping to record-store housekeeping.
type Manager struct {
	clock mclock.Clock
	sys   crypto.System
	log   *logrus.Entry
	lock  startuplock.StartupLock

	Local  *Store
	Remote *Store

	changes *event.Feed // delivers ValueChangedInfo to subscribers

	onlineWritesReady func() bool
	applyOfflineWrite func(OfflineWrite) error
	persist           func(*Record) error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Hooks wires the manager's periodic tasks to the rest of the node without
// a direct package dependency.
type Hooks struct {
	// OnlineWritesReady reports whether the network is currently able to
	// carry offline-queued writes.
	OnlineWritesReady func() bool
	// ApplyOfflineWrite re-attempts one queued write over the network.
	ApplyOfflineWrite func(OfflineWrite) error
	// Persist writes a dirty record's subkey data to the on-disk backend.
	Persist func(*Record) error
	// Dispatch sends a ValueChange to its watcher over the network,
	// bounded by ctx (spec.md §4.7: "dispatch change notifications in
	// parallel with a stop-token bounded concurrency").
	Dispatch func(ctx context.Context, change ValueChange) error
}

// NewManager returns a Manager over fresh Local and Remote stores.
func NewManager(clock mclock.Clock, sys crypto.System, limits RecordStoreLimits, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		clock:   clock,
		sys:     sys,
		log:     log.WithField("component", "storage_manager"),
		Local:   New(Local, clock, sys, limits),
		Remote:  New(Remote, clock, sys, limits),
		changes: &event.Feed{},
	}
}

// SubscribeValueChanges returns a subscription, buffered up to buffer
// values, that receives ValueChangedInfo batches as they are drained by
// send_value_changes.
func (m *Manager) SubscribeValueChanges(buffer int) *event.Subscription {
	return m.changes.Subscribe(buffer)
}

// dispatchConcurrency bounds how many ValueChange notifications
// send_value_changes dispatches at once (spec.md §4.7: "stop-token bounded
// concurrency").
const dispatchConcurrency = 8

// Start launches the three periodic tasks, gated by the StartupLock.
func (m *Manager) Start(hooks Hooks) error {
	guard, err := m.lock.Enter()
	if err != nil {
		return err
	}
	defer guard.Done()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	tasks := []task{
		{name: "flush_record_stores", interval: 30 * time.Second, run: func(ctx context.Context) {
			m.flushRecordStores(hooks.Persist)
		}},
		{name: "offline_subkey_writes", interval: 10 * time.Second, run: func(ctx context.Context) {
			m.offlineSubkeyWrites(hooks.OnlineWritesReady, hooks.ApplyOfflineWrite)
		}},
		{name: "send_value_changes", interval: 1 * time.Second, run: func(ctx context.Context) {
			m.sendValueChanges(ctx, hooks.Dispatch)
		}},
	}

	for _, t := range tasks {
		m.wg.Add(1)
		go m.runPeriodic(ctx, t)
	}
	return nil
}

func (m *Manager) runPeriodic(ctx context.Context, t task) {
	defer m.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.WithField("task", t.name).WithField("panic", r).Error("periodic task panicked")
					}
				}()
				t.run(ctx)
			}()
		}
	}
}

// flushRecordStores persists dirty records from both stores (spec.md §4.7).
func (m *Manager) flushRecordStores(persist func(*Record) error) {
	if persist == nil {
		return
	}
	for _, s := range []*Store{m.Local, m.Remote} {
		n, err := s.Flush(persist)
		if err != nil {
			m.log.WithError(err).Warn("flush_record_stores: persist failed")
			continue
		}
		if n > 0 {
			m.log.WithField("count", n).Debug("flush_record_stores: persisted dirty records")
		}
	}
}

// offlineSubkeyWrites drains each store's offline queue once the network
// reports it can carry writes again (spec.md §4.7).
func (m *Manager) offlineSubkeyWrites(ready func() bool, apply func(OfflineWrite) error) {
	if ready == nil || apply == nil || !ready() {
		return
	}
	for _, s := range []*Store{m.Local, m.Remote} {
		n, err := s.DrainOffline(apply)
		if n > 0 {
			m.log.WithField("count", n).Debug("offline_subkey_writes: drained")
		}
		if err != nil {
			m.log.WithError(err).Debug("offline_subkey_writes: stopped early, remainder requeued")
		}
	}
}

// sendValueChanges drains batched ValueChangedInfo from both stores and
// dispatches each ValueChange with bounded concurrency, abandoning any
// remaining dispatches cleanly if ctx is cancelled mid-batch (spec.md
// §4.7).
func (m *Manager) sendValueChanges(ctx context.Context, dispatch func(context.Context, ValueChange) error) {
	var infos []ValueChangedInfo
	infos = append(infos, m.Local.DrainValueChanges()...)
	infos = append(infos, m.Remote.DrainValueChanges()...)
	if len(infos) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dispatchConcurrency)
	for _, info := range infos {
		m.changes.Send(info)
		if dispatch == nil {
			continue
		}
		for _, change := range info.Changes {
			select {
			case <-gctx.Done():
				return
			default:
			}
			change := change
			g.Go(func() error {
				if err := dispatch(gctx, change); err != nil {
					m.log.WithError(err).Debug("send_value_changes: dispatch failed")
				}
				return nil
			})
		}
	}
	// Errors are logged per-dispatch above; Wait blocks until every started
	// dispatch returns. A cancelled ctx makes the loop above return before
	// this point, so dispatches not yet started are skipped.
	_ = g.Wait()
}

// Stop trips every task's stop token, waits for them to return, and shuts
// the StartupLock.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.lock.Shutdown()
}
