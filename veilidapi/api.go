package veilidapi

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilid-core-go/veilid-core-go/crypto"
	"github.com/veilid-core-go/veilid-core-go/internal/event"
	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
	"github.com/veilid-core-go/veilid-core-go/internal/startuplock"
	"github.com/veilid-core-go/veilid-core-go/network/addrfilter"
	netmanager "github.com/veilid-core-go/veilid-core-go/network/manager"
	"github.com/veilid-core-go/veilid-core-go/routespec"
	"github.com/veilid-core-go/veilid-core-go/routingtable"
	"github.com/veilid-core-go/veilid-core-go/rpc"
	"github.com/veilid-core-go/veilid-core-go/storage"
	"github.com/veilid-core-go/veilid-core-go/storage/kv"
)

// Config configures one node. Population of this struct from a config file
// is out of scope (spec.md §1 Non-goals); the out-of-scope CLI/daemon layer
// builds it and passes it to Startup.
type Config struct {
	// Bootstrap is a static list of "host:port" peers consulted by
	// LoadBootstrap (SPEC_FULL.md §4 supplemented feature).
	Bootstrap []string

	// StorageLimits bounds the local/remote record stores (spec.md §4.7).
	StorageLimits storage.RecordStoreLimits

	// RPCTimeoutSeconds bounds how long a Question waits for its Answer, in
	// seconds; zero or negative means 10.
	RPCTimeoutSeconds int

	// DBPath, if non-empty, persists routing_table/dh_cache/records/subkeys
	// to a goleveldb file at this path (spec.md §6 "Persisted state"). An
	// empty DBPath runs entirely in memory, e.g. for tests.
	DBPath string

	Logger *logrus.Logger
}

// ConfigCallback supplies a Config to Startup, matching spec.md §6's
// `startup(config_callback, update_callback)` shape.
type ConfigCallback func() (Config, error)

// UpdateCallback receives every Update the node emits.
type UpdateCallback func(Update)

// API is the stable surface hosts use (spec.md §6, module 10). It is
// idempotent to start via StartupLock and drains in-flight operations
// before Detach/shutdown completes.
type API struct {
	lock startuplock.StartupLock
	log  *logrus.Entry

	mu      sync.Mutex
	started bool
	state   AttachmentState

	clock mclock.Clock
	sys   crypto.System
	reg   *crypto.Registry
	self  crypto.KeyPair

	db      *kv.DB
	dhCache *crypto.DHCache

	Routing  *routingtable.RoutingTable
	Routes   *routespec.Store
	RPC      *rpc.Processor
	Storage  *storage.Manager
	Network  *netmanager.Manager
	Filter   *addrfilter.Filter

	updates  *event.Feed
	updateCB UpdateCallback
	sender   AppMessageSender

	openContexts map[string]*RoutingContext
	nextCtxID    int
}

// Startup brings up one node: it resolves config via cfgCB, wires every
// subsystem together, and registers updateCB to receive the update stream
// (spec.md §6). Each call builds an independent node with its own
// StartupLock; Startup does not detect a node already started in the same
// process, so a second call does not return ErrAlreadyInitialized.
func Startup(cfgCB ConfigCallback, updateCB UpdateCallback) (*API, error) {
	cfg, err := cfgCB()
	if err != nil {
		return nil, internalErr(fmt.Sprintf("config callback: %v", err))
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}

	var db *kv.DB
	dhCache := crypto.NewDHCache()
	if cfg.DBPath != "" {
		db, err = kv.Open(cfg.DBPath)
		if err != nil {
			return nil, internalErr(fmt.Sprintf("open kv store: %v", err))
		}
		if cached, ok, err := db.Get(kv.ColumnDHCache, dhCacheKey); err == nil && ok {
			if err := dhCache.LoadFrom(bytes.NewReader(cached)); err != nil {
				log.WithError(err).Warn("dh_cache: discarding corrupt persisted cache")
			}
		}
	}

	sys := crypto.NewVLD0System(dhCache)
	reg := crypto.NewRegistry()
	reg.Register(sys)

	selfKP, err := sys.GenerateKeyPair()
	if err != nil {
		return nil, internalErr(fmt.Sprintf("generate node identity: %v", err))
	}

	clock := mclock.System{}
	filter := addrfilter.New(clock)
	rt := routingtable.New(clock, map[crypto.CryptoKind]crypto.Key{sys.Kind(): selfKP.Public})
	routes := routespec.New(clock)

	timeout := cfg.RPCTimeoutSeconds
	if timeout <= 0 {
		timeout = 10
	}
	rpcProc := rpc.New(time.Duration(timeout) * time.Second)

	storeMgr := storage.NewManager(clock, sys, cfg.StorageLimits, log)
	netMgr := netmanager.New(clock, filter, log)

	if db != nil {
		for _, domain := range []routingtable.RoutingDomain{routingtable.LocalNetwork, routingtable.PublicInternet} {
			if err := reloadNodeInfo(db, sys.Kind(), rt, domain); err != nil {
				log.WithError(err).Warn("routing_table: failed to reload persisted node info")
			}
		}
		if err := reloadRecords(db, sys.Kind(), clock.Now(), storeMgr.Local); err != nil {
			log.WithError(err).Warn("records: failed to reload persisted local records")
		}
	}

	api := &API{
		log:          log.WithField("component", "veilid_api"),
		clock:        clock,
		sys:          sys,
		reg:          reg,
		self:         selfKP,
		db:           db,
		dhCache:      dhCache,
		Routing:      rt,
		Routes:       routes,
		RPC:          rpcProc,
		Storage:      storeMgr,
		Network:      netMgr,
		Filter:       filter,
		updates:      &event.Feed{},
		updateCB:     updateCB,
		openContexts: make(map[string]*RoutingContext),
		state:        Detached,
	}

	guard, err := api.lock.Enter()
	if err != nil {
		return nil, errAlreadyInitialized
	}
	defer guard.Done()

	if updateCB != nil {
		sub := api.updates.Subscribe(64)
		go func() {
			for v := range sub.Chan() {
				if u, ok := v.(Update); ok {
					updateCB(u)
				}
			}
		}()
	}

	if err := api.Storage.Start(storage.Hooks{
		OnlineWritesReady: func() bool { return api.state.IsAttached() },
		ApplyOfflineWrite: func(storage.OfflineWrite) error { return noConnection("offline") },
		Persist: func(r *storage.Record) error {
			if api.db == nil {
				return nil
			}
			return persistRecord(api.db, api.sys.Kind(), r)
		},
		Dispatch: func(ctx context.Context, change storage.ValueChange) error { return api.dispatchValueChange(ctx, change) },
	}); err != nil {
		return nil, internalErr(fmt.Sprintf("storage manager start: %v", err))
	}

	api.mu.Lock()
	api.started = true
	api.mu.Unlock()

	api.emit(Update{Kind: UpdateLog, LogLevel: LogInfo, LogMsg: "node core started"})
	return api, nil
}

func (api *API) emit(u Update) {
	api.updates.Send(u)
}

func (api *API) dispatchValueChange(ctx context.Context, change storage.ValueChange) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	api.emit(Update{
		Kind:               UpdateValueChange,
		ValueChangeKey:     change.Key,
		ValueChangeSubkeys: change.Subkeys,
		ValueChangeCount:   change.Count,
		ValueChangeValue:   change.Value,
	})
	return nil
}

// NodeID returns this node's primary identity under its best crypto kind.
func (api *API) NodeID() crypto.TypedKey {
	return crypto.TypedKey{Kind: api.sys.Kind(), Key: api.self.Public}
}

func (api *API) setState(s AttachmentState) {
	api.mu.Lock()
	api.state = s
	api.mu.Unlock()
	api.emit(Update{Kind: UpdateAttachment, Attachment: s})
}

// Attach brings the network up: Detached → Attaching → Attached{Weak}.
// Attach itself only starts the network manager and reports the initial
// transition. Weak→Good→Strong→Fully (SPEC_FULL.md §4
// AttachmentManager-equivalent) advances only when UpdateAttachmentHealth
// is called; no task started here calls it.
func (api *API) Attach() error {
	guard, err := api.lock.Enter()
	if err != nil {
		return errShutdown
	}
	defer guard.Done()

	api.setState(Attaching)
	if err := api.Network.Start(netmanager.Hooks{
		RetirePublicAddressChecks: func(now mclock.AbsTime) int {
			return api.Routing.RetireExpiredPublicAddressChecks(now)
		},
		OnPublicAddressRetired: func(retired int) {
			api.emit(Update{Kind: UpdateRouteChange})
		},
	}); err != nil {
		api.setState(Detached)
		return internalErr(fmt.Sprintf("network manager start: %v", err))
	}
	api.setState(AttachedWeak)
	api.emit(Update{Kind: UpdateNetwork, NetworkStarted: true})
	return nil
}

// Detach brings the network down: Attached{...} → Detaching → Detached.
func (api *API) Detach() error {
	guard, err := api.lock.Enter()
	if err != nil {
		return errShutdown
	}
	defer guard.Done()

	api.setState(Detaching)
	api.Network.Stop()
	api.setState(Detached)
	api.emit(Update{Kind: UpdateNetwork, NetworkStarted: false})
	return nil
}

// Shutdown tears the node down entirely: it trips the StartupLock so new
// entries fail with NotStartedUp, waits for in-flight operations to drain,
// and stops the storage manager (spec.md §5).
func (api *API) Shutdown() {
	api.mu.Lock()
	started := api.started
	api.mu.Unlock()
	if !started {
		return
	}
	api.emit(Update{Kind: UpdateShutdown})
	api.lock.Shutdown()
	api.Storage.Stop()

	if api.db != nil {
		persist := func(r *storage.Record) error { return persistRecord(api.db, api.sys.Kind(), r) }
		if _, err := api.Storage.Local.Flush(persist); err != nil {
			api.log.WithError(err).Warn("records: failed final local flush on shutdown")
		}
		if _, err := api.Storage.Remote.Flush(persist); err != nil {
			api.log.WithError(err).Warn("records: failed final remote flush on shutdown")
		}

		for _, domain := range []routingtable.RoutingDomain{routingtable.LocalNetwork, routingtable.PublicInternet} {
			if err := persistNodeInfo(api.db, api.sys.Kind(), api.Routing, domain); err != nil {
				api.log.WithError(err).Warn("routing_table: failed to persist node info on shutdown")
			}
		}

		var buf bytes.Buffer
		if err := api.dhCache.SaveTo(&buf); err != nil {
			api.log.WithError(err).Warn("dh_cache: failed to serialize on shutdown")
		} else if err := api.db.Put(kv.ColumnDHCache, dhCacheKey, buf.Bytes()); err != nil {
			api.log.WithError(err).Warn("dh_cache: failed to persist on shutdown")
		}
		if err := api.db.Close(); err != nil {
			api.log.WithError(err).Warn("kv store: failed to close cleanly")
		}
	}

	api.mu.Lock()
	api.started = false
	api.mu.Unlock()
}
