package veilidapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilid-core-go/veilid-core-go/routespec"
	"github.com/veilid-core-go/veilid-core-go/storage"
)

func testConfigCB() ConfigCallback {
	return func() (Config, error) {
		return Config{
			StorageLimits:     storage.DefaultRecordStoreLimits(),
			RPCTimeoutSeconds: 1,
		}, nil
	}
}

func TestStartupAndShutdown(t *testing.T) {
	var updates []Update
	api, err := Startup(testConfigCB(), func(u Update) { updates = append(updates, u) })
	require.NoError(t, err)
	require.NotNil(t, api)

	api.Shutdown()

	// A further Attach must fail fast with ErrShutdown (spec.md §5
	// StartupLock: "a new enter() after shutdown begins returns
	// NotStartedUp").
	err = api.Attach()
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ErrShutdown, verr.Kind)
}

func TestAttachDetachLifecycle(t *testing.T) {
	api, err := Startup(testConfigCB(), nil)
	require.NoError(t, err)
	defer api.Shutdown()

	require.Equal(t, Detached, api.state)
	require.NoError(t, api.Attach())
	require.Equal(t, AttachedWeak, api.state)
	require.NoError(t, api.Detach())
	require.Equal(t, Detached, api.state)
}

func TestCreateOpenSetGetDHTValue(t *testing.T) {
	api, err := Startup(testConfigCB(), nil)
	require.NoError(t, err)
	defer api.Shutdown()

	rc, err := api.RoutingContext(routespec.Unsafe(routespec.NoPreference))
	require.NoError(t, err)
	defer rc.Close()

	schema := storage.DFLT(4)
	key, err := rc.CreateDHTRecord(schema)
	require.NoError(t, err)

	vd, err := rc.SetDHTValue(key, 0, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, uint32(0), vd.Seq)

	got, ok := rc.GetDHTValue(key, 0, false)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), got.Data)

	vd2, err := rc.SetDHTValue(key, 0, []byte("world"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), vd2.Seq)
}

func TestSetDHTValueWithoutWriterRejected(t *testing.T) {
	api, err := Startup(testConfigCB(), nil)
	require.NoError(t, err)
	defer api.Shutdown()

	rc, err := api.RoutingContext(routespec.Unsafe(routespec.NoPreference))
	require.NoError(t, err)
	defer rc.Close()

	schema := storage.DFLT(4)
	key, err := rc.CreateDHTRecord(schema)
	require.NoError(t, err)

	rc.CloseDHTRecord(key)
	require.NoError(t, rc.OpenDHTRecord(key, nil))

	_, err = rc.SetDHTValue(key, 0, []byte("nope"))
	require.Error(t, err)
}

func TestWatchAndCancel(t *testing.T) {
	api, err := Startup(testConfigCB(), nil)
	require.NoError(t, err)
	defer api.Shutdown()

	rc, err := api.RoutingContext(routespec.Unsafe(routespec.NoPreference))
	require.NoError(t, err)
	defer rc.Close()

	schema := storage.DFLT(4)
	key, err := rc.CreateDHTRecord(schema)
	require.NoError(t, err)

	subkeys := storage.ValueSubkeyRangeSet{{Start: 0, End: 3}}
	exp, err := rc.WatchDHTValues(key, subkeys, time.Hour, 3)
	require.NoError(t, err)
	require.False(t, exp.IsZero())

	require.True(t, rc.CancelDHTWatch(key, subkeys))
}

func TestLoadBootstrapSkipsInvalidEntries(t *testing.T) {
	api, err := Startup(testConfigCB(), nil)
	require.NoError(t, err)
	defer api.Shutdown()

	peers := api.LoadBootstrap([]string{"bootstrap.example.com:5150", "not-a-valid-entry", "host:99999"})
	require.Len(t, peers, 1)
	require.Equal(t, "bootstrap.example.com", peers[0].Host)
	require.Equal(t, 5150, peers[0].Port)
}

func TestRestartWithDBPathReloadsLocalRecord(t *testing.T) {
	dir := t.TempDir()
	cfgCB := func() (Config, error) {
		return Config{
			StorageLimits:     storage.DefaultRecordStoreLimits(),
			RPCTimeoutSeconds: 1,
			DBPath:            dir,
		}, nil
	}

	api, err := Startup(cfgCB, nil)
	require.NoError(t, err)

	rc, err := api.RoutingContext(routespec.Unsafe(routespec.NoPreference))
	require.NoError(t, err)

	schema := storage.DFLT(4)
	key, err := rc.CreateDHTRecord(schema)
	require.NoError(t, err)
	_, err = rc.SetDHTValue(key, 0, []byte("persisted"))
	require.NoError(t, err)

	rc.Close()
	api.Shutdown()

	restarted, err := Startup(cfgCB, nil)
	require.NoError(t, err)
	defer restarted.Shutdown()

	got, ok := restarted.Storage.Local.GetValueLocal(key, 0)
	require.True(t, ok, "record should survive a restart with a persisted DB path")
	require.Equal(t, []byte("persisted"), got.Data)
}

func TestAppMessageWithoutSenderReturnsNoConnection(t *testing.T) {
	api, err := Startup(testConfigCB(), nil)
	require.NoError(t, err)
	defer api.Shutdown()

	rc, err := api.RoutingContext(routespec.Unsafe(routespec.NoPreference))
	require.NoError(t, err)
	defer rc.Close()

	var target [32]byte
	err = rc.AppMessage(context.Background(), target, []byte("hi"))
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ErrNoConnection, verr.Kind)
}
