package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilid-core-go/veilid-core-go/crypto"
	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
)

func TestLoadRecordInstallsSchemaAndSubkeys(t *testing.T) {
	sys := crypto.NewVLD0System(crypto.NewDHCache())
	clock := mclock.NewSimulated(0)
	s := New(Local, clock, sys, DefaultRecordStoreLimits())

	var owner crypto.Key
	owner[0] = 3
	schema := DFLT(2)
	vd, err := SignValue(sys, owner, owner, owner, 0, 0, []byte("hello"))
	require.NoError(t, err)

	s.LoadRecord(owner, schema, map[uint32]*ValueData{0: &vd}, clock.Now())
	require.Equal(t, 1, s.Len())

	key := DeriveRecordKey(sys, owner, schema)
	got, ok := s.GetValueLocal(key, 0)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), got.Data)
}

func TestLoadRecordDoesNotOverwriteAlreadyOpenRecord(t *testing.T) {
	sys := crypto.NewVLD0System(crypto.NewDHCache())
	clock := mclock.NewSimulated(0)
	s := New(Local, clock, sys, DefaultRecordStoreLimits())

	owner, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	schema := DFLT(1)
	opened, err := s.Create(owner.Public, schema, &owner)
	require.NoError(t, err)

	vd, err := s.SetValueLocal(opened, 0, []byte("live"), WatchUpdateMode{})
	require.NoError(t, err)

	persisted, err := SignValue(sys, owner.Public, owner.Public, owner.Secret, 0, 0, []byte("stale"))
	require.NoError(t, err)
	s.LoadRecord(owner.Public, schema, map[uint32]*ValueData{0: &persisted}, clock.Now())

	got, ok := s.GetValueLocal(opened.RecordKey, 0)
	require.True(t, ok)
	require.Equal(t, vd.Data, got.Data)
}

func TestSetLocalSafetySelectionOnlyAffectsLocalRecords(t *testing.T) {
	sys := crypto.NewVLD0System(crypto.NewDHCache())
	clock := mclock.NewSimulated(0)
	local := New(Local, clock, sys, DefaultRecordStoreLimits())
	remote := New(Remote, clock, sys, DefaultRecordStoreLimits())

	owner, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	opened, err := local.Create(owner.Public, DFLT(1), &owner)
	require.NoError(t, err)
	local.SetLocalSafetySelection(opened.RecordKey, "unsafe")

	local.mu.Lock()
	require.Equal(t, "unsafe", local.records[opened.RecordKey].Local.SafetySelection)
	local.mu.Unlock()

	// Remote store records have no LocalRecordDetail; setting is a no-op,
	// not a panic.
	remoteOwner, err := sys.GenerateKeyPair()
	require.NoError(t, err)
	remoteOpened, err := remote.Create(remoteOwner.Public, DFLT(1), nil)
	require.NoError(t, err)
	require.NotPanics(t, func() { remote.SetLocalSafetySelection(remoteOpened.RecordKey, "x") })
}
