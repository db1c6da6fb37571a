package storage

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/veilid-core-go/veilid-core-go/crypto"
	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
)

// Kind distinguishes a local (owned/opened) store from a remote (cache)
// store (spec.md §4.7).
type Kind int

const (
	Local Kind = iota
	Remote
)

var (
	// ErrRecordNotFound names a record unknown to the store.
	ErrRecordNotFound = errors.New("storage: record not found")
	// ErrRecordExists is returned by Create when the derived key collides
	// with an already-open record.
	ErrRecordExists = errors.New("storage: record already exists")
	// ErrStoreFull is returned when limits.MaxRecords would be exceeded.
	ErrStoreFull = errors.New("storage: record store is full")
)

// Store is one of the two record stores sharing a schema (spec.md §4.7):
// either the Local store (records owned/opened by this node) or the Remote
// store (records cached on behalf of other owners, bounded by limits).
// Mutations are serialized by mu, matching spec.md §5's "record-store
// mutations are serialized per-store by an async mutex".
type Store struct {
	kind   Kind
	clock  mclock.Clock
	sys    crypto.System
	limits RecordStoreLimits

	mu      sync.Mutex
	records map[crypto.Key]*Record
	opened  map[crypto.Key]*OpenedRecord

	inspect *InspectCache
	offline *offlineQueue

	changed []ValueChangedInfo
}

// New returns an empty store of the given kind.
func New(kind Kind, clock mclock.Clock, sys crypto.System, limits RecordStoreLimits) *Store {
	return &Store{
		kind:    kind,
		clock:   clock,
		sys:     sys,
		limits:  limits,
		records: make(map[crypto.Key]*Record),
		opened:  make(map[crypto.Key]*OpenedRecord),
		inspect: NewInspectCache(limits.SubkeyCacheSize),
		offline: newOfflineQueue(),
	}
}

// Create allocates a new record under schema, owned by owner, and opens it
// with writer (nil for a read-only local record; always nil for Remote).
func (s *Store) Create(owner crypto.Key, schema Schema, writer *crypto.KeyPair) (*OpenedRecord, error) {
	key := DeriveRecordKey(s.sys, owner, schema)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[key]; exists {
		return nil, ErrRecordExists
	}
	if s.limits.MaxRecords > 0 && len(s.records) >= s.limits.MaxRecords {
		return nil, ErrStoreFull
	}
	r := newRecord(key, owner, schema, s.clock.Now())
	if s.kind == Local {
		r.Local = &LocalRecordDetail{PerNode: make(map[crypto.Key]*PerNodeRecordDetail)}
	}
	s.records[key] = r
	opened := &OpenedRecord{RecordKey: key, Writer: writer}
	s.opened[key] = opened
	return opened, nil
}

// Open attaches writer to an already-known record, or registers key as
// known (for the remote store, populated lazily by GetValue responses).
func (s *Store) Open(key crypto.Key, writer *crypto.KeyPair) (*OpenedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[key]; !exists {
		return nil, ErrRecordNotFound
	}
	opened := &OpenedRecord{RecordKey: key, Writer: writer}
	s.opened[key] = opened
	return opened, nil
}

// Close releases the open handle for key. It does not delete the record
// itself and pushes nothing to watchers.
func (s *Store) Close(key crypto.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.opened, key)
}

// Delete removes key and all of its subkey data.
func (s *Store) Delete(key crypto.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	delete(s.opened, key)
	s.inspect.Invalidate(crypto.TypedKey{Kind: s.sys.Kind(), Key: key})
}

// LoadRecord reinstalls a record reconstructed from persisted schema/subkey
// data (spec.md §6 "records"/"subkeys" tables), bypassing Create's
// blank-record allocation. It is the Startup-time counterpart to Flush: a
// record already present under the derived key (e.g. opened again during
// the same process) is left untouched.
func (s *Store) LoadRecord(owner crypto.Key, schema Schema, subkeys map[uint32]*ValueData, createdTS mclock.AbsTime) {
	key := DeriveRecordKey(s.sys, owner, schema)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[key]; exists {
		return
	}
	r := newRecord(key, owner, schema, createdTS)
	if subkeys != nil {
		r.Subkeys = subkeys
	}
	if s.kind == Local {
		r.Local = &LocalRecordDetail{PerNode: make(map[crypto.Key]*PerNodeRecordDetail)}
	}
	s.records[key] = r
}

// SetLocalSafetySelection records which SafetySelection a routing context
// used to create or open a local record (spec.md §4.7 LocalRecordDetail).
// It is a no-op for records with no LocalRecordDetail (i.e. Remote-store
// records).
func (s *Store) SetLocalSafetySelection(key crypto.Key, sel interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok || r.Local == nil {
		return
	}
	r.Local.SafetySelection = sel
}

func (s *Store) recordLocked(key crypto.Key) (*Record, error) {
	r, ok := s.records[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return r, nil
}

// SetValueLocal implements the writer-originated half of the write
// protocol (spec.md §4.7): opened.Writer signs a fresh, strictly greater
// seq over the given data and the store accepts it unconditionally (there
// is no conflicting writer to race against a local write under the same
// handle).
func (s *Store) SetValueLocal(opened *OpenedRecord, subkey uint32, data []byte, mode WatchUpdateMode) (ValueData, error) {
	if opened.Writer == nil {
		return ValueData{}, ErrWriterMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.recordLocked(opened.RecordKey)
	if err != nil {
		return ValueData{}, err
	}
	if !r.Schema.ValidWriter(subkey, opened.Writer.Public, r.Owner) {
		return ValueData{}, ErrInvalidWriter
	}

	seq := uint32(0)
	if prior, ok := r.Subkeys[subkey]; ok {
		seq = prior.Seq + 1
	}
	vd, err := SignValue(s.sys, r.Owner, opened.Writer.Public, opened.Writer.Secret, subkey, seq, data)
	if err != nil {
		return ValueData{}, err
	}
	r.Subkeys[subkey] = &vd
	r.Dirty = true

	now := s.clock.Now()
	tk := crypto.TypedKey{Kind: s.sys.Kind(), Key: r.Key}
	s.inspect.ReplaceSubkeySeq(tk, subkey, seq)
	changes := r.Watch.NotifyWrite(now, r.Key, subkey, vd, opened.Writer.Public, mode)
	if len(changes) > 0 {
		s.changed = append(s.changed, ValueChangedInfo{RecordKey: r.Key, Changes: changes})
	}
	return vd, nil
}

// SetValueRemote implements the remote-write-conflict half of the write
// protocol (spec.md §4.7 step 3, §8 scenario 5): an externally supplied,
// already-signed vd is accepted only if its seq strictly exceeds the
// currently stored seq (or none exists). The loser gets back the value that
// won.
func (s *Store) SetValueRemote(key crypto.Key, subkey uint32, vd ValueData, mode WatchUpdateMode) (accepted bool, winner *ValueData, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.recordLocked(key)
	if err != nil {
		return false, nil, err
	}
	if !vd.Verify(s.sys, r.Owner, subkey, r.Schema) {
		return false, nil, errors.New("storage: signature does not verify")
	}

	prior, exists := r.Subkeys[subkey]
	if exists && vd.Seq <= prior.Seq {
		return false, prior, ErrNewerValueExists
	}

	r.Subkeys[subkey] = &vd
	r.Dirty = true
	now := s.clock.Now()
	tk := crypto.TypedKey{Kind: s.sys.Kind(), Key: r.Key}
	s.inspect.ReplaceSubkeySeq(tk, subkey, vd.Seq)
	changes := r.Watch.NotifyWrite(now, r.Key, subkey, vd, vd.Writer, mode)
	if len(changes) > 0 {
		s.changed = append(s.changed, ValueChangedInfo{RecordKey: r.Key, Changes: changes})
	}
	return true, &vd, nil
}

// GetValueLocal returns the locally cached value for (key, subkey), if any.
func (s *Store) GetValueLocal(key crypto.Key, subkey uint32) (ValueData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok {
		return ValueData{}, false
	}
	vd, ok := r.Subkeys[subkey]
	if !ok {
		return ValueData{}, false
	}
	return *vd, true
}

// ValueDetail is one peer's answer to a get_value fanout query (spec.md
// §4.7 read protocol).
type ValueDetail struct {
	Value      ValueData
	Descriptor *Schema
}

// PeerQueryFunc queries one peer for (recordKey, subkey) during a get_value
// fanout. Callers typically drive peer selection with rpc.FanoutQueue and
// routingtable.FindFastestNodes; this package stays agnostic of transport.
type PeerQueryFunc func(ctx context.Context, peer crypto.Key, recordKey crypto.Key, subkey uint32) (*ValueDetail, error)

// GetValue implements the read protocol (spec.md §4.7): fan out to peers,
// validate each response against the known or adopted schema and the
// sender's signature, merge by highest verified seq, and persist the
// winner into the local cache.
func (s *Store) GetValue(ctx context.Context, owner crypto.Key, schema *Schema, peers []crypto.Key, query PeerQueryFunc) (ValueData, Schema, error) {
	var best *ValueDetail
	var bestSchema Schema
	if schema != nil {
		bestSchema = *schema
	}

	key := crypto.Key{}
	if schema != nil {
		key = DeriveRecordKey(s.sys, owner, *schema)
	}

	for _, peer := range peers {
		select {
		case <-ctx.Done():
			return ValueData{}, Schema{}, ctx.Err()
		default:
		}

		detail, err := query(ctx, peer, key, 0)
		if err != nil || detail == nil {
			continue
		}

		activeSchema := bestSchema
		if detail.Descriptor != nil {
			if schema == nil && best == nil {
				activeSchema = *detail.Descriptor
			} else if !sameSchema(*detail.Descriptor, activeSchema) {
				continue // descriptor mismatch: reject this peer's answer
			}
		}

		if !detail.Value.Verify(s.sys, owner, 0, activeSchema) {
			continue
		}
		if best == nil || detail.Value.Seq > best.Value.Seq {
			best = detail
			bestSchema = activeSchema
		}
	}

	if best == nil {
		return ValueData{}, Schema{}, errors.New("storage: no peer returned a valid value")
	}

	recordKey := DeriveRecordKey(s.sys, owner, bestSchema)
	s.mu.Lock()
	r, ok := s.records[recordKey]
	if !ok {
		r = newRecord(recordKey, owner, bestSchema, s.clock.Now())
		s.records[recordKey] = r
	}
	if prior, exists := r.Subkeys[0]; !exists || best.Value.Seq >= prior.Seq {
		r.Subkeys[0] = &best.Value
		r.Dirty = true
	}
	s.mu.Unlock()

	return best.Value, bestSchema, nil
}

// ValueChangedInfo batches the ValueChange events produced by one write,
// consumed by the send_value_changes periodic task (spec.md §4.7).
type ValueChangedInfo struct {
	RecordKey crypto.Key
	Changes   []ValueChange
}

// DrainValueChanges returns and clears all ValueChangedInfo accumulated
// since the last drain.
func (s *Store) DrainValueChanges() []ValueChangedInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.changed
	s.changed = nil
	return out
}

// Watch registers params against key's record.
func (s *Store) Watch(key crypto.Key, params WatchParameters) (WatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.recordLocked(key)
	if err != nil {
		return WatchResult{}, err
	}
	res := r.Watch.Add(s.clock.Now(), params, s.limits.MinWatchExpiration, s.limits.MaxWatchExpiration)
	return res, nil
}

// CancelWatch removes a watch registered by watcher over subkeys.
func (s *Store) CancelWatch(key crypto.Key, watcher crypto.Key, subkeys ValueSubkeyRangeSet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.recordLocked(key)
	if err != nil {
		return false
	}
	return r.Watch.Cancel(watcher, subkeys)
}

// Inspect implements inspect_dht_record: returns the stored seq for each
// subkey in ranges, consulting and refreshing the inspect cache.
func (s *Store) Inspect(key crypto.Key, ranges ValueSubkeyRangeSet) []uint32 {
	tk := crypto.TypedKey{Kind: s.sys.Kind(), Key: key}
	if seqs, ok := s.inspect.Get(tk, ranges); ok {
		return seqs
	}

	s.mu.Lock()
	r, ok := s.records[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	var total uint32
	for _, rg := range ranges {
		total += rg.count()
	}
	seqs := make([]uint32, total)
	idx := 0
	for _, rg := range ranges {
		for sk := rg.Start; sk <= rg.End; sk++ {
			s.mu.Lock()
			if vd, ok := r.Subkeys[sk]; ok {
				seqs[idx] = vd.Seq
			}
			s.mu.Unlock()
			idx++
		}
	}
	s.inspect.Put(tk, ranges, seqs)
	return seqs
}

// EnqueueOffline records (key, subkey) for later retry by
// offline_subkey_writes (spec.md §4.7 write protocol step 4).
func (s *Store) EnqueueOffline(key crypto.Key, subkey uint32) {
	s.offline.enqueue(OfflineWrite{RecordKey: key, Subkey: subkey})
}

// DrainOffline applies every queued offline write via apply, in FIFO order,
// stopping (and leaving the remainder queued) at the first error.
func (s *Store) DrainOffline(apply func(OfflineWrite) error) (drained int, err error) {
	return s.offline.drain(apply)
}

// Len reports the number of records currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Flush persists dirty records via persist (spec.md §4.7
// flush_record_stores). It returns the number of records persisted. It
// removes no records: expired records stay in the store.
func (s *Store) Flush(persist func(*Record) error) (int, error) {
	s.mu.Lock()
	var dirty []*Record
	for _, r := range s.records {
		if r.Dirty {
			dirty = append(dirty, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(dirty, func(i, j int) bool {
		return bytes.Compare(dirty[i].Key[:], dirty[j].Key[:]) < 0
	})

	for _, r := range dirty {
		if err := persist(r); err != nil {
			return 0, err
		}
		s.mu.Lock()
		r.Dirty = false
		s.mu.Unlock()
	}
	return len(dirty), nil
}
