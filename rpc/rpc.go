// Package rpc implements the RPC Processor described in spec.md §4.6:
// typed Question/Answer/Statement operations, op-id matching for in-flight
// questions, Destination compilation, and per-operation validation.
//
// Grounded on the teacher's request/response correlation idiom in
// network/p2p/server.go (the checkpoint/cont-channel pattern used to match
// a pending handshake to its result) generalized to op-id keyed questions,
// and on spec.md §4.6's validation-rules table directly.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilid-core-go/veilid-core-go/crypto"
	"github.com/veilid-core-go/veilid-core-go/proto"
)

// OpKind names the typed operation carried by a message (spec.md §4.6).
type OpKind int

const (
	OpStatus OpKind = iota
	OpFindNode
	OpGetValue
	OpSetValue
	OpInspectValue
	OpWatchValue
	OpSignal
	OpReturnReceipt
	OpAppMessage
	OpAppCall
	OpNodeInfoUpdate
	OpValidateDialInfo

	// Reserved opcodes (spec.md §9): the original's commented-out/stub
	// operations. Never dispatched; ValidateInbound rejects them
	// unconditionally so the wire decoder has a defined, stable response
	// instead of guessing at an unspecified invariant.
	OpReservedValueChanged
	OpReservedFindBlock
	OpReservedSupplyBlock
	OpReservedStartTunnel
	OpReservedCancelTunnel
	OpReservedWatchValueQ
)

// reserved marks opcodes spec.md §9 requires be decoded and rejected,
// never acted upon (WebRTC/tunnel/block-store paths and the legacy
// watch-value question are all out of scope until their invariants are
// specified).
var reserved = map[OpKind]bool{
	OpReservedValueChanged: true,
	OpReservedFindBlock:    true,
	OpReservedSupplyBlock:  true,
	OpReservedStartTunnel:  true,
	OpReservedCancelTunnel: true,
	OpReservedWatchValueQ:  true,
}

// IsReserved reports whether op is one of the reserved, decode-and-reject
// opcodes (spec.md §9).
func IsReserved(op OpKind) bool { return reserved[op] }

// Shape is one of Question/Statement/Answer (spec.md §4.6).
type Shape int

const (
	ShapeQuestion Shape = iota
	ShapeStatement
	ShapeAnswer
)

// AppMessageMaxSize bounds AppMessage/AppCall payloads (spec.md §4.6: "up
// to 32 KiB").
const AppMessageMaxSize = 32768

// Watch expiration bounds referenced by the WatchValue validation rule.
var (
	MinWatchExpiration = 1 * time.Second
	MaxWatchExpiration = 24 * time.Hour
)

// Destination names who an outbound operation is addressed to and how
// (spec.md §4.6): Direct, Relay, or PrivateRoute, each carrying a
// SafetySelection the Route Spec Store uses to compile the envelope chain.
type Destination struct {
	Kind     DestinationKind
	Target   crypto.Key
	Relay    crypto.Key   // RelayDestination only
	Route    *crypto.Key  // PrivateRouteDestination: the route's public key
	Safety   SafetySelectionRef
}

// SafetySelectionRef avoids an import cycle with routespec; callers pass an
// opaque token (typically a *routespec.SafetySelection) that the transport
// layer interprets.
type SafetySelectionRef interface{}

type DestinationKind int

const (
	DestinationDirect DestinationKind = iota
	DestinationRelay
	DestinationPrivateRoute
)

func DirectDestination(target crypto.Key, safety SafetySelectionRef) Destination {
	return Destination{Kind: DestinationDirect, Target: target, Safety: safety}
}

func RelayDestination(relay, target crypto.Key, safety SafetySelectionRef) Destination {
	return Destination{Kind: DestinationRelay, Relay: relay, Target: target, Safety: safety}
}

func PrivateRouteDestination(route crypto.Key, safety SafetySelectionRef) Destination {
	return Destination{Kind: DestinationPrivateRoute, Route: &route, Safety: safety}
}

// ValidationError rejects an inbound operation before any side effect
// (spec.md §4.6: "every inbound operation is validated before any side
// effect").
type ValidationError struct {
	Op     OpKind
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rpc: validation failed for op %d: %s", e.Op, e.Reason)
}

// ValidateInbound applies the non-negotiable per-operation rules (spec.md
// §4.6) before the caller may act on msg.
func ValidateInbound(op OpKind, bodyLen int, flowIsDirect bool, watchExpiration time.Duration) error {
	if IsReserved(op) {
		return &ValidationError{Op: op, Reason: "reserved opcode, not implemented"}
	}
	switch op {
	case OpAppMessage, OpAppCall:
		if bodyLen < 0 || bodyLen > AppMessageMaxSize {
			return &ValidationError{Op: op, Reason: "body size outside [0, 32768]"}
		}
	case OpReturnReceipt:
		if bodyLen < proto.MinReceiptSize || bodyLen > proto.MaxReceiptSize {
			return &ValidationError{Op: op, Reason: "receipt size outside [MIN_RECEIPT_SIZE, MAX_RECEIPT_SIZE]"}
		}
	case OpSignal:
		if !flowIsDirect {
			return &ValidationError{Op: op, Reason: "inbound flow is not direct"}
		}
	case OpWatchValue:
		if watchExpiration < MinWatchExpiration || watchExpiration > MaxWatchExpiration {
			return &ValidationError{Op: op, Reason: "expiration outside [min_watch_expiration, max_watch_expiration]"}
		}
	}
	return nil
}

// pendingQuestion is an in-flight Question awaiting its Answer.
type pendingQuestion struct {
	resultCh chan answerResult
}

type answerResult struct {
	body []byte
	err  error
}

// ErrTimeout is returned when a Question's RPC timeout elapses before a
// matching Answer arrives (spec.md §5: "on timeout the question is removed
// from the in-flight table and the caller receives a typed Timeout
// result").
var ErrTimeout = errors.New("rpc: timeout")

// Processor matches Questions to Answers by op id and dispatches
// Statements, under a configured RPC timeout (spec.md §5).
type Processor struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingQuestion
}

// New returns a Processor with the given per-question timeout.
func New(timeout time.Duration) *Processor {
	return &Processor{timeout: timeout, pending: make(map[string]*pendingQuestion)}
}

// OpID is a fresh operation id for a new Question.
func OpID() string { return uuid.NewString() }

// Ask registers opID as in-flight, calls send to transmit the question, then
// blocks (bounded by ctx and the processor's timeout) for the matching
// answer body, which it returns.
func (p *Processor) Ask(ctx context.Context, opID string, send func() error) ([]byte, error) {
	pq := &pendingQuestion{resultCh: make(chan answerResult, 1)}
	p.mu.Lock()
	p.pending[opID] = pq
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, opID)
		p.mu.Unlock()
	}()

	if err := send(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case res := <-pq.resultCh:
		return res.body, res.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver routes an inbound Answer to its waiting Question, if any. It
// reports false if opID has no pending question (e.g. a duplicate or
// already-timed-out answer).
func (p *Processor) Deliver(opID string, body []byte, err error) bool {
	p.mu.Lock()
	pq, ok := p.pending[opID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case pq.resultCh <- answerResult{body: body, err: err}:
		return true
	default:
		return false
	}
}

// Pending reports the number of in-flight questions, for tests/metrics.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
