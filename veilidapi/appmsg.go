package veilidapi

import (
	"context"

	"github.com/google/uuid"

	"github.com/veilid-core-go/veilid-core-go/crypto"
)

// AppMessageSender delivers a raw app_message/app_call body to target over
// whatever Destination this RoutingContext's SafetySelection compiles to
// (spec.md §4.6 AppMessage/AppCall). RoutingContext stays transport-
// agnostic; the host wires in the real sender (RPC processor + network
// manager) via SetSender.
type AppMessageSender interface {
	SendAppMessage(ctx context.Context, target crypto.Key, message []byte) error
	SendAppCall(ctx context.Context, target crypto.Key, message []byte) ([]byte, error)
}

// SetSender installs the transport used by AppMessage/AppCall. Until set,
// both return ErrNoConnection("not attached").
func (api *API) SetSender(s AppMessageSender) {
	api.mu.Lock()
	api.sender = s
	api.mu.Unlock()
}

// AppMessage sends a fire-and-forget payload to target (spec.md §6
// app_message; §4.6 body size limit of 32768 bytes).
func (rc *RoutingContext) AppMessage(ctx context.Context, target crypto.Key, message []byte) error {
	if len(message) > maxAppBodySize {
		return invalidArgument("app_message", "message", "exceeds 32768 bytes")
	}
	guard, err := rc.api.lock.Enter()
	if err != nil {
		return errShutdown
	}
	defer guard.Done()

	rc.api.mu.Lock()
	sender := rc.api.sender
	rc.api.mu.Unlock()
	if sender == nil {
		return noConnection("not attached")
	}
	return sender.SendAppMessage(ctx, target, message)
}

// AppCall sends message to target and waits for a reply (spec.md §6
// app_call; §4.6 AppCall Q+A shape).
func (rc *RoutingContext) AppCall(ctx context.Context, target crypto.Key, message []byte) ([]byte, error) {
	if len(message) > maxAppBodySize {
		return nil, invalidArgument("app_call", "message", "exceeds 32768 bytes")
	}
	guard, err := rc.api.lock.Enter()
	if err != nil {
		return nil, errShutdown
	}
	defer guard.Done()

	rc.api.mu.Lock()
	sender := rc.api.sender
	rc.api.mu.Unlock()
	if sender == nil {
		return nil, noConnection("not attached")
	}
	return sender.SendAppCall(ctx, target, message)
}

// maxAppBodySize is the AppMessage/AppCall body size ceiling spec.md §4.6
// names (32 KiB).
const maxAppBodySize = 32768

// DeliverAppMessage is called by the RPC layer on receipt of an inbound
// AppMessage statement; it surfaces the payload on the update stream
// (spec.md §6 UpdateAppMessage).
func (api *API) DeliverAppMessage(sender crypto.Key, message []byte) {
	api.emit(Update{Kind: UpdateAppMessage, Sender: sender, Message: message})
}

// DeliverAppCall is called by the RPC layer on receipt of an inbound
// AppCall question; it surfaces the payload on the update stream under a
// fresh call id, which it returns. This package defines no method for the
// host to send a reply.
func (api *API) DeliverAppCall(sender crypto.Key, message []byte) string {
	callID := uuid.NewString()
	api.emit(Update{Kind: UpdateAppCall, Sender: sender, Message: message, CallID: callID})
	return callID
}
