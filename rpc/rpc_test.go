package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateInboundAppMessageBodySize(t *testing.T) {
	require.NoError(t, ValidateInbound(OpAppMessage, 0, true, 0))
	require.NoError(t, ValidateInbound(OpAppMessage, AppMessageMaxSize, true, 0))
	require.Error(t, ValidateInbound(OpAppMessage, AppMessageMaxSize+1, true, 0))
}

func TestValidateInboundSignalRequiresDirectFlow(t *testing.T) {
	require.NoError(t, ValidateInbound(OpSignal, 0, true, 0))
	err := ValidateInbound(OpSignal, 0, false, 0)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestValidateInboundWatchExpirationBounds(t *testing.T) {
	require.NoError(t, ValidateInbound(OpWatchValue, 0, true, time.Hour))
	require.Error(t, ValidateInbound(OpWatchValue, 0, true, time.Millisecond))
	require.Error(t, ValidateInbound(OpWatchValue, 0, true, 48*time.Hour))
}

func TestValidateInboundReturnReceiptSize(t *testing.T) {
	require.Error(t, ValidateInbound(OpReturnReceipt, 10, true, 0))
}

func TestValidateInboundRejectsReservedOpcodes(t *testing.T) {
	for _, op := range []OpKind{
		OpReservedValueChanged,
		OpReservedFindBlock,
		OpReservedSupplyBlock,
		OpReservedStartTunnel,
		OpReservedCancelTunnel,
		OpReservedWatchValueQ,
	} {
		require.True(t, IsReserved(op))
		err := ValidateInbound(op, 0, true, time.Hour)
		require.Error(t, err)
	}
	require.False(t, IsReserved(OpStatus))
}

func TestAskDeliverRoundTrip(t *testing.T) {
	p := New(time.Second)
	opID := OpID()

	go func() {
		time.Sleep(10 * time.Millisecond)
		delivered := p.Deliver(opID, []byte("answer"), nil)
		require.True(t, delivered)
	}()

	body, err := p.Ask(context.Background(), opID, func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, "answer", string(body))
	require.Equal(t, 0, p.Pending())
}

func TestAskTimesOut(t *testing.T) {
	p := New(20 * time.Millisecond)
	opID := OpID()

	_, err := p.Ask(context.Background(), opID, func() error { return nil })
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, 0, p.Pending())
}

func TestDeliverUnknownOpIDReturnsFalse(t *testing.T) {
	p := New(time.Second)
	require.False(t, p.Deliver("nonexistent", nil, nil))
}
