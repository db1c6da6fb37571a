package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestReceiptRoundTrip exercises spec.md §8 Concrete Scenario 2: a signed,
// unencrypted receipt round-trips, and flipping any byte in the signed
// region causes decode to fail.
func TestReceiptRoundTrip(t *testing.T) {
	reg, sys := newTestRegistry(t)

	sender, err := sys.GenerateKeyPair()
	require.NoError(t, err)

	body := []byte("receipt-correlation-id-0123456789")
	raw, err := EncodeReceipt(sys, sender.Public, sender.Secret, body)
	require.NoError(t, err)

	r, err := DecodeReceipt(reg, raw)
	require.NoError(t, err)
	require.Equal(t, body, r.Body)
	require.Equal(t, sender.Public, r.Sender)

	corrupt := append([]byte(nil), raw...)
	corrupt[len(corrupt)-1] ^= 0xFF
	_, err = DecodeReceipt(reg, corrupt)
	require.Error(t, err)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	require.Equal(t, PunishmentInvalidReceipt, decErr.Reason)

	corruptBody := append([]byte(nil), raw...)
	corruptBody[rHeaderLen] ^= 0xFF
	_, err = DecodeReceipt(reg, corruptBody)
	require.Error(t, err)
	require.ErrorAs(t, err, &decErr)
	require.Equal(t, PunishmentInvalidReceipt, decErr.Reason)
}

func TestReceiptRejectsBadMagic(t *testing.T) {
	reg, sys := newTestRegistry(t)
	sender, err := sys.GenerateKeyPair()
	require.NoError(t, err)

	raw, err := EncodeReceipt(sys, sender.Public, sender.Secret, []byte("x"))
	require.NoError(t, err)
	raw[0] = 'X'

	_, err = DecodeReceipt(reg, raw)
	require.Error(t, err)
}

func TestReceiptRejectsShortPacket(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := DecodeReceipt(reg, []byte("short"))
	require.Error(t, err)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	require.Equal(t, PunishmentShortPacket, decErr.Reason)
}
