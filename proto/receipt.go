package proto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/veilid-core-go/veilid-core-go/crypto"
)

// ReceiptMagic is the 4-byte receipt magic.
var ReceiptMagic = [4]byte{'R', 'C', 'P', 'T'}

// Receipt field offsets (spec.md §4.2): magic‖version‖kind‖nonce‖sender‖body‖signature.
const (
	rOffMagic   = 0
	rOffVersion = 4
	rOffKind    = 6
	rOffNonce   = 8
	rOffSender  = 32
	rHeaderLen  = 64 // offset where body begins
)

// MinReceiptSize and MaxReceiptSize bound an acceptable receipt's total
// encoded length (spec.md §4.6 WatchValue/ReturnReceipt validation rules
// reference these as MIN_RECEIPT_SIZE/MAX_RECEIPT_SIZE).
const (
	MinReceiptSize = rHeaderLen + signatureLen      // empty body
	MaxReceiptSize = rHeaderLen + 1024 + signatureLen
)

// Receipt is a decoded, verified receipt.
type Receipt struct {
	Version uint16
	Kind    crypto.CryptoKind
	Nonce   [24]byte
	Sender  crypto.Key
	Body    []byte
}

// EncodeReceipt builds and signs a receipt carrying body, which must be at
// most MaxReceiptSize-rHeaderLen-signatureLen bytes.
func EncodeReceipt(sys crypto.System, senderKey, senderSecret crypto.Key, body []byte) ([]byte, error) {
	kindIdx, ok := crypto.KindIndex(sys.Kind())
	if !ok {
		return nil, fmt.Errorf("proto: crypto kind %s is not a valid wire kind", sys.Kind())
	}
	nonce, err := sys.RandomNonce()
	if err != nil {
		return nil, fmt.Errorf("proto: generating receipt nonce: %w", err)
	}

	out := make([]byte, rHeaderLen, rHeaderLen+len(body)+signatureLen)
	copy(out[rOffMagic:rOffMagic+4], ReceiptMagic[:])
	binary.LittleEndian.PutUint16(out[rOffVersion:], Version)
	binary.LittleEndian.PutUint16(out[rOffKind:], kindIdx)
	copy(out[rOffNonce:rOffNonce+24], nonce[:])
	copy(out[rOffSender:rOffSender+32], senderKey[:])
	out = append(out, body...)

	if len(out)+signatureLen > MaxReceiptSize {
		return nil, fmt.Errorf("proto: receipt of %d bytes exceeds MaxReceiptSize", len(out)+signatureLen)
	}

	sig, err := sys.Sign(senderSecret, out)
	if err != nil {
		return nil, fmt.Errorf("proto: signing receipt: %w", err)
	}
	out = append(out, sig[:]...)
	return out, nil
}

// DecodeReceipt validates a receipt's framing and signature. Unlike
// envelopes, receipts carry no AEAD body — they are forgery-resistant
// acknowledgements, not confidential payloads (spec.md §4.2).
func DecodeReceipt(reg *crypto.Registry, raw []byte) (*Receipt, error) {
	if len(raw) < MinReceiptSize {
		return nil, newDecodeError(PunishmentShortPacket, fmt.Errorf("proto: receipt of %d bytes shorter than minimum", len(raw)))
	}
	if len(raw) > MaxReceiptSize {
		return nil, newDecodeError(PunishmentInvalidReceipt, fmt.Errorf("proto: receipt of %d bytes exceeds MaxReceiptSize", len(raw)))
	}
	if string(raw[rOffMagic:rOffMagic+4]) != string(ReceiptMagic[:]) {
		return nil, newDecodeError(PunishmentInvalidReceipt, errors.New("proto: bad receipt magic"))
	}
	version := binary.LittleEndian.Uint16(raw[rOffVersion:])
	if version != Version {
		return nil, newDecodeError(PunishmentInvalidReceipt, fmt.Errorf("proto: unsupported receipt version %d", version))
	}
	kindIdx := binary.LittleEndian.Uint16(raw[rOffKind:])
	kind, ok := crypto.KindAtIndex(kindIdx)
	if !ok {
		return nil, newDecodeError(PunishmentInvalidReceipt, fmt.Errorf("proto: invalid receipt crypto kind index %d", kindIdx))
	}
	sys, ok := reg.Get(kind)
	if !ok {
		return nil, newDecodeError(PunishmentInvalidReceipt, fmt.Errorf("proto: unregistered receipt crypto kind %s", kind))
	}

	var nonce [24]byte
	copy(nonce[:], raw[rOffNonce:rOffNonce+24])
	var sender crypto.Key
	copy(sender[:], raw[rOffSender:rOffSender+32])

	signedRegion := raw[:len(raw)-signatureLen]
	var sig crypto.Signature
	copy(sig[:], raw[len(raw)-signatureLen:])
	if !sys.Verify(sender, signedRegion, sig) {
		return nil, newDecodeError(PunishmentInvalidReceipt, errors.New("proto: receipt signature verification failed"))
	}

	body := make([]byte, len(signedRegion)-rHeaderLen)
	copy(body, signedRegion[rHeaderLen:])

	return &Receipt{
		Version: version,
		Kind:    kind,
		Nonce:   nonce,
		Sender:  sender,
		Body:    body,
	}, nil
}
