// Package proto implements the wire envelope and receipt codec described in
// spec.md §4.2: a framed, signed, encrypted datagram at the base of every
// hop, and a smaller signed (unencrypted) receipt blob used for NAT
// hole-punch confirmation and reverse-connect signalling.
//
// The envelope is bit-exact and offset-addressed, which is why it is built
// with manual encoding/binary + slice arithmetic rather than the teacher's
// struct marshaler (github.com/drep-project/binary) — see DESIGN.md.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/veilid-core-go/veilid-core-go/crypto"
)

// Magic is the 4-byte envelope magic.
var Magic = [4]byte{'V', 'L', 'D', '0'}

// Version is the only envelope wire version this module emits or accepts.
const Version uint16 = 0

// Header field offsets and sizes (spec.md §4.2 table).
const (
	offMagic       = 0
	offVersion     = 4
	offCryptoKind  = 6
	offEncSize     = 8
	offTimestamp   = 10
	offNoncePrefix = 18
	offSender      = 22
	offRecipient   = 54
	offNonce       = 86
	headerLen      = 110 // offset where the AEAD body begins
	signatureLen   = crypto.SignatureLength
)

// MaxTimestampSkew bounds how far an envelope's timestamp may differ from
// the receiver's clock before it is rejected.
var MaxTimestampSkew = 10 * time.Second

// MaxBodySize is the largest encrypted body this codec will accept,
// independent of the link MTU check the caller performs (spec.md §4.2:
// "body size > link MTU for the medium" is a separate, medium-specific
// rejection layered on top of this).
const MaxBodySize = 65535 - headerLen - signatureLen

// Envelope is a decoded wire envelope together with its decrypted body.
type Envelope struct {
	Version      uint16
	Kind         crypto.CryptoKind
	Timestamp    uint64 // microseconds since epoch
	NoncePrefix  [4]byte
	Sender       crypto.Key
	Recipient    crypto.Key
	Nonce        crypto.Nonce
	Body         []byte
}

// Encode builds the wire bytes for an envelope whose body is body, signed
// with senderSecret and encrypted for recipientKey, under sys.
//
// senderKey and recipientKey are the 32-byte node ids carried in the
// header; the same keys are used for the DH shared secret, so the header
// ids are always the keypairs used for AEAD/signature.
func Encode(sys crypto.System, senderKey, senderSecret, recipientKey crypto.Key, timestamp uint64, body []byte) ([]byte, error) {
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("proto: body of %d bytes exceeds MaxBodySize %d", len(body), MaxBodySize)
	}
	kindIdx, ok := crypto.KindIndex(sys.Kind())
	if !ok {
		return nil, fmt.Errorf("proto: crypto kind %s is not a valid wire kind", sys.Kind())
	}

	nonce, err := sys.RandomNonce()
	if err != nil {
		return nil, fmt.Errorf("proto: generating nonce: %w", err)
	}

	header := make([]byte, headerLen)
	copy(header[offMagic:offMagic+4], Magic[:])
	binary.LittleEndian.PutUint16(header[offVersion:], Version)
	binary.LittleEndian.PutUint16(header[offCryptoKind:], kindIdx)
	binary.LittleEndian.PutUint64(header[offTimestamp:], timestamp)
	copy(header[offNoncePrefix:offNoncePrefix+4], nonce[:4])
	copy(header[offSender:offSender+32], senderKey[:])
	copy(header[offRecipient:offRecipient+32], recipientKey[:])
	copy(header[offNonce:offNonce+24], nonce[:])

	shared, err := sys.DH(recipientKey, senderSecret)
	if err != nil {
		return nil, fmt.Errorf("proto: dh: %w", err)
	}

	// The AEAD's associated data is header[0..110], which itself carries
	// the encrypted-size field (spec.md §4.2). Since every kind's AEAD
	// overhead is a fixed per-call constant independent of header content,
	// we encrypt once to learn the output length, stamp the header, then
	// re-encrypt with the now-final header as associated data.
	probe, err := sys.AEADEncrypt(shared, nonce, header, body)
	if err != nil {
		return nil, fmt.Errorf("proto: encrypting body: %w", err)
	}
	binary.LittleEndian.PutUint16(header[offEncSize:], uint16(len(probe)))
	encBody, err := sys.AEADEncrypt(shared, nonce, header, body)
	if err != nil {
		return nil, fmt.Errorf("proto: encrypting body: %w", err)
	}

	out := make([]byte, 0, headerLen+len(encBody)+signatureLen)
	out = append(out, header...)
	out = append(out, encBody...)

	sig, err := sys.Sign(senderSecret, out)
	if err != nil {
		return nil, fmt.Errorf("proto: signing envelope: %w", err)
	}
	out = append(out, sig[:]...)
	return out, nil
}

// Decode validates and decrypts an envelope addressed to recipientSecret,
// given the CryptoKind registry and the local clock's current time (in
// microseconds) for timestamp-skew checking.
//
// Every rejection is a *DecodeError carrying the PunishmentReason the
// caller should attribute to the packet's source IP (spec.md §4.2).
func Decode(reg *crypto.Registry, recipientKey, recipientSecret crypto.Key, nowMicros uint64, raw []byte) (*Envelope, error) {
	if len(raw) < headerLen+signatureLen {
		return nil, newDecodeError(PunishmentShortPacket, fmt.Errorf("proto: packet of %d bytes shorter than minimum envelope", len(raw)))
	}
	if string(raw[offMagic:offMagic+4]) != string(Magic[:]) {
		return nil, newDecodeError(PunishmentFailedToDecodeEnvelope, errors.New("proto: bad magic"))
	}
	version := binary.LittleEndian.Uint16(raw[offVersion:])
	if version != Version {
		return nil, newDecodeError(PunishmentFailedToDecodeEnvelope, fmt.Errorf("proto: unsupported version %d", version))
	}
	kindIdx := binary.LittleEndian.Uint16(raw[offCryptoKind:])
	kind, ok := crypto.KindAtIndex(kindIdx)
	if !ok {
		return nil, newDecodeError(PunishmentInvalidFraming, fmt.Errorf("proto: invalid crypto kind index %d", kindIdx))
	}
	sys, ok := reg.Get(kind)
	if !ok {
		return nil, newDecodeError(PunishmentInvalidFraming, fmt.Errorf("proto: unregistered crypto kind %s", kind))
	}

	encSize := int(binary.LittleEndian.Uint16(raw[offEncSize:]))
	if len(raw) != headerLen+encSize+signatureLen {
		return nil, newDecodeError(PunishmentInvalidFraming, fmt.Errorf("proto: declared body size %d inconsistent with packet length %d", encSize, len(raw)))
	}
	if encSize > MaxBodySize {
		return nil, newDecodeError(PunishmentInvalidFraming, fmt.Errorf("proto: body size %d exceeds MaxBodySize", encSize))
	}

	timestamp := binary.LittleEndian.Uint64(raw[offTimestamp:])
	skew := int64(nowMicros) - int64(timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew.Microseconds() {
		return nil, newDecodeError(PunishmentInvalidFraming, fmt.Errorf("proto: timestamp skew %dus exceeds %s", skew, MaxTimestampSkew))
	}

	var sender, recipientID crypto.Key
	copy(sender[:], raw[offSender:offSender+32])
	copy(recipientID[:], raw[offRecipient:offRecipient+32])
	if recipientID != recipientKey {
		return nil, newDecodeError(PunishmentInvalidFraming, errors.New("proto: envelope not addressed to this recipient"))
	}

	var nonce crypto.Nonce
	copy(nonce[:], raw[offNonce:offNonce+24])

	signedRegion := raw[:headerLen+encSize]
	var sig crypto.Signature
	copy(sig[:], raw[headerLen+encSize:])
	if !sys.Verify(sender, signedRegion, sig) {
		return nil, newDecodeError(PunishmentFailedToVerifyEnvelopeSignature, errors.New("proto: signature verification failed"))
	}

	shared, err := sys.DH(sender, recipientSecret)
	if err != nil {
		return nil, newDecodeError(PunishmentFailedToDecryptEnvelopeBody, fmt.Errorf("proto: dh: %w", err))
	}
	encBody := raw[headerLen : headerLen+encSize]
	body, err := sys.AEADDecrypt(shared, nonce, raw[:headerLen], encBody)
	if err != nil {
		return nil, newDecodeError(PunishmentFailedToDecryptEnvelopeBody, fmt.Errorf("proto: aead open: %w", err))
	}

	var noncePrefix [4]byte
	copy(noncePrefix[:], raw[offNoncePrefix:offNoncePrefix+4])

	return &Envelope{
		Version:     version,
		Kind:        kind,
		Timestamp:   timestamp,
		NoncePrefix: noncePrefix,
		Sender:      sender,
		Recipient:   recipientID,
		Nonce:       nonce,
		Body:        body,
	}, nil
}
