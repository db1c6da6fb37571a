package proto

// PunishmentReason is the typed classification of why a rejected inbound
// envelope or operation caused the source to be punished (spec.md §4.2,
// §7). IP-level reasons (framing, crypto) inhibit all traffic from the
// source IP; node-level reasons mark only the offending bucket entry dead.
type PunishmentReason int

const (
	// PunishmentNone indicates no punishment is warranted.
	PunishmentNone PunishmentReason = iota
	// PunishmentFailedToDecodeEnvelope covers a bad magic or version.
	PunishmentFailedToDecodeEnvelope
	// PunishmentFailedToDecryptEnvelopeBody covers AEAD authentication failure.
	PunishmentFailedToDecryptEnvelopeBody
	// PunishmentFailedToVerifyEnvelopeSignature covers signature failure.
	PunishmentFailedToVerifyEnvelopeSignature
	// PunishmentShortPacket covers a datagram/frame shorter than any valid envelope.
	PunishmentShortPacket
	// PunishmentInvalidFraming covers any other framing violation (bad or
	// unregistered crypto kind, body size inconsistent with the packet
	// length, oversized body, timestamp skew, wrong recipient).
	PunishmentInvalidFraming
	// PunishmentInvalidReceipt covers a receipt that failed signature or
	// size validation.
	PunishmentInvalidReceipt
	// PunishmentInvalidOperation covers an RPC operation that failed its
	// per-operation validation rules (spec.md §4.6).
	PunishmentInvalidOperation
)

func (p PunishmentReason) String() string {
	switch p {
	case PunishmentNone:
		return "none"
	case PunishmentFailedToDecodeEnvelope:
		return "failed_to_decode_envelope"
	case PunishmentFailedToDecryptEnvelopeBody:
		return "failed_to_decrypt_envelope_body"
	case PunishmentFailedToVerifyEnvelopeSignature:
		return "failed_to_verify_envelope_signature"
	case PunishmentShortPacket:
		return "short_packet"
	case PunishmentInvalidFraming:
		return "invalid_framing"
	case PunishmentInvalidReceipt:
		return "invalid_receipt"
	case PunishmentInvalidOperation:
		return "invalid_operation"
	default:
		return "unknown"
	}
}

// IsIPLevel reports whether this reason should inhibit all traffic from the
// source IP (as opposed to marking only the offending node/bucket entry).
func (p PunishmentReason) IsIPLevel() bool {
	switch p {
	case PunishmentFailedToDecodeEnvelope,
		PunishmentFailedToDecryptEnvelopeBody,
		PunishmentFailedToVerifyEnvelopeSignature,
		PunishmentShortPacket,
		PunishmentInvalidFraming,
		PunishmentInvalidReceipt:
		return true
	default:
		return false
	}
}

// DecodeError pairs an error with the PunishmentReason it should raise
// against the packet's source IP.
type DecodeError struct {
	Reason PunishmentReason
	Err    error
}

func (e *DecodeError) Error() string { return e.Reason.String() + ": " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

func newDecodeError(reason PunishmentReason, err error) *DecodeError {
	return &DecodeError{Reason: reason, Err: err}
}
