package veilidapi

import (
	"github.com/veilid-core-go/veilid-core-go/crypto"
	"github.com/veilid-core-go/veilid-core-go/storage"
)

// AttachmentState is the lifecycle spec.md §6 names verbatim:
// Detached → Attaching → Attached{Weak|Good|Strong|Fully} → Detaching →
// Detached.
type AttachmentState int

const (
	Detached AttachmentState = iota
	Attaching
	AttachedWeak
	AttachedGood
	AttachedStrong
	AttachedFully
	Detaching
)

func (s AttachmentState) String() string {
	switch s {
	case Detached:
		return "Detached"
	case Attaching:
		return "Attaching"
	case AttachedWeak:
		return "Attached{Weak}"
	case AttachedGood:
		return "Attached{Good}"
	case AttachedStrong:
		return "Attached{Strong}"
	case AttachedFully:
		return "Attached{Fully}"
	case Detaching:
		return "Detaching"
	default:
		return "Unknown"
	}
}

// IsAttached reports whether s is any of the four Attached{...} substates.
func (s AttachmentState) IsAttached() bool {
	return s >= AttachedWeak && s <= AttachedFully
}

// UpdateKind distinguishes the members of the update_callback union
// (spec.md §6).
type UpdateKind int

const (
	UpdateLog UpdateKind = iota
	UpdateAppMessage
	UpdateAppCall
	UpdateAttachment
	UpdateNetwork
	UpdateConfig
	UpdateRouteChange
	UpdateValueChange
	UpdateShutdown
)

// LogLevel mirrors the levels a Log update may carry.
type LogLevel int

const (
	LogError LogLevel = iota
	LogWarn
	LogInfo
	LogDebug
	LogTrace
)

// Update is the tagged union delivered to the host's update_callback
// (spec.md §6). Exactly one of the payload fields is meaningful, selected
// by Kind — the same "tagged variant, never ambient polymorphism" idiom
// spec.md §9 asks for elsewhere.
type Update struct {
	Kind UpdateKind

	// UpdateLog
	LogLevel LogLevel
	LogMsg   string

	// UpdateAppMessage / UpdateAppCall
	Sender  crypto.Key
	Message []byte
	CallID  string // AppCall only

	// UpdateAttachment
	Attachment AttachmentState

	// UpdateNetwork
	NetworkStarted bool
	PeerCount      int

	// UpdateRouteChange
	DeadRoutes []crypto.Key

	// UpdateValueChange
	ValueChangeKey     crypto.Key
	ValueChangeSubkeys storage.ValueSubkeyRangeSet
	ValueChangeCount   uint32
	ValueChangeValue   storage.ValueData
}
