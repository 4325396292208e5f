package protocol

import "time"

// CurrentVersion is the only wire version this implementation emits or
// accepts. Receivers MUST drop anything else.
const CurrentVersion uint8 = 1

// MessageType tags the payload that follows a packet header.
type MessageType uint8

const (
	MessageTypeAnnounce              MessageType = 0x01
	MessageTypeLeave                 MessageType = 0x03
	MessageTypeMessage               MessageType = 0x04
	MessageTypeFragmentStart         MessageType = 0x05
	MessageTypeFragmentContinue      MessageType = 0x06
	MessageTypeFragmentEnd           MessageType = 0x07
	MessageTypeDeliveryAck           MessageType = 0x0A
	MessageTypeReadReceipt           MessageType = 0x0B
	MessageTypeNoiseHandshakeInit    MessageType = 0x10
	MessageTypeNoiseHandshakeResp    MessageType = 0x11
	MessageTypeNoiseEncrypted        MessageType = 0x12
	MessageTypeNoiseIdentityAnnounce MessageType = 0x13
	MessageTypeHandshakeRequest      MessageType = 0x14
)

func (t MessageType) IsFragment() bool {
	return t == MessageTypeFragmentStart || t == MessageTypeFragmentContinue || t == MessageTypeFragmentEnd
}

// PeerIDSize is the length in bytes of a wire PeerID.
const PeerIDSize = 8

// BroadcastRecipient is the all-0xFF sentinel denoting "everyone".
var BroadcastRecipient = [PeerIDSize]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// TTL budgets assigned at origin, by traffic class.
const (
	MaxTTL          uint8 = 7 // broadcast content
	AnnounceTTL     uint8 = 3 // announce / leave
	DirectOnlyTTL   uint8 = 1 // direct-neighbor-only messages
	RelayAlwaysTTL  uint8 = 4 // packets with decremented TTL >= this always relay
)

// Fragmentation. 150 is required, byte-for-byte, for iOS cross-compat.
const MaxFragmentSize = 150

// FragmentAssemblyTimeout bounds how long an incomplete reassembly entry
// is kept before being garbage collected.
const FragmentAssemblyTimeout = 30 * time.Second

// Timestamp/replay tolerance.
const ClockSkewTolerance = 5 * time.Minute

// StalePeerTimeout is the age past which a peer record is evicted.
const StalePeerTimeout = 180 * time.Second

// PeerSweepInterval is how often the Peer Manager scans for stale records.
const PeerSweepInterval = 60 * time.Second

// Store-and-forward cache policy.
const (
	MaxCachedMessages    = 100
	RegularCacheTTL      = 12 * time.Hour
	MaxFavoriteMessages  = 1000
	StoreForwardSpacing  = 100 * time.Millisecond
)

// Connection manager timing.
const (
	RequestedMTU          = 517
	ConnectionRetryDelay  = 5 * time.Second
	MaxConnectionAttempts = 3
	ScanCoalesceWindow    = 5 * time.Second
	ScanBackoff           = 10 * time.Second
	CleanupDelay          = 500 * time.Millisecond
)

// Fragment pacing and relay jitter, both fixed by wire compatibility /
// flood-storm avoidance requirements.
const InterFragmentDelay = 20 * time.Millisecond

var RelayJitterRange = [2]time.Duration{50 * time.Millisecond, 500 * time.Millisecond}

// Security manager sweep interval for the replay and handshake dedup sets.
const SecuritySetSweepInterval = 5 * time.Minute

// BLE identifiers, shared byte-for-byte with the iOS peer.
const (
	ServiceUUID        = "F47B5E2D-4A9E-4C5A-9B3F-8E1D2C3A4B5C"
	CharacteristicUUID = "A1B2C3D4-E5F6-4A5B-8C9D-0E1F2A3B4C5D"
	CCCDUUID           = "00002902-0000-1000-8000-00805f9b34fb"
)
