package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// PeerID is the ephemeral 8-byte identifier a node presents on the wire.
// Rendered as 16 lowercase hex characters in logs and upcalls.
type PeerID [PeerIDSize]byte

func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

func (p PeerID) IsBroadcast() bool { return p == PeerID(BroadcastRecipient) }

// NewPeerID draws a fresh random PeerID from a CSPRNG.
func NewPeerID() PeerID {
	var id PeerID
	if _, err := rand.Read(id[:]); err != nil {
		panic("protocol: failed to read random peer id: " + err.Error())
	}
	return id
}

func PeerIDFromHex(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != PeerIDSize {
		return id, ErrInvalidPeerID
	}
	copy(id[:], b)
	return id, nil
}

// Fingerprint is SHA-256 over a peer's Noise static public key, the stable
// identity used for favorites, blocks and trust across PeerID rotations.
type Fingerprint [sha256.Size]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

func NewFingerprint(staticPubKey []byte) Fingerprint {
	return Fingerprint(sha256.Sum256(staticPubKey))
}

// Packet is the unit of the mesh protocol, as laid out in the wire header.
type Packet struct {
	Version      uint8
	Type         MessageType
	TTL          uint8
	Timestamp    uint64 // ms since epoch
	SenderID     PeerID
	RecipientID  *PeerID // nil => broadcast
	Payload      []byte
	Signature    []byte // 64 bytes when present; identity announcements only
}

// IsBroadcast reports whether the packet has no specific recipient.
func (p *Packet) IsBroadcast() bool {
	return p.RecipientID == nil || p.RecipientID.IsBroadcast()
}

// AddressedTo reports whether the packet names us as final recipient.
func (p *Packet) AddressedTo(self PeerID) bool {
	return p.RecipientID != nil && *p.RecipientID == self
}

// RoutedPacket wraps a decoded Packet with link-layer provenance: who we
// heard it from, and over which device address. ImmediateSender may differ
// from Packet.SenderID when the packet is a relay hop.
type RoutedPacket struct {
	Packet          *Packet
	ImmediateSender PeerID
	DeviceAddress   string
}

func NewBroadcastPacket(msgType MessageType, sender PeerID, payload []byte, ttl uint8) *Packet {
	return &Packet{
		Version:   CurrentVersion,
		Type:      msgType,
		TTL:       ttl,
		Timestamp: nowMillis(),
		SenderID:  sender,
		Payload:   payload,
	}
}

func NewUnicastPacket(msgType MessageType, sender, recipient PeerID, payload []byte, ttl uint8) *Packet {
	r := recipient
	return &Packet{
		Version:     CurrentVersion,
		Type:        msgType,
		TTL:         ttl,
		Timestamp:   nowMillis(),
		SenderID:    sender,
		RecipientID: &r,
		Payload:     payload,
	}
}
