// Package relay implements the Relay Manager (C5): the TTL-bounded
// flood decision that decides whether an inbound packet not addressed
// to us gets rebroadcast.
package relay

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/permissionlesstech/bitchat-mesh/internal/config"
	"github.com/permissionlesstech/bitchat-mesh/internal/protocol"
)

// ActivePeerCounter reports the current number of active peers, consulted
// for the flood probability lookup.
type ActivePeerCounter interface {
	ActivePeerCount() int
}

// Manager decides relay eligibility and schedules jittered rebroadcast.
type Manager struct {
	cfg   *config.MeshConfig
	peers ActivePeerCounter
	self  protocol.PeerID
}

func NewManager(cfg *config.MeshConfig, peers ActivePeerCounter, self protocol.PeerID) *Manager {
	return &Manager{cfg: cfg, peers: peers, self: self}
}

// Decide evaluates relay eligibility for p per spec.md's relay rules.
// It returns the packet to rebroadcast (with TTL already decremented)
// and whether it should be relayed at all. p is never mutated; the
// returned packet is a shallow copy with TTL adjusted.
func (m *Manager) Decide(p *protocol.Packet) (relayed *protocol.Packet, ok bool) {
	if p.AddressedTo(m.self) {
		return nil, false
	}
	if p.SenderID == m.self {
		return nil, false
	}
	if p.TTL == 0 {
		return nil, false
	}

	decremented := *p
	decremented.TTL--
	if decremented.TTL == 0 {
		return nil, false
	}

	if decremented.TTL >= m.cfg.RelayAlwaysTTL {
		return &decremented, true
	}

	n := 0
	if m.peers != nil {
		n = m.peers.ActivePeerCount()
	}
	if !rollProbability(m.cfg.FloodProbabilityFor(n)) {
		return nil, false
	}
	return &decremented, true
}

// rollProbability reports true with probability p, using a CSPRNG so
// the flood decision cannot be predicted or gamed by a malicious peer.
func rollProbability(p float64) bool {
	if p >= 1.0 {
		return true
	}
	if p <= 0.0 {
		return false
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return true
	}
	draw := float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
	return draw < p
}

// Jitter returns a uniform random delay in [RelayJitterMin,
// RelayJitterMax), applied before handing a relay packet to the
// Connection Manager to spread out relay storms.
func (m *Manager) Jitter() time.Duration {
	min, max := m.cfg.RelayJitterMin, m.cfg.RelayJitterMax
	if max <= min {
		return min
	}
	span := max - min
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return min
	}
	frac := float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
	return min + time.Duration(frac*float64(span))
}

// Relay runs Decide and, if eligible, sleeps Jitter() before calling
// send with the TTL-decremented packet. relayAddress is the device the
// original packet arrived on, threaded through to send unchanged so the
// Connection Manager can exclude it from the flood (spec.md §4.1 rule
// 2): a relayed packet must never bounce back down the link it came in
// on. Intended to run in its own goroutine; it blocks for the jitter
// duration.
func (m *Manager) Relay(p *protocol.Packet, relayAddress string, send func(p *protocol.Packet, relayAddress string)) {
	out, ok := m.Decide(p)
	if !ok {
		return
	}
	time.Sleep(m.Jitter())
	send(out, relayAddress)
}
