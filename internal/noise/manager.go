package noise

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/permissionlesstech/bitchat-mesh/internal/protocol"
	"github.com/permissionlesstech/bitchat-mesh/pkg/utils"
)

// ErrNoSession is returned by EncryptFor when no session exists yet for
// the target peer; the caller is expected to queue the message for
// store-and-forward and issue a HANDSHAKE_REQUEST, per spec.md §4.6.
var ErrNoSession = fmt.Errorf("noise: %w", ErrSessionNotEstablished)

// Manager is the Security Manager (C6): one Session per remote PeerID,
// the packet-dedup and handshake-dedup replay sets, and identity
// announcement signing/verification. Sessions are not shared across
// goroutines by design — each lives behind its peer's processor lane
// (see internal/processor) — but the map itself needs its own lock since
// peers are added from multiple lanes concurrently.
type Manager struct {
	identity *Identity

	mu       sync.RWMutex
	sessions map[protocol.PeerID]*Session

	packetDedup    *utils.ExpiringSet
	handshakeDedup *utils.ExpiringSet
}

func NewManager(identity *Identity) *Manager {
	return &Manager{
		identity:       identity,
		sessions:       make(map[protocol.PeerID]*Session),
		packetDedup:    utils.NewExpiringSet(protocol.ClockSkewTolerance, protocol.SecuritySetSweepInterval),
		handshakeDedup: utils.NewExpiringSet(protocol.SecuritySetSweepInterval, protocol.SecuritySetSweepInterval),
	}
}

// Stop releases the background sweep goroutines behind both dedup sets.
func (m *Manager) Stop() {
	m.packetDedup.Stop()
	m.handshakeDedup.Stop()
}

func (m *Manager) sessionFor(peer protocol.PeerID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	if !ok {
		s = newSession()
		m.sessions[peer] = s
	}
	return s
}

// SessionState exposes a peer's current handshake state, e.g. to decide
// whether InitiateHandshake should be called.
func (m *Manager) SessionState(peer protocol.PeerID) SessionState {
	m.mu.RLock()
	s, ok := m.sessions[peer]
	m.mu.RUnlock()
	if !ok {
		return StateIdle
	}
	return s.State()
}

// InitiateHandshake starts a fresh XX exchange with peer, returning the
// NOISE_HANDSHAKE_INIT payload to send.
func (m *Manager) InitiateHandshake(peer protocol.PeerID) ([]byte, error) {
	return m.sessionFor(peer).InitiateHandshake(m.identity)
}

// HandleHandshake advances peer's session with an inbound handshake
// payload (arriving as NOISE_HANDSHAKE_INIT or NOISE_HANDSHAKE_RESP).
func (m *Manager) HandleHandshake(peer protocol.PeerID, payload []byte) (reply []byte, established bool, err error) {
	return m.sessionFor(peer).HandleHandshakeMessage(m.identity, payload)
}

// EncryptFor wraps plaintext for peer. Returns ErrNoSession when no
// session is established yet.
func (m *Manager) EncryptFor(peer protocol.PeerID, plaintext []byte) ([]byte, error) {
	ct, err := m.sessionFor(peer).Encrypt(plaintext)
	if err != nil {
		return nil, ErrNoSession
	}
	return ct, nil
}

// DecryptFrom unwraps ciphertext received from peer.
func (m *Manager) DecryptFrom(peer protocol.PeerID, ciphertext []byte) ([]byte, error) {
	return m.sessionFor(peer).Decrypt(ciphertext)
}

// Fingerprint returns peer's fingerprint once its static key is known
// from a completed handshake or identity announcement.
func (m *Manager) Fingerprint(peer protocol.PeerID) (protocol.Fingerprint, bool) {
	m.mu.RLock()
	s, ok := m.sessions[peer]
	m.mu.RUnlock()
	if !ok {
		return protocol.Fingerprint{}, false
	}
	static := s.RemoteStatic()
	if static == nil {
		return protocol.Fingerprint{}, false
	}
	return protocol.NewFingerprint(static), true
}

// RebindPeer migrates session state from an old PeerID to a new one
// after a PeerID rotation (spec.md §4.4 NOISE_IDENTITY_ANNOUNCE,
// previousPeerID handling).
func (m *Manager) RebindPeer(oldPeer, newPeer protocol.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[oldPeer]; ok {
		m.sessions[newPeer] = s
		delete(m.sessions, oldPeer)
	}
}

// RemovePeer drops a peer's session entirely, e.g. on eviction.
func (m *Manager) RemovePeer(peer protocol.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, peer)
}

// ClearAll wipes every session and both dedup sets — the Noise half of
// the panic-mode clear_all() operation (spec.md §9); the caller is
// responsible for also wiping peer records, caches and on-disk identity.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	m.sessions = make(map[protocol.PeerID]*Session)
	m.mu.Unlock()
	m.packetDedup.Clear()
	m.handshakeDedup.Clear()
}

// ResetIdentity swaps in a freshly generated identity, used by
// clear_all() after ClearAll and DeletePersistedIdentity to make the
// node behave as freshly post-start() with a brand new static/signing
// keypair (spec.md §9).
func (m *Manager) ResetIdentity(identity *Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = identity
}

// --- Replay / duplicate protection (spec.md §4.6) ---

// ShouldAccept checks timestamp freshness and the packet-dedup set.
// Returns false if the packet is too old/too far in the future, or if
// its (senderID, timestamp, payloadHash16) triple has already been seen
// within the dedup window.
func (m *Manager) ShouldAccept(p *protocol.Packet) bool {
	now := time.Now()
	ts := time.UnixMilli(int64(p.Timestamp))
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > protocol.ClockSkewTolerance {
		return false
	}

	return m.packetDedup.Add(packetDedupKey(p))
}

func packetDedupKey(p *protocol.Packet) string {
	h := sha256.Sum256(p.Payload)
	return fmt.Sprintf("%s:%d:%x", p.SenderID, p.Timestamp, h[:16])
}

// ShouldProcessHandshake rejects a repeated handshake init payload
// (prefix-keyed, per spec.md's "handshake dedup" set).
func (m *Manager) ShouldProcessHandshake(peer protocol.PeerID, payload []byte) bool {
	prefixLen := 16
	if len(payload) < prefixLen {
		prefixLen = len(payload)
	}
	key := fmt.Sprintf("%s:%x", peer, payload[:prefixLen])
	return m.handshakeDedup.Add(key)
}

// --- Identity announcements (spec.md §4.6, §6) ---

// BuildIdentityAnnouncement produces a signed NoiseIdentityAnnouncement
// for the given PeerID/nickname, optionally carrying previousPeerID when
// this follows a rotation.
func (m *Manager) BuildIdentityAnnouncement(self protocol.PeerID, nickname string, previous *protocol.PeerID) *protocol.NoiseIdentityAnnouncement {
	a := &protocol.NoiseIdentityAnnouncement{
		PeerID:         self,
		StaticPubKey:   append([]byte(nil), m.identity.Static.Public...),
		SigningPubKey:  append([]byte(nil), m.identity.SigningPub...),
		Nickname:       nickname,
		Timestamp:      uint64(time.Now().UnixMilli()),
		PreviousPeerID: previous,
	}
	a.Signature = ed25519.Sign(m.identity.SigningKey, a.SignedPreimage())
	return a
}

// VerifyIdentityAnnouncement checks the Ed25519 signature over the
// byte-exact preimage utf8(peerID) || staticPubKey || utf8(decimalMillis(ts)).
func VerifyIdentityAnnouncement(a *protocol.NoiseIdentityAnnouncement) bool {
	if len(a.SigningPubKey) != ed25519.PublicKeySize || len(a.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(a.SigningPubKey), a.SignedPreimage(), a.Signature)
}

// ShouldInitiate applies the lexicographic-PeerID tiebreaker: the lower
// PeerID initiates the handshake.
func ShouldInitiate(self, peer protocol.PeerID) bool {
	return self.String() < peer.String()
}
