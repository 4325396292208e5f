// Package peer implements the Peer Manager (C7's peer-table half):
// thread-safe peer records, the PeerID<->fingerprint registry, and the
// staleness sweep. Store-and-forward (C7's cache half) lives in
// internal/store, since spec.md gives it distinct ownership.
package peer

import (
	"sync"
	"time"

	"github.com/permissionlesstech/bitchat-mesh/internal/protocol"
)

// Record is a single peer's table entry. Invariants: at most one active
// record per PeerID; a nickname may be reused across rotations.
type Record struct {
	PeerID      protocol.PeerID
	Nickname    string
	LastSeen    time.Time
	RSSI        *int
	Announced   bool
	AnnouncedTo bool
	Fingerprint *protocol.Fingerprint
}

// Events the Manager surfaces upward; the host wires these to its own
// on_peer_connected/on_peer_disconnected upcalls.
type Events interface {
	OnPeerConnected(nickname string)
	OnPeerDisconnected(nickname string)
}

// Manager owns peers[PeerID]->Record and the PeerID<->fingerprint
// registry. All cross-component access goes through its read-only query
// methods, per the core's single-owner rule for the peer table.
type Manager struct {
	mu    sync.RWMutex
	peers map[protocol.PeerID]*Record

	// fingerprintOf indexes the reverse direction: fingerprint -> most
	// recently bound PeerID. Updated on handshake completion and
	// identity announcement.
	fingerprintOf map[protocol.Fingerprint]protocol.PeerID

	events Events

	stopSweep chan struct{}
	sweepDone chan struct{}
}

func NewManager(events Events) *Manager {
	m := &Manager{
		peers:         make(map[protocol.PeerID]*Record),
		fingerprintOf: make(map[protocol.Fingerprint]protocol.PeerID),
		events:        events,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *Manager) Stop() {
	close(m.stopSweep)
	<-m.sweepDone
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(protocol.PeerSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictStale()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Manager) evictStale() {
	cutoff := time.Now().Add(-protocol.StalePeerTimeout)

	m.mu.Lock()
	var evicted []*Record
	for id, rec := range m.peers {
		if rec.LastSeen.Before(cutoff) {
			evicted = append(evicted, rec)
			delete(m.peers, id)
			if rec.Fingerprint != nil && m.fingerprintOf[*rec.Fingerprint] == id {
				delete(m.fingerprintOf, *rec.Fingerprint)
			}
		}
	}
	m.mu.Unlock()

	for _, rec := range evicted {
		if m.events != nil {
			m.events.OnPeerDisconnected(rec.Nickname)
		}
	}
}

// Touch records an observation of peer, creating its record on first
// sight. firstAnnounce reports whether this is the peer's first-ever
// ANNOUNCE (the caller uses this to decide whether to fire
// OnPeerConnected). A call with an empty nickname only refreshes
// last-seen (creating the record if needed) and reports false.
func (m *Manager) Touch(id protocol.PeerID, nickname string) (firstAnnounce bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.peers[id]
	if !exists {
		rec = &Record{PeerID: id}
		m.peers[id] = rec
	}
	rec.LastSeen = time.Now()
	if nickname != "" {
		rec.Nickname = nickname
	}

	if nickname == "" {
		return false
	}
	wasAnnounced := rec.Announced
	rec.Announced = true
	return !wasAnnounced
}

// UpdateRSSI records the last-observed signal strength for id.
func (m *Manager) UpdateRSSI(id protocol.PeerID, rssi int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.peers[id]; ok {
		rec.RSSI = &rssi
	}
}

// BindFingerprint associates id with fingerprint, e.g. on handshake
// completion or identity announcement.
func (m *Manager) BindFingerprint(id protocol.PeerID, fp protocol.Fingerprint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.peers[id]; ok {
		rec.Fingerprint = &fp
	}
	m.fingerprintOf[fp] = id
}

// Fingerprint returns id's bound fingerprint, if any.
func (m *Manager) Fingerprint(id protocol.PeerID) (protocol.Fingerprint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.peers[id]
	if !ok || rec.Fingerprint == nil {
		return protocol.Fingerprint{}, false
	}
	return *rec.Fingerprint, true
}

// PeerIDForFingerprint returns the most recently bound PeerID for fp.
func (m *Manager) PeerIDForFingerprint(fp protocol.Fingerprint) (protocol.PeerID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.fingerprintOf[fp]
	return id, ok
}

// Rotate migrates a peer record from oldID to newID following a PeerID
// rotation announcement (spec.md S4): the fingerprint binding moves with
// it, and no disconnect upcall fires. Noise session state is not held
// here; noise.Manager.RebindPeer moves it separately.
func (m *Manager) Rotate(oldID, newID protocol.PeerID, nickname string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, hadOld := m.peers[oldID]
	rec := &Record{PeerID: newID, Nickname: nickname, LastSeen: time.Now(), Announced: true}
	if hadOld {
		rec.Fingerprint = old.Fingerprint
		rec.RSSI = old.RSSI
		delete(m.peers, oldID)
	}
	m.peers[newID] = rec
	if rec.Fingerprint != nil {
		m.fingerprintOf[*rec.Fingerprint] = newID
	}
}

// Remove drops id's record without firing the disconnect upcall (used
// for explicit LEAVE handling, which surfaces its own upcall).
func (m *Manager) Remove(id protocol.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.peers[id]; ok {
		delete(m.peers, id)
		if rec.Fingerprint != nil && m.fingerprintOf[*rec.Fingerprint] == id {
			delete(m.fingerprintOf, *rec.Fingerprint)
		}
	}
}

// Get returns a copy of id's record.
func (m *Manager) Get(id protocol.PeerID) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.peers[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// MarkAnnouncedTo records that we have sent our own ANNOUNCE to id.
// Store-and-forward double delivery is prevented separately, by
// internal/store's per-entry delivered markers.
func (m *Manager) MarkAnnouncedTo(id protocol.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.peers[id]; ok {
		rec.AnnouncedTo = true
	}
}

// ActivePeerCount reports how many peers are currently tracked, for the
// Relay Manager's flood-probability lookup.
func (m *Manager) ActivePeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// AllPeerIDs returns every currently tracked PeerID, in no particular
// order.
func (m *Manager) AllPeerIDs() []protocol.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]protocol.PeerID, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// ClearAll wipes every peer record and fingerprint binding — the
// peer-table half of panic-mode clear_all() (spec.md §9).
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers = make(map[protocol.PeerID]*Record)
	m.fingerprintOf = make(map[protocol.Fingerprint]protocol.PeerID)
}
