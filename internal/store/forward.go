// Package store implements the store-and-forward cache: C7's half that
// holds packets for peers who are not currently reachable, so they can
// be delivered once the peer reconnects. The peer-table half lives in
// internal/peer.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/permissionlesstech/bitchat-mesh/internal/protocol"
)

// entry is one cached packet awaiting delivery to a specific recipient.
type entry struct {
	packet    *protocol.Packet
	cachedAt  time.Time
	delivered map[protocol.PeerID]bool
}

// Forward is the store-and-forward cache. It holds two independently
// bounded pools per spec.md §4.7: a regular cache (FIFO, capped,
// time-limited) and a favorite cache (capped, no TTL). Eligibility for
// the favorite cache is decided once, at cache time, via IsFavorite.
type Forward struct {
	mu sync.Mutex

	// regular is a single FIFO queue shared across all recipients,
	// capped at MaxCachedMessages overall.
	regular []*entry

	// favorite is keyed per recipient PeerID, each capped at
	// MaxFavoriteMessages with no TTL eviction.
	favorite map[protocol.PeerID][]*entry

	// IsFavorite reports whether recipient is a favorite of the local
	// user, consulted once per packet at cache time. Nil means no
	// favorite routing (regular cache only).
	IsFavorite func(recipient protocol.PeerID) bool
}

func NewForward(isFavorite func(protocol.PeerID) bool) *Forward {
	return &Forward{
		favorite:   make(map[protocol.PeerID][]*entry),
		IsFavorite: isFavorite,
	}
}

// Cache stores p for later delivery to recipient, unless p is ineligible
// (broadcast, or not a MESSAGE-type packet — ANNOUNCE/LEAVE/HANDSHAKE
// packets are never cached per spec.md §4.7).
func (f *Forward) Cache(recipient protocol.PeerID, p *protocol.Packet) {
	if p.Type != protocol.MessageTypeMessage || p.IsBroadcast() {
		return
	}

	e := &entry{packet: p, cachedAt: time.Now(), delivered: make(map[protocol.PeerID]bool)}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.evictExpiredLocked()

	if f.IsFavorite != nil && f.IsFavorite(recipient) {
		list := append(f.favorite[recipient], e)
		if len(list) > protocol.MaxFavoriteMessages {
			list = list[len(list)-protocol.MaxFavoriteMessages:]
		}
		f.favorite[recipient] = list
		return
	}

	f.regular = append(f.regular, e)
	if len(f.regular) > protocol.MaxCachedMessages {
		f.regular = f.regular[len(f.regular)-protocol.MaxCachedMessages:]
	}
}

// evictExpiredLocked drops regular-cache entries older than
// RegularCacheTTL. Favorites never expire by age. Caller holds f.mu.
func (f *Forward) evictExpiredLocked() {
	cutoff := time.Now().Add(-protocol.RegularCacheTTL)
	kept := f.regular[:0]
	for _, e := range f.regular {
		if e.cachedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	f.regular = kept
}

// Flush drains every cached packet addressed to recipient, in timestamp
// order, calling send for each with StoreForwardSpacing between calls.
// A packet already marked delivered to recipient in a prior Flush is
// skipped, preventing double-delivery within a session. Flush is meant
// to run in its own goroutine; it blocks for the duration of the drain.
func (f *Forward) Flush(recipient protocol.PeerID, send func(*protocol.Packet)) {
	pending := f.collectPending(recipient)
	if len(pending) == 0 {
		return
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].packet.Timestamp < pending[j].packet.Timestamp
	})

	for i, e := range pending {
		send(e.packet)
		f.markDelivered(recipient, e)
		if i != len(pending)-1 {
			time.Sleep(protocol.StoreForwardSpacing)
		}
	}
}

func (f *Forward) collectPending(recipient protocol.PeerID) []*entry {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.evictExpiredLocked()

	var pending []*entry
	for _, e := range f.regular {
		if e.packet.AddressedTo(recipient) && !e.delivered[recipient] {
			pending = append(pending, e)
		}
	}
	for _, e := range f.favorite[recipient] {
		if !e.delivered[recipient] {
			pending = append(pending, e)
		}
	}
	return pending
}

func (f *Forward) markDelivered(recipient protocol.PeerID, e *entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.delivered[recipient] = true
}

// DropFavorite removes all cached entries addressed to recipient's
// favorite queue, e.g. on unfavorite.
func (f *Forward) DropFavorite(recipient protocol.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.favorite, recipient)
}

// PendingCount reports how many undelivered packets are cached for
// recipient across both pools, for diagnostics/upcalls.
func (f *Forward) PendingCount(recipient protocol.PeerID) int {
	return len(f.collectPending(recipient))
}

// ClearAll wipes both caches — the store-and-forward half of panic-mode
// clear_all() (spec.md §9).
func (f *Forward) ClearAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regular = nil
	f.favorite = make(map[protocol.PeerID][]*entry)
}
