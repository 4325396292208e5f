package store

import (
	"sync"
	"testing"
	"time"

	"github.com/permissionlesstech/bitchat-mesh/internal/protocol"
)

func TestCacheIgnoresNonMessageAndBroadcast(t *testing.T) {
	f := NewForward(nil)
	recipient := protocol.NewPeerID()
	sender := protocol.NewPeerID()

	announce := protocol.NewUnicastPacket(protocol.MessageTypeAnnounce, sender, recipient, []byte("x"), protocol.AnnounceTTL)
	f.Cache(recipient, announce)

	broadcast := protocol.NewBroadcastPacket(protocol.MessageTypeMessage, sender, []byte("x"), protocol.MaxTTL)
	f.Cache(recipient, broadcast)

	if n := f.PendingCount(recipient); n != 0 {
		t.Fatalf("expected nothing cached, got %d pending", n)
	}
}

func TestRegularCacheFIFOEviction(t *testing.T) {
	f := NewForward(nil)
	sender := protocol.NewPeerID()
	recipient := protocol.NewPeerID()

	for i := 0; i < protocol.MaxCachedMessages+10; i++ {
		p := protocol.NewUnicastPacket(protocol.MessageTypeMessage, sender, recipient, []byte("m"), protocol.MaxTTL)
		p.Timestamp = uint64(i)
		f.Cache(recipient, p)
	}

	if n := f.PendingCount(recipient); n != protocol.MaxCachedMessages {
		t.Fatalf("expected cache capped at %d, got %d", protocol.MaxCachedMessages, n)
	}
}

func TestFavoriteCacheHasNoTTL(t *testing.T) {
	recipient := protocol.NewPeerID()
	sender := protocol.NewPeerID()

	f := NewForward(func(p protocol.PeerID) bool { return p == recipient })

	p := protocol.NewUnicastPacket(protocol.MessageTypeMessage, sender, recipient, []byte("m"), protocol.MaxTTL)
	f.Cache(recipient, p)

	f.mu.Lock()
	f.favorite[recipient][0].cachedAt = time.Now().Add(-protocol.RegularCacheTTL * 10)
	f.mu.Unlock()

	if n := f.PendingCount(recipient); n != 1 {
		t.Fatalf("favorite entry should survive past regular TTL, got %d pending", n)
	}
}

func TestRegularCacheExpiresAfterTTL(t *testing.T) {
	f := NewForward(nil)
	sender := protocol.NewPeerID()
	recipient := protocol.NewPeerID()

	p := protocol.NewUnicastPacket(protocol.MessageTypeMessage, sender, recipient, []byte("m"), protocol.MaxTTL)
	f.Cache(recipient, p)

	f.mu.Lock()
	f.regular[0].cachedAt = time.Now().Add(-protocol.RegularCacheTTL - time.Second)
	f.mu.Unlock()

	if n := f.PendingCount(recipient); n != 0 {
		t.Fatalf("expected expired entry evicted, got %d pending", n)
	}
}

func TestFlushDeliversInTimestampOrderOnceEach(t *testing.T) {
	f := NewForward(nil)
	sender := protocol.NewPeerID()
	recipient := protocol.NewPeerID()

	ts := []uint64{300, 100, 200}
	for _, v := range ts {
		p := protocol.NewUnicastPacket(protocol.MessageTypeMessage, sender, recipient, []byte("m"), protocol.MaxTTL)
		p.Timestamp = v
		f.Cache(recipient, p)
	}

	var mu sync.Mutex
	var order []uint64
	f.Flush(recipient, func(p *protocol.Packet) {
		mu.Lock()
		order = append(order, p.Timestamp)
		mu.Unlock()
	})

	want := []uint64{100, 200, 300}
	if len(order) != len(want) {
		t.Fatalf("expected %d deliveries, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivery order mismatch: want %v got %v", want, order)
		}
	}

	if n := f.PendingCount(recipient); n != 0 {
		t.Fatalf("expected nothing pending after flush, got %d", n)
	}

	// Second flush must not redeliver anything (marker prevents double
	// flush within a session).
	var secondCount int
	f.Flush(recipient, func(*protocol.Packet) { secondCount++ })
	if secondCount != 0 {
		t.Fatalf("expected second flush to deliver nothing, got %d", secondCount)
	}
}

func TestDropFavoriteClearsOnlyThatRecipient(t *testing.T) {
	a := protocol.NewPeerID()
	b := protocol.NewPeerID()
	sender := protocol.NewPeerID()

	f := NewForward(func(protocol.PeerID) bool { return true })
	f.Cache(a, protocol.NewUnicastPacket(protocol.MessageTypeMessage, sender, a, []byte("m"), protocol.MaxTTL))
	f.Cache(b, protocol.NewUnicastPacket(protocol.MessageTypeMessage, sender, b, []byte("m"), protocol.MaxTTL))

	f.DropFavorite(a)

	if n := f.PendingCount(a); n != 0 {
		t.Fatalf("expected a's favorites cleared, got %d", n)
	}
	if n := f.PendingCount(b); n != 1 {
		t.Fatalf("expected b's favorites untouched, got %d", n)
	}
}

func TestClearAllWipesBothPools(t *testing.T) {
	a := protocol.NewPeerID()
	sender := protocol.NewPeerID()

	f := NewForward(func(protocol.PeerID) bool { return true })
	f.Cache(a, protocol.NewUnicastPacket(protocol.MessageTypeMessage, sender, a, []byte("m"), protocol.MaxTTL))

	f.ClearAll()

	if n := f.PendingCount(a); n != 0 {
		t.Fatalf("expected cache wiped, got %d pending", n)
	}
}
