package bluetooth

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/permissionlesstech/bitchat-mesh/internal/protocol"
)

// fakeRadio is an in-memory Radio: Write appends to a per-address log
// instead of touching real hardware, Connect fires onConnected
// synchronously, and Disconnect is a no-op that fires no callback.
type fakeRadio struct {
	mu      sync.Mutex
	written map[string][][]byte

	onReceive      func([]byte, string)
	onConnected    func(string)
	onDisconnected func(string)
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{written: make(map[string][][]byte)}
}

func (r *fakeRadio) Start(onReceive func([]byte, string), onConnected, onDisconnected func(string)) error {
	r.onReceive, r.onConnected, r.onDisconnected = onReceive, onConnected, onDisconnected
	return nil
}
func (r *fakeRadio) Stop() error                                    { return nil }
func (r *fakeRadio) Advertise() error                                { return nil }
func (r *fakeRadio) StopAdvertising() error                          { return nil }
func (r *fakeRadio) StartScanning(onDiscovered func(string, int)) error { return nil }
func (r *fakeRadio) StopScanning() error                             { return nil }
func (r *fakeRadio) Disconnect(address string) error                 { return nil }

func (r *fakeRadio) Connect(address string) error {
	if r.onConnected != nil {
		r.onConnected(address)
	}
	return nil
}

func (r *fakeRadio) Write(address string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written[address] = append(r.written[address], append([]byte(nil), data...))
	return nil
}

func (r *fakeRadio) writesTo(address string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.written[address]...)
}

type recordingEvents struct {
	mu       sync.Mutex
	received []*protocol.RoutedPacket
}

func (e *recordingEvents) OnDeviceConnected(string)    {}
func (e *recordingEvents) OnDeviceDisconnected(string) {}
func (e *recordingEvents) OnPacketReceived(routed *protocol.RoutedPacket) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.received = append(e.received, routed)
}

func connectTwo(t *testing.T, cm *ConnectionManager, radio *fakeRadio, addrs ...string) {
	t.Helper()
	for _, a := range addrs {
		radio.Connect(a)
	}
}

func TestFrameRoundTripSmallPayload(t *testing.T) {
	payload := []byte("short payload")
	framed := wrapFrame(payload)
	if framed[0] != frameRaw {
		t.Fatalf("expected a short payload to stay uncompressed, got marker %#x", framed[0])
	}
	got, err := unwrapFrame(framed)
	if err != nil {
		t.Fatalf("unwrapFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected round-trip payload %q, got %q", payload, got)
	}
}

func TestFrameRoundTripCompressesRepetitiveLargePayload(t *testing.T) {
	payload := []byte(strings.Repeat("mesh-packet-payload-", 50))
	framed := wrapFrame(payload)
	if framed[0] != frameCompressed {
		t.Fatalf("expected a large repetitive payload to compress, got marker %#x", framed[0])
	}
	if len(framed) >= len(payload) {
		t.Fatalf("expected compressed frame to be smaller than %d bytes, got %d", len(payload), len(framed))
	}
	got, err := unwrapFrame(framed)
	if err != nil {
		t.Fatalf("unwrapFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("expected decompressed round-trip to match original payload")
	}
}

func TestUnwrapFrameRejectsUnknownMarker(t *testing.T) {
	if _, err := unwrapFrame([]byte{0xEE, 1, 2, 3}); err == nil {
		t.Fatal("expected an error for an unrecognized frame marker")
	}
}

func TestSendDirectedFastPathSkipsFlood(t *testing.T) {
	radio := newFakeRadio()
	events := &recordingEvents{}
	cm := NewConnectionManager(radio, events, 0)
	if err := cm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	connectTwo(t, cm, radio, "addr-a", "addr-b")
	recipient := protocol.NewPeerID()
	cm.BindPeer("addr-a", recipient)

	sender := protocol.NewPeerID()
	pkt := protocol.NewUnicastPacket(protocol.MessageTypeMessage, sender, recipient, []byte("hi"), protocol.DirectOnlyTTL)
	if err := cm.Send(pkt, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(radio.writesTo("addr-a")) != 1 {
		t.Fatalf("expected exactly 1 write to the bound recipient address, got %d", len(radio.writesTo("addr-a")))
	}
	if len(radio.writesTo("addr-b")) != 0 {
		t.Fatalf("expected no flood to unrelated connected devices on a directed send, got %d", len(radio.writesTo("addr-b")))
	}
}

func TestSendFloodsButSuppressesRelayOriginAndSource(t *testing.T) {
	radio := newFakeRadio()
	events := &recordingEvents{}
	cm := NewConnectionManager(radio, events, 0)
	if err := cm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	connectTwo(t, cm, radio, "addr-a", "addr-b", "addr-c")
	sender := protocol.NewPeerID()
	cm.BindPeer("addr-c", sender) // addr-c carries the original sender's own PeerID

	pkt := protocol.NewBroadcastPacket(protocol.MessageTypeMessage, sender, []byte("hi"), protocol.MaxTTL)
	if err := cm.Send(pkt, "addr-a"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(radio.writesTo("addr-a")) != 0 {
		t.Fatal("expected no write back to the address the packet arrived on")
	}
	if len(radio.writesTo("addr-c")) != 0 {
		t.Fatal("expected no write to a device known to carry the sender's own PeerID")
	}
	if len(radio.writesTo("addr-b")) != 1 {
		t.Fatalf("expected exactly 1 flood write to the remaining device, got %d", len(radio.writesTo("addr-b")))
	}
}
