// Package bluetooth implements the Connection Manager (C1): the sole
// radio abstraction, running peripheral (GATT server) and central
// (scanner + GATT client) roles over one fixed service/characteristic
// UUID pair. Platform-specific radio access lives behind the Radio
// interface, implemented per build tag (linux_radio.go and friends),
// mirroring the teacher's per-platform provider split.
package bluetooth

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/permissionlesstech/bitchat-mesh/internal/compress"
	"github.com/permissionlesstech/bitchat-mesh/internal/protocol"
)

// transport-level compression marker, prepended to every frame ahead of
// fragmentation. It wraps the already wire-encoded Packet rather than
// touching protocol.Encode's bit-exact header, so compression stays a
// pure BLE-link optimization independent of the wire format itself.
const (
	frameRaw        byte = 0x00
	frameCompressed byte = 0x01
)

// wrapFrame prepends the compression marker, compressing payload when
// doing so is beneficial per compress.IfBeneficial.
func wrapFrame(payload []byte) []byte {
	out, compressed, err := compress.IfBeneficial(payload)
	if err != nil {
		return append([]byte{frameRaw}, payload...)
	}
	marker := frameRaw
	if compressed {
		marker = frameCompressed
	}
	return append([]byte{marker}, out...)
}

// unwrapFrame strips the compression marker and decompresses if needed.
func unwrapFrame(frame []byte) ([]byte, error) {
	if len(frame) < 1 {
		return nil, fmt.Errorf("bluetooth: empty frame")
	}
	marker, body := frame[0], frame[1:]
	switch marker {
	case frameRaw:
		return body, nil
	case frameCompressed:
		return compress.Decompress(body)
	default:
		return nil, fmt.Errorf("bluetooth: unknown frame marker %#x", marker)
	}
}

// Radio is everything a platform backend must provide. It deliberately
// knows nothing about packets, peers, or the mesh protocol — only raw
// bytes over a device address.
type Radio interface {
	Start(onReceive func(data []byte, fromAddress string), onConnected func(address string), onDisconnected func(address string)) error
	Stop() error

	Advertise() error
	StopAdvertising() error

	StartScanning(onDiscovered func(address string, rssi int)) error
	StopScanning() error

	Connect(address string) error
	Disconnect(address string) error

	// Write sends one already-framed chunk to address. The radio does
	// not see packet or fragment boundaries.
	Write(address string, data []byte) error
}

// pendingConnection tracks bounded connection attempts per device
// address, generalizing the teacher's per-message retry bookkeeping
// (internal/service.RetryService) to per-device connection attempts.
type pendingConnection struct {
	attempts  int
	windowEnd time.Time
}

// Events are the upward signals the Connection Manager fires; the host
// (internal/processor, via the mesh service wiring) supplies bytes-level
// decode and routing on top.
type Events interface {
	OnDeviceConnected(address string)
	OnDeviceDisconnected(address string)
	OnPacketReceived(routed *protocol.RoutedPacket)
}

// ConnectionManager owns the address<->PeerID map, the pending-
// connections table, and the outbound transmission/fragmentation
// boundary described in spec.md §4.1. It is radio-agnostic; Radio
// supplies the platform-specific GATT plumbing.
type ConnectionManager struct {
	radio     Radio
	events    Events
	fragments *protocol.FragmentManager

	maxConnections int

	mu                sync.Mutex
	connected         map[string]time.Time // address -> connectedAt, both roles
	addressToPeer     map[string]protocol.PeerID
	peerToAddress     map[protocol.PeerID]string
	pending           map[string]*pendingConnection
	connectionOrder   []string // client-role connections, oldest first

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

func NewConnectionManager(radio Radio, events Events, maxConnections int) *ConnectionManager {
	cm := &ConnectionManager{
		radio:          radio,
		events:         events,
		fragments:      protocol.NewFragmentManager(),
		maxConnections: maxConnections,
		connected:      make(map[string]time.Time),
		addressToPeer:  make(map[string]protocol.PeerID),
		peerToAddress:  make(map[protocol.PeerID]string),
		pending:        make(map[string]*pendingConnection),
		stopCleanup:    make(chan struct{}),
		cleanupDone:    make(chan struct{}),
	}
	return cm
}

// Start brings up both radio roles and the pending-connection sweep.
func (cm *ConnectionManager) Start() error {
	if err := cm.radio.Start(cm.onReceive, cm.onConnected, cm.onDisconnected); err != nil {
		return fmt.Errorf("bluetooth: start radio: %w", err)
	}
	if err := cm.radio.Advertise(); err != nil {
		return fmt.Errorf("bluetooth: advertise: %w", err)
	}
	if err := cm.radio.StartScanning(cm.onDiscovered); err != nil {
		return fmt.Errorf("bluetooth: start scanning: %w", err)
	}
	go cm.cleanupLoop()
	return nil
}

// Stop runs the shutdown sequence from spec.md §4.1: disconnect every
// link, wait CleanupDelay for in-flight writes to settle, then release
// the radio and clear all tables.
func (cm *ConnectionManager) Stop() {
	close(cm.stopCleanup)
	<-cm.cleanupDone

	cm.radio.StopScanning()
	cm.radio.StopAdvertising()

	cm.mu.Lock()
	addrs := make([]string, 0, len(cm.connected))
	for a := range cm.connected {
		addrs = append(addrs, a)
	}
	cm.mu.Unlock()

	for _, a := range addrs {
		cm.radio.Disconnect(a)
	}
	time.Sleep(protocol.CleanupDelay)

	cm.radio.Stop()

	cm.mu.Lock()
	cm.connected = make(map[string]time.Time)
	cm.addressToPeer = make(map[string]protocol.PeerID)
	cm.peerToAddress = make(map[protocol.PeerID]string)
	cm.pending = make(map[string]*pendingConnection)
	cm.connectionOrder = nil
	cm.mu.Unlock()
}

func (cm *ConnectionManager) cleanupLoop() {
	defer close(cm.cleanupDone)
	ticker := time.NewTicker(protocol.ScanCoalesceWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cm.sweepPending()
		case <-cm.stopCleanup:
			return
		}
	}
}

// sweepPending drops pending-connection entries whose rolling window
// (2 * ConnectionRetryDelay) has elapsed, so a device is never
// permanently blacklisted after a burst of failed attempts.
func (cm *ConnectionManager) sweepPending() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	for addr, p := range cm.pending {
		if now.After(p.windowEnd) {
			delete(cm.pending, addr)
		}
	}
}

func (cm *ConnectionManager) onDiscovered(address string, rssi int) {
	cm.mu.Lock()
	_, alreadyConnected := cm.connected[address]
	p, hasPending := cm.pending[address]
	if !hasPending {
		p = &pendingConnection{windowEnd: time.Now().Add(2 * protocol.ConnectionRetryDelay)}
		cm.pending[address] = p
	}
	tooManyAttempts := p.attempts >= protocol.MaxConnectionAttempts
	if !tooManyAttempts {
		p.attempts++
	}
	cm.mu.Unlock()

	if alreadyConnected {
		return
	}
	if tooManyAttempts {
		logrus.WithFields(logrus.Fields{"address": address, "component": "connection_manager"}).Debug("skipping connect: attempt window exhausted")
		return
	}
	cm.radio.Connect(address)
}

func (cm *ConnectionManager) onConnected(address string) {
	cm.mu.Lock()
	cm.connected[address] = time.Now()
	delete(cm.pending, address)
	cm.connectionOrder = append(cm.connectionOrder, address)
	cm.enforceConnectionLimitLocked()
	cm.mu.Unlock()

	logrus.WithFields(logrus.Fields{"address": address, "component": "connection_manager"}).Info("device connected")

	if cm.events != nil {
		cm.events.OnDeviceConnected(address)
	}
}

// enforceConnectionLimitLocked drops the oldest client-role connection
// once the power-policy-derived cap is exceeded. Caller holds cm.mu.
func (cm *ConnectionManager) enforceConnectionLimitLocked() {
	if cm.maxConnections <= 0 {
		return
	}
	for len(cm.connectionOrder) > cm.maxConnections {
		oldest := cm.connectionOrder[0]
		cm.connectionOrder = cm.connectionOrder[1:]
		go cm.radio.Disconnect(oldest)
	}
}

func (cm *ConnectionManager) onDisconnected(address string) {
	cm.mu.Lock()
	delete(cm.connected, address)
	delete(cm.pending, address)
	for i, a := range cm.connectionOrder {
		if a == address {
			cm.connectionOrder = append(cm.connectionOrder[:i], cm.connectionOrder[i+1:]...)
			break
		}
	}
	if id, ok := cm.addressToPeer[address]; ok {
		delete(cm.addressToPeer, address)
		delete(cm.peerToAddress, id)
	}
	cm.mu.Unlock()

	logrus.WithFields(logrus.Fields{"address": address, "component": "connection_manager"}).Info("device disconnected")

	if cm.events != nil {
		cm.events.OnDeviceDisconnected(address)
	}
}

// BindPeer records that address is now known to carry peerID, e.g.
// after the peer's first ANNOUNCE or identity announcement arrives
// over that link.
func (cm *ConnectionManager) BindPeer(address string, peerID protocol.PeerID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.addressToPeer[address] = peerID
	cm.peerToAddress[peerID] = address
}

func (cm *ConnectionManager) onReceive(frame []byte, fromAddress string) {
	decoded, err := unwrapFrame(frame)
	if err != nil {
		return
	}

	p, err := protocol.Decode(decoded)
	if err != nil {
		return
	}

	if p.Type.IsFragment() {
		// Relayed verbatim (still framed/compressed) — a relay-only
		// overhearer never needs to inflate a fragment it won't reassemble.
		cm.relayRaw(frame, fromAddress)
	}

	cm.mu.Lock()
	sender := cm.addressToPeer[fromAddress]
	cm.mu.Unlock()
	if sender == (protocol.PeerID{}) {
		sender = p.SenderID
	}

	if cm.events != nil {
		cm.events.OnPacketReceived(&protocol.RoutedPacket{Packet: p, ImmediateSender: sender, DeviceAddress: fromAddress})
	}
}

// relayRaw forwards a still-encoded fragment to every other connected
// device, independent of reassembly. Only the arrival device is skipped
// (unlike Send, devices bound to the original sender's PeerID are not),
// and the raw frame the radio already has in hand is written unchanged.
func (cm *ConnectionManager) relayRaw(data []byte, exceptAddress string) {
	cm.mu.Lock()
	addrs := make([]string, 0, len(cm.connected))
	for a := range cm.connected {
		if a != exceptAddress {
			addrs = append(addrs, a)
		}
	}
	cm.mu.Unlock()
	for _, a := range addrs {
		cm.radio.Write(a, data)
	}
}

// Send transmits p per spec.md's outbound rules: a directed fast-path
// when the recipient is a known direct neighbor, otherwise a flood to
// every connected device except the one it arrived on and any device
// known to carry the original sender's PeerID.
func (cm *ConnectionManager) Send(p *protocol.Packet, relayAddress string) error {
	encoded, err := protocol.Encode(p)
	if err != nil {
		return fmt.Errorf("bluetooth: encode outbound packet: %w", err)
	}

	if !p.IsBroadcast() {
		cm.mu.Lock()
		addr, ok := cm.peerToAddress[*p.RecipientID]
		cm.mu.Unlock()
		if ok {
			return cm.writeFramed(addr, encoded)
		}
	}

	cm.mu.Lock()
	targets := make([]string, 0, len(cm.connected))
	for addr := range cm.connected {
		if addr == relayAddress {
			continue
		}
		if peerAtAddr, ok := cm.addressToPeer[addr]; ok && peerAtAddr == p.SenderID {
			continue
		}
		targets = append(targets, addr)
	}
	cm.mu.Unlock()

	var firstErr error
	for _, addr := range targets {
		if err := cm.writeFramed(addr, encoded); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// writeFramed submits encoded to the Fragment Manager when it exceeds
// MaxFragmentSize, writing the resulting sequence back-to-back with
// InterFragmentDelay between frames, per spec.md's fragmentation
// boundary. Every unit actually handed to the radio is LZ4-compressed
// first when that shrinks it, since BLE's MTU makes every byte count.
func (cm *ConnectionManager) writeFramed(address string, encoded []byte) error {
	if len(encoded) <= protocol.MaxFragmentSize {
		return cm.radio.Write(address, wrapFrame(encoded))
	}

	originalType := protocol.MessageTypeMessage
	sender := protocol.PeerID{}
	if p, err := protocol.Decode(encoded); err == nil {
		originalType = p.Type
		sender = p.SenderID
	}
	fragments := cm.fragments.CreateFragments(originalType, sender, encoded)
	for i, frag := range fragments {
		fragBytes, err := protocol.Encode(frag)
		if err != nil {
			return err
		}
		if err := cm.radio.Write(address, wrapFrame(fragBytes)); err != nil {
			return err
		}
		if i != len(fragments)-1 {
			time.Sleep(protocol.InterFragmentDelay)
		}
	}
	return nil
}
