// Package processor implements the Packet Processor (C3): the single
// entry point for every decoded inbound packet, guaranteeing per-peer
// serial ordering so a single peer's Noise session, replay set and
// handshake dedup set are never raced across goroutines.
package processor

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/permissionlesstech/bitchat-mesh/internal/protocol"
)

// Dispatcher runs the per-type semantics for an already-validated
// packet. Implemented by internal/handler.Handler.
type Dispatcher interface {
	Handle(routed *protocol.RoutedPacket)
}

// Security is the subset of internal/noise.Manager the processor's
// pipeline needs for its validation step.
type Security interface {
	ShouldAccept(p *protocol.Packet) bool
}

// PeerTracker is the subset of internal/peer.Manager the processor
// needs to update last-seen after a successfully dispatched packet.
type PeerTracker interface {
	Touch(id protocol.PeerID, nickname string) bool
}

// lane is one remote PeerID's single-consumer queue and worker.
type lane struct {
	queue chan *protocol.RoutedPacket
	done  chan struct{}
}

// Processor owns one lane per remote PeerID. Lanes are created lazily
// on first packet and all torn down together on Stop.
type Processor struct {
	security   Security
	dispatcher Dispatcher
	peers      PeerTracker

	mu    sync.Mutex
	lanes map[protocol.PeerID]*lane
	wg    sync.WaitGroup

	stopping bool
}

// laneQueueDepth bounds memory if a peer's lane worker stalls; a
// healthy lane drains far faster than packets arrive over BLE's modest
// throughput, so this is generous headroom rather than a tight budget.
const laneQueueDepth = 256

func NewProcessor(security Security, dispatcher Dispatcher, peers PeerTracker) *Processor {
	return &Processor{
		security:   security,
		dispatcher: dispatcher,
		peers:      peers,
		lanes:      make(map[protocol.PeerID]*lane),
	}
}

// Ingest enqueues routed onto its immediate sender's lane, creating the
// lane if this is the first packet seen from that sender. Ingest itself
// never blocks on packet processing — only (rarely) on a full queue.
func (p *Processor) Ingest(routed *protocol.RoutedPacket) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	l, ok := p.lanes[routed.ImmediateSender]
	if !ok {
		l = &lane{queue: make(chan *protocol.RoutedPacket, laneQueueDepth), done: make(chan struct{})}
		p.lanes[routed.ImmediateSender] = l
		p.wg.Add(1)
		go p.runLane(l)
	}
	p.mu.Unlock()

	l.queue <- routed
}

func (p *Processor) runLane(l *lane) {
	defer p.wg.Done()
	defer close(l.done)
	for routed := range l.queue {
		p.process(routed)
	}
}

func (p *Processor) process(routed *protocol.RoutedPacket) {
	pkt := routed.Packet

	logFields := logrus.Fields{
		"peer_id":     routed.ImmediateSender.String(),
		"packet_type": pkt.Type,
		"component":   "processor",
	}

	if pkt.Version != protocol.CurrentVersion {
		logrus.WithFields(logFields).WithField("version", pkt.Version).Debug("dropping packet: unsupported version")
		return
	}
	if pkt.TTL == 0 {
		logrus.WithFields(logFields).Debug("dropping packet: TTL exhausted")
		return
	}
	if !p.security.ShouldAccept(pkt) {
		logrus.WithFields(logFields).Debug("dropping packet: rejected by security manager")
		return
	}

	switch pkt.Type {
	case protocol.MessageTypeAnnounce,
		protocol.MessageTypeLeave,
		protocol.MessageTypeMessage,
		protocol.MessageTypeFragmentStart,
		protocol.MessageTypeFragmentContinue,
		protocol.MessageTypeFragmentEnd,
		protocol.MessageTypeDeliveryAck,
		protocol.MessageTypeReadReceipt,
		protocol.MessageTypeNoiseHandshakeInit,
		protocol.MessageTypeNoiseHandshakeResp,
		protocol.MessageTypeNoiseEncrypted,
		protocol.MessageTypeNoiseIdentityAnnounce,
		protocol.MessageTypeHandshakeRequest:
		p.dispatcher.Handle(routed)
		p.peers.Touch(routed.ImmediateSender, "")
	default:
		logrus.WithFields(logFields).Debug("dropping packet: unknown type")
	}
}

// Stop closes every lane's queue and waits for its worker to drain.
// Already-queued packets are processed before workers exit; Ingest
// calls after Stop begins are dropped.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.stopping = true
	lanes := make([]*lane, 0, len(p.lanes))
	for _, l := range p.lanes {
		lanes = append(lanes, l)
	}
	p.mu.Unlock()

	for _, l := range lanes {
		close(l.queue)
	}
	p.wg.Wait()
}
