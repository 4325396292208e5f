// Package handler implements the Message Handler (C4): per-type packet
// semantics, dispatched by the Packet Processor after security
// validation. It owns no concurrency of its own — each call runs inside
// the caller's per-peer processor lane.
package handler

import (
	"strings"

	"github.com/permissionlesstech/bitchat-mesh/internal/noise"
	"github.com/permissionlesstech/bitchat-mesh/internal/peer"
	"github.com/permissionlesstech/bitchat-mesh/internal/protocol"
	"github.com/permissionlesstech/bitchat-mesh/internal/relay"
	"github.com/permissionlesstech/bitchat-mesh/internal/store"
)

// Upcalls are the host-facing events the handler fires. A single
// concrete type implementing this interface also satisfies
// peer.Events, so the host may wire both Manager and Handler to the
// same object.
type Upcalls interface {
	OnPeerConnected(nickname string)
	OnPeerDisconnected(nickname string)
	OnChannelLeave(channel string)
	OnMessage(msg *protocol.BitchatMessage, from protocol.PeerID)
	OnDeliveryAck(messageID string, from protocol.PeerID)
	OnReadReceipt(messageID string, from protocol.PeerID)
}

// Reinjector re-enters a packet into the Packet Processor's pipeline as
// if it had just arrived from immediateSender — used by fragment
// reassembly and Noise-encrypted inner packets. Implemented by
// internal/processor.Processor; defined here (not imported) to avoid a
// processor<->handler import cycle.
type Reinjector interface {
	Ingest(routed *protocol.RoutedPacket)
}

// Handler wires together every component the message semantics in
// spec.md §4.4 touch: the peer table, the Security Manager, the
// store-and-forward cache, the Relay Manager and the Fragment Manager.
type Handler struct {
	self     protocol.PeerID
	nickname func() string

	peers     *peer.Manager
	security  *noise.Manager
	forward   *store.Forward
	relay     *relay.Manager
	fragments *protocol.FragmentManager
	upcalls   Upcalls
	reinject  Reinjector

	// send hands an outbound packet to the Connection Manager, which
	// routes it (broadcast, or unicast when RecipientID is set).
	// relayAddress is the device the packet being relayed arrived on
	// (empty for a freshly originated send), so Send can exclude it from
	// the flood per spec.md §4.1 rule 2.
	send func(p *protocol.Packet, relayAddress string)
}

type Deps struct {
	Self      protocol.PeerID
	Nickname  func() string
	Peers     *peer.Manager
	Security  *noise.Manager
	Forward   *store.Forward
	Relay     *relay.Manager
	Fragments *protocol.FragmentManager
	Upcalls   Upcalls
	Reinject  Reinjector
	Send      func(p *protocol.Packet, relayAddress string)
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		self:      d.Self,
		nickname:  d.Nickname,
		peers:     d.Peers,
		security:  d.Security,
		forward:   d.Forward,
		relay:     d.Relay,
		fragments: d.Fragments,
		upcalls:   d.Upcalls,
		reinject:  d.Reinject,
		send:      d.Send,
	}
}

// Handle dispatches routed by packet type, per spec.md §4.4. The Packet
// Processor has already run security validation; Handle assumes p is
// fresh and within clock skew tolerance.
func (h *Handler) Handle(routed *protocol.RoutedPacket) {
	p := routed.Packet
	switch p.Type {
	case protocol.MessageTypeAnnounce:
		h.handleAnnounce(routed)
	case protocol.MessageTypeLeave:
		h.handleLeave(routed)
	case protocol.MessageTypeMessage:
		h.handleMessage(routed)
	case protocol.MessageTypeNoiseHandshakeInit, protocol.MessageTypeNoiseHandshakeResp:
		h.handleHandshake(routed)
	case protocol.MessageTypeNoiseEncrypted:
		h.handleEncrypted(routed)
	case protocol.MessageTypeNoiseIdentityAnnounce:
		h.handleIdentityAnnounce(routed)
	case protocol.MessageTypeHandshakeRequest:
		h.handleHandshakeRequest(routed)
	case protocol.MessageTypeFragmentStart, protocol.MessageTypeFragmentContinue, protocol.MessageTypeFragmentEnd:
		h.handleFragment(routed)
	case protocol.MessageTypeDeliveryAck:
		h.handleBareDeliveryOrReceipt(routed, true)
	case protocol.MessageTypeReadReceipt:
		h.handleBareDeliveryOrReceipt(routed, false)
	}
}

// directSend hands a freshly originated (non-relay) packet to the
// Connection Manager: there is no arrival device to exclude.
func (h *Handler) directSend(p *protocol.Packet) {
	h.send(p, "")
}

// flushDirect adapts directSend to store.Forward.Flush's callback shape;
// flushed packets are fresh unicast sends, not relays of something that
// arrived over a link.
func (h *Handler) flushDirect(peerID protocol.PeerID) {
	go h.forward.Flush(peerID, h.directSend)
}

func (h *Handler) relayAsync(routed *protocol.RoutedPacket) {
	go h.relay.Relay(routed.Packet, routed.DeviceAddress, h.send)
}

func (h *Handler) handleAnnounce(routed *protocol.RoutedPacket) {
	p := routed.Packet
	nickname := string(p.Payload)
	firstAnnounce := h.peers.Touch(p.SenderID, nickname)
	if firstAnnounce && h.upcalls != nil {
		h.upcalls.OnPeerConnected(nickname)
	}
	h.flushDirect(p.SenderID)
	h.relayAsync(routed)
}

func (h *Handler) handleLeave(routed *protocol.RoutedPacket) {
	p := routed.Packet
	payload := string(p.Payload)
	if strings.HasPrefix(payload, "#") {
		if h.upcalls != nil {
			h.upcalls.OnChannelLeave(payload)
		}
		h.relayAsync(routed)
		return
	}

	rec, _ := h.peers.Get(p.SenderID)
	h.peers.Remove(p.SenderID)
	if h.upcalls != nil {
		h.upcalls.OnPeerDisconnected(rec.Nickname)
	}
	h.relayAsync(routed)
}

func (h *Handler) handleMessage(routed *protocol.RoutedPacket) {
	p := routed.Packet
	if p.IsBroadcast() {
		msg, err := protocol.DecodeMessage(p.Payload)
		if err != nil {
			return
		}
		// Local clock stamps the display timestamp so the UI never
		// shows a skewed sender clock.
		p.Timestamp = protocol.NowMillisForDisplay()
		if h.upcalls != nil {
			h.upcalls.OnMessage(msg, p.SenderID)
		}
		h.relayAsync(routed)
		return
	}

	if p.AddressedTo(h.self) {
		msg, err := protocol.DecodeMessage(p.Payload)
		if err == nil && h.upcalls != nil {
			h.upcalls.OnMessage(msg, p.SenderID)
		}
		h.sendDeliveryAck(p)
		return
	}

	// Unicast to someone else: relay only.
	h.relayAsync(routed)
}

func (h *Handler) sendDeliveryAck(p *protocol.Packet) {
	ack := NewUnicastEnvelope(protocol.MessageTypeDeliveryAck, h.self, p.SenderID, []byte(messageIDOf(p)))
	marked := append([]byte{byte(protocol.MessageTypeDeliveryAck)}, ack.Payload...)
	if ct, err := h.security.EncryptFor(p.SenderID, marked); err == nil {
		ack.Type = protocol.MessageTypeNoiseEncrypted
		ack.Payload = ct
	}
	h.directSend(ack)
}

func (h *Handler) handleHandshake(routed *protocol.RoutedPacket) {
	p := routed.Packet
	reply, established, err := h.security.HandleHandshake(p.SenderID, p.Payload)
	if err != nil {
		return
	}
	if reply != nil {
		h.directSend(protocol.NewUnicastPacket(protocol.MessageTypeNoiseHandshakeResp, h.self, p.SenderID, reply, protocol.DirectOnlyTTL))
	}
	if established {
		h.onSessionEstablished(p.SenderID)
	}
}

// handleHandshakeRequest answers a nudge from a peer that failed to
// encrypt_for us with no session established (spec.md §4.6/§7, scenario
// S3): the asymmetric-initiator recovery path. The request itself
// carries no handshake material — it only says "I want a session." The
// lexicographic tiebreak still decides who actually drives the XX
// exchange, so only the side that would have initiated anyway responds;
// otherwise the requester's own next request (or its existing
// initiator role) completes it.
func (h *Handler) handleHandshakeRequest(routed *protocol.RoutedPacket) {
	p := routed.Packet
	if !p.AddressedTo(h.self) {
		h.relayAsync(routed)
		return
	}
	if h.security.SessionState(p.SenderID) != noise.StateIdle {
		return
	}
	if !noise.ShouldInitiate(h.self, p.SenderID) {
		return
	}
	msg, err := h.security.InitiateHandshake(p.SenderID)
	if err != nil {
		return
	}
	h.directSend(protocol.NewUnicastPacket(protocol.MessageTypeNoiseHandshakeInit, h.self, p.SenderID, msg, protocol.DirectOnlyTTL))
}

// onSessionEstablished runs the spec.md §4.4/§4.7 side effects of a
// freshly Established session: send our ANNOUNCE, then flush anything
// queued in store-and-forward for this peer.
func (h *Handler) onSessionEstablished(peerID protocol.PeerID) {
	name := ""
	if h.nickname != nil {
		name = h.nickname()
	}
	announce := protocol.NewUnicastPacket(protocol.MessageTypeAnnounce, h.self, peerID, []byte(name), protocol.AnnounceTTL)
	h.directSend(announce)
	h.peers.MarkAnnouncedTo(peerID)
	h.flushDirect(peerID)
}

func (h *Handler) handleEncrypted(routed *protocol.RoutedPacket) {
	p := routed.Packet
	plaintext, err := h.security.DecryptFrom(p.SenderID, p.Payload)
	if err != nil {
		return
	}

	if inner, decodeErr := protocol.Decode(plaintext); decodeErr == nil {
		h.reinject.Ingest(&protocol.RoutedPacket{
			Packet:          inner,
			ImmediateSender: routed.ImmediateSender,
			DeviceAddress:   routed.DeviceAddress,
		})
		return
	}

	if len(plaintext) < 1 {
		return
	}
	innerType := protocol.MessageType(plaintext[0])
	messageID := string(plaintext[1:])
	switch innerType {
	case protocol.MessageTypeDeliveryAck:
		if h.upcalls != nil {
			h.upcalls.OnDeliveryAck(messageID, p.SenderID)
		}
	case protocol.MessageTypeReadReceipt:
		if h.upcalls != nil {
			h.upcalls.OnReadReceipt(messageID, p.SenderID)
		}
	}
}

func (h *Handler) handleIdentityAnnounce(routed *protocol.RoutedPacket) {
	p := routed.Packet
	announce, err := protocol.DecodeIdentityAnnouncement(p.Payload)
	if err != nil || !noise.VerifyIdentityAnnouncement(announce) {
		return
	}

	fp := protocol.NewFingerprint(announce.StaticPubKey)
	h.peers.Touch(announce.PeerID, announce.Nickname)
	h.peers.BindFingerprint(announce.PeerID, fp)

	if announce.PreviousPeerID != nil {
		h.peers.Rotate(*announce.PreviousPeerID, announce.PeerID, announce.Nickname)
		h.security.RebindPeer(*announce.PreviousPeerID, announce.PeerID)
	}

	if h.security.SessionState(announce.PeerID) == noise.StateIdle && noise.ShouldInitiate(h.self, announce.PeerID) {
		if msg, err := h.security.InitiateHandshake(announce.PeerID); err == nil {
			h.directSend(protocol.NewUnicastPacket(protocol.MessageTypeNoiseHandshakeInit, h.self, announce.PeerID, msg, protocol.DirectOnlyTTL))
		}
	}

	h.relayAsync(routed)
}

func (h *Handler) handleFragment(routed *protocol.RoutedPacket) {
	p := routed.Packet
	// Fragments are always relayed, independent of local reassembly
	// progress, so a relay-only overhearer still propagates coverage.
	h.relayAsync(routed)

	fragment, err := protocol.DecodeFragmentPayload(p.Payload)
	if err != nil {
		return
	}
	data, _, ok := h.fragments.HandleFragment(fragment)
	if !ok {
		return
	}
	inner, err := protocol.Decode(data)
	if err != nil {
		return
	}
	h.reinject.Ingest(&protocol.RoutedPacket{
		Packet:          inner,
		ImmediateSender: routed.ImmediateSender,
		DeviceAddress:   routed.DeviceAddress,
	})
}

func (h *Handler) handleBareDeliveryOrReceipt(routed *protocol.RoutedPacket, isAck bool) {
	p := routed.Packet
	if !p.AddressedTo(h.self) {
		return
	}
	plaintext := p.Payload
	if pt, err := h.security.DecryptFrom(p.SenderID, p.Payload); err == nil {
		plaintext = pt
	}
	if h.upcalls == nil {
		return
	}
	if isAck {
		h.upcalls.OnDeliveryAck(string(plaintext), p.SenderID)
	} else {
		h.upcalls.OnReadReceipt(string(plaintext), p.SenderID)
	}
}

func messageIDOf(p *protocol.Packet) string {
	msg, err := protocol.DecodeMessage(p.Payload)
	if err != nil {
		return ""
	}
	return msg.MessageID
}

// NewUnicastEnvelope builds a plaintext MESSAGE-family packet destined
// to be wrapped (or sent bare, on the legacy path) by the caller.
func NewUnicastEnvelope(msgType protocol.MessageType, self, recipient protocol.PeerID, payload []byte) *protocol.Packet {
	return protocol.NewUnicastPacket(msgType, self, recipient, payload, protocol.DirectOnlyTTL)
}
