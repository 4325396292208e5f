package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/permissionlesstech/bitchat-mesh/internal/bluetooth"
	"github.com/permissionlesstech/bitchat-mesh/internal/config"
	"github.com/permissionlesstech/bitchat-mesh/internal/handler"
	"github.com/permissionlesstech/bitchat-mesh/internal/noise"
	"github.com/permissionlesstech/bitchat-mesh/internal/peer"
	"github.com/permissionlesstech/bitchat-mesh/internal/processor"
	"github.com/permissionlesstech/bitchat-mesh/internal/protocol"
	"github.com/permissionlesstech/bitchat-mesh/internal/relay"
	"github.com/permissionlesstech/bitchat-mesh/internal/store"
	"github.com/permissionlesstech/bitchat-mesh/pkg/utils"
)

const appVersion = "0.2.0"

// announceInterval is how often we re-broadcast our own ANNOUNCE so
// peers who missed the first one (or evicted us as stale) pick us back
// up, generalizing the teacher's one-shot startup announce.
const announceInterval = 30 * time.Second

type appOptions struct {
	nickname       string
	dataDir        string
	maxConnections int
	debug          bool
}

// appState is the REPL's local view of the network: message history,
// favorite peers (eligible for the store-and-forward pool that never
// expires by age) and
// the blocklist, mirroring the teacher's terminal client shape. It
// implements both handler.Upcalls and peer.Events since both upcall
// sets are event-sink-only.
type appState struct {
	opts *appOptions
	self protocol.PeerID

	peers    *peer.Manager
	security *noise.Manager
	forward  *store.Forward
	cfg      *config.MeshConfig
	keysDir  string

	mu             sync.Mutex
	currentChannel string
	favorites      map[string]bool // nickname -> favorite
	blocked        map[string]bool // nickname -> blocked
	history        map[string][]string

	send func(p *protocol.Packet, relayAddress string)
}

func (a *appState) OnPeerConnected(nickname string) {
	fmt.Printf("* %s connected\n", nickname)
}

func (a *appState) OnPeerDisconnected(nickname string) {
	fmt.Printf("* %s disconnected\n", nickname)
}

func (a *appState) OnChannelLeave(channel string) {
	fmt.Printf("* peer left %s\n", channel)
}

func (a *appState) OnMessage(msg *protocol.BitchatMessage, from protocol.PeerID) {
	if a.isBlocked(msg.SenderNickname) {
		return
	}
	line := fmt.Sprintf("[%s] %s: %s", from.String()[:8], msg.SenderNickname, msg.Content)
	a.mu.Lock()
	key := msg.Channel
	if key == "" {
		key = "broadcast"
	}
	a.history[key] = append(a.history[key], line)
	a.mu.Unlock()
	fmt.Println(line)
}

func (a *appState) OnDeliveryAck(messageID string, from protocol.PeerID) {
	if a.opts.debug {
		fmt.Printf("* delivery ack %s from %s\n", messageID, from.String()[:8])
	}
}

func (a *appState) OnReadReceipt(messageID string, from protocol.PeerID) {
	if a.opts.debug {
		fmt.Printf("* read receipt %s from %s\n", messageID, from.String()[:8])
	}
}

func (a *appState) isFavorite(id protocol.PeerID) bool {
	rec, ok := a.peers.Get(id)
	if !ok {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.favorites[rec.Nickname]
}

func (a *appState) isBlocked(nickname string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocked[nickname]
}

// eventsAdapter forwards bluetooth.Events to the Packet Processor,
// breaking the construction cycle between ConnectionManager (built
// last, once a radio exists) and Processor (built first, so Handler
// can reference it as a Reinjector).
type eventsAdapter struct{ proc *processor.Processor }

func (e *eventsAdapter) OnDeviceConnected(string)    {}
func (e *eventsAdapter) OnDeviceDisconnected(string) {}
func (e *eventsAdapter) OnPacketReceived(routed *protocol.RoutedPacket) {
	e.proc.Ingest(routed)
}

type reinjectAdapter struct{ proc *processor.Processor }

func (r *reinjectAdapter) Ingest(routed *protocol.RoutedPacket) { r.proc.Ingest(routed) }

type sendAdapter struct{ cm *bluetooth.ConnectionManager }

func (s *sendAdapter) Send(p *protocol.Packet, relayAddress string) { s.cm.Send(p, relayAddress) }

func main() {
	opts := &appOptions{}
	flag.StringVar(&opts.nickname, "name", "", "nickname to announce (random if unset)")
	flag.StringVar(&opts.dataDir, "data", "", "directory for persisted identity keys (default ~/.bitchat)")
	flag.IntVar(&opts.maxConnections, "max-connections", 8, "maximum simultaneous BLE links")
	flag.BoolVar(&opts.debug, "debug", false, "print delivery acks and read receipts")
	flag.Parse()

	if opts.dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println("error resolving home directory:", err)
			os.Exit(1)
		}
		opts.dataDir = filepath.Join(home, ".bitchat")
	}
	if err := os.MkdirAll(opts.dataDir, 0700); err != nil {
		fmt.Println("error creating data directory:", err)
		os.Exit(1)
	}
	if opts.nickname == "" {
		opts.nickname = fmt.Sprintf("user-%x", utils.GenerateRandomID(4))
	}

	if opts.debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.WithFields(logrus.Fields{"component": "main", "nickname": opts.nickname}).Info("starting bitchat")

	keysDir := filepath.Join(opts.dataDir, "keys")
	identity, err := noise.LoadOrCreateIdentity(noise.IdentityConfig{KeysDir: keysDir})
	if err != nil {
		fmt.Println("error loading identity:", err)
		os.Exit(1)
	}

	self := protocol.NewPeerID()
	cfg := config.DefaultMeshConfig()

	state := &appState{
		opts:      opts,
		self:      self,
		cfg:       cfg,
		keysDir:   keysDir,
		favorites: make(map[string]bool),
		blocked:   make(map[string]bool),
		history:   make(map[string][]string),
	}

	peers := peer.NewManager(state)
	state.peers = peers

	security := noise.NewManager(identity)
	state.security = security

	forward := store.NewForward(state.isFavorite)
	state.forward = forward

	relayMgr := relay.NewManager(cfg, peers, self)

	reinject := &reinjectAdapter{}
	sender := &sendAdapter{}

	h := handler.NewHandler(handler.Deps{
		Self:      self,
		Nickname:  func() string { return opts.nickname },
		Peers:     peers,
		Security:  security,
		Forward:   forward,
		Relay:     relayMgr,
		Fragments: protocol.NewFragmentManager(),
		Upcalls:   state,
		Reinject:  reinject,
		Send:      sender.Send,
	})

	proc := processor.NewProcessor(security, h, peers)
	reinject.proc = proc

	radio, err := newRadio()
	if err != nil {
		fmt.Println("error initializing radio:", err)
		os.Exit(1)
	}

	cm := bluetooth.NewConnectionManager(radio, &eventsAdapter{proc: proc}, opts.maxConnections)
	sender.cm = cm
	state.send = sender.Send

	if err := cm.Start(); err != nil {
		fmt.Println("error starting connection manager:", err)
		os.Exit(1)
	}

	announce := func() {
		pkt := protocol.NewBroadcastPacket(protocol.MessageTypeAnnounce, self, []byte(opts.nickname), cfg.AnnounceTTL)
		sender.Send(pkt, "")
		idAnnounce := security.BuildIdentityAnnouncement(self, opts.nickname, nil)
		payload := protocol.EncodeIdentityAnnouncement(idAnnounce)
		sender.Send(protocol.NewBroadcastPacket(protocol.MessageTypeNoiseIdentityAnnounce, self, payload, cfg.AnnounceTTL), "")
	}
	announce()

	announceTicker := time.NewTicker(announceInterval)
	stopAnnounce := make(chan struct{})
	go func() {
		for {
			select {
			case <-announceTicker.C:
				announce()
			case <-stopAnnounce:
				return
			}
		}
	}()

	fmt.Println("bitchat", appVersion)
	fmt.Println("nickname:", opts.nickname)
	fmt.Println("peer id:", self.String())
	fmt.Println("data directory:", opts.dataDir)
	fmt.Println("type /help for commands")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go inputLoop(state)

	<-sigChan
	fmt.Println("\nshutting down...")
	logrus.WithField("component", "main").Info("shutting down")

	announceTicker.Stop()
	close(stopAnnounce)
	cm.Stop()
	proc.Stop()
	peers.Stop()
	security.Stop()

	logrus.WithField("component", "main").Info("bitchat stopped")
	fmt.Println("bitchat stopped")
}

func inputLoop(state *appState) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		processInput(strings.TrimSpace(scanner.Text()), state)
	}
}

func processInput(input string, state *appState) {
	if input == "" {
		return
	}
	if strings.HasPrefix(input, "/") {
		parts := strings.SplitN(input, " ", 2)
		args := ""
		if len(parts) > 1 {
			args = parts[1]
		}
		processCommand(parts[0], args, state)
		return
	}

	state.mu.Lock()
	channel := state.currentChannel
	state.mu.Unlock()
	if channel == "" {
		fmt.Println("you are not in a channel; use /j #channel first")
		return
	}
	sendChannelMessage(state, channel, input)
}

func sendChannelMessage(state *appState, channel, content string) {
	msg := &protocol.BitchatMessage{
		SenderNickname: state.opts.nickname,
		Content:        content,
		Channel:        channel,
		MessageID:      fmt.Sprintf("%x", utils.GenerateRandomID(8)),
	}
	pkt := protocol.NewBroadcastPacket(protocol.MessageTypeMessage, state.self, protocol.EncodeMessage(msg), state.cfg.MaxTTL)
	state.send(pkt, "")
}

// sendPrivateMessage encrypts content for recipient. When no session is
// established yet, the packet is queued in store-and-forward and a
// HANDSHAKE_REQUEST is sent unconditionally (spec.md §4.6/§7, scenario
// S3): whichever side actually wants to talk asks, and the lexicographic
// tiebreak (handled on the receiving side, see handler.handleHandshakeRequest)
// decides who drives the XX exchange. This recovers the case where we
// lose the tiebreak and would otherwise never nudge the peer to start.
func sendPrivateMessage(state *appState, recipient protocol.PeerID, content string) {
	msg := &protocol.BitchatMessage{
		SenderNickname: state.opts.nickname,
		Content:        content,
		IsPrivate:      true,
		MessageID:      fmt.Sprintf("%x", utils.GenerateRandomID(8)),
	}
	payload := protocol.EncodeMessage(msg)
	pkt := protocol.NewUnicastPacket(protocol.MessageTypeMessage, state.self, recipient, payload, state.cfg.DirectOnlyTTL)

	inner, _ := protocol.Encode(pkt)
	ciphertext, err := state.security.EncryptFor(recipient, inner)
	if err != nil {
		state.forward.Cache(recipient, pkt)
		req := protocol.NewUnicastPacket(protocol.MessageTypeHandshakeRequest, state.self, recipient, nil, state.cfg.DirectOnlyTTL)
		state.send(req, "")
		fmt.Println("* no session yet; message queued for delivery once the handshake completes")
		return
	}

	pkt.Type = protocol.MessageTypeNoiseEncrypted
	pkt.Payload = ciphertext
	state.send(pkt, "")
}

// panicClear implements the host-invoked clear_all() panic-mode operation
// (spec.md §6/§9): wipe every Noise session and both dedup sets, every
// peer record and fingerprint, both store-and-forward caches, delete the
// on-disk identity keys, and regenerate a fresh identity, leaving the
// node in the state it would be in freshly after start() — except for
// self, which keeps its PeerID (rotation of that is the separate
// NOISE_IDENTITY_ANNOUNCE previousPeerID path, not panic mode).
func panicClear(state *appState) error {
	state.security.ClearAll()
	state.peers.ClearAll()
	state.forward.ClearAll()

	if err := noise.DeletePersistedIdentity(state.keysDir); err != nil {
		return err
	}
	identity, err := noise.LoadOrCreateIdentity(noise.IdentityConfig{KeysDir: state.keysDir})
	if err != nil {
		return err
	}
	state.security.ResetIdentity(identity)

	state.mu.Lock()
	state.currentChannel = ""
	state.favorites = make(map[string]bool)
	state.blocked = make(map[string]bool)
	state.history = make(map[string][]string)
	state.mu.Unlock()
	return nil
}

func findPeerByNickname(state *appState, nickname string) (protocol.PeerID, bool) {
	for _, id := range state.peers.AllPeerIDs() {
		if rec, ok := state.peers.Get(id); ok && rec.Nickname == nickname {
			return id, true
		}
	}
	return protocol.PeerID{}, false
}

func processCommand(command, args string, state *appState) {
	switch command {
	case "/j", "/join":
		if !strings.HasPrefix(args, "#") {
			fmt.Println("usage: /j #channel")
			return
		}
		state.mu.Lock()
		state.currentChannel = args
		history := append([]string(nil), state.history[args]...)
		state.mu.Unlock()
		fmt.Printf("joined %s\n", args)
		for _, line := range history {
			fmt.Println(line)
		}

	case "/leave":
		state.mu.Lock()
		channel := state.currentChannel
		state.currentChannel = ""
		state.mu.Unlock()
		if channel == "" {
			fmt.Println("you are not in a channel")
			return
		}
		state.send(protocol.NewBroadcastPacket(protocol.MessageTypeLeave, state.self, []byte(channel), state.cfg.AnnounceTTL), "")
		fmt.Printf("left %s\n", channel)

	case "/m", "/msg":
		parts := strings.SplitN(args, " ", 2)
		if len(parts) < 2 || !strings.HasPrefix(parts[0], "@") {
			fmt.Println("usage: /m @nickname message")
			return
		}
		nickname, content := parts[0][1:], parts[1]
		id, ok := findPeerByNickname(state, nickname)
		if !ok {
			fmt.Printf("no such peer: %s\n", nickname)
			return
		}
		sendPrivateMessage(state, id, content)
		fmt.Printf("[private to %s]: %s\n", nickname, content)

	case "/w", "/who":
		ids := state.peers.AllPeerIDs()
		if len(ids) == 0 {
			fmt.Println("no peers visible")
			return
		}
		for _, id := range ids {
			if rec, ok := state.peers.Get(id); ok {
				fmt.Printf("  %s (%s)\n", rec.Nickname, id.String()[:8])
			}
		}

	case "/fav":
		if args == "" {
			fmt.Println("usage: /fav @nickname")
			return
		}
		nickname := strings.TrimPrefix(args, "@")
		state.mu.Lock()
		state.favorites[nickname] = true
		state.mu.Unlock()
		fmt.Printf("%s added to favorites\n", nickname)

	case "/unfav":
		nickname := strings.TrimPrefix(args, "@")
		state.mu.Lock()
		delete(state.favorites, nickname)
		state.mu.Unlock()
		fmt.Printf("%s removed from favorites\n", nickname)

	case "/block":
		if args == "" {
			state.mu.Lock()
			blocked := make([]string, 0, len(state.blocked))
			for n := range state.blocked {
				blocked = append(blocked, n)
			}
			state.mu.Unlock()
			if len(blocked) == 0 {
				fmt.Println("no blocked peers")
				return
			}
			for _, n := range blocked {
				fmt.Printf("  %s\n", n)
			}
			return
		}
		nickname := strings.TrimPrefix(args, "@")
		state.mu.Lock()
		state.blocked[nickname] = true
		state.mu.Unlock()
		fmt.Printf("blocked %s\n", nickname)

	case "/unblock":
		nickname := strings.TrimPrefix(args, "@")
		state.mu.Lock()
		delete(state.blocked, nickname)
		state.mu.Unlock()
		fmt.Printf("unblocked %s\n", nickname)

	case "/clear":
		state.mu.Lock()
		channel := state.currentChannel
		if channel != "" {
			delete(state.history, channel)
		}
		state.mu.Unlock()
		if channel == "" {
			fmt.Println("you are not in a channel")
			return
		}
		fmt.Printf("cleared history for %s\n", channel)

	case "/panic":
		if err := panicClear(state); err != nil {
			fmt.Println("error during panic clear:", err)
			return
		}
		fmt.Println("* panic: all sessions, peers, caches and identity keys wiped")

	case "/help":
		fmt.Println("commands:")
		fmt.Println("  /j #channel          join or switch to a channel")
		fmt.Println("  /leave               leave the current channel")
		fmt.Println("  /m @nick message     send a private message")
		fmt.Println("  /w                   list visible peers")
		fmt.Println("  /fav @nick           mark a peer as favorite (store-and-forward without expiry)")
		fmt.Println("  /unfav @nick         unmark a favorite peer")
		fmt.Println("  /block [@nick]       block a peer, or list blocked peers")
		fmt.Println("  /unblock @nick       unblock a peer")
		fmt.Println("  /clear               clear the current channel's local history")
		fmt.Println("  /panic               wipe all sessions, peers, caches and identity keys")
		fmt.Println("  /help                show this help")
		fmt.Println("  /quit                exit")

	case "/quit", "/exit":
		fmt.Println("bye")
		os.Exit(0)

	default:
		fmt.Printf("unknown command: %s (try /help)\n", command)
	}
}
