package noise

import (
	"errors"
	"sync"
	"time"

	"github.com/flynn/noise"
)

// SessionState mirrors the state machine mandated for the Security
// Manager: a single Noise XX session per remote peer.
type SessionState int

const (
	StateIdle SessionState = iota
	StateHandshakingInitiator
	StateHandshakingResponder
	StateEstablished
	StateRekeying
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshakingInitiator:
		return "handshaking_initiator"
	case StateHandshakingResponder:
		return "handshaking_responder"
	case StateEstablished:
		return "established"
	case StateRekeying:
		return "rekeying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// handshake wire steps. Two message types carry three Noise messages:
// HANDSHAKE_INIT always carries step 1; HANDSHAKE_RESP carries steps 2
// and 3, disambiguated by this leading byte, since spec.md names three
// steps but only two wire message tags.
const (
	stepInit     = 1
	stepResponse = 2
	stepFinal    = 3
)

var (
	ErrSessionNotEstablished = errors.New("noise: session not established")
	ErrHandshakeFailed       = errors.New("noise: handshake failed")
	ErrWrongState            = errors.New("noise: handshake message received in wrong state")
	ErrRekeyNotDue           = errors.New("noise: rekey not due")
)

// RekeyMessageThreshold and RekeyAge bound how long a single Noise
// session's keys are used before a fresh handshake is forced; spec.md
// leaves the exact trigger implementation-defined with "a safe upper
// bound" of 2^32 messages or 24h.
const (
	RekeyMessageThreshold uint64 = 1 << 32
	RekeyAge                     = 24 * time.Hour
)

// Session is one peer's Noise XX state machine: handshake progress,
// established transport cipher states, and the failure backoff clock.
type Session struct {
	mu sync.Mutex

	state SessionState
	hs    *noise.HandshakeState

	encryptor *noise.CipherState
	decryptor *noise.CipherState

	remoteStatic []byte // set once the peer's static key is known

	establishedAt time.Time
	messagesSent  uint64

	failedAt     time.Time
	failureCount int
}

func newSession() *Session { return &Session{state: StateIdle} }

// State returns the current state under lock.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteStatic returns the peer's Noise static public key once known.
func (s *Session) RemoteStatic() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteStatic
}

// InitiateHandshake starts the XX exchange as initiator, producing the
// first wire message (step 1, sent as NOISE_HANDSHAKE_INIT).
func (s *Session) InitiateHandshake(identity *Identity) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle && s.state != StateFailed {
		return nil, ErrWrongState
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: identity.Static,
	})
	if err != nil {
		return nil, err
	}
	s.hs = hs

	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		s.fail()
		return nil, err
	}
	s.state = StateHandshakingInitiator

	return encodeStep(stepInit, msg), nil
}

// HandleHandshakeMessage advances the state machine on an inbound
// handshake payload (step-prefixed). It returns a non-nil reply when the
// protocol requires one (step 1 -> step 2 reply), and completed=true
// once this session reaches Established.
func (s *Session) HandleHandshakeMessage(identity *Identity, payload []byte) (reply []byte, completed bool, err error) {
	step, body, err := decodeStep(payload)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch step {
	case stepInit:
		if s.state != StateIdle && s.state != StateFailed {
			return nil, false, ErrWrongState
		}
		hs, err := noise.NewHandshakeState(noise.Config{
			CipherSuite:   cipherSuite,
			Pattern:       noise.HandshakeXX,
			Initiator:     false,
			StaticKeypair: identity.Static,
		})
		if err != nil {
			return nil, false, err
		}
		s.hs = hs
		s.state = StateHandshakingResponder

		if _, _, _, err := hs.ReadMessage(nil, body); err != nil {
			s.failLocked()
			return nil, false, ErrHandshakeFailed
		}

		msg, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			s.failLocked()
			return nil, false, err
		}
		return encodeStep(stepResponse, msg), false, nil

	case stepResponse:
		if s.state != StateHandshakingInitiator {
			return nil, false, ErrWrongState
		}
		if _, _, _, err := s.hs.ReadMessage(nil, body); err != nil {
			s.failLocked()
			return nil, false, ErrHandshakeFailed
		}

		msg, cs1, cs2, err := s.hs.WriteMessage(nil, nil)
		if err != nil {
			s.failLocked()
			return nil, false, err
		}
		s.remoteStatic = append([]byte(nil), s.hs.PeerStatic()...)
		s.encryptor, s.decryptor = cs1, cs2
		s.establishedAt = time.Now()
		s.state = StateEstablished

		return encodeStep(stepFinal, msg), true, nil

	case stepFinal:
		if s.state != StateHandshakingResponder {
			return nil, false, ErrWrongState
		}
		_, cs1, cs2, err := s.hs.ReadMessage(nil, body)
		if err != nil {
			s.failLocked()
			return nil, false, ErrHandshakeFailed
		}
		s.remoteStatic = append([]byte(nil), s.hs.PeerStatic()...)
		s.encryptor, s.decryptor = cs2, cs1
		s.establishedAt = time.Now()
		s.state = StateEstablished

		return nil, true, nil

	default:
		return nil, false, ErrHandshakeFailed
	}
}

func (s *Session) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked()
}

func (s *Session) failLocked() {
	s.state = StateFailed
	s.failedAt = time.Now()
	s.failureCount++
	s.hs = nil
}

// RetryBackoff returns how long to wait before a Failed session may be
// retried, growing exponentially with consecutive failures.
func (s *Session) RetryBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	backoff := time.Second << uint(s.failureCount)
	if backoff > time.Minute {
		backoff = time.Minute
	}
	return backoff
}

// ReadyForRetry reports whether a Failed session's backoff has elapsed.
func (s *Session) ReadyForRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateFailed {
		return false
	}
	return time.Since(s.failedAt) >= s.retryBackoffLocked()
}

func (s *Session) retryBackoffLocked() time.Duration {
	backoff := time.Second << uint(s.failureCount)
	if backoff > time.Minute {
		backoff = time.Minute
	}
	return backoff
}

// Encrypt wraps plaintext for this peer. Returns ErrSessionNotEstablished
// if no session exists yet, matching the encrypt_for contract in spec.md
// §4.6.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished && s.state != StateRekeying {
		return nil, ErrSessionNotEstablished
	}
	ct := s.encryptor.Encrypt(nil, nil, plaintext)
	s.messagesSent++
	return ct, nil
}

func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished && s.state != StateRekeying {
		return nil, ErrSessionNotEstablished
	}
	return s.decryptor.Decrypt(nil, nil, ciphertext)
}

// DueForRekey reports whether the message-count or age threshold has
// been crossed.
func (s *Session) DueForRekey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return false
	}
	return s.messagesSent >= RekeyMessageThreshold || time.Since(s.establishedAt) >= RekeyAge
}

// BeginRekey transitions Established -> Rekeying. No method of Session
// leaves Rekeying; Encrypt and Decrypt keep using the existing keys in
// that state.
func (s *Session) BeginRekey() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return ErrRekeyNotDue
	}
	s.state = StateRekeying
	return nil
}

func encodeStep(step byte, msg []byte) []byte {
	out := make([]byte, 1+len(msg))
	out[0] = step
	copy(out[1:], msg)
	return out
}

func decodeStep(payload []byte) (byte, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, ErrHandshakeFailed
	}
	return payload[0], payload[1:], nil
}
