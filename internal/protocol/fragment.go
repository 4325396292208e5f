package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// FragmentPayload is the body of every FRAGMENT_* packet:
//
//	fragmentID(8) index(2 BE) total(2 BE) originalType(1) chunk(N)
type FragmentPayload struct {
	FragmentID   [8]byte
	Index        uint16
	Total        uint16
	OriginalType MessageType
	Chunk        []byte
}

func EncodeFragmentPayload(f *FragmentPayload) []byte {
	buf := make([]byte, 8+2+2+1+len(f.Chunk))
	copy(buf[0:8], f.FragmentID[:])
	binary.BigEndian.PutUint16(buf[8:10], f.Index)
	binary.BigEndian.PutUint16(buf[10:12], f.Total)
	buf[12] = byte(f.OriginalType)
	copy(buf[13:], f.Chunk)
	return buf
}

func DecodeFragmentPayload(data []byte) (*FragmentPayload, error) {
	if len(data) < 13 {
		return nil, ErrFragmentTooShort
	}
	f := &FragmentPayload{}
	copy(f.FragmentID[:], data[0:8])
	f.Index = binary.BigEndian.Uint16(data[8:10])
	f.Total = binary.BigEndian.Uint16(data[10:12])
	f.OriginalType = MessageType(data[12])
	f.Chunk = append([]byte(nil), data[13:]...)
	return f, nil
}

type assemblyEntry struct {
	originalType MessageType
	total        int
	received     map[uint16][]byte
	firstSeen    time.Time
}

// FragmentManager splits outbound packets whose encoded size exceeds
// MaxFragmentSize and reassembles inbound fragment sequences.
type FragmentManager struct {
	mu      sync.Mutex
	entries map[[8]byte]*assemblyEntry
}

func NewFragmentManager() *FragmentManager {
	return &FragmentManager{entries: make(map[[8]byte]*assemblyEntry)}
}

// CreateFragments splits an already-encoded packet into FRAGMENT_START,
// FRAGMENT_CONTINUE... FRAGMENT_END packets, each carrying the same random
// fragmentID. Only called by the caller once it has confirmed the encoded
// size exceeds MaxFragmentSize.
func (fm *FragmentManager) CreateFragments(originalType MessageType, sender PeerID, encoded []byte) []*Packet {
	var fragmentID [8]byte
	rand.Read(fragmentID[:])

	chunkSize := MaxFragmentSize - 13 // fragment payload header overhead
	if chunkSize <= 0 {
		chunkSize = 1
	}

	var chunks [][]byte
	for off := 0; off < len(encoded); off += chunkSize {
		end := off + chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		chunks = append(chunks, encoded[off:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}

	total := uint16(len(chunks))
	packets := make([]*Packet, total)
	for i, chunk := range chunks {
		fragType := MessageTypeFragmentContinue
		switch {
		case i == 0:
			fragType = MessageTypeFragmentStart
		case i == len(chunks)-1:
			fragType = MessageTypeFragmentEnd
		}

		payload := EncodeFragmentPayload(&FragmentPayload{
			FragmentID:   fragmentID,
			Index:        uint16(i),
			Total:        total,
			OriginalType: originalType,
			Chunk:        chunk,
		})

		packets[i] = NewBroadcastPacket(fragType, sender, payload, MaxTTL)
	}
	return packets
}

// HandleFragment inserts a fragment into its assembly entry and, once
// every index has arrived, reconstructs and returns the inner encoded
// packet bytes plus its original type. Returns ok=false while the set
// remains incomplete. Garbage-collects entries older than
// FragmentAssemblyTimeout on every call.
func (fm *FragmentManager) HandleFragment(f *FragmentPayload) (data []byte, originalType MessageType, ok bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	fm.gcLocked()

	entry, exists := fm.entries[f.FragmentID]
	if !exists {
		entry = &assemblyEntry{
			originalType: f.OriginalType,
			total:        int(f.Total),
			received:     make(map[uint16][]byte),
			firstSeen:    time.Now(),
		}
		fm.entries[f.FragmentID] = entry
	}
	entry.received[f.Index] = f.Chunk

	if len(entry.received) != entry.total {
		return nil, 0, false
	}

	out := make([]byte, 0)
	for i := uint16(0); i < uint16(entry.total); i++ {
		chunk, have := entry.received[i]
		if !have {
			return nil, 0, false
		}
		out = append(out, chunk...)
	}

	delete(fm.entries, f.FragmentID)
	return out, entry.originalType, true
}

func (fm *FragmentManager) gcLocked() {
	cutoff := time.Now().Add(-FragmentAssemblyTimeout)
	for id, e := range fm.entries {
		if e.firstSeen.Before(cutoff) {
			delete(fm.entries, id)
		}
	}
}
