package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"strconv"
)

const identityFlagHasPrevious = 1 << 0

// NoiseIdentityAnnouncement binds a PeerID to its Noise static public key
// and Ed25519 signing key, signed so neighbors can trust the binding
// without having completed a handshake yet. PreviousPeerID is set only
// when this announcement follows a PeerID rotation.
type NoiseIdentityAnnouncement struct {
	PeerID         PeerID
	StaticPubKey   []byte
	SigningPubKey  []byte
	Nickname       string
	Timestamp      uint64 // ms since epoch
	PreviousPeerID *PeerID
	Signature      []byte
}

// SignedPreimage returns utf8(peerID) || staticPubKey || utf8(decimalMillis(timestamp)),
// the exact byte sequence the Ed25519 signature covers. Decimal (not
// binary) millis is surprising but required for cross-implementation
// compatibility and must not be "fixed".
func (a *NoiseIdentityAnnouncement) SignedPreimage() []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(a.PeerID.String())
	buf.Write(a.StaticPubKey)
	buf.WriteString(strconv.FormatUint(a.Timestamp, 10))
	return buf.Bytes()
}

func EncodeIdentityAnnouncement(a *NoiseIdentityAnnouncement) []byte {
	var flags uint8
	if a.PreviousPeerID != nil {
		flags |= identityFlagHasPrevious
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(flags)
	buf.Write(a.PeerID[:])

	binary.Write(buf, binary.BigEndian, uint16(len(a.StaticPubKey)))
	buf.Write(a.StaticPubKey)

	binary.Write(buf, binary.BigEndian, uint16(len(a.SigningPubKey)))
	buf.Write(a.SigningPubKey)

	writeString16(buf, a.Nickname)

	binary.Write(buf, binary.BigEndian, a.Timestamp)

	if flags&identityFlagHasPrevious != 0 {
		buf.Write(a.PreviousPeerID[:])
	}

	binary.Write(buf, binary.BigEndian, uint16(len(a.Signature)))
	buf.Write(a.Signature)

	return buf.Bytes()
}

func DecodeIdentityAnnouncement(data []byte) (*NoiseIdentityAnnouncement, error) {
	r := bytes.NewReader(data)
	a := &NoiseIdentityAnnouncement{}

	flags, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(r, a.PeerID[:]); err != nil {
		return nil, err
	}

	var staticLen, signingLen, sigLen uint16
	if err := binary.Read(r, binary.BigEndian, &staticLen); err != nil {
		return nil, err
	}
	a.StaticPubKey = make([]byte, staticLen)
	if _, err := io.ReadFull(r, a.StaticPubKey); err != nil {
		return nil, err
	}

	if err := binary.Read(r, binary.BigEndian, &signingLen); err != nil {
		return nil, err
	}
	a.SigningPubKey = make([]byte, signingLen)
	if _, err := io.ReadFull(r, a.SigningPubKey); err != nil {
		return nil, err
	}

	if a.Nickname, err = readString16(r); err != nil {
		return nil, err
	}

	if err := binary.Read(r, binary.BigEndian, &a.Timestamp); err != nil {
		return nil, err
	}

	if flags&identityFlagHasPrevious != 0 {
		var prev PeerID
		if _, err := io.ReadFull(r, prev[:]); err != nil {
			return nil, err
		}
		a.PreviousPeerID = &prev
	}

	if err := binary.Read(r, binary.BigEndian, &sigLen); err != nil {
		return nil, err
	}
	a.Signature = make([]byte, sigLen)
	if _, err := io.ReadFull(r, a.Signature); err != nil {
		return nil, err
	}

	return a, nil
}
