package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
)

// flags bits in the wire header.
const (
	flagHasRecipient = 1 << 0
	flagHasSignature = 1 << 1
)

// Encode serializes a Packet per the bit-exact header:
//
//	version(1) type(1) ttl(1) timestamp(8 BE) flags(1) senderID(8)
//	[recipientID(8) if flags.b0] payload-length(2 BE) payload(N)
//	[signature(64) if flags.b1]
func Encode(p *Packet) ([]byte, error) {
	var flags uint8
	if p.RecipientID != nil {
		flags |= flagHasRecipient
	}
	if len(p.Signature) > 0 {
		flags |= flagHasSignature
	}

	size := 1 + 1 + 1 + 8 + 1 + PeerIDSize + 2 + len(p.Payload)
	if flags&flagHasRecipient != 0 {
		size += PeerIDSize
	}
	if flags&flagHasSignature != 0 {
		size += 64
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	buf.WriteByte(p.Version)
	buf.WriteByte(byte(p.Type))
	buf.WriteByte(p.TTL)
	binary.Write(buf, binary.BigEndian, p.Timestamp)
	buf.WriteByte(flags)
	buf.Write(p.SenderID[:])
	if flags&flagHasRecipient != 0 {
		buf.Write(p.RecipientID[:])
	}
	binary.Write(buf, binary.BigEndian, uint16(len(p.Payload)))
	buf.Write(p.Payload)
	if flags&flagHasSignature != 0 {
		buf.Write(p.Signature)
	}

	return buf.Bytes(), nil
}

// Decode parses a Packet from its wire form, rejecting unknown versions,
// unknown flag bits, and length mismatches per the spec's decoder
// obligations.
func Decode(data []byte) (*Packet, error) {
	if len(data) < 1+1+1+8+1+PeerIDSize+2 {
		return nil, ErrBufferTooSmall
	}

	r := bytes.NewReader(data)
	p := &Packet{}

	version, _ := r.ReadByte()
	if version != CurrentVersion {
		return nil, ErrUnsupportedVersion
	}
	p.Version = version

	typeByte, _ := r.ReadByte()
	p.Type = MessageType(typeByte)

	p.TTL, _ = r.ReadByte()

	if err := binary.Read(r, binary.BigEndian, &p.Timestamp); err != nil {
		return nil, err
	}

	flags, _ := r.ReadByte()
	if flags&^(flagHasRecipient|flagHasSignature) != 0 {
		return nil, ErrUnknownFlags
	}

	if _, err := io.ReadFull(r, p.SenderID[:]); err != nil {
		return nil, err
	}

	if flags&flagHasRecipient != 0 {
		var rid PeerID
		if _, err := io.ReadFull(r, rid[:]); err != nil {
			return nil, err
		}
		p.RecipientID = &rid
	}

	var payloadLen uint16
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return nil, err
	}
	if int(payloadLen) > r.Len() {
		return nil, ErrPayloadTooLarge
	}
	p.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, p.Payload); err != nil {
		return nil, err
	}

	if flags&flagHasSignature != 0 {
		if r.Len() < 64 {
			return nil, ErrBufferTooSmall
		}
		p.Signature = make([]byte, 64)
		if _, err := io.ReadFull(r, p.Signature); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// SignaturePreimage returns the header+payload bytes an identity
// announcement's Ed25519 signature is computed over (excludes the
// signature field itself).
func SignaturePreimage(p *Packet) []byte {
	cp := *p
	cp.Signature = nil
	b, _ := Encode(&cp)
	return b
}
