package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
)

// message payload flag bits.
const (
	msgFlagIsRelay               = 1 << 0
	msgFlagIsPrivate             = 1 << 1
	msgFlagIsEncrypted           = 1 << 2
	msgFlagHasChannel            = 1 << 3
	msgFlagHasMentions           = 1 << 4
	msgFlagHasRecipientNickname  = 1 << 5
	msgFlagHasSenderPeerID       = 1 << 6
	msgFlagHasMessageID          = 1 << 7
)

// BitchatMessage is the MESSAGE payload sub-format: a self-describing
// binary body carrying the sender nickname, content, and optional
// mentions/channel/encrypted-channel ciphertext.
type BitchatMessage struct {
	IsRelay             bool
	IsPrivate           bool
	IsEncrypted         bool
	SenderNickname      string
	Content             string
	Channel             string
	Mentions            []string
	RecipientNickname   string
	SenderPeerID        string
	EncryptedChannel    []byte
	MessageID           string
}

func writeString16(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString16(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeMessage serializes a BitchatMessage payload.
func EncodeMessage(m *BitchatMessage) []byte {
	var flags uint8
	if m.IsRelay {
		flags |= msgFlagIsRelay
	}
	if m.IsPrivate {
		flags |= msgFlagIsPrivate
	}
	if m.IsEncrypted {
		flags |= msgFlagIsEncrypted
	}
	if m.Channel != "" {
		flags |= msgFlagHasChannel
	}
	if len(m.Mentions) > 0 {
		flags |= msgFlagHasMentions
	}
	if m.RecipientNickname != "" {
		flags |= msgFlagHasRecipientNickname
	}
	if m.SenderPeerID != "" {
		flags |= msgFlagHasSenderPeerID
	}
	if m.MessageID != "" {
		flags |= msgFlagHasMessageID
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(flags)
	writeString16(buf, m.SenderNickname)
	writeString16(buf, m.Content)

	if flags&msgFlagHasChannel != 0 {
		writeString16(buf, m.Channel)
	}
	if flags&msgFlagHasMentions != 0 {
		buf.WriteByte(byte(len(m.Mentions)))
		for _, mention := range m.Mentions {
			writeString16(buf, mention)
		}
	}
	if flags&msgFlagHasRecipientNickname != 0 {
		writeString16(buf, m.RecipientNickname)
	}
	if flags&msgFlagHasSenderPeerID != 0 {
		writeString16(buf, m.SenderPeerID)
	}
	if flags&msgFlagHasMessageID != 0 {
		writeString16(buf, m.MessageID)
	}
	if m.IsEncrypted {
		writeString16(buf, string(m.EncryptedChannel))
	}

	return buf.Bytes()
}

// DecodeMessage parses a BitchatMessage payload.
func DecodeMessage(data []byte) (*BitchatMessage, error) {
	r := bytes.NewReader(data)
	flags, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	m := &BitchatMessage{
		IsRelay:     flags&msgFlagIsRelay != 0,
		IsPrivate:   flags&msgFlagIsPrivate != 0,
		IsEncrypted: flags&msgFlagIsEncrypted != 0,
	}

	if m.SenderNickname, err = readString16(r); err != nil {
		return nil, err
	}
	if m.Content, err = readString16(r); err != nil {
		return nil, err
	}
	if flags&msgFlagHasChannel != 0 {
		if m.Channel, err = readString16(r); err != nil {
			return nil, err
		}
	}
	if flags&msgFlagHasMentions != 0 {
		count, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		m.Mentions = make([]string, count)
		for i := range m.Mentions {
			if m.Mentions[i], err = readString16(r); err != nil {
				return nil, err
			}
		}
	}
	if flags&msgFlagHasRecipientNickname != 0 {
		if m.RecipientNickname, err = readString16(r); err != nil {
			return nil, err
		}
	}
	if flags&msgFlagHasSenderPeerID != 0 {
		if m.SenderPeerID, err = readString16(r); err != nil {
			return nil, err
		}
	}
	if flags&msgFlagHasMessageID != 0 {
		if m.MessageID, err = readString16(r); err != nil {
			return nil, err
		}
	}
	if m.IsEncrypted {
		ciphertext, err := readString16(r)
		if err != nil {
			return nil, err
		}
		m.EncryptedChannel = []byte(ciphertext)
	}

	return m, nil
}
