package protocol

import (
	"bytes"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	t.Run("broadcast packet", func(t *testing.T) {
		sender := NewPeerID()
		original := NewBroadcastPacket(MessageTypeMessage, sender, []byte("hello mesh"), MaxTTL)

		encoded, err := Encode(original)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded.Version != original.Version {
			t.Errorf("version mismatch: want %d got %d", original.Version, decoded.Version)
		}
		if decoded.Type != original.Type {
			t.Errorf("type mismatch: want %d got %d", original.Type, decoded.Type)
		}
		if decoded.TTL != original.TTL {
			t.Errorf("ttl mismatch: want %d got %d", original.TTL, decoded.TTL)
		}
		if decoded.SenderID != original.SenderID {
			t.Errorf("senderID mismatch: want %s got %s", original.SenderID, decoded.SenderID)
		}
		if decoded.RecipientID != nil {
			t.Errorf("expected broadcast (nil recipient), got %v", decoded.RecipientID)
		}
		if !bytes.Equal(decoded.Payload, original.Payload) {
			t.Errorf("payload mismatch: want %q got %q", original.Payload, decoded.Payload)
		}
	})

	t.Run("unicast packet with signature", func(t *testing.T) {
		sender := NewPeerID()
		recipient := NewPeerID()
		original := NewUnicastPacket(MessageTypeNoiseIdentityAnnounce, sender, recipient, []byte("payload"), AnnounceTTL)
		original.Signature = bytes.Repeat([]byte{0x42}, 64)

		encoded, err := Encode(original)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded.RecipientID == nil || *decoded.RecipientID != recipient {
			t.Fatalf("recipient mismatch: want %s got %v", recipient, decoded.RecipientID)
		}
		if !bytes.Equal(decoded.Signature, original.Signature) {
			t.Errorf("signature mismatch")
		}
	})

	t.Run("rejects unknown version", func(t *testing.T) {
		sender := NewPeerID()
		p := NewBroadcastPacket(MessageTypeMessage, sender, []byte("x"), MaxTTL)
		encoded, _ := Encode(p)
		encoded[0] = 9

		if _, err := Decode(encoded); err != ErrUnsupportedVersion {
			t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
		}
	})

	t.Run("rejects payload length overflowing buffer", func(t *testing.T) {
		sender := NewPeerID()
		p := NewBroadcastPacket(MessageTypeMessage, sender, []byte("x"), MaxTTL)
		encoded, _ := Encode(p)
		truncated := encoded[:len(encoded)-1]

		if _, err := Decode(truncated); err == nil {
			t.Fatalf("expected decode error on truncated buffer")
		}
	})

	t.Run("rejects unknown flag bits", func(t *testing.T) {
		sender := NewPeerID()
		p := NewBroadcastPacket(MessageTypeMessage, sender, []byte("x"), MaxTTL)
		encoded, _ := Encode(p)
		flagsOffset := 1 + 1 + 1 + 8
		encoded[flagsOffset] |= 0x80

		if _, err := Decode(encoded); err != ErrUnknownFlags {
			t.Fatalf("expected ErrUnknownFlags, got %v", err)
		}
	})
}
