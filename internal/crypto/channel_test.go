package crypto

import "testing"

func TestDeriveChannelKey(t *testing.T) {
	t.Run("same channel, password and salt reproduce the same key", func(t *testing.T) {
		key1, salt, err := DeriveChannelKey("#general", "hunter2", nil)
		if err != nil {
			t.Fatalf("derive failed: %v", err)
		}
		key2, _, err := DeriveChannelKey("#general", "hunter2", salt)
		if err != nil {
			t.Fatalf("derive failed: %v", err)
		}
		if string(key1) != string(key2) {
			t.Fatalf("expected identical keys for identical inputs")
		}
	})

	t.Run("different channel name changes the derived key", func(t *testing.T) {
		key1, salt, err := DeriveChannelKey("#general", "hunter2", nil)
		if err != nil {
			t.Fatalf("derive failed: %v", err)
		}
		key2, _, err := DeriveChannelKey("#random", "hunter2", salt)
		if err != nil {
			t.Fatalf("derive failed: %v", err)
		}
		if string(key1) == string(key2) {
			t.Fatalf("expected different keys for different channel names")
		}
	})
}
