// Package noise implements the mesh core's Security Manager: one Noise
// XX session state machine per remote peer, replay/duplicate protection,
// and Ed25519 identity-announcement signing/verification.
package noise

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/flynn/noise"
)

// IdentityConfig mirrors the teacher's EncryptionConfig: a key-storage
// directory, or ephemeral-only operation for tests.
type IdentityConfig struct {
	KeysDir          string
	UseEphemeralOnly bool
}

// Identity holds the node's two long-lived key material: the X25519
// static keypair Noise sessions Diffie-Hellman against, and the Ed25519
// keypair identity announcements are signed with. Both persist across
// restarts when KeysDir is set, exactly as the teacher's
// EncryptionService persisted its identityKey.
type Identity struct {
	Static     noise.DHKey
	SigningKey ed25519.PrivateKey
	SigningPub ed25519.PublicKey
}

const (
	staticKeyFile  = "noise_static_key"
	signingKeyFile = "identity_signing_key"
)

// LoadOrCreateIdentity loads persisted keys from cfg.KeysDir, generating
// and saving fresh ones on first run. With UseEphemeralOnly set (or no
// KeysDir), keys are generated fresh every call and never touch disk.
func LoadOrCreateIdentity(cfg IdentityConfig) (*Identity, error) {
	if cfg.UseEphemeralOnly || cfg.KeysDir == "" {
		return generateIdentity()
	}

	if err := os.MkdirAll(cfg.KeysDir, 0700); err != nil {
		return nil, fmt.Errorf("noise: create keys dir: %w", err)
	}

	id := &Identity{}

	staticPath := filepath.Join(cfg.KeysDir, staticKeyFile)
	if priv, err := os.ReadFile(staticPath); err == nil && len(priv) == 32 {
		kp, err := staticKeypairFromPrivate(priv)
		if err != nil {
			return nil, fmt.Errorf("noise: restore static keypair: %w", err)
		}
		id.Static = kp
	} else {
		kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("noise: generate static keypair: %w", err)
		}
		id.Static = kp
		if err := os.WriteFile(staticPath, kp.Private, 0600); err != nil {
			return nil, fmt.Errorf("noise: persist static key: %w", err)
		}
	}

	signingPath := filepath.Join(cfg.KeysDir, signingKeyFile)
	if priv, err := os.ReadFile(signingPath); err == nil && len(priv) == ed25519.PrivateKeySize {
		id.SigningKey = ed25519.PrivateKey(priv)
		id.SigningPub = id.SigningKey.Public().(ed25519.PublicKey)
	} else {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("noise: generate signing keypair: %w", err)
		}
		id.SigningKey = priv
		id.SigningPub = pub
		if err := os.WriteFile(signingPath, priv, 0600); err != nil {
			return nil, fmt.Errorf("noise: persist signing key: %w", err)
		}
	}

	return id, nil
}

// DeletePersistedIdentity removes the static and signing key files under
// keysDir, the on-disk half of panic-mode clear_all() (spec.md §9). A
// missing file is not an error — clear_all() must succeed even if the
// identity was never persisted (ephemeral-only operation).
func DeletePersistedIdentity(keysDir string) error {
	if keysDir == "" {
		return nil
	}
	for _, name := range []string{staticKeyFile, signingKeyFile} {
		if err := os.Remove(filepath.Join(keysDir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("noise: delete persisted identity: %w", err)
		}
	}
	return nil
}

func generateIdentity() (*Identity, error) {
	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("noise: generate static keypair: %w", err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("noise: generate signing keypair: %w", err)
	}
	return &Identity{Static: kp, SigningKey: priv, SigningPub: pub}, nil
}

// staticKeypairFromPrivate recomputes the X25519 public key matching a
// stored private scalar. flynn/noise exposes key generation only as
// "clamp+scalarmult whatever 32 bytes the reader yields", so replaying
// the stored bytes through a fixed reader reproduces the same keypair;
// clamping is idempotent over already-clamped bytes.
func staticKeypairFromPrivate(priv []byte) (noise.DHKey, error) {
	return noise.DH25519.GenerateKeypair(&fixedReader{b: priv})
}

type fixedReader struct{ b []byte }

func (f *fixedReader) Read(p []byte) (int, error) {
	n := copy(p, f.b)
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}
