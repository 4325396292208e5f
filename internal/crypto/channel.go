// Package crypto holds host-callable cryptographic utilities that sit
// outside the mesh core proper: channel password key derivation, kept
// here per the core's external-collaborator boundary (core scope is
// limited to the Noise session layer in internal/noise).
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	channelKeyLen = 32
)

// DeriveChannelKey derives a symmetric key for a password-protected
// channel from its name and password. A random salt is generated when
// none is supplied; the caller must persist the salt to re-derive the
// same key later.
func DeriveChannelKey(channelName, password string, salt []byte) (key, usedSalt []byte, err error) {
	if salt == nil {
		salt = make([]byte, 16)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, nil, err
		}
	}

	base := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, channelKeyLen)

	kdf := hkdf.New(sha256.New, base, []byte(channelName), []byte("bitchat-mesh-channel-v1"))
	final := make([]byte, channelKeyLen)
	if _, err := io.ReadFull(kdf, final); err != nil {
		return nil, nil, err
	}

	return final, salt, nil
}
