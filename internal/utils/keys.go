package utils

import (
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	PassphraseLength = 12
	SaltLength       = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// DeriveKey stretches the session passphrase into a secretbox key.
func DeriveKey(passphrase string, salt []byte) ([32]byte, error) {
	var key [32]byte
	if len(passphrase) < PassphraseLength {
		return key, fmt.Errorf("passphrase must be at least %d characters long", PassphraseLength)
	}
	if len(salt) < SaltLength {
		return key, fmt.Errorf("salt must be at least %d bytes long", SaltLength)
	}

	derived := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, 32)
	copy(key[:], derived)
	return key, nil
}
