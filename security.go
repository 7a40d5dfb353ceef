// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"crypto/des" // #nosec G502 - DES is required by VNC authentication (RFC 6143)
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/bits"
)

// SECURITY WARNING: VNC authentication uses single DES keyed by at most
// eight password characters. It offers no protection against an attacker
// on the path. Tunnel the connection (SSH, TLS, a VPN) when that matters.

// VNC authentication sizes.
const (
	VNCChallengeSize     = 16
	DESKeySize           = 8
	VNCMaxPasswordLength = 8
)

// storedPasswordKey is the fixed key viewers and servers use to obfuscate
// passwords kept in configuration files.
var storedPasswordKey = []byte{23, 82, 107, 6, 35, 78, 88, 7}

// clearBytes zeroes sensitive key material.
func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// vncKey builds the DES key for password: the first eight bytes, zero
// padded, with the bits of each byte mirrored.
func vncKey(password string) []byte {
	key := make([]byte, DESKeySize)
	for i := 0; i < DESKeySize && i < len(password); i++ {
		key[i] = bits.Reverse8(password[i])
	}
	return key
}

// EncryptVNCChallenge returns the response a viewer holding password sends
// for challenge.
func EncryptVNCChallenge(password string, challenge []byte) ([]byte, error) {
	if len(challenge) != VNCChallengeSize {
		return nil, validationError("EncryptVNCChallenge",
			fmt.Sprintf("challenge must be exactly %d bytes, got %d", VNCChallengeSize, len(challenge)), nil)
	}

	key := vncKey(password)
	defer clearBytes(key)

	block, err := des.NewCipher(key) // #nosec G405 - DES is required by VNC authentication
	if err != nil {
		return nil, authenticationError("EncryptVNCChallenge", "failed to create DES cipher", err)
	}

	out := make([]byte, VNCChallengeSize)
	block.Encrypt(out[:DESKeySize], challenge[:DESKeySize])
	block.Encrypt(out[DESKeySize:], challenge[DESKeySize:])
	return out, nil
}

// VerifyVNCResponse reports whether response answers challenge for
// password. The comparison runs in constant time.
func VerifyVNCResponse(password string, challenge, response []byte) bool {
	if password == "" || len(response) != VNCChallengeSize {
		return false
	}
	expected, err := EncryptVNCChallenge(password, challenge)
	if err != nil {
		return false
	}
	defer clearBytes(expected)
	return subtle.ConstantTimeCompare(expected, response) == 1
}

// GenerateChallenge returns a fresh random authentication challenge.
func GenerateChallenge() ([]byte, error) {
	challenge := make([]byte, VNCChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, resourceError("GenerateChallenge", "failed to read random bytes", err)
	}
	return challenge, nil
}

// ObfuscatePassword encodes password the way VNC configuration files store
// it: DES with a well-known key, hex encoded. It hides the password from
// casual reading only.
func ObfuscatePassword(password string) (string, error) {
	if len(password) > VNCMaxPasswordLength {
		return "", validationError("ObfuscatePassword",
			fmt.Sprintf("password longer than %d characters", VNCMaxPasswordLength), nil)
	}
	block, err := des.NewCipher(storedPasswordKey) // #nosec G405
	if err != nil {
		return "", configurationError("ObfuscatePassword", "failed to create DES cipher", err)
	}
	plain := make([]byte, DESKeySize)
	copy(plain, password)
	defer clearBytes(plain)

	out := make([]byte, DESKeySize)
	block.Encrypt(out, plain)
	return hex.EncodeToString(out), nil
}

// RevealPassword reverses ObfuscatePassword.
func RevealPassword(stored string) (string, error) {
	raw, err := hex.DecodeString(stored)
	if err != nil {
		return "", configurationError("RevealPassword", "stored password is not hex", err)
	}
	if len(raw) != DESKeySize {
		return "", configurationError("RevealPassword",
			fmt.Sprintf("stored password must be %d bytes, got %d", DESKeySize, len(raw)), nil)
	}
	block, err := des.NewCipher(storedPasswordKey) // #nosec G405
	if err != nil {
		return "", configurationError("RevealPassword", "failed to create DES cipher", err)
	}
	plain := make([]byte, DESKeySize)
	block.Decrypt(plain, raw)
	defer clearBytes(plain)

	n := 0
	for n < len(plain) && plain[n] != 0 {
		n++
	}
	return string(plain[:n]), nil
}
