// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"bytes"
	"crypto/des" // #nosec G502 - reference DES for VNC authentication
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurity_ClearBytes(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	clearBytes(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
	clearBytes(nil)
}

func TestSecurity_VNCKeyMirrorsBits(t *testing.T) {
	key := vncKey("ab")
	require.Len(t, key, DESKeySize)
	// 'a' is 0x61 (0110 0001), mirrored 1000 0110.
	assert.Equal(t, byte(0x86), key[0])
	assert.Equal(t, byte(0x46), key[1])
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0}, key[2:])

	assert.Equal(t, vncKey("12345678"), vncKey("123456789"), "only eight characters count")
}

func TestSecurity_EncryptVNCChallenge(t *testing.T) {
	challenge := []byte("0123456789abcdef")

	got, err := EncryptVNCChallenge("secret", challenge)
	require.NoError(t, err)
	require.Len(t, got, VNCChallengeSize)

	block, err := des.NewCipher(vncKey("secret")) // #nosec G405
	require.NoError(t, err)
	want := make([]byte, VNCChallengeSize)
	block.Encrypt(want[:8], challenge[:8])
	block.Encrypt(want[8:], challenge[8:])
	assert.Equal(t, want, got)

	_, err = EncryptVNCChallenge("secret", challenge[:8])
	assert.True(t, IsVNCError(err, ErrValidation))
}

func TestSecurity_VerifyVNCResponse(t *testing.T) {
	challenge, err := GenerateChallenge()
	require.NoError(t, err)
	resp, err := EncryptVNCChallenge("secret", challenge)
	require.NoError(t, err)

	tests := []struct {
		name     string
		password string
		response []byte
		want     bool
	}{
		{name: "match", password: "secret", response: resp, want: true},
		{name: "wrong password", password: "other", response: resp},
		{name: "empty password", password: "", response: resp},
		{name: "short response", password: "secret", response: resp[:8]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyVNCResponse(tt.password, challenge, tt.response))
		})
	}
}

func TestSecurity_GenerateChallenge(t *testing.T) {
	a, err := GenerateChallenge()
	require.NoError(t, err)
	b, err := GenerateChallenge()
	require.NoError(t, err)

	assert.Len(t, a, VNCChallengeSize)
	assert.False(t, bytes.Equal(a, b), "challenges must differ")
}

func TestSecurity_ObfuscatePassword(t *testing.T) {
	for _, pw := range []string{"", "a", "secret", "12345678"} {
		t.Run(pw, func(t *testing.T) {
			stored, err := ObfuscatePassword(pw)
			require.NoError(t, err)
			assert.Len(t, stored, 2*DESKeySize)

			back, err := RevealPassword(stored)
			require.NoError(t, err)
			assert.Equal(t, pw, back)
		})
	}

	_, err := ObfuscatePassword("123456789")
	assert.True(t, IsVNCError(err, ErrValidation))
}

func TestSecurity_RevealPasswordErrors(t *testing.T) {
	_, err := RevealPassword("zz")
	assert.True(t, IsVNCError(err, ErrConfiguration))

	_, err = RevealPassword("0011")
	assert.True(t, IsVNCError(err, ErrConfiguration))
}
