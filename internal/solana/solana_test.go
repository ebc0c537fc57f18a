package solana

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeypair(t *testing.T, label string) Keypair {
	t.Helper()
	seed := sha256.Sum256([]byte(label))
	kp, err := NewKeypairFromSeed(seed[:])
	require.NoError(t, err)
	return kp
}

func TestKeypairFromBase58_RoundTrip(t *testing.T) {
	kp := testKeypair(t, "wallet-1")

	decoded, err := KeypairFromBase58(kp.SecretBase58())
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey(), decoded.PublicKey())
	assert.NoError(t, ValidateWalletAddress(kp.PublicKey().String()))
}

func TestKeypairFromBase58_Rejects(t *testing.T) {
	kp := testKeypair(t, "wallet-1")
	other := testKeypair(t, "wallet-2")

	mismatched := append([]byte(nil), base58Decode(t, kp.SecretBase58())[:32]...)
	mismatched = append(mismatched, other.PublicKey().Bytes()...)

	cases := map[string]string{
		"not base58": "0OIl",
		"short":      base58.Encode([]byte{1, 2, 3}),
		"mismatch":   base58.Encode(mismatched),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := KeypairFromBase58(input)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestValidateWalletAddress_OffCurve(t *testing.T) {
	// 找一个不在曲线上的 32 字节值。
	var offCurve PublicKey
	for i := 0; i < 256; i++ {
		h := sha256.Sum256([]byte{byte(i)})
		copy(offCurve[:], h[:])
		if ValidateWalletAddress(offCurve.String()) != nil {
			break
		}
	}
	assert.ErrorIs(t, ValidateWalletAddress(offCurve.String()), ErrInvalidKey)
	assert.Error(t, ValidateWalletAddress("abc"))
}

func TestTransaction_SignOnlyRequiredSigners(t *testing.T) {
	a := testKeypair(t, "a")
	b := testKeypair(t, "b")
	outsider := testKeypair(t, "c")
	program := testKeypair(t, "program").PublicKey()

	for _, versioned := range []bool{false, true} {
		tx := UnsignedTransaction([]PublicKey{a.PublicKey(), b.PublicKey()}, []PublicKey{program}, [32]byte{7}, versioned)

		parsed, err := DecodeTransaction(tx.Base58())
		require.NoError(t, err)
		assert.Equal(t, versioned, parsed.Versioned)
		assert.Equal(t, []PublicKey{a.PublicKey(), b.PublicKey()}, parsed.RequiredSigners())

		assert.False(t, parsed.SignWith(outsider))
		assert.True(t, parsed.SignWith(b))

		reparsed, err := ParseTransaction(parsed.Serialize())
		require.NoError(t, err)
		assert.Equal(t, [SignatureSize]byte{}, reparsed.Signatures[0])
		assert.True(t, Verify(b.PublicKey(), reparsed.Message, reparsed.Signatures[1]))
		assert.True(t, bytes.Equal(tx.Message, reparsed.Message))
	}
}

func TestParseTransaction_Malformed(t *testing.T) {
	a := testKeypair(t, "a")
	good := UnsignedTransaction([]PublicKey{a.PublicKey()}, nil, [32]byte{}, false).Serialize()

	cases := map[string][]byte{
		"empty":              {},
		"truncated sigs":     good[:30],
		"truncated header":   good[:1+SignatureSize+1],
		"signature mismatch": append([]byte{2}, good[1:]...),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTransaction(raw)
			assert.ErrorIs(t, err, ErrMalformedTransaction)
		})
	}
}

func TestCompactU16(t *testing.T) {
	for _, v := range []int{0, 1, 127, 128, 300, 16383, 16384, 65535} {
		enc := appendCompactU16(nil, v)
		got, n, err := decodeCompactU16(enc)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(enc), n)
	}
}

func base58Decode(t *testing.T, s string) []byte {
	t.Helper()
	raw, err := base58.Decode(s)
	require.NoError(t, err)
	return raw
}
