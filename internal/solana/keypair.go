package solana

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// PublicKeySize and SignatureSize follow the ed25519 sizes used on chain.
const (
	PublicKeySize = 32
	SignatureSize = 64
)

var ErrInvalidKey = errors.New("solana: invalid key")

// PublicKey is a 32-byte account address.
type PublicKey [PublicKeySize]byte

// String returns the base58 address.
func (p PublicKey) String() string {
	return base58.Encode(p[:])
}

// Bytes returns a copy of the key bytes.
func (p PublicKey) Bytes() []byte {
	return append([]byte(nil), p[:]...)
}

// ParsePublicKey decodes a base58 address. It does not require the key to be on the curve.
func ParsePublicKey(addr string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base58.Decode(addr)
	if err != nil {
		return pk, fmt.Errorf("%w: decode %q: %v", ErrInvalidKey, addr, err)
	}
	if len(raw) != PublicKeySize {
		return pk, fmt.Errorf("%w: address %q has %d bytes", ErrInvalidKey, addr, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// ValidateWalletAddress checks that addr is a valid ed25519 point, i.e. an address
// that can own a keypair (program derived addresses are rejected).
func ValidateWalletAddress(addr string) error {
	pk, err := ParsePublicKey(addr)
	if err != nil {
		return err
	}
	if _, err := new(edwards25519.Point).SetBytes(pk[:]); err != nil {
		return fmt.Errorf("%w: %s is not on the ed25519 curve", ErrInvalidKey, addr)
	}
	return nil
}

// Keypair holds a wallet signing key.
type Keypair struct {
	private ed25519.PrivateKey
	public  PublicKey
}

// KeypairFromBase58 decodes a base58 64-byte secret key (seed || public key).
func KeypairFromBase58(secret string) (Keypair, error) {
	raw, err := base58.Decode(secret)
	if err != nil {
		return Keypair{}, fmt.Errorf("%w: decode secret: %v", ErrInvalidKey, err)
	}
	return KeypairFromBytes(raw)
}

// KeypairFromBytes validates a 64-byte secret key and derives its public half.
func KeypairFromBytes(raw []byte) (Keypair, error) {
	if len(raw) != ed25519.PrivateKeySize {
		return Keypair{}, fmt.Errorf("%w: secret key has %d bytes, want %d", ErrInvalidKey, len(raw), ed25519.PrivateKeySize)
	}
	derived := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], raw[ed25519.SeedSize:]) {
		return Keypair{}, fmt.Errorf("%w: public half does not match seed", ErrInvalidKey)
	}
	var kp Keypair
	kp.private = derived
	copy(kp.public[:], derived[ed25519.SeedSize:])
	return kp, nil
}

// NewKeypairFromSeed derives a keypair from a 32-byte seed.
func NewKeypairFromSeed(seed []byte) (Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return Keypair{}, fmt.Errorf("%w: seed has %d bytes", ErrInvalidKey, len(seed))
	}
	return KeypairFromBytes(ed25519.NewKeyFromSeed(seed))
}

// PublicKey returns the wallet address.
func (k Keypair) PublicKey() PublicKey {
	return k.public
}

// SecretBase58 returns the base58 encoding of the 64-byte secret key.
func (k Keypair) SecretBase58() string {
	return base58.Encode(k.private)
}

// Sign signs msg with the wallet key.
func (k Keypair) Sign(msg []byte) [SignatureSize]byte {
	var sig [SignatureSize]byte
	copy(sig[:], ed25519.Sign(k.private, msg))
	return sig
}

// Verify reports whether sig is pub's signature over msg.
func Verify(pub PublicKey, msg []byte, sig [SignatureSize]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig[:])
}
