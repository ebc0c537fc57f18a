package solana

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

var ErrMalformedTransaction = errors.New("solana: malformed transaction")

const versionPrefixMask = 0x80

// MessageHeader is the three-byte header at the start of every message.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// Transaction is a decoded wire transaction. Only the signature section and the
// static account keys are interpreted; the rest of the message is kept as raw bytes.
type Transaction struct {
	Signatures  [][SignatureSize]byte
	Message     []byte
	Versioned   bool
	Header      MessageHeader
	AccountKeys []PublicKey
}

// DecodeTransaction decodes a base58 wire transaction.
func DecodeTransaction(encoded string) (*Transaction, error) {
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base58: %v", ErrMalformedTransaction, err)
	}
	return ParseTransaction(raw)
}

// ParseTransaction decodes wire bytes.
func ParseTransaction(raw []byte) (*Transaction, error) {
	numSigs, n, err := decodeCompactU16(raw)
	if err != nil {
		return nil, err
	}
	off := n
	if len(raw) < off+numSigs*SignatureSize {
		return nil, fmt.Errorf("%w: truncated signatures", ErrMalformedTransaction)
	}

	tx := &Transaction{Signatures: make([][SignatureSize]byte, numSigs)}
	for i := 0; i < numSigs; i++ {
		copy(tx.Signatures[i][:], raw[off:off+SignatureSize])
		off += SignatureSize
	}

	tx.Message = append([]byte(nil), raw[off:]...)
	if err := tx.parseMessage(); err != nil {
		return nil, err
	}
	if int(tx.Header.NumRequiredSignatures) != numSigs {
		return nil, fmt.Errorf("%w: %d signatures for %d required signers",
			ErrMalformedTransaction, numSigs, tx.Header.NumRequiredSignatures)
	}
	return tx, nil
}

func (tx *Transaction) parseMessage() error {
	msg := tx.Message
	off := 0
	if len(msg) > 0 && msg[0]&versionPrefixMask != 0 {
		if version := msg[0] &^ versionPrefixMask; version != 0 {
			return fmt.Errorf("%w: unsupported message version %d", ErrMalformedTransaction, version)
		}
		tx.Versioned = true
		off++
	}
	if len(msg) < off+3 {
		return fmt.Errorf("%w: truncated header", ErrMalformedTransaction)
	}
	tx.Header = MessageHeader{
		NumRequiredSignatures:       msg[off],
		NumReadonlySignedAccounts:   msg[off+1],
		NumReadonlyUnsignedAccounts: msg[off+2],
	}
	off += 3

	numKeys, n, err := decodeCompactU16(msg[off:])
	if err != nil {
		return err
	}
	off += n
	if numKeys < int(tx.Header.NumRequiredSignatures) {
		return fmt.Errorf("%w: %d account keys for %d signers", ErrMalformedTransaction, numKeys, tx.Header.NumRequiredSignatures)
	}
	if len(msg) < off+numKeys*PublicKeySize {
		return fmt.Errorf("%w: truncated account keys", ErrMalformedTransaction)
	}
	tx.AccountKeys = make([]PublicKey, numKeys)
	for i := 0; i < numKeys; i++ {
		copy(tx.AccountKeys[i][:], msg[off:off+PublicKeySize])
		off += PublicKeySize
	}
	return nil
}

// RequiredSigners returns the accounts whose signatures the transaction declares.
func (tx *Transaction) RequiredSigners() []PublicKey {
	return tx.AccountKeys[:tx.Header.NumRequiredSignatures]
}

// SignWith places kp's signature in its slot. It reports false when kp is not a required signer.
func (tx *Transaction) SignWith(kp Keypair) bool {
	pub := kp.PublicKey()
	for i, signer := range tx.RequiredSigners() {
		if signer == pub {
			tx.Signatures[i] = kp.Sign(tx.Message)
			return true
		}
	}
	return false
}

// Serialize encodes the transaction back to wire bytes.
func (tx *Transaction) Serialize() []byte {
	out := make([]byte, 0, 3+len(tx.Signatures)*SignatureSize+len(tx.Message))
	out = appendCompactU16(out, len(tx.Signatures))
	for _, sig := range tx.Signatures {
		out = append(out, sig[:]...)
	}
	return append(out, tx.Message...)
}

// Base58 returns the serialized transaction as base58.
func (tx *Transaction) Base58() string {
	return base58.Encode(tx.Serialize())
}

func decodeCompactU16(b []byte) (int, int, error) {
	value := 0
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, fmt.Errorf("%w: truncated length prefix", ErrMalformedTransaction)
		}
		value |= int(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: length prefix overflow", ErrMalformedTransaction)
}

func appendCompactU16(dst []byte, v int) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}
