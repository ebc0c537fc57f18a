package solana

// UnsignedTransaction builds a minimal unsigned transaction whose first
// len(signers) account keys are the required signers. It carries no instructions;
// the prep service builds real transactions, this exists for fixtures and dry runs.
func UnsignedTransaction(signers []PublicKey, readonly []PublicKey, blockhash [32]byte, versioned bool) *Transaction {
	msg := make([]byte, 0, 4+(len(signers)+len(readonly))*PublicKeySize+34)
	if versioned {
		msg = append(msg, versionPrefixMask)
	}
	msg = append(msg, byte(len(signers)), 0, byte(len(readonly)))
	msg = appendCompactU16(msg, len(signers)+len(readonly))
	for _, k := range signers {
		msg = append(msg, k[:]...)
	}
	for _, k := range readonly {
		msg = append(msg, k[:]...)
	}
	msg = append(msg, blockhash[:]...)
	msg = appendCompactU16(msg, 0) // instructions
	if versioned {
		msg = appendCompactU16(msg, 0) // address table lookups
	}

	keys := make([]PublicKey, 0, len(signers)+len(readonly))
	keys = append(keys, signers...)
	keys = append(keys, readonly...)
	return &Transaction{
		Signatures: make([][SignatureSize]byte, len(signers)),
		Message:    msg,
		Versioned:  versioned,
		Header: MessageHeader{
			NumRequiredSignatures:       uint8(len(signers)),
			NumReadonlyUnsignedAccounts: uint8(len(readonly)),
		},
		AccountKeys: keys,
	}
}
