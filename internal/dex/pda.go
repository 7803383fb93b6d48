package dex

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Program-derived addresses for the settlement program. One global config
// per deployment, one position per (owner, inputMint), one vault per
// position.

func DeriveGlobalConfigPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("global_config")}, programID)
}

func DerivePositionPDA(programID, owner, inputMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("position"), owner.Bytes(), inputMint.Bytes()}, programID)
}

func DeriveVaultPDA(programID, position solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("vault"), position.Bytes()}, programID)
}

func MustDerivePositionPDA(programID, owner, inputMint solana.PublicKey) solana.PublicKey {
	pk, _, err := DerivePositionPDA(programID, owner, inputMint)
	if err != nil {
		panic(fmt.Errorf("derive position PDA: %w", err))
	}
	return pk
}

func MustDeriveVaultPDA(programID, position solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveVaultPDA(programID, position)
	if err != nil {
		panic(fmt.Errorf("derive vault PDA: %w", err))
	}
	return pk
}
