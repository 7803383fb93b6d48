package ledger

import (
	"bytes"
	"errors"
	"fmt"

	ag_binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// TokenAccount is the minimal token-ledger record the settlement path
// manipulates: a mint, the authority allowed to move funds, and a balance in
// the mint's smallest unit. Token accounts are owned by the token program.
type TokenAccount struct {
	Mint      solana.PublicKey
	Authority solana.PublicKey
	Amount    uint64
}

func ParseTokenAccount(data []byte) (*TokenAccount, error) {
	out := new(TokenAccount)
	decoder := ag_binary.NewBorshDecoder(data)
	if err := decoder.Decode(out); err != nil {
		return nil, fmt.Errorf("parse token account: %w", err)
	}
	return out, nil
}

func (t *TokenAccount) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	encoder := ag_binary.NewBorshEncoder(buf)
	if err := encoder.Encode(t); err != nil {
		return nil, fmt.Errorf("marshal token account: %w", err)
	}
	return buf.Bytes(), nil
}

// TokenBalance reads the balance of the token account at key within tx.
func TokenBalance(tx *Tx, key solana.PublicKey) (uint64, error) {
	account, err := tx.Account(key)
	if err != nil {
		return 0, err
	}
	token, err := ParseTokenAccount(account.Data)
	if err != nil {
		return 0, err
	}
	return token.Amount, nil
}

// CreditToken adds amount to the token account at key, creating it with the
// given mint and authority if it does not exist yet.
func CreditToken(tx *Tx, key solana.PublicKey, mint solana.PublicKey, authority solana.PublicKey, amount uint64) error {
	account, err := tx.Account(key)
	if err != nil {
		if !errors.Is(err, ErrAccountNotFound) {
			return err
		}
		account = &Account{Owner: solana.TokenProgramID}
	}

	var token *TokenAccount
	if len(account.Data) == 0 {
		token = &TokenAccount{Mint: mint, Authority: authority}
	} else {
		token, err = ParseTokenAccount(account.Data)
		if err != nil {
			return err
		}
		if !token.Mint.Equals(mint) {
			return fmt.Errorf("token account %s mint mismatch", key)
		}
	}

	next := token.Amount + amount
	if next < token.Amount {
		return fmt.Errorf("token balance overflow on %s", key)
	}
	token.Amount = next

	data, err := token.Marshal()
	if err != nil {
		return err
	}
	account.Data = data
	tx.Put(key, account)
	return nil
}

// DebitToken removes amount from the token account at key. The caller is
// responsible for authority checks; the ledger only enforces balance.
func DebitToken(tx *Tx, key solana.PublicKey, amount uint64) error {
	account, err := tx.Account(key)
	if err != nil {
		return err
	}
	token, err := ParseTokenAccount(account.Data)
	if err != nil {
		return err
	}
	if token.Amount < amount {
		return fmt.Errorf("insufficient token balance on %s: have %d, need %d", key, token.Amount, amount)
	}
	token.Amount -= amount

	data, err := token.Marshal()
	if err != nil {
		return err
	}
	account.Data = data
	tx.Put(key, account)
	return nil
}
