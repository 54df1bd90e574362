package signer

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrSignatureMismatch is returned when a signer hands back a transaction
// other than the one it was asked to sign.
var ErrSignatureMismatch = errors.New("signed transaction does not match request")

// VerifySigned checks that signed is tx carrying a valid signature by from
// for chainID. Recipient, nonce, calldata, value, gas and fee caps must be
// unchanged.
func VerifySigned(tx, signed *types.Transaction, from common.Address, chainID *big.Int) error {
	if signed == nil {
		return fmt.Errorf("%w: no transaction returned", ErrSignatureMismatch)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		return fmt.Errorf("%w: recover sender: %v", ErrSignatureMismatch, err)
	}
	if sender != from {
		return fmt.Errorf("%w: signed by %s, expected %s", ErrSignatureMismatch, sender.Hex(), from.Hex())
	}

	var field string
	switch {
	case signed.Type() != tx.Type():
		field = "type"
	case !sameRecipient(signed.To(), tx.To()):
		field = "recipient"
	case signed.Nonce() != tx.Nonce():
		field = "nonce"
	case !bytes.Equal(signed.Data(), tx.Data()):
		field = "data"
	case signed.Value().Cmp(tx.Value()) != 0:
		field = "value"
	case signed.Gas() != tx.Gas():
		field = "gas"
	case signed.GasFeeCap().Cmp(tx.GasFeeCap()) != 0, signed.GasTipCap().Cmp(tx.GasTipCap()) != 0:
		field = "fees"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s differs", ErrSignatureMismatch, field)
}

func sameRecipient(a, b *common.Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
