// Package signer provides transaction signers for contract deployment.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransactionSigner signs transactions on behalf of one address.
type TransactionSigner interface {
	Address() common.Address
	SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

// Provider builds a signer once the target chain ID is known.
type Provider func(chainID *big.Int) (TransactionSigner, error)

// LocalSigner signs with an in-process secp256k1 private key.
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewLocalSigner creates a LocalSigner from a hex-encoded private key
// (0x prefix optional). Well-known development keys are refused on
// production chains.
func NewLocalSigner(hexKey string, chainID *big.Int) (*LocalSigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")

	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	address := crypto.PubkeyToAddress(privateKey.PublicKey)

	if IsDevKey(hexKey) {
		if name, ok := ProductionChains[chainID.Int64()]; ok {
			return nil, fmt.Errorf("development key %s cannot be used on %s (chain_id=%s): keys are publicly known", address.Hex(), name, chainID)
		}
	}

	return &LocalSigner{
		privateKey: privateKey,
		address:    address,
		chainID:    new(big.Int).Set(chainID),
	}, nil
}

// LocalProvider returns a Provider backed by a local private key.
func LocalProvider(hexKey string) Provider {
	return func(chainID *big.Int) (TransactionSigner, error) {
		return NewLocalSigner(hexKey, chainID)
	}
}

// Address returns the signer's Ethereum address.
func (s *LocalSigner) Address() common.Address {
	return s.address
}

// SignTransaction signs a transaction using the local private key.
func (s *LocalSigner) SignTransaction(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(s.chainID)
	signedTx, err := types.SignTx(tx, signer, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signedTx, nil
}

var _ TransactionSigner = (*LocalSigner)(nil)
