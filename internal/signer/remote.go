package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// RemoteConfig contains configuration for a POPSigner RPC gateway signer.
type RemoteConfig struct {
	// Endpoint is the POPSigner RPC endpoint, e.g. https://rpc.popsigner.com
	Endpoint string

	// APIKey is sent as a bearer token.
	APIKey string

	// Address is the deployer key held by the gateway.
	Address common.Address

	MaxRetries     int           // default: 3
	InitialBackoff time.Duration // default: 1s
	MaxBackoff     time.Duration // default: 10s
}

// RemoteSigner signs contract creations through eth_signTransaction on a
// POPSigner gateway. The private key never leaves the gateway, so every
// transaction it hands back is checked against the one that was requested
// before it is returned.
type RemoteSigner struct {
	config  RemoteConfig
	chainID *big.Int
	client  *rpc.Client
}

// NewRemoteSigner creates a RemoteSigner for chainID.
func NewRemoteSigner(cfg RemoteConfig, chainID *big.Int) (*RemoteSigner, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("remote signer endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("remote signer API key is required")
	}
	if cfg.Address == (common.Address{}) {
		return nil, errors.New("remote signer address is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}

	client, err := rpc.DialOptions(context.Background(), cfg.Endpoint,
		rpc.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		rpc.WithHeader("Authorization", "Bearer "+cfg.APIKey),
	)
	if err != nil {
		return nil, fmt.Errorf("remote signer endpoint %s: %w", cfg.Endpoint, err)
	}

	return &RemoteSigner{
		config:  cfg,
		chainID: new(big.Int).Set(chainID),
		client:  client,
	}, nil
}

// RemoteProvider returns a Provider backed by a POPSigner gateway.
func RemoteProvider(cfg RemoteConfig) Provider {
	return func(chainID *big.Int) (TransactionSigner, error) {
		return NewRemoteSigner(cfg, chainID)
	}
}

// Address returns the gateway-held deployer address.
func (s *RemoteSigner) Address() common.Address {
	return s.config.Address
}

// SignTransaction asks the gateway to sign tx, retrying transient failures
// with exponential backoff. A signed transaction that differs from tx in any
// field that decides what gets deployed, or that was not signed by Address,
// is rejected with ErrSignatureMismatch.
func (s *RemoteSigner) SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	args := newSignArgs(s.config.Address, s.chainID, tx)
	backoff := s.config.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		signed, err := s.requestSignature(ctx, args)
		if err == nil {
			if err := VerifySigned(tx, signed, s.config.Address, s.chainID); err != nil {
				return nil, fmt.Errorf("gateway %s: %w", s.config.Endpoint, err)
			}
			return signed, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsRetryable(err) {
			return nil, fmt.Errorf("signing failed: %w", err)
		}
		lastErr = err
		if attempt == s.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.config.MaxBackoff)
	}

	return nil, fmt.Errorf("signing failed after %d attempts: %w", s.config.MaxRetries, lastErr)
}

func (s *RemoteSigner) requestSignature(ctx context.Context, args *signArgs) (*types.Transaction, error) {
	var result signResult
	if err := s.client.CallContext(ctx, &result, "eth_signTransaction", args); err != nil {
		return nil, classifyGatewayError(err)
	}

	var signed types.Transaction
	if err := signed.UnmarshalBinary(result.raw); err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}
	return &signed, nil
}

// classifyGatewayError marks transport failures, 5xx responses and JSON-RPC
// server errors (-32000 to -32099) as retryable.
func classifyGatewayError(err error) error {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= http.StatusInternalServerError {
			return &RetryableError{Err: fmt.Errorf("gateway unavailable: %w", err)}
		}
		return fmt.Errorf("gateway rejected request: %w", err)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		wrapped := fmt.Errorf("JSON-RPC error %d: %w", rpcErr.ErrorCode(), err)
		if code := rpcErr.ErrorCode(); code >= -32099 && code <= -32000 {
			return &RetryableError{Err: wrapped}
		}
		return wrapped
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &RetryableError{Err: err}
	}
	return err
}

// signArgs is the eth_signTransaction parameter object.
type signArgs struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.Big    `json:"value"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	ChainID              *hexutil.Big    `json:"chainId"`
}

func newSignArgs(from common.Address, chainID *big.Int, tx *types.Transaction) *signArgs {
	args := &signArgs{
		From:    from,
		To:      tx.To(),
		Gas:     hexutil.Uint64(tx.Gas()),
		Value:   (*hexutil.Big)(tx.Value()),
		Nonce:   hexutil.Uint64(tx.Nonce()),
		Data:    tx.Data(),
		ChainID: (*hexutil.Big)(chainID),
	}
	if tx.Type() == types.DynamicFeeTxType {
		args.MaxFeePerGas = (*hexutil.Big)(tx.GasFeeCap())
		args.MaxPriorityFeePerGas = (*hexutil.Big)(tx.GasTipCap())
	} else {
		args.GasPrice = (*hexutil.Big)(tx.GasPrice())
	}
	return args
}

// signResult accepts both the bare raw transaction returned by POPSigner and
// the {"raw": ..., "tx": ...} object returned by geth and Clef.
type signResult struct {
	raw hexutil.Bytes
}

func (r *signResult) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &r.raw); err == nil {
		return nil
	}

	var obj struct {
		Raw hexutil.Bytes `json:"raw"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("eth_signTransaction result: %w", err)
	}
	if len(obj.Raw) == 0 {
		return errors.New("eth_signTransaction result has no raw transaction")
	}
	r.raw = obj.Raw
	return nil
}

// RetryableError marks a transient signing failure.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient signing failure.
func IsRetryable(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

var _ TransactionSigner = (*RemoteSigner)(nil)
