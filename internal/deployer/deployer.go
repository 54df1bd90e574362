// Package deployer instantiates one compiled contract on an EVM network and
// reports the address it was created at.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/oklog/ulid/v2"

	"github.com/Bidon15/popsigner/deployctl/internal/artifacts"
	"github.com/Bidon15/popsigner/deployctl/internal/config"
	"github.com/Bidon15/popsigner/deployctl/internal/metrics"
	"github.com/Bidon15/popsigner/deployctl/internal/signer"
)

const (
	// DefaultGasLimit is used when gas estimation fails, which is common for
	// large contract creations on some nodes.
	DefaultGasLimit uint64 = 10_000_000

	// DefaultPollInterval is the receipt polling interval.
	DefaultPollInterval = 2 * time.Second

	// gasBufferPercent is added on top of the estimate.
	gasBufferPercent = 20
)

// Request describes one deployment.
type Request struct {
	// Contract is a bare ("StopLoss") or fully qualified
	// ("contracts/StopLoss.sol:StopLoss") contract name.
	Contract string

	// Args are constructor arguments in declaration order.
	Args []string

	// Value is sent to a payable constructor. Nil means zero.
	Value *big.Int

	// GasLimit overrides estimation when non-zero.
	GasLimit uint64

	// GasPrice forces a legacy transaction at this price when non-nil.
	GasPrice *big.Int

	// DryRun stops before signing and reports the predicted address.
	DryRun bool
}

// Result describes a confirmed (or, for dry runs, predicted) deployment.
type Result struct {
	RunID       string         `json:"run_id"`
	Contract    string         `json:"contract"`
	Network     string         `json:"network"`
	ChainID     *big.Int       `json:"chain_id"`
	Deployer    common.Address `json:"deployer"`
	Address     common.Address `json:"address"`
	TxHash      common.Hash    `json:"tx_hash,omitempty"`
	BlockNumber *big.Int       `json:"block_number,omitempty"`
	GasUsed     uint64         `json:"gas_used,omitempty"`
	DryRun      bool           `json:"dry_run,omitempty"`
}

// Config holds the collaborators of a Deployer.
type Config struct {
	Network  *config.Network
	Solidity config.Solidity
	Resolver artifacts.Resolver
	Clients  ClientFactory
	Signer   signer.Provider
	Logger   *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Recorder

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
}

// Deployer runs resolve, submit, await and report for a single contract.
type Deployer struct {
	network      *config.Network
	solidity     config.Solidity
	resolver     artifacts.Resolver
	clients      ClientFactory
	signer       signer.Provider
	logger       *slog.Logger
	metrics      *metrics.Recorder
	pollInterval time.Duration
}

// New creates a Deployer.
func New(cfg Config) (*Deployer, error) {
	if cfg.Network == nil {
		return nil, errors.New("network is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if cfg.Clients == nil {
		return nil, errors.New("client factory is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer provider is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	return &Deployer{
		network:      cfg.Network,
		solidity:     cfg.Solidity,
		resolver:     cfg.Resolver,
		clients:      cfg.Clients,
		signer:       cfg.Signer,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		pollInterval: cfg.PollInterval,
	}, nil
}

// Deploy submits exactly one contract-creation transaction and waits for its
// receipt. Errors are *ResolutionError, *SubmissionError or *ConfirmationError.
func (d *Deployer) Deploy(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	runID := ulid.Make().String()
	logger := d.logger.With(
		slog.String("run_id", runID),
		slog.String("contract", req.Contract),
		slog.String("network", d.network.Name),
	)

	result, err := d.deploy(ctx, logger, runID, req)

	outcome := outcomeOf(result, err)
	d.metrics.RecordDeployment(d.network.Name, outcome, time.Since(start))
	if err != nil {
		logger.Error("deployment failed", slog.String("error", err.Error()))
		return nil, err
	}
	if !result.DryRun {
		d.metrics.RecordSuccess(d.network.Name, result.Contract, result.GasUsed, time.Now())
	}
	return result, nil
}

func (d *Deployer) deploy(ctx context.Context, logger *slog.Logger, runID string, req Request) (*Result, error) {
	artifact, err := d.resolve(logger, req.Contract)
	if err != nil {
		return nil, &ResolutionError{Contract: req.Contract, Err: err}
	}
	contract := artifact.ContractName

	submitErr := func(err error) error {
		return &SubmissionError{Contract: contract, Err: err}
	}

	// Arguments are checked before dialing so a bad call never reaches the chain
	parsedABI, err := artifact.ParsedABI()
	if err != nil {
		return nil, &ResolutionError{Contract: req.Contract, Err: fmt.Errorf("parse ABI: %w", err)}
	}
	args, err := ParseArgs(parsedABI.Constructor.Inputs, req.Args)
	if err != nil {
		return nil, submitErr(err)
	}
	data, err := artifact.DeployData(args...)
	if err != nil {
		return nil, submitErr(err)
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	client, err := d.clients.Dial(ctx, d.network.URL)
	if err != nil {
		return nil, submitErr(fmt.Errorf("connect to %s: %w", d.network.URL, err))
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, submitErr(fmt.Errorf("get chain ID: %w", err))
	}
	if d.network.ChainID != 0 && chainID.Uint64() != d.network.ChainID {
		return nil, submitErr(fmt.Errorf("%w: network %q expects %d, endpoint reports %s",
			ErrChainIDMismatch, d.network.Name, d.network.ChainID, chainID))
	}

	txSigner, err := d.signer(chainID)
	if err != nil {
		return nil, submitErr(fmt.Errorf("create signer: %w", err))
	}
	from := txSigner.Address()

	logger = logger.With(
		slog.String("deployer", from.Hex()),
		slog.String("chain_id", chainID.String()),
	)

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, submitErr(fmt.Errorf("get nonce: %w", err))
	}

	fees, err := d.fees(ctx, client, req.GasPrice)
	if err != nil {
		return nil, submitErr(err)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = d.estimateGas(ctx, logger, client, from, value, data, fees)
	}

	cost := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), fees.maxPrice())
	cost.Add(cost, value)
	balance, err := client.BalanceAt(ctx, from, nil)
	if err != nil {
		return nil, submitErr(fmt.Errorf("get balance: %w", err))
	}
	if balance.Cmp(cost) < 0 {
		return nil, submitErr(fmt.Errorf("%w: %s has %s wei, needs %s wei", ErrInsufficientFunds, from.Hex(), balance, cost))
	}

	predicted := crypto.CreateAddress(from, nonce)
	result := &Result{
		RunID:    runID,
		Contract: contract,
		Network:  d.network.Name,
		ChainID:  chainID,
		Deployer: from,
		Address:  predicted,
	}

	if req.DryRun {
		logger.Info("dry run, transaction not sent",
			slog.String("predicted_address", predicted.Hex()),
			slog.Uint64("nonce", nonce),
			slog.Uint64("gas_limit", gasLimit),
		)
		result.DryRun = true
		return result, nil
	}

	tx := fees.newContractCreation(chainID, nonce, gasLimit, value, data)
	signedTx, err := txSigner.SignTransaction(ctx, tx)
	if err != nil {
		return nil, submitErr(fmt.Errorf("sign transaction: %w", err))
	}
	if err := signer.VerifySigned(tx, signedTx, from, chainID); err != nil {
		return nil, submitErr(err)
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return nil, submitErr(fmt.Errorf("send transaction: %w", err))
	}
	txHash := signedTx.Hash()
	result.TxHash = txHash

	logger.Info("contract creation submitted",
		slog.String("tx_hash", txHash.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas_limit", gasLimit),
	)

	receipt, err := d.waitForReceipt(ctx, client, txHash)
	if err != nil {
		return nil, &ConfirmationError{Contract: contract, TxHash: txHash.Hex(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &ConfirmationError{
			Contract: contract,
			TxHash:   txHash.Hex(),
			Err:      fmt.Errorf("%w in block %s", ErrReverted, receipt.BlockNumber),
		}
	}

	if receipt.ContractAddress == (common.Address{}) {
		return nil, &ConfirmationError{Contract: contract, TxHash: txHash.Hex(), Err: ErrNoContractCreated}
	}
	if receipt.ContractAddress != predicted {
		logger.Warn("deployed address differs from prediction",
			slog.String("predicted", predicted.Hex()),
			slog.String("address", receipt.ContractAddress.Hex()),
		)
	}
	result.Address = receipt.ContractAddress
	result.BlockNumber = receipt.BlockNumber
	result.GasUsed = receipt.GasUsed

	logger.Info("contract deployed",
		slog.String("address", result.Address.Hex()),
		slog.String("tx_hash", txHash.Hex()),
		slog.Uint64("gas_used", receipt.GasUsed),
	)
	return result, nil
}

// resolve loads the artifact, checks it has deployable bytecode and warns
// when it was compiled with settings other than the configured ones.
func (d *Deployer) resolve(logger *slog.Logger, name string) (*artifacts.Artifact, error) {
	artifact, err := d.resolver.Resolve(name)
	if err != nil {
		return nil, err
	}
	code, err := artifact.BytecodeBytes()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", artifact.FullyQualifiedName(), err)
	}

	info, err := artifact.BuildInfo()
	if err != nil {
		logger.Debug("build info unavailable", slog.String("error", err.Error()))
	} else if info != nil {
		for _, diff := range d.solidity.CompilerMismatches(info.SolcVersion, info.OptimizerEnabled, info.OptimizerRuns) {
			logger.Warn("artifact compiler settings differ from configuration", slog.String("detail", diff))
		}
	}

	logger.Debug("artifact resolved",
		slog.String("path", artifact.Path),
		slog.String("name", artifact.FullyQualifiedName()),
		slog.Int("bytecode_size", len(code)),
	)
	return artifact, nil
}

func (d *Deployer) estimateGas(ctx context.Context, logger *slog.Logger, client Backend, from common.Address, value *big.Int, data []byte, fees *feeParams) uint64 {
	msg := ethereum.CallMsg{
		From:  from,
		To:    nil, // contract creation
		Value: value,
		Data:  data,
	}
	if fees.gasPrice != nil {
		msg.GasPrice = fees.gasPrice
	} else {
		msg.GasFeeCap = fees.gasFeeCap
		msg.GasTipCap = fees.gasTipCap
	}

	gasLimit, err := client.EstimateGas(ctx, msg)
	if err != nil {
		logger.Warn("gas estimation failed, using default",
			slog.Uint64("gas_limit", DefaultGasLimit),
			slog.String("error", err.Error()),
		)
		return DefaultGasLimit
	}
	return gasLimit * (100 + gasBufferPercent) / 100
}

// waitForReceipt polls until the receipt is available or ctx ends. The
// network profile's ConfirmTimeout, when set, bounds the wait.
func (d *Deployer) waitForReceipt(ctx context.Context, client Backend, txHash common.Hash) (*types.Receipt, error) {
	if d.network.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.network.ConfirmTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			d.logger.Debug("receipt poll failed", slog.String("tx_hash", txHash.Hex()), slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrConfirmationTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// feeParams holds either a legacy gas price or EIP-1559 fee caps.
type feeParams struct {
	gasPrice  *big.Int
	gasTipCap *big.Int
	gasFeeCap *big.Int
}

func (f *feeParams) maxPrice() *big.Int {
	if f.gasPrice != nil {
		return f.gasPrice
	}
	return f.gasFeeCap
}

func (f *feeParams) newContractCreation(chainID *big.Int, nonce, gasLimit uint64, value *big.Int, data []byte) *types.Transaction {
	if f.gasPrice != nil {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: f.gasPrice,
			Gas:      gasLimit,
			To:       nil,
			Value:    value,
			Data:     data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: f.gasTipCap,
		GasFeeCap: f.gasFeeCap,
		Gas:       gasLimit,
		To:        nil,
		Value:     value,
		Data:      data,
	})
}

// fees picks the transaction pricing. An explicit price (request, then
// network profile) yields a legacy transaction. Otherwise EIP-1559 caps are
// used when the head block carries a base fee, and the node's suggested
// legacy price when it does not. GasMultiplier scales suggested prices.
func (d *Deployer) fees(ctx context.Context, client Backend, override *big.Int) (*feeParams, error) {
	if override != nil {
		return &feeParams{gasPrice: override}, nil
	}
	if d.network.GasPrice != "" {
		price, err := ParseValue(d.network.GasPrice)
		if err != nil {
			return nil, fmt.Errorf("parse network gas price: %w", err)
		}
		return &feeParams{gasPrice: price}, nil
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("get block header: %w", err)
	}

	if header.BaseFee != nil {
		tip, err := client.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas tip cap: %w", err)
		}
		tip = d.scale(tip)
		feeCap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
		feeCap.Add(feeCap, tip)
		return &feeParams{gasTipCap: tip, gasFeeCap: feeCap}, nil
	}

	price, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return &feeParams{gasPrice: d.scale(price)}, nil
}

func (d *Deployer) scale(v *big.Int) *big.Int {
	m := d.network.GasMultiplier
	if m <= 0 || m == 1 {
		return v
	}
	// Work in thousandths to stay in integer arithmetic
	out := new(big.Int).Mul(v, big.NewInt(int64(m*1000)))
	return out.Div(out, big.NewInt(1000))
}

func outcomeOf(result *Result, err error) string {
	switch {
	case err == nil && result.DryRun:
		return metrics.ResultDryRun
	case err == nil:
		return metrics.ResultSuccess
	case IsResolutionError(err):
		return metrics.ResultResolutionError
	case IsConfirmationError(err):
		return metrics.ResultConfirmationError
	default:
		return metrics.ResultSubmissionError
	}
}

// VariableName returns the name a deployment script would bind the contract
// to: the contract name with its first letter lowercased ("StopLoss" becomes
// "stopLoss"). A fully qualified name is reduced to the contract part.
func VariableName(contract string) string {
	if i := strings.LastIndex(contract, ":"); i >= 0 {
		contract = contract[i+1:]
	}
	r, size := utf8.DecodeRuneInString(contract)
	if r == utf8.RuneError {
		return contract
	}
	return string(unicode.ToLower(r)) + contract[size:]
}
