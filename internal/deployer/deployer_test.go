package deployer

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/popsigner/deployctl/internal/artifacts"
	"github.com/Bidon15/popsigner/deployctl/internal/config"
	"github.com/Bidon15/popsigner/deployctl/internal/metrics"
	"github.com/Bidon15/popsigner/deployctl/internal/signer"
)

func TestDeploy_StopLossEndToEnd(t *testing.T) {
	chain := newSimulatedChain(t)
	d := newTestDeployer(t, testNetwork(), testArtifacts(t), chain.factory, signer.LocalProvider(chain.keyHex))

	result, err := d.Deploy(context.Background(), Request{
		Contract: "StopLoss",
		Args:     []string{stopLossArg},
	})
	require.NoError(t, err)

	assert.Equal(t, "StopLoss", result.Contract)
	assert.Len(t, result.Address.Hex(), 42)
	assert.NotEqual(t, common.HexToAddress(stopLossArg), result.Address)
	assert.Equal(t, crypto.CreateAddress(chain.address, 0), result.Address)
	assert.Equal(t, chain.address, result.Deployer)
	assert.NotEqual(t, common.Hash{}, result.TxHash)
	assert.NotZero(t, result.GasUsed)
	assert.NotNil(t, result.BlockNumber)
	assert.Equal(t, int64(1337), result.ChainID.Int64())
	_, err = ulid.ParseStrict(result.RunID)
	assert.NoError(t, err, "run id is a ULID")
	assert.False(t, result.DryRun)

	code, err := chain.backend.Client().CodeAt(context.Background(), result.Address, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, code)
}

func TestDeploy_TwoIdenticalRunsGiveDistinctAddresses(t *testing.T) {
	chain := newSimulatedChain(t)
	d := newTestDeployer(t, testNetwork(), testArtifacts(t), chain.factory, signer.LocalProvider(chain.keyHex))

	req := Request{Contract: "StopLoss", Args: []string{stopLossArg}}
	first, err := d.Deploy(context.Background(), req)
	require.NoError(t, err)
	second, err := d.Deploy(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, first.Address, second.Address)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestDeploy_FullyQualifiedName(t *testing.T) {
	chain := newSimulatedChain(t)
	d := newTestDeployer(t, testNetwork(), testArtifacts(t), chain.factory, signer.LocalProvider(chain.keyHex))

	result, err := d.Deploy(context.Background(), Request{
		Contract: "contracts/StopLoss.sol:StopLoss",
		Args:     []string{stopLossArg},
	})
	require.NoError(t, err)
	assert.Equal(t, "StopLoss", result.Contract)
}

func TestDeploy_UnknownContractIsResolutionError(t *testing.T) {
	chain := newSimulatedChain(t)
	d := newTestDeployer(t, testNetwork(), testArtifacts(t), chain.factory, signer.LocalProvider(chain.keyHex))

	result, err := d.Deploy(context.Background(), Request{Contract: "TakeProfit"})
	require.Error(t, err)
	assert.Nil(t, result)

	var resErr *ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, "TakeProfit", resErr.Contract)
	assert.ErrorIs(t, err, ErrArtifactNotFound)
	assert.Contains(t, err.Error(), "resolution error: TakeProfit")
	assert.Zero(t, chain.factory.dialCount(), "no connection for an unresolvable contract")
}

func TestDeploy_EmptyBytecodeIsResolutionError(t *testing.T) {
	chain := newSimulatedChain(t)
	d := newTestDeployer(t, testNetwork(), testArtifacts(t), chain.factory, signer.LocalProvider(chain.keyHex))

	_, err := d.Deploy(context.Background(), Request{Contract: "IStopLoss"})
	require.Error(t, err)
	assert.True(t, IsResolutionError(err))
}

func TestDeploy_WrongArityNeverSubmits(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing", nil},
		{"extra", []string{stopLossArg, stopLossArg}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newSimulatedChain(t)
			d := newTestDeployer(t, testNetwork(), testArtifacts(t), chain.factory, signer.LocalProvider(chain.keyHex))

			_, err := d.Deploy(context.Background(), Request{Contract: "StopLoss", Args: tt.args})
			require.Error(t, err)
			assert.True(t, IsSubmissionError(err))
			assert.ErrorIs(t, err, ErrArgumentCount)
			assert.Zero(t, chain.factory.dialCount())

			nonce, err := chain.backend.Client().PendingNonceAt(context.Background(), chain.address)
			require.NoError(t, err)
			assert.Zero(t, nonce, "no transaction may be sent")
		})
	}
}

func TestDeploy_BadArgumentTypeIsSubmissionError(t *testing.T) {
	fake := newFakeBackend()
	factory := &fakeFactory{backend: fake}
	d := newTestDeployer(t, testNetwork(), testArtifacts(t), factory, signer.LocalProvider(config.LocalNetworkKey))

	_, err := d.Deploy(context.Background(), Request{Contract: "StopLoss", Args: []string{"not-an-address"}})
	require.Error(t, err)
	assert.True(t, IsSubmissionError(err))
	assert.Contains(t, err.Error(), "_pool")
	assert.Zero(t, factory.dials)
	assert.Empty(t, fake.sentTxs())
}

func TestDeploy_RevertIsConfirmationError(t *testing.T) {
	chain := newSimulatedChain(t)
	d := newTestDeployer(t, testNetwork(), testArtifacts(t), chain.factory, signer.LocalProvider(chain.keyHex))

	_, err := d.Deploy(context.Background(), Request{Contract: "Reverter"})
	require.Error(t, err)

	var confErr *ConfirmationError
	require.True(t, errors.As(err, &confErr))
	assert.NotEmpty(t, confErr.TxHash)
	assert.ErrorIs(t, err, ErrReverted)
}

func TestDeploy_DryRunSendsNothing(t *testing.T) {
	chain := newSimulatedChain(t)
	d := newTestDeployer(t, testNetwork(), testArtifacts(t), chain.factory, signer.LocalProvider(chain.keyHex))

	result, err := d.Deploy(context.Background(), Request{
		Contract: "StopLoss",
		Args:     []string{stopLossArg},
		DryRun:   true,
	})
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, crypto.CreateAddress(chain.address, 0), result.Address)
	assert.Equal(t, common.Hash{}, result.TxHash)

	nonce, err := chain.backend.Client().PendingNonceAt(context.Background(), chain.address)
	require.NoError(t, err)
	assert.Zero(t, nonce)
}

func TestDeploy_InsufficientFunds(t *testing.T) {
	chain := newSimulatedChain(t)
	unfunded, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyHex := common.Bytes2Hex(crypto.FromECDSA(unfunded))

	d := newTestDeployer(t, testNetwork(), testArtifacts(t), chain.factory, signer.LocalProvider(keyHex))

	_, err = d.Deploy(context.Background(), Request{Contract: "StopLoss", Args: []string{stopLossArg}})
	require.Error(t, err)
	assert.True(t, IsSubmissionError(err))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestDeploy_ValueCountsTowardsCost(t *testing.T) {
	fake := newFakeBackend()
	// exactly gas cost for 120k gas at 1 gwei
	fake.balance = big.NewInt(params1Gwei * 120_000)
	d := newTestDeployer(t, testNetwork(), testArtifacts(t), &fakeFactory{backend: fake}, signer.LocalProvider(config.LocalNetworkKey))

	_, err := d.Deploy(context.Background(), Request{
		Contract: "StopLoss",
		Args:     []string{stopLossArg},
		Value:    big.NewInt(1),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Empty(t, fake.sentTxs())
}

func TestDeploy_ChainIDMismatch(t *testing.T) {
	chain := newSimulatedChain(t)
	network := testNetwork()
	network.ChainID = 5

	d := newTestDeployer(t, network, testArtifacts(t), chain.factory, signer.LocalProvider(chain.keyHex))

	_, err := d.Deploy(context.Background(), Request{Contract: "StopLoss", Args: []string{stopLossArg}})
	require.Error(t, err)
	assert.True(t, IsSubmissionError(err))
	assert.ErrorIs(t, err, ErrChainIDMismatch)
}

func TestDeploy_DevKeyRefusedOnMainnet(t *testing.T) {
	fake := newFakeBackend()
	fake.chainID = big.NewInt(1)
	d := newTestDeployer(t, testNetwork(), testArtifacts(t), &fakeFactory{backend: fake}, signer.LocalProvider(config.LocalNetworkKey))

	_, err := d.Deploy(context.Background(), Request{Contract: "StopLoss", Args: []string{stopLossArg}})
	require.Error(t, err)
	assert.True(t, IsSubmissionError(err))
	assert.Contains(t, err.Error(), "Ethereum Mainnet")
	assert.Empty(t, fake.sentTxs())
	assert.Equal(t, 1, fake.closed, "client closed on every path")
}

func TestDeploy_DialFailureIsSubmissionError(t *testing.T) {
	factory := &fakeFactory{err: errors.New("connection refused")}
	d := newTestDeployer(t, testNetwork(), testArtifacts(t), factory, signer.LocalProvider(config.LocalNetworkKey))

	_, err := d.Deploy(context.Background(), Request{Contract: "StopLoss", Args: []string{stopLossArg}})
	require.Error(t, err)
	assert.True(t, IsSubmissionError(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestDeploy_ConfirmTimeout(t *testing.T) {
	fake := newFakeBackend()
	network := testNetwork()
	network.ConfirmTimeout = 30 * time.Millisecond

	d := newTestDeployer(t, network, testArtifacts(t), &fakeFactory{backend: fake}, signer.LocalProvider(config.LocalNetworkKey))

	_, err := d.Deploy(context.Background(), Request{Contract: "StopLoss", Args: []string{stopLossArg}})
	require.Error(t, err)
	assert.True(t, IsConfirmationError(err))
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, fake.sentTxs(), 1, "exactly one transaction, no retries")
}

func TestDeploy_CancelDuringWait(t *testing.T) {
	fake := newFakeBackend()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake.onSend = cancel

	d := newTestDeployer(t, testNetwork(), testArtifacts(t), &fakeFactory{backend: fake}, signer.LocalProvider(config.LocalNetworkKey))

	_, err := d.Deploy(ctx, Request{Contract: "StopLoss", Args: []string{stopLossArg}})
	require.Error(t, err)
	assert.True(t, IsConfirmationError(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeploy_LegacyPricingWithMultiplier(t *testing.T) {
	fake := newFakeBackend()
	fake.receipt = &types.Receipt{
		Status:          types.ReceiptStatusSuccessful,
		ContractAddress: common.HexToAddress("0x1000000000000000000000000000000000000001"),
		BlockNumber:     big.NewInt(7),
		GasUsed:         21000,
	}
	network := testNetwork()
	network.GasMultiplier = 1.5

	d := newTestDeployer(t, network, testArtifacts(t), &fakeFactory{backend: fake}, signer.LocalProvider(config.LocalNetworkKey))

	result, err := d.Deploy(context.Background(), Request{Contract: "StopLoss", Args: []string{stopLossArg}})
	require.NoError(t, err)
	assert.Equal(t, fake.receipt.ContractAddress, result.Address)

	sent := fake.sentTxs()
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
	assert.Equal(t, big.NewInt(1_500_000_000), tx.GasPrice())
	assert.Equal(t, uint64(120_000), tx.Gas(), "estimate plus 20%")
	assert.Nil(t, tx.To())
}

func TestDeploy_DynamicFeesWhenBaseFeePresent(t *testing.T) {
	fake := newFakeBackend()
	fake.baseFee = big.NewInt(10 * params1Gwei)
	fake.gasErr = errors.New("execution reverted")
	fake.receipt = creationReceipt()

	d := newTestDeployer(t, testNetwork(), testArtifacts(t), &fakeFactory{backend: fake}, signer.LocalProvider(config.LocalNetworkKey))

	_, err := d.Deploy(context.Background(), Request{Contract: "StopLoss", Args: []string{stopLossArg}})
	require.NoError(t, err)

	sent := fake.sentTxs()
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, big.NewInt(params1Gwei), tx.GasTipCap())
	assert.Equal(t, big.NewInt(21*params1Gwei), tx.GasFeeCap())
	assert.Equal(t, DefaultGasLimit, tx.Gas(), "fallback when estimation fails")
}

func TestDeploy_RequestOverrides(t *testing.T) {
	fake := newFakeBackend()
	fake.baseFee = big.NewInt(params1Gwei)
	fake.receipt = creationReceipt()

	d := newTestDeployer(t, testNetwork(), testArtifacts(t), &fakeFactory{backend: fake}, signer.LocalProvider(config.LocalNetworkKey))

	_, err := d.Deploy(context.Background(), Request{
		Contract: "StopLoss",
		Args:     []string{stopLossArg},
		GasLimit: 500_000,
		GasPrice: big.NewInt(3 * params1Gwei),
	})
	require.NoError(t, err)

	tx := fake.sentTxs()[0]
	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
	assert.Equal(t, uint64(500_000), tx.Gas())
	assert.Equal(t, big.NewInt(3*params1Gwei), tx.GasPrice())
}

func TestDeploy_RecordsMetrics(t *testing.T) {
	chain := newSimulatedChain(t)
	rec := metrics.NewRecorder()

	d, err := New(Config{
		Network:      testNetwork(),
		Resolver:     artifacts.NewDirResolver(testArtifacts(t)),
		Clients:      chain.factory,
		Signer:       signer.LocalProvider(chain.keyHex),
		Metrics:      rec,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = d.Deploy(context.Background(), Request{Contract: "StopLoss", Args: []string{stopLossArg}})
	require.NoError(t, err)
	_, err = d.Deploy(context.Background(), Request{Contract: "Missing"})
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "deployctl.prom")
	require.NoError(t, rec.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Contains(t, string(data), `deployctl_deployments_total{network="simulated",result="success"} 1`)
	assert.Contains(t, string(data), `deployctl_deployments_total{network="simulated",result="resolution_error"} 1`)
	assert.Contains(t, string(data), `deployctl_deployment_gas_used{contract="StopLoss",network="simulated"}`)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Network: testNetwork()})
	assert.Error(t, err)
}

func TestVariableName(t *testing.T) {
	tests := map[string]string{
		"StopLoss":                        "stopLoss",
		"contracts/StopLoss.sol:StopLoss": "stopLoss",
		"token":                           "token",
		"":                                "",
	}
	for in, want := range tests {
		assert.Equal(t, want, VariableName(in), in)
	}
}

const params1Gwei = 1_000_000_000
