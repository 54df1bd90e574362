package deployer

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/popsigner/deployctl/internal/artifacts"
	"github.com/Bidon15/popsigner/deployctl/internal/config"
	"github.com/Bidon15/popsigner/deployctl/internal/signer"
)

// stopLossInitCode copies a single 0x00 byte as runtime code and returns it.
// Constructor arguments appended after it are ignored by the EVM.
const stopLossInitCode = "0x6001600c60003960016000f300"

// revertInitCode is PUSH1 0 PUSH1 0 REVERT.
const revertInitCode = "0x60006000fd"

const stopLossArg = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

const stopLossABI = `[
	{"type":"constructor","stateMutability":"nonpayable","inputs":[{"name":"_pool","type":"address","internalType":"address"}]},
	{"type":"function","name":"pool","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address","internalType":"address"}]}
]`

// writeHardhatArtifact writes artifacts/contracts/<name>.sol/<name>.json.
func writeHardhatArtifact(t *testing.T, root, name, abiJSON, bytecode string) {
	t.Helper()
	dir := filepath.Join(root, "contracts", name+".sol")
	require.NoError(t, os.MkdirAll(dir, 0755))

	content := `{
  "_format": "hh-sol-artifact-1",
  "contractName": "` + name + `",
  "sourceName": "contracts/` + name + `.sol",
  "abi": ` + abiJSON + `,
  "bytecode": "` + bytecode + `",
  "deployedBytecode": "0x00",
  "linkReferences": {},
  "deployedLinkReferences": {}
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(content), 0644))
}

// testArtifacts builds an artifacts tree with the contracts used in tests.
func testArtifacts(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeHardhatArtifact(t, root, "StopLoss", stopLossABI, stopLossInitCode)
	writeHardhatArtifact(t, root, "Reverter", `[]`, revertInitCode)
	writeHardhatArtifact(t, root, "IStopLoss", `[]`, "0x")
	return root
}

// autoCommitClient mines a block after every sent transaction.
type autoCommitClient struct {
	simulated.Client
	backend *simulated.Backend
}

func (c *autoCommitClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.Client.SendTransaction(ctx, tx); err != nil {
		return err
	}
	c.backend.Commit()
	return nil
}

func (c *autoCommitClient) Close() {}

type simulatedFactory struct {
	backend *simulated.Backend

	mu    sync.Mutex
	dials int
}

func (f *simulatedFactory) Dial(context.Context, string) (Backend, error) {
	f.mu.Lock()
	f.dials++
	f.mu.Unlock()
	return &autoCommitClient{Client: f.backend.Client(), backend: f.backend}, nil
}

func (f *simulatedFactory) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

type simulatedChain struct {
	backend *simulated.Backend
	factory *simulatedFactory
	key     *ecdsa.PrivateKey
	keyHex  string
	address common.Address
}

func newSimulatedChain(t *testing.T) *simulatedChain {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	funds := new(big.Int).Mul(big.NewInt(1000), big.NewInt(params.Ether))
	backend := simulated.NewBackend(types.GenesisAlloc{
		addr: {Balance: funds},
	})
	t.Cleanup(func() { _ = backend.Close() })

	return &simulatedChain{
		backend: backend,
		factory: &simulatedFactory{backend: backend},
		key:     key,
		keyHex:  hex.EncodeToString(crypto.FromECDSA(key)),
		address: addr,
	}
}

func testNetwork() *config.Network {
	return &config.Network{
		Name: "simulated",
		URL:  "http://simulated.invalid",
	}
}

func newTestDeployer(t *testing.T, network *config.Network, root string, clients ClientFactory, provider signer.Provider) *Deployer {
	t.Helper()
	d, err := New(Config{
		Network:      network,
		Resolver:     artifacts.NewDirResolver(root),
		Clients:      clients,
		Signer:       provider,
		Logger:       slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return d
}

// fakeBackend is a scripted Backend for paths the simulated chain cannot
// reach, such as receipts that never arrive.
type fakeBackend struct {
	mu sync.Mutex

	chainID  *big.Int
	balance  *big.Int
	nonce    uint64
	baseFee  *big.Int
	gasPrice *big.Int
	tipCap   *big.Int
	gas      uint64
	gasErr   error
	receipt  *types.Receipt

	onSend func()

	sent   []*types.Transaction
	closed int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(31337),
		balance:  new(big.Int).Mul(big.NewInt(100), big.NewInt(params.Ether)),
		gasPrice: big.NewInt(params.GWei),
		tipCap:   big.NewInt(params.GWei),
		gas:      100_000,
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return f.gasPrice, nil }

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return f.tipCap, nil }

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.gas, f.gasErr
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	f.sent = append(f.sent, tx)
	f.mu.Unlock()
	if f.onSend != nil {
		f.onSend()
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

func (f *fakeBackend) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

// devAccount is the address of config.LocalNetworkKey.
var devAccount = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

// creationReceipt is a successful receipt for devAccount's first deployment.
func creationReceipt() *types.Receipt {
	return &types.Receipt{
		Status:          types.ReceiptStatusSuccessful,
		ContractAddress: crypto.CreateAddress(devAccount, 0),
		BlockNumber:     big.NewInt(1),
		GasUsed:         21000,
	}
}

type fakeFactory struct {
	backend *fakeBackend
	err     error
	dials   int
}

func (f *fakeFactory) Dial(context.Context, string) (Backend, error) {
	f.dials++
	if f.err != nil {
		return nil, f.err
	}
	return f.backend, nil
}
