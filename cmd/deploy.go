package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/Bidon15/popsigner/deployctl/internal/artifacts"
	"github.com/Bidon15/popsigner/deployctl/internal/config"
	"github.com/Bidon15/popsigner/deployctl/internal/deployer"
	"github.com/Bidon15/popsigner/deployctl/internal/metrics"
	"github.com/Bidon15/popsigner/deployctl/internal/signer"
)

type deployOptions struct {
	network        string
	value          string
	gasLimit       uint64
	gasPrice       string
	accountIndex   int
	confirmTimeout time.Duration
	dryRun         bool
	metricsFile    string
}

func newDeployCmd(a *app) *cobra.Command {
	var opts deployOptions

	cmd := &cobra.Command{
		Use:   "deploy <contract> [constructor-args...]",
		Short: "Deploy a compiled contract and print its address",
		Long: `Deploy one compiled contract to the selected network and wait for the
creation transaction to be mined.

The contract is looked up by name in the artifacts directory (Hardhat
artifacts/ or Foundry out/). Use a fully qualified name such as
contracts/StopLoss.sol:StopLoss when a bare name is ambiguous.

Constructor arguments follow the contract name in declaration order. Arrays
are given as JSON, e.g. '["0xabc...","0xdef..."]'.

Examples:
  # Deploy StopLoss to the default network
  deployctl deploy StopLoss 0x5FbDB2315678afecb367f032d93F642f64180aa3

  # Deploy to the docker network with an explicit gas price
  deployctl deploy --network docker --gas-price 2gwei StopLoss 0x5FbDB2315678afecb367f032d93F642f64180aa3

  # Show the address the contract would get without sending anything
  deployctl deploy --dry-run StopLoss 0x5FbDB2315678afecb367f032d93F642f64180aa3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDeploy(cmd, opts, args[0], args[1:])
		},
	}

	cmd.Flags().StringVarP(&opts.network, "network", "n", "", "network profile (default from config or DEPLOYCTL_NETWORK)")
	cmd.Flags().StringVar(&opts.value, "value", "", "value sent to a payable constructor (e.g. 1ether, 100gwei)")
	cmd.Flags().Uint64Var(&opts.gasLimit, "gas-limit", 0, "gas limit (default: estimate + 20%)")
	cmd.Flags().StringVar(&opts.gasPrice, "gas-price", "", "legacy gas price (e.g. 2gwei; default: node suggestion)")
	cmd.Flags().IntVar(&opts.accountIndex, "account-index", 0, "index into the network's account list")
	cmd.Flags().DurationVar(&opts.confirmTimeout, "confirm-timeout", 0, "give up waiting for the receipt after this long (default: wait indefinitely)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "resolve and price the deployment without sending it")
	cmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics for this run to a textfile")

	return cmd
}

func (a *app) runDeploy(cmd *cobra.Command, opts deployOptions, contract string, ctorArgs []string) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}

	network, err := cfg.Network(opts.network)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("confirm-timeout") {
		network.ConfirmTimeout = opts.confirmTimeout
	}

	provider, err := signerFor(cfg, network, opts.accountIndex)
	if err != nil {
		return err
	}

	req := deployer.Request{
		Contract: contract,
		Args:     ctorArgs,
		GasLimit: opts.gasLimit,
		DryRun:   opts.dryRun,
	}
	if opts.value != "" {
		if req.Value, err = deployer.ParseValue(opts.value); err != nil {
			return fmt.Errorf("invalid --value: %w", err)
		}
	}
	if opts.gasPrice != "" {
		if req.GasPrice, err = deployer.ParseValue(opts.gasPrice); err != nil {
			return fmt.Errorf("invalid --gas-price: %w", err)
		}
	}

	var rec *metrics.Recorder
	if opts.metricsFile != "" {
		rec = metrics.NewRecorder()
	}

	d, err := deployer.New(deployer.Config{
		Network:  network,
		Solidity: cfg.Solidity,
		Resolver: artifacts.NewDirResolver(cfg.ArtifactsDir),
		Clients:  a.clients,
		Signer:   provider,
		Logger:   a.logger,
		Metrics:  rec,
	})
	if err != nil {
		return err
	}

	result, deployErr := d.Deploy(cmd.Context(), req)

	if err := rec.WriteTextfile(opts.metricsFile); err != nil {
		a.logger.Warn("failed to write metrics", slog.String("error", err.Error()))
	}

	if deployErr != nil {
		return deployErr
	}

	if a.opts.jsonOut {
		return a.printJSON(result)
	}
	if result.DryRun {
		a.logger.Info("dry run: address is predicted, nothing was sent")
	}
	fmt.Fprintf(a.stdout, "%s address: %s\n", deployer.VariableName(result.Contract), result.Address.Hex())
	return nil
}

// signerFor picks the signing backend for a network. A private key from the
// environment wins over a configured remote signer, which wins over the
// network's account list.
func signerFor(cfg *config.Config, network *config.Network, accountIndex int) (signer.Provider, error) {
	if network.RemoteSigner != nil && cfg.PrivateKey == "" {
		if accountIndex != 0 {
			return nil, fmt.Errorf("--account-index cannot be used with the remote_signer of network %q", network.Name)
		}
		rs := network.RemoteSigner
		return signer.RemoteProvider(signer.RemoteConfig{
			Endpoint: rs.Endpoint,
			APIKey:   rs.APIKey,
			Address:  common.HexToAddress(rs.Address),
		}), nil
	}

	if len(network.Accounts) == 0 {
		return nil, fmt.Errorf("network %q has neither accounts nor remote_signer configured", network.Name)
	}
	key, err := network.Account(accountIndex)
	if err != nil {
		return nil, err
	}
	return signer.LocalProvider(key), nil
}
