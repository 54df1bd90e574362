package cmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Bidon15/popsigner/deployctl/internal/config"
)

// configView is the resolved configuration as shown by "config show".
type configView struct {
	ConfigFile     string        `json:"config_file" yaml:"config_file"`
	DefaultNetwork string        `json:"default_network" yaml:"default_network"`
	ArtifactsDir   string        `json:"artifacts_dir" yaml:"artifacts_dir"`
	PrivateKey     string        `json:"private_key" yaml:"private_key"`
	Networks       []networkView `json:"networks" yaml:"networks"`
	Solidity       solidityView  `json:"solidity" yaml:"solidity"`
}

type solidityView struct {
	Version   string `json:"version,omitempty" yaml:"version,omitempty"`
	Optimizer struct {
		Enabled bool `json:"enabled" yaml:"enabled"`
		Runs    int  `json:"runs" yaml:"runs"`
		Yul     bool `json:"yul" yaml:"yul"`
	} `json:"optimizer" yaml:"optimizer"`
}

func newConfigCmd(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}

			view := configView{
				ConfigFile:     cfg.ConfigFile,
				DefaultNetwork: cfg.DefaultNetwork,
				ArtifactsDir:   cfg.ArtifactsDir,
				PrivateKey:     config.MaskSecret(cfg.PrivateKey),
			}
			if view.ConfigFile == "" {
				view.ConfigFile = "(none)"
			}
			for _, name := range cfg.NetworkNames() {
				view.Networks = append(view.Networks, newNetworkView(cfg, name))
			}
			view.Solidity.Version = cfg.Solidity.Version
			view.Solidity.Optimizer.Enabled = cfg.Solidity.Optimizer.Enabled
			view.Solidity.Optimizer.Runs = cfg.Solidity.Optimizer.Runs
			view.Solidity.Optimizer.Yul = cfg.Solidity.Optimizer.Details.Yul

			if a.opts.jsonOut {
				return a.printJSON(view)
			}

			enc := yaml.NewEncoder(a.stdout)
			enc.SetIndent(2)
			if err := enc.Encode(view); err != nil {
				return err
			}
			return enc.Close()
		},
	})

	return configCmd
}
