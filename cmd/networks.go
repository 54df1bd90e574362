package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Bidon15/popsigner/deployctl/internal/config"
)

// networkView is the display form of a network profile with secrets masked.
type networkView struct {
	Name         string   `json:"name" yaml:"name"`
	Default      bool     `json:"default" yaml:"default"`
	URL          string   `json:"url" yaml:"url"`
	ChainID      uint64   `json:"chain_id,omitempty" yaml:"chain_id,omitempty"`
	Accounts     []string `json:"accounts,omitempty" yaml:"accounts,omitempty"`
	RemoteSigner string   `json:"remote_signer,omitempty" yaml:"remote_signer,omitempty"`
	GasPrice     string   `json:"gas_price,omitempty" yaml:"gas_price,omitempty"`
	Confirm      string   `json:"confirm_timeout,omitempty" yaml:"confirm_timeout,omitempty"`
}

func newNetworkView(cfg *config.Config, name string) networkView {
	n := cfg.Networks[name]
	v := networkView{
		Name:     name,
		Default:  name == cfg.DefaultNetwork,
		URL:      n.URL,
		ChainID:  n.ChainID,
		GasPrice: n.GasPrice,
	}
	for _, acct := range n.Accounts {
		v.Accounts = append(v.Accounts, config.MaskSecret(acct))
	}
	if n.RemoteSigner != nil {
		v.RemoteSigner = n.RemoteSigner.Address + " via " + n.RemoteSigner.Endpoint
	}
	if n.ConfirmTimeout > 0 {
		v.Confirm = n.ConfirmTimeout.String()
	}
	return v
}

func newNetworksCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "List configured networks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}

			views := make([]networkView, 0, len(cfg.Networks))
			for _, name := range cfg.NetworkNames() {
				views = append(views, newNetworkView(cfg, name))
			}

			if a.opts.jsonOut {
				return a.printJSON(views)
			}

			w := a.newTable()
			a.printTableHeader(w, "NAME", "URL", "CHAIN ID", "SIGNER")
			for _, v := range views {
				name := v.Name
				if v.Default {
					name += " (default)"
				}
				chainID := "-"
				if v.ChainID != 0 {
					chainID = strconv.FormatUint(v.ChainID, 10)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, v.URL, chainID, signerSummary(v))
			}
			return w.Flush()
		},
	}
}

func signerSummary(v networkView) string {
	switch {
	case v.RemoteSigner != "":
		return "remote " + v.RemoteSigner
	case len(v.Accounts) == 1:
		return "key " + v.Accounts[0]
	case len(v.Accounts) > 1:
		return fmt.Sprintf("%d keys", len(v.Accounts))
	default:
		return "-"
	}
}
