package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Bidon15/popsigner/deployctl/internal/artifacts"
)

func newArtifactsCmd(a *app) *cobra.Command {
	artifactsCmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Manage compiled contract artifacts",
	}

	var (
		url          string
		sha          string
		dest         string
		skipChecksum bool
	)

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download and extract a prebuilt artifact bundle",
		Long: `Download a .zip or .tzst bundle of compiled artifacts, verify its SHA-256
checksum and extract it into the artifacts directory, so deployments can run
on machines without a Solidity toolchain.

Examples:
  deployctl artifacts fetch \
    --url https://github.com/acme/contracts/releases/download/v1.2.0/artifacts.tzst \
    --sha256 3b1f...e9a0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				return errors.New("--url is required")
			}
			if dest == "" {
				cfg, err := a.config()
				if err != nil {
					return err
				}
				dest = cfg.ArtifactsDir
			}

			fetcher := artifacts.NewBundleFetcher(bundleCacheDir(), a.logger)
			fetcher.SkipChecksum = skipChecksum
			if err := fetcher.Fetch(cmd.Context(), url, sha, dest); err != nil {
				return err
			}

			if a.opts.jsonOut {
				return a.printJSON(map[string]string{"url": url, "dest": dest})
			}
			fmt.Fprintf(a.stdout, "artifacts extracted to %s\n", dest)
			return nil
		},
	}

	fetchCmd.Flags().StringVar(&url, "url", "", "bundle URL (.zip, .tzst or .tar.zst)")
	fetchCmd.Flags().StringVar(&sha, "sha256", "", "expected SHA-256 of the bundle")
	fetchCmd.Flags().StringVar(&dest, "dest", "", "extraction directory (default: artifacts_dir)")
	fetchCmd.Flags().BoolVar(&skipChecksum, "insecure-skip-checksum", false, "skip checksum verification (local testing only)")

	artifactsCmd.AddCommand(fetchCmd)
	return artifactsCmd
}

func bundleCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "deployctl")
	}
	return filepath.Join(dir, "deployctl")
}
