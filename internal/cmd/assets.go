package cmd

import (
	"fmt"
	"slices"

	"github.com/bashlet/bashlet/internal/artifacts"
	"github.com/bashlet/bashlet/internal/sandbox"
	"github.com/spf13/cobra"
)

var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "Manage downloaded sandbox assets",
}

var assetsFetchCmd = &cobra.Command{
	Use:   "fetch [kind...]",
	Short: "Download and verify assets ahead of time",
	Long: `Download, verify and cache sandbox assets so the first command does not
wait on the network. Without arguments every asset published for this
platform is fetched.

Kinds: vmm, wasm-runtime, kernel, rootfs, sandbox-package`,
	RunE: runAssetsFetch,
}

type fetchedAsset struct {
	Kind artifacts.Kind `json:"kind"`
	Path string         `json:"path"`
}

func init() {
	assetsCmd.AddCommand(assetsFetchCmd)
	rootCmd.AddCommand(assetsCmd)
}

func runAssetsFetch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	var kinds []artifacts.Kind
	for _, arg := range args {
		kind := artifacts.Kind(arg)
		if !slices.Contains(artifacts.Kinds, kind) {
			return fmt.Errorf("%w: unknown asset kind %q", sandbox.ErrConfig, arg)
		}
		kinds = append(kinds, kind)
	}
	if len(kinds) == 0 {
		for _, kind := range artifacts.Kinds {
			if _, err := a.assets.Artifact(kind); err != nil {
				a.log.Debug().Str("kind", string(kind)).Err(err).Msg("not published for this platform, skipping")
				continue
			}
			kinds = append(kinds, kind)
		}
	}

	fetched := make([]fetchedAsset, 0, len(kinds))
	for _, kind := range kinds {
		path, err := a.assets.Ensure(cmd.Context(), kind)
		if err != nil {
			return err
		}
		a.log.Info().Str("kind", string(kind)).Str("path", path).Msg("asset ready")
		fetched = append(fetched, fetchedAsset{Kind: kind, Path: path})
	}
	return writeJSON(cmd.OutOrStdout(), fetched)
}
