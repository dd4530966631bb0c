package cmd

import (
	"github.com/spf13/cobra"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "Show which backends can run on this host",
	Long: `List every sandbox backend, whether it can run here and, if not, why.
The backend marked default is the one "auto" selects.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runBackends,
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}

func runBackends(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), a.factory.Available())
}
