package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vcompress/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show build information",
	Long: `Show the version, commit and build date stamped into this binary.

Release builds set them with -ldflags "-X .../internal/version.Version=...".
Anything not set there is taken from the module version and VCS settings the
Go toolchain embeds, which covers "go install" and plain "go build" from a
checkout.`,
	Args: cobra.NoArgs,
	RunE: runVersion,
}

func init() {
	versionCmd.Flags().Bool("json", false, "print the build information as JSON")
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, _ []string) error {
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}

	out := version.String()
	if asJSON {
		out = version.JSON()
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
	return err
}
