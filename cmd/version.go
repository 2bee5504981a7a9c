package cmd

import (
	"fmt"
	"github.com/mnemotechnician/officevulp/officevulp"
	"github.com/spf13/cobra"
	"runtime"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bot's version and build info",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		if versionShort {
			_, _ = fmt.Fprintln(out, officevulp.Version)
			return
		}
		_, _ = fmt.Fprintf(
			out,
			"officevulp %s (commit %s, built %s, %s %s/%s)\n",
			officevulp.Version,
			officevulp.CommitSHA,
			officevulp.BuildTime,
			runtime.Version(),
			runtime.GOOS,
			runtime.GOARCH,
		)
	},
}

//nolint:gochecknoinits
func init() {
	versionCmd.Flags().BoolVar(
		&versionShort,
		"short",
		false,
		"only print the version number",
	)
	rootCmd.AddCommand(versionCmd)
}
