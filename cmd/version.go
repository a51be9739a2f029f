package cmd

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"grimm.is/pktfilter/internal/brand"
)

var versionCmd = cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		RunVersion(cmd.OutOrStdout())
	},
}

// RunVersion prints the build identity.
func RunVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", brand.Name, brand.Version)
	fmt.Fprintf(w, "  commit: %s\n", brand.GitCommit)
	fmt.Fprintf(w, "  built:  %s\n", brand.BuildTime)
	fmt.Fprintf(w, "  go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
