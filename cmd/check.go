package cmd

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"grimm.is/pktfilter/internal/brand"
	"grimm.is/pktfilter/internal/config"
)

var checkVerbose bool

var checkCmd = cobra.Command{
	Use:   "check [config-file]",
	Short: "Validate a configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if len(args) == 1 {
			path = args[0]
		}
		return RunCheck(cmd.OutOrStdout(), path, checkVerbose)
	},
}

func init() {
	checkCmd.Flags().BoolVarP(&checkVerbose, "verbose", "v", false, "Print a summary of every scope")
}

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(w io.Writer, path string, verbose bool) error {
	if path == "" {
		return fmt.Errorf("usage: %s check [-v] <config-file>", brand.BinaryName)
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		say(w, "Configuration is invalid")
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			for _, e := range verrs {
				fmt.Fprintf(w, "  - %s\n", e.Error())
			}
		}
		return fmt.Errorf("configuration invalid: %w", err)
	}

	say(w, "Configuration is valid (%d scopes)", len(cfg.Scopes))
	if verbose {
		printSummary(w, cfg)
	}
	return nil
}

func printSummary(w io.Writer, cfg *config.Config) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCOPE\tRULES\tHASHABLE\tMAX PRIORITY")
	for _, sc := range cfg.Scopes {
		var hashable, maxPrio int
		for _, r := range sc.Rules {
			if r.Hashable {
				hashable++
			}
			if r.MaxPriority {
				maxPrio++
			}
		}
		fmt.Fprintf(tw, "%s/%s\t%d\t%d\t%d\n", sc.IP, sc.Table, len(sc.Rules), hashable, maxPrio)
	}
	tw.Flush()

	if e := cfg.Engine; e != nil {
		fmt.Fprintf(w, "\nEngine: fast_tier_capacity=%d cache_size=%d max_rules_per_scope=%d\n",
			e.FastTierCapacity, e.CacheSize, e.MaxRulesPerScope)
	}
}
