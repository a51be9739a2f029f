package cmd

import (
	"io"
	"sort"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"grimm.is/pktfilter/internal/client"
	"grimm.is/pktfilter/internal/config"
)

var diffCmd = cobra.Command{
	Use:   "diff [file]",
	Short: "Compare configured rules with the live tables of a running daemon",
	Long: `Diff renders the scopes of a config file (default --config) the way
export prints the live tables and shows a unified diff between them. Rules
are compared in evaluation order.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if len(args) == 1 {
			path = args[0]
		}
		return RunDiff(cmd.OutOrStdout(), newClient(), path)
	},
}

// RunDiff prints a unified diff from the live tables to the rules of file.
func RunDiff(w io.Writer, c *client.HTTPClient, file string) error {
	cfg, err := config.LoadFile(file)
	if err != nil {
		return err
	}
	configured, err := canonicalScopes(cfg.Scopes)
	if err != nil {
		return err
	}
	live, err := c.Export()
	if err != nil {
		return err
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(live)),
		B:        difflib.SplitLines(string(config.EncodeScopesHCL(configured))),
		FromFile: "live",
		ToFile:   file,
		Context:  3,
	})
	if err != nil {
		return err
	}
	if text == "" {
		say(w, "No changes.")
		return nil
	}
	_, err = io.WriteString(w, text)
	return err
}

// canonicalScopes rewrites configured scopes into the form the engine
// exports: one block per scope, normalized attribute syntax, rules in
// evaluation order.
func canonicalScopes(scopes []config.ScopeConfig) ([]config.ScopeConfig, error) {
	byScope := make(map[string]*config.ScopeConfig)
	var keys []string
	for _, sc := range scopes {
		scope, specs, err := sc.Specs()
		if err != nil {
			return nil, err
		}
		key := scope.String()
		out, ok := byScope[key]
		if !ok {
			out = &config.ScopeConfig{IP: scope.IP.String(), Table: scope.Table}
			byScope[key] = out
			keys = append(keys, key)
		}
		for _, spec := range specs {
			out.Rules = append(out.Rules, config.FromSpec(spec))
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := byScope[keys[i]], byScope[keys[j]]
		if a.IP != b.IP {
			return a.IP < b.IP
		}
		return a.Table < b.Table
	})

	result := make([]config.ScopeConfig, 0, len(keys))
	for _, k := range keys {
		sc := byScope[k]
		sort.SliceStable(sc.Rules, func(i, j int) bool {
			return evalRank(sc.Rules[i]) < evalRank(sc.Rules[j])
		})
		result = append(result, *sc)
	}
	return result, nil
}

// evalRank orders non-hashable before hashable, max-priority first within each.
func evalRank(r config.RuleConfig) int {
	rank := 0
	if r.Hashable {
		rank += 2
	}
	if !r.MaxPriority {
		rank++
	}
	return rank
}

