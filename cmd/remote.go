package cmd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"grimm.is/pktfilter/internal/api"
	"grimm.is/pktfilter/internal/client"
	"grimm.is/pktfilter/internal/config"
	"grimm.is/pktfilter/internal/filter"
)

// Commands in this file talk to a running daemon through its API.

func newClient() *client.HTTPClient {
	return client.NewHTTPClient(serverURL)
}

var rulesCmd = cobra.Command{
	Use:   "rules",
	Short: "Inspect and change the rules of a running daemon",
}

var (
	rulesReplace   bool
	rulesDeleteNow bool
	changesLimit   int
)

var rulesListCmd = cobra.Command{
	Use:   "list <scope>",
	Short: "List installed rules in evaluation order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := filter.ParseScope(args[0])
		if err != nil {
			return err
		}
		return RunRulesList(cmd.OutOrStdout(), newClient(), scope)
	},
}

var rulesCommitCmd = cobra.Command{
	Use:   "commit <scope> <file>",
	Short: "Commit the rules of <scope> found in a config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := filter.ParseScope(args[0])
		if err != nil {
			return err
		}
		return RunRulesCommit(cmd.OutOrStdout(), newClient(), scope, args[1], rulesReplace)
	},
}

var rulesDeleteCmd = cobra.Command{
	Use:   "delete <scope> <handle>...",
	Short: "Delete rules, staged until apply unless --now is given",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := filter.ParseScope(args[0])
		if err != nil {
			return err
		}
		handles, err := parseHandles(args[1:])
		if err != nil {
			return err
		}
		return newClient().Delete(scope, handles, rulesDeleteNow)
	},
}

var rulesApplyCmd = cobra.Command{
	Use:   "apply <scope>",
	Short: "Apply staged deletions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := filter.ParseScope(args[0])
		if err != nil {
			return err
		}
		return newClient().Apply(scope)
	},
}

var rulesResetCmd = cobra.Command{
	Use:   "reset <scope>",
	Short: "Drop every rule of a scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := filter.ParseScope(args[0])
		if err != nil {
			return err
		}
		return newClient().Reset(scope)
	},
}

var rulesChangesCmd = cobra.Command{
	Use:   "changes",
	Short: "Show the rule change journal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunChanges(cmd.OutOrStdout(), newClient(), changesLimit)
	},
}

var classifyRawIP bool

var classifyCmd = cobra.Command{
	Use:   "classify <scope> <hex>",
	Short: "Classify one packet on a running daemon",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := filter.ParseScope(args[0])
		if err != nil {
			return err
		}
		return RunClassify(cmd.OutOrStdout(), newClient(), scope, args[1], classifyRawIP)
	},
}

var exportOutput string

var exportCmd = cobra.Command{
	Use:   "export",
	Short: "Print the live rule tables as HCL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		return RunExport(w, newClient())
	},
}

var (
	watchScope  string
	watchTopics []string
)

var watchCmd = cobra.Command{
	Use:   "watch",
	Short: "Stream engine events as JSON lines",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := client.StreamOptions{Topics: watchTopics}
		if watchScope != "" {
			scope, err := filter.ParseScope(watchScope)
			if err != nil {
				return err
			}
			opts.Scope = scope
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return RunWatch(ctx, cmd.OutOrStdout(), newClient(), opts)
	},
}

func init() {
	rulesCommitCmd.Flags().BoolVar(&rulesReplace, "replace", false, "Replace the scope's rules instead of appending")
	rulesDeleteCmd.Flags().BoolVar(&rulesDeleteNow, "now", false, "Apply the deletion immediately")
	rulesChangesCmd.Flags().IntVarP(&changesLimit, "limit", "n", 20, "Number of entries, 0 for all")
	rulesCmd.AddCommand(&rulesListCmd, &rulesCommitCmd, &rulesDeleteCmd, &rulesApplyCmd, &rulesResetCmd, &rulesChangesCmd)

	classifyCmd.Flags().BoolVar(&classifyRawIP, "raw-ip", false, "Packet is a bare IP datagram instead of an Ethernet frame")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")
	watchCmd.Flags().StringVar(&watchScope, "scope", "", "Only events of this scope, e.g. v4/lan")
	watchCmd.Flags().StringSliceVar(&watchTopics, "topics", nil, "Topics: decision, rules, tier, cache")
}

// RunRulesList prints the rules of scope.
func RunRulesList(w io.Writer, c *client.HTTPClient, scope filter.Scope) error {
	rules, err := c.Rules(scope)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tNAME\tACTION\tHASHABLE\tMAX PRIORITY")
	for _, r := range rules {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%t\n", r.Handle, r.Rule.Name, r.Rule.Action, r.Rule.Hashable, r.Rule.MaxPriority)
	}
	return tw.Flush()
}

// RunRulesCommit commits the rules configured for scope in file.
func RunRulesCommit(w io.Writer, c *client.HTTPClient, scope filter.Scope, file string, replace bool) error {
	cfg, err := config.LoadFile(file)
	if err != nil {
		return err
	}
	var rules []config.RuleConfig
	found := false
	for _, sc := range cfg.Scopes {
		s, err := sc.Scope()
		if err != nil {
			return err
		}
		if s == scope {
			rules = append(rules, sc.Rules...)
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%s has no scope %s", file, scope)
	}

	res, err := c.Commit(scope, rules, replace)
	if err != nil {
		return err
	}
	for i, r := range res.Results {
		if r.Error != "" {
			fmt.Fprintf(w, "  %s: %s\n", rules[i].Name, r.Error)
		}
	}
	say(w, "%d rules committed, %d failed", res.Committed, res.Failed)
	if res.Failed > 0 {
		return fmt.Errorf("%d rules rejected", res.Failed)
	}
	return nil
}

// RunChanges prints the newest journal entries.
func RunChanges(w io.Writer, c *client.HTTPClient, limit int) error {
	changes, err := c.Changes(limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tSCOPE\tTYPE\tRULES\tDETAIL")
	for _, ch := range changes {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			ch.ID, ch.Timestamp.Format("2006-01-02 15:04:05"), ch.Scope, ch.Type, ch.Rules, ch.Detail)
	}
	return tw.Flush()
}

// RunClassify classifies one hex encoded packet.
func RunClassify(w io.Writer, c *client.HTTPClient, scope filter.Scope, hexPacket string, rawIP bool) error {
	b, err := hex.DecodeString(strings.ReplaceAll(hexPacket, ":", ""))
	if err != nil {
		return fmt.Errorf("invalid packet: %w", err)
	}
	var out *api.ClassifyResponse
	if rawIP {
		out, err = c.ClassifyPacket(scope, b)
	} else {
		out, err = c.ClassifyFrame(scope, b)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "action=%s rule=%d matched=%t status=%s word=0x%08x\n",
		out.Action, out.Rule, out.Matched, out.Status, out.StatusWord)
	return nil
}

// RunExport writes the live tables as HCL.
func RunExport(w io.Writer, c *client.HTTPClient) error {
	data, err := c.Export()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// RunWatch prints events until ctx is done.
func RunWatch(ctx context.Context, w io.Writer, c *client.HTTPClient, opts client.StreamOptions) error {
	enc := json.NewEncoder(w)
	return c.StreamEvents(ctx, opts, func(msg api.WSMessage) error {
		return enc.Encode(msg)
	})
}

func parseHandles(args []string) ([]filter.Handle, error) {
	out := make([]filter.Handle, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseUint(a, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid rule handle %q", a)
		}
		out = append(out, filter.Handle(n))
	}
	return out, nil
}
