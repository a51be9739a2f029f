package cmd

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"grimm.is/pktfilter/internal/config"
	"grimm.is/pktfilter/internal/ctlplane"
	"grimm.is/pktfilter/internal/filter"
	"grimm.is/pktfilter/internal/logging"
)

var replayRawIP bool

var replayCmd = cobra.Command{
	Use:   "replay <trace-file>",
	Short: "Classify a packet trace against the configured rules",
	Long: `Replay reads a trace with one packet per line, "<ip>/<table> <hex>", and
prints the decision for each. Blank lines and lines starting with # are
skipped. Use - to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunReplay(cmd.OutOrStdout(), configFile, args[0], replayRawIP)
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayRawIP, "raw-ip", false, "Trace holds bare IP datagrams instead of Ethernet frames")
}

// RunReplay builds an engine from the configuration and classifies every
// packet of the trace. It fails if any line could not be classified.
func RunReplay(w io.Writer, cfgPath, tracePath string, rawIP bool) error {
	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	opts.Logger = logging.Discard()
	ctl := ctlplane.New(filter.New(opts), nil, opts.Logger)
	if err := ctl.Bootstrap(cfg); err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if tracePath != "-" {
		f, err := os.Open(tracePath)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	return replay(w, ctl, in, rawIP)
}

func replay(w io.Writer, ctl *ctlplane.Controller, in io.Reader, rawIP bool) error {
	var classified, failed int
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		out, scope, err := replayLine(ctl, line, rawIP)
		if err != nil {
			failed++
			fmt.Fprintf(w, "%d\terror\t%v\n", lineNo, err)
			continue
		}
		classified++
		fmt.Fprintf(w, "%d\t%s\t%s\trule=%d\t%s\t0x%08x\n",
			lineNo, scope, out.Action, out.Rule, out.Status, out.StatusWord())
	}
	if err := sc.Err(); err != nil {
		return err
	}

	say(w, "%d packets classified, %d errors", classified, failed)
	if failed > 0 {
		return fmt.Errorf("%d trace lines failed", failed)
	}
	return nil
}

func replayLine(ctl *ctlplane.Controller, line string, rawIP bool) (filter.Outcome, filter.Scope, error) {
	scopeText, payload, ok := strings.Cut(line, " ")
	if !ok {
		return filter.Outcome{}, filter.Scope{}, fmt.Errorf("expected \"<scope> <hex>\"")
	}
	scope, err := filter.ParseScope(scopeText)
	if err != nil {
		return filter.Outcome{}, scope, err
	}
	b, err := hex.DecodeString(strings.Join(strings.Fields(payload), ""))
	if err != nil {
		return filter.Outcome{}, scope, err
	}

	var out filter.Outcome
	if rawIP {
		out, err = ctl.ClassifyDatagram(scope, b)
	} else {
		out, err = ctl.ClassifyFrame(scope, b)
	}
	return out, scope, err
}
