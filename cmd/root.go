// Package cmd implements the pktfilter command line.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"grimm.is/pktfilter/internal/brand"
	"grimm.is/pktfilter/internal/config"
	"grimm.is/pktfilter/internal/i18n"
	"grimm.is/pktfilter/internal/logging"
)

// Printer localises CLI output.
var Printer = i18n.NewCLIPrinter()

var (
	configFile string
	serverURL  string
)

var rootCmd = cobra.Command{
	Use:           brand.BinaryName,
	Short:         brand.Description,
	Long:          brand.Name + ": packet classification with a match cache and tiered rule placement.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultConfig := brand.DefaultConfigPath()
	if env := os.Getenv(brand.ConfigEnvPrefix + "_CONFIG"); env != "" {
		defaultConfig = env
	}
	defaultServer := "http://" + brand.DefaultListen
	if env := os.Getenv(brand.ConfigEnvPrefix + "_SERVER"); env != "" {
		defaultServer = env
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfig, "Configuration file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "API base URL of a running daemon")

	rootCmd.AddCommand(&checkCmd)
	rootCmd.AddCommand(&serveCmd)
	rootCmd.AddCommand(&replayCmd)
	rootCmd.AddCommand(&versionCmd)
	rootCmd.AddCommand(&rulesCmd)
	rootCmd.AddCommand(&classifyCmd)
	rootCmd.AddCommand(&exportCmd)
	rootCmd.AddCommand(&watchCmd)
	rootCmd.AddCommand(&diffCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// say prints one localised line.
func say(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, Printer.Sprintf(format, args...))
}

// newLogger builds the process logger from the logging block.
func newLogger(lc *config.LoggingConfig, out io.Writer) (*logging.Logger, error) {
	cfg := logging.DefaultConfig()
	if out != nil {
		cfg.Output = out
	}
	if lc != nil {
		level, err := logging.ParseLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		cfg.Level = level
		cfg.JSON = lc.JSON
		if sl := lc.Syslog; sl != nil {
			facility := sl.Facility
			if facility == 0 {
				facility = logging.DefaultSyslogConfig().Facility
			}
			w, err := logging.NewSyslogWriter(logging.SyslogConfig{
				Host:     sl.Host,
				Port:     sl.Port,
				Protocol: sl.Protocol,
				Tag:      sl.Tag,
				Facility: facility,
			})
			if err != nil {
				return nil, err
			}
			cfg.Syslog = w
		}
	}
	logger := logging.New(cfg)
	logging.SetDefault(logger)
	return logger, nil
}
