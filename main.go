package main

import (
	"fmt"
	"os"

	"grimm.is/pktfilter/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, cmd.Printer.Sprintf("Error: %v", err))
		os.Exit(1)
	}
}
