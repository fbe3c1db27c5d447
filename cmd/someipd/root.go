package main

import (
	"github.com/spf13/cobra"
)

// rootCmd is the someipd binary's top-level Cobra command, grounded on
// linkerd2's cli/cmd.RootCmd shape stripped to the handful of
// subcommands this daemon actually needs.
var rootCmd = &cobra.Command{
	Use:   "someipd",
	Short: "SOME/IP and SOME/IP-SD routing daemon",
	Long:  "someipd routes SOME/IP requests, responses and events between local applications and the network, and runs the SOME/IP-SD service discovery protocol.",
}

func init() {
	rootCmd.AddCommand(newCmdRun())
	rootCmd.AddCommand(newCmdVersion())
	rootCmd.AddCommand(newCmdStatus())
}
