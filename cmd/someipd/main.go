// Command someipd is a SOME/IP and SOME/IP-SD routing daemon: it
// brokers requests, responses, events and eventgroup subscriptions
// between local applications and the network, and runs the SOME/IP-SD
// service discovery protocol on their behalf.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
