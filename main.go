// ABOUTME: Entry point for the one2track bridge
// ABOUTME: Polls the one2track GPS service and serves device state over a local API

package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
