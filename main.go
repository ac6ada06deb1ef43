// Package main is the entry point for the rzkeychange measurement agent.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/rzkeychange/cmd"
	_ "firestige.xyz/rzkeychange/plugins"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
