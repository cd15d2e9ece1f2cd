// Package main is the entry point for the coalesce correlation daemon.
package main

import (
	"fmt"
	"os"

	"coalesce/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
