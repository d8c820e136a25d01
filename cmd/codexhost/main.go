// Package main provides the entry point for the codexhost CLI.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/codexhost/cmd/codexhost/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
