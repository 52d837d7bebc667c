// Package main is the corpusflow admin CLI.
package main

import (
	"fmt"
	"os"

	"github.com/kiranshivaraju/corpusflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
