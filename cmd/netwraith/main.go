// Package main provides the netwraith entry point.
package main

import (
	"fmt"
	"os"

	"github.com/netwraith/netwraith/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
