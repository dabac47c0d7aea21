// Copyright (c) 2025 Justin Cranford

package main

import (
	"fmt"
	"os"

	"license-agent/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
