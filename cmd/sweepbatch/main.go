package main

import (
	"os"

	"github.com/psantana5/sweepbatch/cmd/sweepbatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
