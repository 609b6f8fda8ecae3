// Package main is the entry point for the mp4proxy application.
package main

import (
	"os"

	"github.com/jmylchreest/mp4proxy/cmd/mp4proxy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
