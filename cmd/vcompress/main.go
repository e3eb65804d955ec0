// Package main is the entry point for the vcompress application.
package main

import (
	"os"

	"github.com/jmylchreest/vcompress/cmd/vcompress/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
