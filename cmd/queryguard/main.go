// Package main is the entry point for the queryguard CLI binary.
package main

import (
	"os"

	cli "queryguard/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
