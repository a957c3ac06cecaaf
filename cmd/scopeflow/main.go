package main

import (
	"os"

	"scopeflow/cmd/scopeflow/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
