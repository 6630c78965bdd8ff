package main

import (
	"os"

	"github.com/tjfontaine/sitepipe/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
