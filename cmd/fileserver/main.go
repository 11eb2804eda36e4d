package main

import (
	"os"

	"github.com/psantana5/fileserver/cmd/fileserver/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
