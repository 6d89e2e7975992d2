package main

import (
	"os"

	"github.com/tanneberger/platin/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
