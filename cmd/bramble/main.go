package main

import (
	"fmt"
	"os"

	"github.com/bramblectl/bramble/internal/commands"
	"github.com/bramblectl/bramble/internal/version"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	version.Version = Version
	version.Commit = Commit
	version.BuildDate = BuildDate

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
