package main

import (
	"fmt"
	"os"

	"github.com/QubesOS/qubes-ansible/cmd/qubes-ansible/commands"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	if err := commands.Execute(Version); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(2)
	}
}
