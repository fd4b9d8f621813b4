package main

import (
	"fmt"
	"os"

	"quipucords/internal/cli"
)

// set with -ldflags "-X main.version=... -X main.commit=..."
var (
	version = ""
	commit  = ""
)

func main() {
	if err := cli.Execute(version, commit); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
