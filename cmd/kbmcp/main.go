// Package main provides the entry point for the kbmcp backend.
package main

import (
	"os"

	"github.com/Aman-CERP/kbmcp/cmd/kbmcp/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
