// Command beacond runs a clustered beacon scheduler instance.
package main

import (
	"os"

	"github.com/xraph/beacon/internal/cmd"
)

var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
