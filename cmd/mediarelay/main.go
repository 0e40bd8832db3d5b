// mediarelay - media ingestion and relay daemon
package main

import (
	"os"

	"github.com/relaybot/mediarelay/internal/cli"
)

// Version information, injected via LDFLAGS by the Makefile. The
// defaults cover ad-hoc go build invocations.
var (
	Version   = "v1.2.0-dev"
	BuildTime = "unknown"
)

func main() {
	cli.Version = Version
	cli.BuildTime = BuildTime
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
