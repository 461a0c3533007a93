// workerctl - build, run, and deploy edge workers.
//
// A single binary covering the whole worker lifecycle: project scaffolding,
// local development against SQLite-backed bindings, validation, deploys,
// secrets, live log tailing, and hosted resource management.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
