// Command worker runs a Task Messenger worker process: it dials a
// manager, performs the hello handshake, and processes dispatched tasks
// against its registered skill set.
//
// Grounded on the teacher's cmd/queue/main.go: ldflags version injection,
// top-level panic recovery, and unified CLI execution error handling.
package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/task-messenger/internal/cli"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	root := cli.BuildCLI()
	root.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	root.Use = "task-messenger-worker"

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
