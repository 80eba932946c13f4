// Command manager runs a Task Messenger manager process: it accepts
// worker connections, owns the Task Pool, and dispatches tasks.
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

	// Only the manager/run and manager/status subcommands are relevant
	// here; cobra still parses the full tree so worker/run remains
	// reachable for an all-in-one binary if operators prefer one build.
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
