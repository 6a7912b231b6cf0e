// Command syncd runs the offline-first sync daemon and its operator commands.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kimhsiao/ledgersync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		if !cli.Reported(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
