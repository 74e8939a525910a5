// Command patchkit applies, validates, and reverts binary patches.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/roach88/patchkit/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	err := cmd.ExecuteContext(context.Background())
	if err == nil {
		return
	}

	// An ExitError wrapping a cause was already reported by the command.
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) || exitErr.Err == nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
