// Command uow validates CUE entity schemas, migrates databases and replays
// session scenarios.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/uow/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil && !cli.Reported(err) {
		fmt.Fprintln(os.Stderr, "uow:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
