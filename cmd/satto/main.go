// Command satto runs natural-language tasks against a workspace.
package main

import (
	"fmt"
	"os"

	"github.com/iambrandonn/satto/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}
