package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/satto/internal/protocol"
)

// Version is reported to MCP servers and by --version. It is set at build time.
var Version = "dev"

// Exit codes returned by ExitCode.
const (
	ExitOK      = 0
	ExitAborted = 1
	ExitFailure = 2
)

var rootCmd = &cobra.Command{
	Use:   "satto",
	Short: "Run natural-language tasks in a workspace with an LLM",
	Long: `satto turns a natural-language task into file edits, searches and commands
in the current workspace. Each model response may request actions; reads can
run on their own, everything else waits for your approval.

A task that stops for approval, a question or a follow-up picks up again with
'satto cont'.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(contCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(configCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to satto.yaml (default: search up from the workspace)")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "Workspace root (default: current directory)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error (default: $SATTO_LOG_LEVEL or warn)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps the error returned by Execute to the process exit status:
// 0 when the task completed or is waiting for the user, 1 when it was
// aborted, 2 for transport, store and configuration failures.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, protocol.ErrGovernorAborted):
		return ExitAborted
	default:
		return ExitFailure
	}
}
