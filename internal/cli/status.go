package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/satto/internal/config"
	"github.com/iambrandonn/satto/internal/journal"
	"github.com/iambrandonn/satto/internal/taskstore"
	"github.com/iambrandonn/satto/internal/transcript"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show a task's state, usage and what it is waiting for",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage satto.yaml",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write satto.yaml with the default settings",
	Long: `Write satto.yaml with the default settings to the workspace root, or to
the --config path. API keys are never written; set ANTHROPIC_API_KEY and
friends in the environment or a .env file.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing file")
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	id := ""
	if len(args) == 1 {
		id = args[0]
	} else {
		// Most recent task of any status.
		list, err := s.store.List()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			return fmt.Errorf("no tasks in %s: %w", s.layout.StateDir, taskstore.ErrNotFound)
		}
		id = list[0].ID
	}

	task, err := s.store.Load(id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, transcript.NewFormatter().FormatTask(task))

	if task.Pending == nil {
		return nil
	}
	// Actions of the waiting turn that started but never finished.
	ledger, err := journal.ReadLedger(s.layout.JournalFile(task.ID))
	if err != nil {
		return err
	}
	if recs := ledger.Interrupted(task.Pending.Turn.Key); len(recs) > 0 {
		fmt.Fprintln(out, "Interrupted actions (not run again on cont):")
		for _, rec := range recs {
			fmt.Fprintf(out, "  #%d %s (started %s)\n", rec.Index, rec.Kind, rec.Timestamp.Local().Format(time.DateTime))
		}
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	list, err := s.store.List()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), transcript.NewFormatter().FormatSummaries(list))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	if path == "" {
		root, err := workspaceRoot(cmd)
		if err != nil {
			return err
		}
		path = filepath.Join(root, config.FileName)
	}

	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := config.GenerateDefault().SaveToFile(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
