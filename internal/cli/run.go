package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/satto/internal/protocol"
	"github.com/iambrandonn/satto/internal/taskloop"
)

var startCmd = &cobra.Command{
	Use:   "start [task text]",
	Short: "Start a new task",
	Long: `Start a new task and run it until it completes, aborts or needs you.

The task text is taken from the arguments; without arguments it is read
from standard input, with a prompt when standard input is a terminal.`,
	RunE: runStart,
}

var contCmd = &cobra.Command{
	Use:   "cont [text]",
	Short: "Continue the most recent unfinished task",
	Long: `Continue a task that is waiting for you.

When the task stopped on an approval, the text is the answer: "y" approves,
"n" denies, anything else denies and passes the text to the model as
feedback ("y: <feedback>" approves with feedback). When it stopped on a
question, the text is the answer. Otherwise the text is a new instruction.`,
	RunE: runCont,
}

func init() {
	contCmd.Flags().StringP("task", "t", "", "Task ID to continue (default: most recent)")
}

func runStart(cmd *cobra.Command, args []string) error {
	instruction := strings.TrimSpace(strings.Join(args, " "))
	if instruction == "" {
		in := cmd.InOrStdin()
		text, err := promptForInstruction(in, cmd.OutOrStdout(), isTerminalReader(in))
		if err != nil {
			if errors.Is(err, errInstructionRequired) {
				return fmt.Errorf("instruction required: pass the task text as arguments or on standard input")
			}
			return err
		}
		instruction = text
	}

	return runTask(cmd, func(ctx context.Context, loop *taskloop.Loop) (*protocol.Task, error) {
		return loop.Start(ctx, instruction)
	})
}

func runCont(cmd *cobra.Command, args []string) error {
	taskID, err := cmd.Flags().GetString("task")
	if err != nil {
		return err
	}
	text := strings.Join(args, " ")

	return runTask(cmd, func(ctx context.Context, loop *taskloop.Loop) (*protocol.Task, error) {
		return loop.Continue(ctx, taskID, text)
	})
}

// runTask runs one loop invocation and prints the summary. An interrupt
// leaves the task resumable and is not an error.
func runTask(cmd *cobra.Command, run func(context.Context, *taskloop.Loop) (*protocol.Task, error)) error {
	s, err := openSession(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	loop, printer, err := s.newLoop(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	task, err := run(ctx, loop)
	if task != nil {
		printer.Summary(task)
	}
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		s.logger.Info("task interrupted", "error", err)
		return nil
	}
	return err
}

var errInstructionRequired = errors.New("instruction is required")

func promptForInstruction(r io.Reader, w io.Writer, tty bool) (string, error) {
	reader := bufio.NewReader(r)
	if tty {
		fmt.Fprint(w, "satto> What should I do? ")
	}

	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	// Piped input may span several lines.
	if !tty && err == nil {
		rest, rerr := io.ReadAll(reader)
		if rerr != nil {
			return "", rerr
		}
		line += string(rest)
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return "", errInstructionRequired
	}
	if tty {
		fmt.Fprintln(w)
	}
	return line, nil
}
