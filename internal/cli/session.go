package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/satto/internal/approval"
	"github.com/iambrandonn/satto/internal/browser"
	"github.com/iambrandonn/satto/internal/config"
	"github.com/iambrandonn/satto/internal/executor"
	"github.com/iambrandonn/satto/internal/mcpclient"
	"github.com/iambrandonn/satto/internal/provider"
	"github.com/iambrandonn/satto/internal/search"
	"github.com/iambrandonn/satto/internal/taskloop"
	"github.com/iambrandonn/satto/internal/taskstore"
	"github.com/iambrandonn/satto/internal/transcript"
	"github.com/iambrandonn/satto/internal/workspace"
)

// session is what one command invocation works with: the configuration,
// the workspace layout and an open Context Store.
type session struct {
	cfg     *config.Config
	cfgPath string
	layout  workspace.Layout
	store   taskstore.Store
	logger  *slog.Logger
	// redactor is set once a loop is built; log values pass through it.
	redactor *transcript.Redactor
	closers  []func() error
}

// openSession loads the configuration and opens the Context Store. Provider
// settings are only validated when validate is set; status and list work
// without an API key.
func openSession(cmd *cobra.Command, validate bool) (*session, error) {
	s := &session{}
	logger, err := newLogger(cmd, func(v string) string { return s.redactor.Redact(v) })
	if err != nil {
		return nil, err
	}
	s.logger = logger

	root, err := workspaceRoot(cmd)
	if err != nil {
		return nil, err
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, cfgPath, err := config.Load(config.LoadOptions{Path: configPath, WorkDir: root})
	if err != nil {
		return nil, err
	}
	logger.Debug("loaded configuration", "path", cfgPath, "provider", cfg.Provider)

	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	layout, err := workspace.NewLayout(root, cfg.Store.Dir)
	if err != nil {
		return nil, err
	}
	ready, err := workspace.IsInitialized(layout)
	if err != nil {
		return nil, err
	}
	if !ready {
		logger.Info("initializing workspace state", "dir", layout.StateDir)
		if err := workspace.Initialize(layout); err != nil {
			return nil, fmt.Errorf("failed to initialize workspace: %w", err)
		}
	}

	store, err := taskstore.Open(cfg.Store.Backend, layout, logger)
	if err != nil {
		return nil, err
	}

	s.cfg, s.cfgPath, s.layout, s.store = cfg, cfgPath, layout, store
	s.closers = append(s.closers, store.Close)
	return s, nil
}

// Close releases everything the session opened, newest first.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("failed to release resource", "error", err)
		}
	}
}

// newLoop wires the provider, approval gate, executor and transcript
// printer into a task loop.
func (s *session) newLoop(cmd *cobra.Command) (*taskloop.Loop, *transcript.Printer, error) {
	cfg := s.cfg
	in, out := cmd.InOrStdin(), cmd.OutOrStdout()
	interactive := isTerminalReader(in)

	if cfg.Transcript.RedactSecrets {
		r, err := transcript.NewRedactor()
		if err != nil {
			return nil, nil, err
		}
		s.redactor = r
	}
	printer := transcript.NewPrinter(out, transcript.Options{
		Markdown: cfg.Transcript.RenderMarkdown,
		Redactor: s.redactor,
		LogPath:  s.layout.TranscriptFile,
	})
	s.closers = append(s.closers, printer.Close)

	pc := cfg.ActiveProvider()
	adapter, err := provider.New(cfg.Provider, provider.Settings{
		APIKey:            pc.APIKey,
		Model:             pc.Model,
		BaseURL:           pc.BaseURL,
		Temperature:       pc.Temperature,
		MaxTokens:         pc.MaxTokens,
		RequestsPerMinute: pc.RequestsPerMinute,
		Timeout:           pc.Timeout,
		ScriptPath:        s.resolve(pc.ScriptPath),
	}, s.logger)
	if err != nil {
		return nil, nil, err
	}

	var prompter approval.Prompter = approval.DeferringPrompter{}
	if interactive {
		prompter = approval.NewTerminalPrompter(in, out)
	}
	gate := approval.New(approval.PolicyFromConfig(cfg.AutoApproval), prompter, s.logger)

	backend, err := search.New(cfg.Search.Backend, s.logger)
	if err != nil {
		return nil, nil, err
	}

	execOpts := executor.Options{
		Root:           s.layout.Root,
		Shell:          cfg.Commands.Shell,
		CommandTimeout: cfg.Commands.Timeout,
		OutputLimit:    cfg.Commands.OutputLimitBytes,
		IgnorePatterns: cfg.Search.IgnorePatterns,
		Search:         backend,
		Browser:        browser.New(cfg.Browser, s.logger.With("component", "browser")),
		Notify:         printer.Notice,
		Logger:         s.logger.With("component", "executor"),
	}
	mcp := mcpclient.New(cfg.MCPServers, Version, s.logger.With("component", "mcp"))
	servers := mcp.Servers()
	if len(servers) > 0 {
		execOpts.MCP = mcp
	}
	exec := executor.New(execOpts)
	s.closers = append(s.closers, exec.Close)

	loop := taskloop.New(taskloop.Options{
		Store:       s.store,
		Layout:      s.layout,
		Provider:    adapter,
		Executor:    exec,
		Gate:        gate,
		Prompter:    prompter,
		Interactive: interactive,
		MaxMistakes: cfg.MaxConsecutiveMistakes,
		MaxTurns:    cfg.MaxTurns,
		Retry:       cfg.Retry,
		Prompt: taskloop.PromptOptions{
			Root:       s.layout.Root,
			Shell:      cfg.Commands.Shell,
			Browser:    true,
			MCPServers: servers,
		},
		Observer: printer,
		Logger:   s.logger,
	})
	return loop, printer, nil
}

// resolve makes a configured path absolute, relative to the directory
// holding the config file, or the workspace root when there is none.
func (s *session) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	base := s.layout.Root
	if s.cfgPath != "" {
		base = filepath.Dir(s.cfgPath)
	}
	return filepath.Join(base, path)
}

func workspaceRoot(cmd *cobra.Command) (string, error) {
	root, err := cmd.Flags().GetString("workspace")
	if err != nil {
		return "", err
	}
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workspace %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", abs)
	}
	return abs, nil
}

// newLogger logs to stderr at the level from --log-level or SATTO_LOG_LEVEL.
// String attribute values pass through redact.
func newLogger(cmd *cobra.Command, redact func(string) string) (*slog.Logger, error) {
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}
	if level == "" {
		level = os.Getenv("SATTO_LOG_LEVEL")
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString && a.Key != slog.MessageKey {
				a.Value = slog.StringValue(redact(a.Value.String()))
			}
			return a
		},
	})), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q: use debug, info, warn or error", s)
	}
}

// isTerminalReader reports whether r is an interactive terminal.
func isTerminalReader(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && isTerminalFile(f)
}

func isTerminalFile(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
