// Package browser drives a headless Chrome page for use_browser actions.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/iambrandonn/satto/internal/config"
	"github.com/iambrandonn/satto/internal/executor"
)

const (
	navigationTimeout = 30 * time.Second
	maxConsoleLines   = 50
)

// ErrNotLaunched is returned for actions before a launch.
var ErrNotLaunched = errors.New("browser is not launched; the first action must be launch")

// Session is a lazily launched browser with one page. It implements
// executor.Browser.
type Session struct {
	cfg    config.Browser
	logger *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
	stop    context.CancelFunc
	console []string
}

var _ executor.Browser = (*Session)(nil)

// New returns an unlaunched session.
func New(cfg config.Browser, logger *slog.Logger) *Session {
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 900
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 600
	}
	return &Session{cfg: cfg, logger: logger}
}

// Do performs one action and reports the page state afterwards.
func (s *Session) Do(ctx context.Context, action executor.BrowserAction) (*executor.BrowserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch action.Action {
	case "launch":
		if s.page == nil {
			if err := s.launch(ctx); err != nil {
				return nil, err
			}
		}
		if err := s.page.Context(ctx).Timeout(navigationTimeout).Navigate(action.URL); err != nil {
			return nil, fmt.Errorf("navigate to %s: %w", action.URL, err)
		}
	case "close":
		return nil, s.closeLocked()
	}

	if s.page == nil {
		return nil, ErrNotLaunched
	}
	page := s.page.Context(ctx)

	switch action.Action {
	case "click":
		if err := page.Mouse.MoveTo(proto.Point{X: float64(action.X), Y: float64(action.Y)}); err != nil {
			return nil, fmt.Errorf("move mouse: %w", err)
		}
		if err := page.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return nil, fmt.Errorf("click at %d,%d: %w", action.X, action.Y, err)
		}
	case "type":
		if err := page.InsertText(action.Text); err != nil {
			return nil, fmt.Errorf("type text: %w", err)
		}
	case "scroll_down", "scroll_up":
		dy := float64(s.cfg.ViewportHeight)
		if action.Action == "scroll_up" {
			dy = -dy
		}
		if err := page.Mouse.Scroll(0, dy, 1); err != nil {
			return nil, fmt.Errorf("scroll: %w", err)
		}
	case "launch":
	default:
		return nil, fmt.Errorf("unsupported browser action %q", action.Action)
	}

	if err := page.Timeout(navigationTimeout).WaitLoad(); err != nil {
		s.logger.Debug("page load wait failed", "error", err)
	}
	return s.state(page)
}

func (s *Session) launch(ctx context.Context) error {
	l := launcher.New().Headless(s.cfg.Headless)
	if s.cfg.Bin != "" {
		l = l.Bin(s.cfg.Bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}

	// The browser outlives the action that launched it.
	life, stop := context.WithCancel(context.WithoutCancel(ctx))
	b := rod.New().ControlURL(controlURL).Context(life)
	if err := b.Connect(); err != nil {
		stop()
		return fmt.Errorf("connect to chrome: %w", err)
	}
	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		stop()
		_ = b.Close()
		return fmt.Errorf("open page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             s.cfg.ViewportWidth,
		Height:            s.cfg.ViewportHeight,
		DeviceScaleFactor: 1,
	}).Call(page); err != nil {
		s.logger.Debug("viewport override failed", "error", err)
	}
	if err := (proto.RuntimeEnable{}).Call(page); err != nil {
		s.logger.Debug("runtime enable failed", "error", err)
	}

	wait := page.Context(life).EachEvent(func(ev *proto.RuntimeConsoleAPICalled) {
		s.recordConsole(string(ev.Type), consoleText(ev.Args))
	})
	go wait()

	s.browser, s.page, s.stop = b, page, stop
	s.logger.Info("browser launched", "headless", s.cfg.Headless)
	return nil
}

func (s *Session) recordConsole(level, text string) {
	line := fmt.Sprintf("[%s] %s", level, text)
	// Events arrive on rod's goroutine while Do may hold mu.
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.console) < maxConsoleLines {
			s.console = append(s.console, line)
		}
	}()
}

func (s *Session) state(page *rod.Page) (*executor.BrowserState, error) {
	shot, err := page.Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	st := &executor.BrowserState{Screenshot: shot, Logs: s.console}
	s.console = nil
	if info, err := page.Info(); err == nil {
		st.URL = info.URL
		st.Title = info.Title
	}
	return st, nil
}

// Close shuts the browser down. It is safe to call when not launched.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.browser == nil {
		return nil
	}
	err := s.browser.Close()
	s.stop()
	s.browser, s.page, s.stop, s.console = nil, nil, nil, nil
	return err
}

func consoleText(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}
