package browser

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/satto/internal/config"
	"github.com/iambrandonn/satto/internal/executor"
)

func TestActionsBeforeLaunch(t *testing.T) {
	s := New(config.Browser{Headless: true}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := s.Do(context.Background(), executor.BrowserAction{Action: "click", X: 1, Y: 1})
	require.ErrorIs(t, err, ErrNotLaunched)

	state, err := s.Do(context.Background(), executor.BrowserAction{Action: "close"})
	require.NoError(t, err)
	assert.Nil(t, state)
	require.NoError(t, s.Close())
}

func TestNewAppliesViewportDefaults(t *testing.T) {
	s := New(config.Browser{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, 900, s.cfg.ViewportWidth)
	assert.Equal(t, 600, s.cfg.ViewportHeight)
}

func TestConsoleText(t *testing.T) {
	args := []*proto.RuntimeRemoteObject{
		nil,
		{Description: "Error: boom"},
	}
	assert.Equal(t, "Error: boom", consoleText(args))
}
