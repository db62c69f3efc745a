// ABOUTME: Tests for the demo wiring and the binary's helpers
// ABOUTME: Runs the scripted conversation over the local hub and checks the stored outcome

package main

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/store"
	"github.com/2389/parley/internal/transport"
)

func TestSeedDemo_ReusesConversation(t *testing.T) {
	repo, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "demo.db"))
	require.NoError(t, err)
	defer repo.Close()

	first, err := seedDemo(t.Context(), repo)
	require.NoError(t, err)
	second, err := seedDemo(t.Context(), repo)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPlayDemo_Local(t *testing.T) {
	repo, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	convID, err := seedDemo(t.Context(), repo)
	require.NoError(t, err)

	cfg := config.Default()
	logger := slog.New(slog.DiscardHandler)
	hub := transport.NewHub(transport.HubOptions{}, logger)
	defer hub.Close()

	err = playDemo(t.Context(), cfg, repo, convID, func(demoUser) (transport.Channel, error) {
		return transport.NewLocal(hub, logger), nil
	}, logger)
	require.NoError(t, err)

	page, err := repo.FetchMessages(t.Context(), convID, store.Page{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "bob", page.Messages[0].SenderID)
	assert.True(t, page.Messages[0].IsRead, "alice opened the conversation")
	assert.Equal(t, "alice", page.Messages[1].SenderID)
	assert.True(t, page.Messages[1].IsRead, "bob had the view open when the reply arrived")
	require.Eventually(t, func() bool { return len(hub.OnlineUsers()) == 0 }, time.Second, 5*time.Millisecond,
		"every session left")
}

func TestSetupLogger_Levels(t *testing.T) {
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "text"})
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelWarn))

	logger = setupLogger(config.LoggingConfig{Level: "debug", Format: "json"})
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
}
