package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinycompact/pkg/compaction"
	"github.com/nicktill/tinycompact/pkg/config"
	"github.com/nicktill/tinycompact/pkg/protocol"
)

func TestBuildStack_DispatcherFollowsUnitTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory
	cfg.Compaction.UnitTimeout = 10 * time.Minute
	cfg.Compaction.Workers = []string{"http://worker-1:8080"}
	require.NoError(t, cfg.Validate())

	st, err := buildStack(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	dispatcher, ok := st.exec.(*protocol.HTTPDispatcher)
	require.True(t, ok, "workers configured, units must be dispatched")
	require.Greater(t, dispatcher.Timeout(), cfg.Compaction.UnitTimeout)
	require.Equal(t, 10*time.Minute+config.RemoteUnitSlack, dispatcher.Timeout())
}

func TestBuildStack_InProcessWithoutWorkers(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory

	st, err := buildStack(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	_, ok := st.exec.(*compaction.Compactor)
	require.True(t, ok)
}
