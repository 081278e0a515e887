package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommands(t *testing.T) {
	cmd := newRootCmd()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "sweep"}, names)
}

func TestSweepOnBadger(t *testing.T) {
	t.Setenv("STORE_ENGINE", "badger")
	t.Setenv("BADGER_IN_MEMORY", "true")
	t.Setenv("CHUNK_SIZE_KB", "255")
	t.Setenv("LOG_LEVEL", "error")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"sweep", "--grace", "1m"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
}

func TestInMemoryBadgerRejectsFullMegabyteChunks(t *testing.T) {
	t.Setenv("STORE_ENGINE", "badger")
	t.Setenv("BADGER_IN_MEMORY", "true")
	t.Setenv("CHUNK_SIZE_MB", "1")
	t.Setenv("LOG_LEVEL", "error")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"sweep"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHUNK_SIZE_KB")
}

func TestInvalidConfigIsRejected(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve", "--engine", "postgres"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_ENGINE")
}
