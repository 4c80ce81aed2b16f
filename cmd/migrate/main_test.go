package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunValidatesArguments(t *testing.T) {
	t.Setenv("TRADEJS_JOURNAL_DSN", "")

	require.ErrorContains(t, run(nil), "--database flag is required")
	require.ErrorContains(t, run([]string{"--database", "postgres://x"}), "command required")
	require.ErrorContains(t, run([]string{"--database", "postgres://x", "sideways"}), "unknown command")
	require.ErrorContains(t, run([]string{"--database", "postgres://x", "down", "two"}), "invalid down steps")
	require.ErrorContains(t, run([]string{"--database", "postgres://x", "down", "0"}), "steps must be >0")
}
