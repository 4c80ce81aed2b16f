package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestDisabledProviderIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Environment = "Staging"

	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p.Meter("test"))
	require.NoError(t, p.Shutdown(context.Background()))
	require.Equal(t, "staging", Environment())

	SetEnvironment("")
	require.Equal(t, "development", Environment())
}

func TestAttributeHelpers(t *testing.T) {
	attrs := CreateAttributes("builtin", ResultError, "spawn_error")
	require.Len(t, attrs, 4)
	require.Equal(t, "spawn_error", attrs[3].Value.AsString())

	require.Len(t, CreateAttributes("builtin", ResultSuccess, ""), 3)
	require.Equal(t, "crash", ExitAttributes(1)[1].Value.AsString())
	require.Equal(t, "clean", ExitAttributes(0)[1].Value.AsString())
}
