package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	err := New("orchestrator/read", CodeNotFound,
		WithInstrument("EURUSD_1"),
		WithMessage("instrument missing"),
		WithField("command", "read"),
	)

	str := err.Error()
	require.Contains(t, str, "op=orchestrator/read")
	require.Contains(t, str, "code=not_found")
	require.Contains(t, str, "instrument=EURUSD_1")
	require.Contains(t, str, `message="instrument missing"`)
	require.Contains(t, str, `command="read"`)
}

func TestErrorStringDefaults(t *testing.T) {
	var nilErr *E
	require.Equal(t, "<nil>", nilErr.Error())

	err := New("", "")
	require.True(t, strings.HasPrefix(err.Error(), "op=unknown code=unknown"))
}

func TestUnwrapAndCodeMatching(t *testing.T) {
	root := errors.New("broken pipe")
	inner := New("ipc/send", CodeChannelClosed, WithCause(root))
	outer := New("worker/send", CodeWorkerCrashed, WithCause(inner))
	wrapped := fmt.Errorf("read EURUSD_1: %w", outer)

	require.ErrorIs(t, wrapped, root)
	require.Equal(t, CodeWorkerCrashed, CodeOf(wrapped))
	require.True(t, IsCode(wrapped, CodeWorkerCrashed))
	require.True(t, IsCode(wrapped, CodeChannelClosed))
	require.False(t, IsCode(wrapped, CodeNotFound))
	require.False(t, IsCode(root, CodeNotFound))
	require.Equal(t, Code(""), CodeOf(root))
}

func TestNotFound(t *testing.T) {
	err := NotFound("orchestrator/destroy", " EURUSD_7 ")
	require.Equal(t, CodeNotFound, err.Code)
	require.Equal(t, "EURUSD_7", err.Instrument)
	require.Contains(t, err.Message, "EURUSD_7")
}

func TestWithFieldIgnoresBlankKeys(t *testing.T) {
	err := New("op", CodeInvalidSpec, WithField("  ", "x"), nil)
	require.Empty(t, err.Fields)
}
