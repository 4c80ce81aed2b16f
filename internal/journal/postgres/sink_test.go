package postgres_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/tradejs/internal/journal"
	"github.com/coachpo/tradejs/internal/journal/postgres"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "tradejs"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:secret@%s:%s/tradejs?sslmode=disable", host, port.Port())
}

func TestSinkRoundTrip(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()
	quiet := log.New(io.Discard, "", 0)

	require.NoError(t, postgres.Apply(ctx, dsn, "", quiet))
	require.NoError(t, postgres.Apply(ctx, dsn, "", quiet), "second apply is a no-op")

	sink, err := postgres.Open(ctx, postgres.Config{DSN: dsn, Logger: quiet})
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sink.Record(ctx, journal.Entry{At: base, Level: journal.LevelInfo, Kind: journal.KindCreated, InstrumentID: "EURUSD_1"})
	sink.Record(ctx, journal.Entry{
		At:           base.Add(time.Second),
		Level:        journal.LevelError,
		Kind:         journal.KindCrashed,
		InstrumentID: "EURUSD_1",
		Message:      "worker exited",
		Fields:       map[string]any{"exitCode": float64(3)},
	})
	sink.Record(ctx, journal.Entry{At: base.Add(2 * time.Second), Level: journal.LevelWarn, Kind: journal.KindDestroyUnknown, InstrumentID: "GBPUSD_2"})
	require.NoError(t, sink.Flush(ctx))

	entries, err := sink.Recent(ctx, "EURUSD_1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, journal.KindCrashed, entries[0].Kind)
	require.Equal(t, "worker exited", entries[0].Message)
	require.Equal(t, float64(3), entries[0].Fields["exitCode"])
	require.Nil(t, entries[1].Fields)

	all, err := sink.Recent(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	require.NoError(t, sink.Close(ctx))
	require.NoError(t, postgres.Rollback(ctx, dsn, "", 1, quiet))
}

func TestRollbackRejectsNonPositiveSteps(t *testing.T) {
	err := postgres.Rollback(context.Background(), "postgres://unused", "", 0, nil)
	require.ErrorContains(t, err, "steps must be >0")
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := postgres.Open(context.Background(), postgres.Config{})
	require.ErrorContains(t, err, "dsn required")
}
