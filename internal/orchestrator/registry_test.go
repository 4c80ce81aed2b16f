package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func rec(id string) *record { return &record{model: Model{ID: id}} }

func TestRegistryLifecycle(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.Add(rec("EURUSD_1")))
	require.NoError(t, r.Add(rec("GBPUSD_2")))
	require.NoError(t, r.Add(rec("USDJPY_3")))
	require.Error(t, r.Add(rec("GBPUSD_2")), "ids never collide")

	require.Equal(t, 3, r.Len())
	require.Equal(t, []string{"EURUSD_1", "GBPUSD_2", "USDJPY_3"}, r.IDs())
	require.Equal(t, 1, r.FindIndexByID("GBPUSD_2"))
	require.Equal(t, -1, r.FindIndexByID("NOPE_1"))

	removed, ok := r.Remove("GBPUSD_2")
	require.True(t, ok)
	require.Equal(t, "GBPUSD_2", removed.id())
	_, ok = r.Remove("GBPUSD_2")
	require.False(t, ok)

	require.Equal(t, 1, r.FindIndexByID("USDJPY_3"))
	_, ok = r.GetByID("GBPUSD_2")
	require.False(t, ok)
	got, ok := r.GetByID("EURUSD_1")
	require.True(t, ok)
	require.Same(t, r.List()[0], got)
}

func TestRegistryListIsSnapshot(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.Add(rec("EURUSD_1")))
	list := r.List()
	ids := r.IDs()
	r.Remove("EURUSD_1")
	require.Len(t, list, 1)
	require.Equal(t, []string{"EURUSD_1"}, ids)
	require.Zero(t, r.Len())
}

func TestRecordSummaryExposesOrdersForBacktestOnly(t *testing.T) {
	live := &record{model: Model{ID: "A_1", Type: TypeLive, Status: map[string]any{"orders": []any{1}}}}
	require.Nil(t, live.summary().Orders)

	bt := &record{model: Model{ID: "B_2", Type: TypeBacktest}}
	require.Equal(t, []any{}, bt.summary().Orders)
	merged := bt.mergeStatus(map[string]any{"orders": []any{"o1"}})
	require.Equal(t, []any{"o1"}, bt.summary().Orders)

	merged["orders"] = nil
	require.Equal(t, []any{"o1"}, bt.summary().Orders, "merged status is a copy")
}
