package indicator

import (
	"testing"
	"testing/fstest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradejs/errs"
)

func decimals(values ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = decimal.NewFromFloat(v)
	}
	return out
}

func requireSeries(t *testing.T, want []float64, got []decimal.Decimal) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.True(t, decimal.NewFromFloat(want[i]).Equal(got[i]), "index %d: want %v got %s", i, want[i], got[i])
	}
}

func TestDefaultCatalogue(t *testing.T) {
	cat, err := Default()
	require.NoError(t, err)
	require.Equal(t, []string{"EMA", "RSI", "SMA"}, cat.Names())

	cfg, err := cat.Lookup("sma")
	require.NoError(t, err)
	require.Equal(t, "SMA", cfg.Name)
	require.True(t, cfg.Overlay)
	require.EqualValues(t, 14, cfg.Defaults()["period"])

	_, err = cat.Lookup("Ichimoku")
	require.True(t, errs.IsCode(err, errs.CodeUnknownIndicator))
}

func TestLoadRejectsDuplicates(t *testing.T) {
	fsys := fstest.MapFS{
		"c/a.json": {Data: []byte(`{"name":"SMA"}`)},
		"c/b.json": {Data: []byte(`{"name":"sma"}`)},
	}
	_, err := Load(fsys, "c")
	require.ErrorContains(t, err, "duplicate")
}

func TestSMA(t *testing.T) {
	requireSeries(t, []float64{2, 3, 4}, SMA(decimals(1, 2, 3, 4, 5), 3))
	require.Nil(t, SMA(decimals(1, 2), 3))
}

func TestEMA(t *testing.T) {
	requireSeries(t, []float64{2, 2.5, 3.25, 4.125}, EMA(decimals(1, 2, 3, 4, 5), 3))
	requireSeries(t, []float64{7, 7, 7}, EMA(decimals(7, 7, 7, 7), 2))
}

func TestRSI(t *testing.T) {
	requireSeries(t, []float64{100, 100}, RSI(decimals(1, 2, 3, 4, 5), 3))
	got := RSI(decimals(5, 4, 3, 2, 1), 3)
	require.Len(t, got, 2)
	require.True(t, got[0].IsZero())
}

func TestBuildAppliesOverrides(t *testing.T) {
	cat, err := Default()
	require.NoError(t, err)
	cfg, err := cat.Lookup("SMA")
	require.NoError(t, err)

	fn, err := Build(cfg, map[string]any{"period": float64(2)})
	require.NoError(t, err)
	requireSeries(t, []float64{1.5, 2.5}, fn(decimals(1, 2, 3)))
	require.Equal(t, "close", Source(cfg, nil))
	require.Equal(t, "high", Source(cfg, map[string]any{"source": "high"}))

	_, err = Build(cfg, map[string]any{"period": 2.5})
	require.Error(t, err)
	_, err = Build(cfg, map[string]any{"period": "ten"})
	require.Error(t, err)
}
