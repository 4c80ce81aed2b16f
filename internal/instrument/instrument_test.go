package instrument

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradejs/errs"
	"github.com/coachpo/tradejs/internal/executor"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestInstrument(t *testing.T, opts executor.InitOptions) *Instrument {
	t.Helper()
	in, err := New(opts, Settings{BufferSize: 120, Clock: fixedClock(epoch)})
	require.NoError(t, err)
	return in
}

func TestReadIsDeterministicPerSymbol(t *testing.T) {
	a := newTestInstrument(t, executor.InitOptions{Symbol: "EURUSD", Type: TypeLive, TimeFrame: "1m"})
	b := newTestInstrument(t, executor.InitOptions{Symbol: "EURUSD", Type: TypeLive, TimeFrame: "1m"})

	ra, err := a.Read(ReadRequest{Count: 10, BufferOnly: true})
	require.NoError(t, err)
	rb, err := b.Read(ReadRequest{Count: 10, BufferOnly: true})
	require.NoError(t, err)

	require.Len(t, ra.Candles, 10)
	require.Equal(t, ra.Candles, rb.Candles)
	require.Equal(t, "1m", ra.TimeFrame)
	require.Equal(t, epoch.UnixMilli(), ra.Candles[9].Time)
	for _, c := range ra.Candles {
		require.True(t, c.High.GreaterThanOrEqual(c.Low))
		require.True(t, c.Close.IsPositive())
	}
}

func TestReadWindow(t *testing.T) {
	in := newTestInstrument(t, executor.InitOptions{Symbol: "GBPUSD", TimeFrame: "5m"})
	from := epoch.Add(-20 * time.Minute).UnixMilli()
	until := epoch.Add(-5 * time.Minute).UnixMilli()

	res, err := in.Read(ReadRequest{From: from, Until: until})
	require.NoError(t, err)
	require.Len(t, res.Candles, 4)
	require.Equal(t, from, res.Candles[0].Time)
	require.Equal(t, until, res.Candles[3].Time)

	res, err = in.Read(ReadRequest{From: from, Until: until, Count: 2})
	require.NoError(t, err)
	require.Len(t, res.Candles, 2)
	require.Equal(t, until, res.Candles[1].Time)

	res, err = in.Read(ReadRequest{From: until, Until: from})
	require.NoError(t, err)
	require.Empty(t, res.Candles)
}

func TestToggleTimeFrame(t *testing.T) {
	in := newTestInstrument(t, executor.InitOptions{Symbol: "USDJPY", TimeFrame: "1m"})

	out, err := in.ToggleTimeFrame(ToggleRequest{TimeFrame: "1h"})
	require.NoError(t, err)
	require.Equal(t, "1h", out.TimeFrame)

	res, err := in.Read(ReadRequest{Count: 2, BufferOnly: true})
	require.NoError(t, err)
	require.Equal(t, "1h", res.TimeFrame)
	require.Equal(t, time.Hour.Milliseconds(), res.Candles[1].Time-res.Candles[0].Time)

	_, err = in.ToggleTimeFrame(ToggleRequest{TimeFrame: "7m"})
	require.Error(t, err)
	require.Equal(t, "1h", in.Tick().TimeFrame)
}

func TestIndicatorLifecycle(t *testing.T) {
	in := newTestInstrument(t, executor.InitOptions{Symbol: "EURUSD", TimeFrame: "1m"})

	ref, err := in.AddIndicator(AddIndicatorRequest{Name: "SMA", Options: map[string]any{"period": float64(14)}})
	require.NoError(t, err)
	id := ref.IndicatorID
	require.Equal(t, "i1", id)

	points, err := in.IndicatorData(IndicatorDataRequest{IndicatorID: id, Count: 10})
	require.NoError(t, err)
	require.Len(t, points, 10)
	require.Equal(t, epoch.UnixMilli(), points[9].Time)

	all, err := in.IndicatorData(IndicatorDataRequest{IndicatorID: id})
	require.NoError(t, err)
	require.Len(t, all, 120-14+1)

	res, err := in.Read(ReadRequest{Count: 5, BufferOnly: true, Indicators: true})
	require.NoError(t, err)
	require.Len(t, res.Indicators[id], 5)

	_, err = in.AddIndicator(AddIndicatorRequest{Name: "Ichimoku"})
	require.True(t, errs.IsCode(err, errs.CodeUnknownIndicator))

	_, err = in.IndicatorData(IndicatorDataRequest{IndicatorID: "i9"})
	require.ErrorContains(t, err, "unknown indicator id")
}

func TestBacktestProducesOrders(t *testing.T) {
	in := newTestInstrument(t, executor.InitOptions{Symbol: "EURUSD", Type: TypeBacktest, TimeFrame: "1m"})
	status := in.Tick()
	require.NotEmpty(t, status.Orders)
	for i, o := range status.Orders {
		require.Equal(t, i+1, o.ID)
		require.Contains(t, []string{SideBuy, SideSell}, o.Side)
	}
	before := status.LastPrice
	require.True(t, before.Equal(in.Tick().LastPrice), "backtest prices do not move")
}

func TestScriptStrategy(t *testing.T) {
	script := filepath.Join(t.TempDir(), "index.js")
	require.NoError(t, os.WriteFile(script, []byte(`
function onCandle(candle, history) {
  if (history.length % 10 === 0) {
    return { side: "buy", quantity: 2 };
  }
  return null;
}
`), 0o600))

	in := newTestInstrument(t, executor.InitOptions{Symbol: "EURUSD", Type: TypeBacktest, Script: script})
	orders := in.Tick().Orders
	require.Len(t, orders, 12)
	require.Equal(t, "2", orders[0].Quantity.String())
}

func TestScriptStrategyErrors(t *testing.T) {
	_, err := compileScript("missing.js", "var x = 1;")
	require.ErrorContains(t, err, "onCandle")

	_, err = compileScript("broken.js", "function (")
	require.Error(t, err)

	s, err := compileScript("bad-side.js", `function onCandle() { return { side: "hold" }; }`)
	require.NoError(t, err)
	_, err = s.OnCandle([]Candle{{Time: 1}})
	require.ErrorContains(t, err, "side must be buy or sell")

	s, err = compileScript("throws.js", `function onCandle() { throw new Error("nope"); }`)
	require.NoError(t, err)
	_, err = s.OnCandle([]Candle{{Time: 1}})
	require.ErrorContains(t, err, "nope")
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(executor.InitOptions{}, Settings{})
	require.Error(t, err)
	_, err = New(executor.InitOptions{Symbol: "EURUSD", TimeFrame: "2m"}, Settings{})
	require.Error(t, err)
}

func TestLiveTickCatchesUp(t *testing.T) {
	now := epoch
	in, err := New(executor.InitOptions{Symbol: "EURUSD", Type: TypeLive, TimeFrame: "1m"}, Settings{
		BufferSize: 50,
		Clock:      func() time.Time { return now },
	})
	require.NoError(t, err)
	require.Equal(t, 50, in.Tick().Candles)

	now = epoch.Add(3 * time.Minute)
	status := in.Tick()
	require.Equal(t, 50, status.Candles)
	res, err := in.Read(ReadRequest{Count: 1, BufferOnly: true})
	require.NoError(t, err)
	require.Equal(t, now.UnixMilli(), res.Candles[0].Time)
}
