package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeBinanceParsesTicker(t *testing.T) {
	raw := []byte(`{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","c":"65000.12","b":"64999.00","a":"65001.00","q":"123456.78","p":"500.00","P":"0.77","h":"66000.00","l":"64000.00"}`)
	tick, ok, err := DecodeBinance(raw)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "BTCUSDT", tick.Symbol)
	require.Equal(t, 65000.12, tick.LastPrice)
	require.Equal(t, 64999.00, tick.BestBid)
}

func TestDecodeBinanceSkipsNonTickerEvents(t *testing.T) {
	raw := []byte(`{"e":"subscribeAck"}`)
	_, ok, err := DecodeBinance(raw)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDecodeBinanceErrorsOnMalformedJSON(t *testing.T) {
	_, _, err := DecodeBinance([]byte(`not json`))
	require.Error(t, err)
}

func TestDecodeCoinbaseParsesTickerAndDerivesChange(t *testing.T) {
	raw := []byte(`{"type":"ticker","product_id":"BTC-USD","price":"65500.00","best_bid":"65499.00","best_ask":"65501.00","volume_24h":"1000.5","high_24h":"66000.00","low_24h":"64000.00","open_24h":"65000.00","time":"2026-07-31T00:00:00.000000Z"}`)
	tick, ok, err := DecodeCoinbase(raw)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "BTC-USD", tick.Symbol)
	require.InDelta(t, 500.0, tick.Change24hAbs, 0.01)
	require.InDelta(t, 0.769, tick.Change24hPct, 0.01)
}

func TestDecodeCoinbaseSkipsNonTickerTypes(t *testing.T) {
	raw := []byte(`{"type":"heartbeat"}`)
	_, ok, err := DecodeCoinbase(raw)
	require.NoError(t, err)
	require.False(t, ok)
}
