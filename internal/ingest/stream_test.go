package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeConn replays a fixed list of messages, then blocks until closed.
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	closed   chan struct{}
}

func newFakeConn(messages [][]byte) *fakeConn {
	return &fakeConn{messages: messages, closed: make(chan struct{})}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	if len(f.messages) > 0 {
		m := f.messages[0]
		f.messages = f.messages[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()

	select {
	case <-f.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error { return nil }

func (f *fakeConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	calls int
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := d.conns[d.calls%len(d.conns)]
	d.calls++
	return c, nil
}

func alwaysOkDecoder(raw []byte) (domain.Ticker, bool, error) {
	return domain.Ticker{Symbol: string(raw), LastPrice: 1}, true, nil
}

func TestStreamSourceEmitsDecodedTicks(t *testing.T) {
	conn := newFakeConn([][]byte{[]byte("BTCUSDT"), []byte("ETHUSDT")})
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	src := NewStreamSource("test", "ws://fake", []string{"BTCUSDT"}, dialer, alwaysOkDecoder, BackoffConfig{Base: time.Millisecond, Max: time.Second, MaxAttempts: 3}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	tick := make(chan domain.Ticker, 4)
	done := make(chan struct{})
	go func() { src.Run(ctx, nil, tick); close(done) }()

	first := <-tick
	second := <-tick
	require.Equal(t, "BTCUSDT", first.Symbol)
	require.Equal(t, "ETHUSDT", second.Symbol)
	require.Equal(t, StatusConnected, src.Status())

	src.Close()
	cancel()
	<-done
}

func TestStreamSourceCloseIsIdempotentAndSuppressesReconnect(t *testing.T) {
	conn := newFakeConn(nil)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	src := NewStreamSource("test", "ws://fake", nil, dialer, alwaysOkDecoder, BackoffConfig{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tick := make(chan domain.Ticker, 1)
	done := make(chan struct{})
	go func() { src.Run(ctx, nil, tick); close(done) }()

	time.Sleep(10 * time.Millisecond)
	src.Close()
	src.Close() // idempotent
	conn.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	require.Equal(t, StatusDisconnected, src.Status())
}

func TestStreamSourceInvokesFallbackAfterAttemptCapOnDialFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("refused")}
	src := NewStreamSource("test", "ws://fake", nil, dialer, alwaysOkDecoder, BackoffConfig{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2}, zerolog.Nop())

	var fallbackCalls int
	var mu sync.Mutex
	src.OnFallback(func() {
		mu.Lock()
		fallbackCalls++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tick := make(chan domain.Ticker, 1)
	src.Run(ctx, nil, tick)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, fallbackCalls)
	require.Equal(t, StatusError, src.Status())
}
