// Package ingest implements the stream sources, HTTP fallback poller and
// aggregator that turn raw exchange feeds into canonical ticks (spec
// C4/C5/C6 / §4.2-§4.4).
package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/rs/zerolog"
)

// Status is a stream source's connection lifecycle state.
type Status string

const (
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
	StatusReconnecting Status = "RECONNECTING"
	StatusError        Status = "ERROR"
)

// Conn is the minimal surface a stream source needs from a connection,
// satisfied by a thin wrapper over *nhooyr.io/websocket.Conn in production
// and by an in-process fake in tests.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Conn to url. Injected so tests exercise the full
// reconnect/decode/status contract without a live exchange connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Decoder turns one raw message into a canonical ticker. ok is false for
// non-ticker frames (heartbeats, subscription acks) that should be
// silently skipped.
type Decoder func(raw []byte) (tick domain.Ticker, ok bool, err error)

// BackoffConfig controls the linear reconnect backoff (§4.2: delay =
// base × attempt, capped, up to a fixed attempt cap).
type BackoffConfig struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (b BackoffConfig) delay(attempt int) time.Duration {
	d := b.Base * time.Duration(attempt)
	if d > b.Max {
		return b.Max
	}
	return d
}

// StreamSource maintains a long-lived connection to one exchange ticker
// stream for a fixed set of symbols.
type StreamSource struct {
	Name    string
	URL     string
	Symbols []string

	dialer  Dialer
	decode  Decoder
	backoff BackoffConfig
	log     zerolog.Logger

	// onFallback is invoked once the reconnect attempt cap is reached. It
	// must not block or panic; callers typically hand ticks to the HTTP
	// fallback poller here.
	onFallback func()

	status  atomic.Value // Status
	closing atomic.Bool
}

// NewStreamSource creates a StreamSource in the connecting state. The
// subscribe frame, if any, is passed to Run.
func NewStreamSource(name, url string, symbols []string, dialer Dialer, decode Decoder, backoff BackoffConfig, log zerolog.Logger) *StreamSource {
	s := &StreamSource{
		Name:    name,
		URL:     url,
		Symbols: symbols,
		dialer:  dialer,
		decode:  decode,
		backoff: backoff,
		log:     log.With().Str("component", "stream_source").Str("source", name).Logger(),
	}
	s.status.Store(StatusConnecting)
	return s
}

// OnFallback registers the hook invoked when the reconnect attempt cap is
// reached.
func (s *StreamSource) OnFallback(fn func()) {
	s.onFallback = fn
}

// Status returns the current connection state.
func (s *StreamSource) Status() Status {
	return s.status.Load().(Status)
}

// Close requests shutdown. Idempotent: repeated calls are no-ops, and a
// shutdown in progress never triggers a reconnect.
func (s *StreamSource) Close() {
	s.closing.Store(true)
}

// Run drives the connect/decode/reconnect loop, emitting canonical ticks
// onto tick and returning when ctx is cancelled or Close is called.
// subscribe is sent immediately after each successful dial (nil skips the
// subscribe frame, e.g. when the symbol list is encoded in the URL itself).
func (s *StreamSource) Run(ctx context.Context, subscribe []byte, tick chan<- domain.Ticker) {
	attempt := 0
	for {
		if s.closing.Load() || ctx.Err() != nil {
			s.status.Store(StatusDisconnected)
			return
		}

		s.status.Store(StatusConnecting)
		conn, err := s.dialer.Dial(ctx, s.URL)
		if err != nil {
			attempt++
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
			if !s.waitOrFallback(ctx, attempt) {
				return
			}
			continue
		}

		if subscribe != nil {
			if err := conn.Write(ctx, subscribe); err != nil {
				s.log.Warn().Err(err).Msg("subscribe write failed")
				conn.Close()
				attempt++
				if !s.waitOrFallback(ctx, attempt) {
					return
				}
				continue
			}
		}

		attempt = 0
		s.status.Store(StatusConnected)
		s.readLoop(ctx, conn, tick)
		conn.Close()

		if s.closing.Load() || ctx.Err() != nil {
			s.status.Store(StatusDisconnected)
			return
		}
		s.status.Store(StatusReconnecting)
	}
}

func (s *StreamSource) readLoop(ctx context.Context, conn Conn, tick chan<- domain.Ticker) {
	for {
		if s.closing.Load() || ctx.Err() != nil {
			return
		}
		raw, err := conn.Read(ctx)
		if err != nil {
			s.status.Store(StatusError)
			return
		}
		t, ok, err := s.decode(raw)
		if err != nil {
			s.log.Warn().Err(err).Msg("decode error")
			continue
		}
		if !ok {
			continue
		}
		t.Source = s.Name
		select {
		case tick <- t:
		case <-ctx.Done():
			return
		}
	}
}

// waitOrFallback sleeps for the linear backoff delay, or invokes the
// fallback hook and returns false once the attempt cap is reached.
func (s *StreamSource) waitOrFallback(ctx context.Context, attempt int) bool {
	if attempt > s.backoff.MaxAttempts {
		s.status.Store(StatusError)
		if s.onFallback != nil {
			s.onFallback()
		}
		return false
	}
	s.status.Store(StatusReconnecting)
	select {
	case <-time.After(s.backoff.delay(attempt)):
		return true
	case <-ctx.Done():
		return false
	}
}
