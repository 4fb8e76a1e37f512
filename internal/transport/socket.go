package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/petervdpas/callsync/internal/callerr"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// socket is one auto-reconnecting WebSocket connection.
type socket struct {
	channel Channel
	url     string
	dialer  *websocket.Dialer
	header  func() http.Header

	attempts     int
	delay        time.Duration
	maxDelay     time.Duration
	pingInterval time.Duration

	onMessage func(ch Channel, b []byte)
	onState   func(ch Channel, up bool)
	onConnect func(ch Channel)

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
}

func (s *socket) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// start launches the reconnect loop unless one is already running.
func (s *socket) start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *socket) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header())
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				log.Error().Str("channel", string(s.channel)).Int("status", resp.StatusCode).
					Msg("TRANSPORT: socket rejected credentials, not reconnecting")
				return
			}
			failures++
			if s.attempts > 0 && failures > s.attempts {
				log.Error().Str("channel", string(s.channel)).Int("attempts", failures-1).Err(err).
					Msg("TRANSPORT: giving up reconnecting")
				return
			}
			wait := backoff(s.delay, s.maxDelay, failures)
			log.Warn().Str("channel", string(s.channel)).Int("attempt", failures).Dur("retry_in", wait).Err(err).
				Msg("TRANSPORT: dial failed")
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		failures = 0
		s.attach(conn)
		log.Info().Str("channel", string(s.channel)).Str("url", s.url).Msg("TRANSPORT: socket connected")
		s.readLoop(ctx, conn)
		s.detach(conn)

		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("channel", string(s.channel)).Msg("TRANSPORT: socket lost, reconnecting")
	}
}

// backoff is linear in the attempt number and capped at maxDelay.
func backoff(delay, maxDelay time.Duration, attempt int) time.Duration {
	d := delay * time.Duration(attempt)
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *socket) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if s.onState != nil {
		s.onState(s.channel, true)
	}
	if s.onConnect != nil {
		s.onConnect(s.channel)
	}
}

func (s *socket) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
	if s.onState != nil {
		s.onState(s.channel, false)
	}
}

func (s *socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	pongWait := s.pingInterval * 2
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		mt, b, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Str("channel", string(s.channel)).Err(err).Msg("TRANSPORT: read error")
			}
			return
		}
		if mt != websocket.TextMessage || s.onMessage == nil {
			continue
		}
		// Any inbound traffic proves liveness.
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.onMessage(s.channel, b)
	}
}

var errSocketDown = errors.New("socket not connected")

func (s *socket) write(b []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return callerr.Wrap(callerr.NetworkUnavailable, string(s.channel), errSocketDown)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return callerr.Wrap(callerr.TransportError, string(s.channel), err)
	}
	return nil
}

func (s *socket) close() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = conn.Close()
	}
}
