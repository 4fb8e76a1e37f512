// Package transport is the authenticated HTTP client plus the two WebSocket
// connections (general notifications and call signaling) every other layer
// talks through.
//
// Inbound event names are normalised to their canonical form before any
// handler sees them, so legacy and current names from either socket reach
// the same subscribers.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/petervdpas/callsync/internal/callerr"
	"github.com/petervdpas/callsync/internal/util"
)

// Channel identifies one of the two sockets.
type Channel string

const (
	ChannelMain      Channel = "main"
	ChannelSignaling Channel = "signaling"
)

// Message is one inbound event after name normalisation.
type Message struct {
	Name    string // canonical
	RawName string // as received
	Channel Channel
	Data    json.RawMessage
}

type Handler func(Message)

// Unsubscribe removes a handler. Safe to call more than once.
type Unsubscribe func()

// State reports which sockets are currently connected.
type State struct {
	Main      bool `json:"main"`
	Signaling bool `json:"signaling"`
}

// Online is true when at least one socket is up.
func (s State) Online() bool { return s.Main || s.Signaling }

// Result describes where a command was delivered.
type Result struct {
	Channel Channel
}

// Credentials supplies the bearer token. An empty token means signed out.
type Credentials interface {
	Token() string
}

type Options struct {
	APIURL        string
	SocketURL     string
	MainPath      string
	SignalingPath string

	RequestTimeout    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	PingInterval      time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

func (o *Options) defaults() {
	if o.MainPath == "" {
		o.MainPath = "/ws"
	}
	if o.SignalingPath == "" {
		o.SignalingPath = "/call"
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.RequestTimeout}
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: util.DefaultConnectTimeout * 3}
	}
}

// Client is safe for concurrent use. Construct with New; nothing is global.
type Client struct {
	opts  Options
	creds Credentials

	main *socket
	sig  *socket

	handlerMu sync.RWMutex
	handlers  map[string]map[uint64]Handler
	nextID    uint64

	stateMu   sync.Mutex
	state     State
	stateSubs map[chan State]struct{}

	runMu  sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
}

func New(creds Credentials, opts Options) *Client {
	opts.defaults()
	c := &Client{
		opts:      opts,
		creds:     creds,
		handlers:  make(map[string]map[uint64]Handler),
		stateSubs: make(map[chan State]struct{}),
	}
	base := util.NormalizeURL(opts.SocketURL)
	c.main = c.newSocket(ChannelMain, base+opts.MainPath)
	c.sig = c.newSocket(ChannelSignaling, base+opts.SignalingPath)
	return c
}

func (c *Client) newSocket(ch Channel, url string) *socket {
	return &socket{
		channel:      ch,
		url:          url,
		dialer:       c.opts.Dialer,
		header:       c.authHeader,
		attempts:     c.opts.ReconnectAttempts,
		delay:        c.opts.ReconnectDelay,
		maxDelay:     c.opts.ReconnectMaxDelay,
		pingInterval: c.opts.PingInterval,
		onMessage:    c.dispatch,
		onState:      c.setState,
		onConnect:    c.resubscribe,
	}
}

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	if tok := c.token(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

func (c *Client) token() string {
	if c.creds == nil {
		return ""
	}
	return c.creds.Token()
}

// Connect starts both sockets. They keep reconnecting in the background
// until Disconnect or until the attempt budget is spent. Calling Connect
// again restarts any socket that gave up.
func (c *Client) Connect(ctx context.Context) error {
	if c.token() == "" {
		return callerr.New(callerr.Unauthenticated, "connect", "no credentials")
	}
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.runCtx == nil {
		c.runCtx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	c.main.start(c.runCtx)
	c.sig.start(c.runCtx)
	return nil
}

// Disconnect closes both sockets and stops reconnecting.
func (c *Client) Disconnect() {
	c.runMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runCtx = nil
	c.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.main.close()
	c.sig.close()
}

// OnEvent registers h for name. Legacy names are accepted and normalised.
// Handlers live on the client, not the connection, so they survive reconnects.
func (c *Client) OnEvent(name string, h Handler) Unsubscribe {
	name = Canonical(name)
	c.handlerMu.Lock()
	c.nextID++
	id := c.nextID
	if c.handlers[name] == nil {
		c.handlers[name] = make(map[uint64]Handler)
	}
	c.handlers[name][id] = h
	c.handlerMu.Unlock()

	c.announce(name)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.handlerMu.Lock()
			delete(c.handlers[name], id)
			if len(c.handlers[name]) == 0 {
				delete(c.handlers, name)
			}
			c.handlerMu.Unlock()
		})
	}
}

func (c *Client) eventNames() []string {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	names := make([]string, 0, len(c.handlers))
	for n := range c.handlers {
		names = append(names, n)
	}
	return names
}

// resubscribe tells the backend which events this client listens to. Runs
// on every (re)connect.
func (c *Client) resubscribe(ch Channel) {
	names := c.eventNames()
	if len(names) == 0 {
		return
	}
	b, err := encodeFrame("subscribe", map[string]any{"events": names})
	if err != nil {
		return
	}
	s := c.socketFor(ch)
	if err := s.write(b); err != nil {
		log.Debug().Str("channel", string(ch)).Err(err).Msg("TRANSPORT: resubscribe failed")
	}
}

func (c *Client) announce(name string) {
	b, err := encodeFrame("subscribe", map[string]any{"events": []string{name}})
	if err != nil {
		return
	}
	for _, s := range []*socket{c.main, c.sig} {
		if s.connected() {
			_ = s.write(b)
		}
	}
}

func (c *Client) socketFor(ch Channel) *socket {
	if ch == ChannelMain {
		return c.main
	}
	return c.sig
}

func (c *Client) dispatch(ch Channel, b []byte) {
	raw, data, ok := decodeFrame(b)
	if !ok {
		log.Debug().Str("channel", string(ch)).Msg("TRANSPORT: dropping frame without event name")
		return
	}
	msg := Message{Name: Canonical(raw), RawName: raw, Channel: ch, Data: data}

	c.handlerMu.RLock()
	hs := make([]Handler, 0, len(c.handlers[msg.Name]))
	for _, h := range c.handlers[msg.Name] {
		hs = append(hs, h)
	}
	c.handlerMu.RUnlock()

	for _, h := range hs {
		c.safeCall(h, msg)
	}
}

func (c *Client) safeCall(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("event", msg.Name).Interface("panic", r).Msg("TRANSPORT: handler panicked")
		}
	}()
	h(msg)
}

// Deliver injects a frame as if it had arrived on ch. Used by tests and by
// bridges that receive events out of band.
func (c *Client) Deliver(ch Channel, b []byte) {
	c.dispatch(ch, b)
}

// SendCommand writes verb to the signaling socket, falling back to the main
// socket while signaling is down.
func (c *Client) SendCommand(ctx context.Context, verb string, payload any) (Result, error) {
	if c.token() == "" {
		return Result{}, callerr.New(callerr.Unauthenticated, verb, "no credentials")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, callerr.Wrap(callerr.Timeout, verb, err)
	}
	b, err := encodeFrame(verb, payload)
	if err != nil {
		return Result{}, callerr.Wrap(callerr.Unknown, verb, err)
	}
	if c.sig.connected() {
		if err := c.sig.write(b); err == nil {
			return Result{Channel: ChannelSignaling}, nil
		}
	}
	if err := c.main.write(b); err != nil {
		return Result{}, err
	}
	return Result{Channel: ChannelMain}, nil
}

func (c *Client) setState(ch Channel, up bool) {
	c.stateMu.Lock()
	if ch == ChannelMain {
		c.state.Main = up
	} else {
		c.state.Signaling = up
	}
	st := c.state
	subs := make([]chan State, 0, len(c.stateSubs))
	for s := range c.stateSubs {
		subs = append(subs, s)
	}
	c.stateMu.Unlock()

	for _, s := range subs {
		select {
		case s <- st:
		default:
		}
	}
}

// ConnectionState returns the current socket status.
func (c *Client) ConnectionState() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// WatchState streams state changes until cancel is called.
func (c *Client) WatchState() (<-chan State, func()) {
	ch := make(chan State, 8)
	c.stateMu.Lock()
	c.stateSubs[ch] = struct{}{}
	c.stateMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.stateMu.Lock()
			delete(c.stateSubs, ch)
			c.stateMu.Unlock()
			close(ch)
		})
	}
}

// WaitOnline blocks until at least one socket is connected or ctx ends.
func (c *Client) WaitOnline(ctx context.Context) error {
	updates, cancel := c.WatchState()
	defer cancel()
	if c.ConnectionState().Online() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return callerr.Wrap(callerr.NetworkUnavailable, "waitOnline", ctx.Err())
		case st := <-updates:
			if st.Online() {
				return nil
			}
		}
	}
}

// StatusError is a non-2xx HTTP response. Body is the backend payload verbatim.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Do performs an authenticated JSON request against APIURL+path. body and
// out may be nil. 401/403 map to Unauthenticated and 404 to NotFound; other
// failures wrap a *StatusError.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path
	tok := c.token()
	if tok == "" {
		return callerr.New(callerr.Unauthenticated, op, "no credentials")
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return callerr.Wrap(callerr.Unknown, op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, util.NormalizeURL(c.opts.APIURL)+path, rd)
	if err != nil {
		return callerr.Wrap(callerr.Unknown, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return callerr.Wrap(callerr.Timeout, op, err)
		}
		return callerr.Wrap(callerr.TransportError, op, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &callerr.Error{Kind: callerr.Unauthenticated, Op: op, Msg: se.Body, Err: se}
		case http.StatusNotFound:
			return &callerr.Error{Kind: callerr.NotFound, Op: op, Msg: se.Body, Err: se}
		}
		return &callerr.Error{Kind: callerr.Unknown, Op: op, Msg: se.Body, Err: se}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return callerr.Wrap(callerr.Unknown, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
