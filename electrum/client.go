// Package electrum provides a client for the Electrum Cash JSON-RPC
// protocol: a long-lived, newline-delimited JSON-RPC 2.0 session over
// TCP or TLS with concurrent request/response correlation and
// server-initiated notification dispatch.
//
// https://electrumx-spesmilo.readthedocs.io/en/latest/protocol.html
package electrum

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// defaultAgent identifies this client to the server during version
// negotiation when Options.Agent is empty.
const defaultAgent = "bchwatch"

// Common client-level errors. Domain-level error kinds (store/price
// unavailability, malformed registry payloads) live in package model.
var (
	ErrTransportDown    = errors.New("electrum: transport down")
	ErrRequestTimeout   = errors.New("electrum: request timed out")
	ErrPeerError        = errors.New("electrum: peer returned an error")
	ErrProtocolMismatch = errors.New("electrum: protocol negotiation failed")
)

// State is the client connection state machine:
// INIT -> CONNECTING -> CONNECTED -> DISCONNECTED -> (may re-enter CONNECTING).
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// NotificationHandler processes a server-initiated notification's raw
// params. It must not block for long; slow per-address work belongs in
// the caller's own goroutine pool.
type NotificationHandler func(params json.RawMessage)

// Options configures a new Client.
type Options struct {
	// Address of the remote server, "host:port".
	Address string

	// TLS, if non-nil, is used to dial a secure connection. Certificate
	// verification is caller-controlled via this config; the process
	// default (see internal/config) sets InsecureSkipVerify to match
	// observed upstream behavior.
	TLS *tls.Config

	// Agent is sent as the client_name during 'server.version'
	// negotiation; default "bchwatch".
	Agent string

	// ProtocolVersion advertised during negotiation.
	ProtocolVersion string

	// RequestTimeout bounds every individual RPC; default 30s.
	RequestTimeout time.Duration

	// DialTimeout bounds the initial TCP/TLS handshake; default 10s.
	DialTimeout time.Duration

	// Log receives structured lifecycle and error events. If nil,
	// events are discarded.
	Log *zap.Logger
}

// Client is a single Electrum Cash session. It is safe for concurrent
// use: many goroutines may issue requests while one watchdog goroutine
// pings and reconnects it.
//
// Client embeds sync.Mutex and exposes it as the "client lock" spec'd
// for multi-call atomic sequences (e.g. listunspent immediately
// followed by subscribe during priming) so callers can serialize a
// sequence of RPCs against a concurrent reconnect.
type Client struct {
	sync.Mutex

	address         string
	tlsConfig       *tls.Config
	agent           string
	protocolVersion string
	requestTimeout  time.Duration
	dialTimeout     time.Duration
	log             *zap.Logger

	transportMu sync.RWMutex
	transport   *transport
	generation  uint64

	writeMu sync.Mutex

	counter atomic.Int64

	pendingMu sync.Mutex
	pending   map[int]chan *response

	notifMu       sync.RWMutex
	notifHandlers map[string]NotificationHandler

	state atomic.Int32
}

// New constructs a Client. The connection is not opened until Connect
// is called.
func New(opts Options) *Client {
	agent := opts.Agent
	if agent == "" {
		agent = defaultAgent
	}
	protocol := opts.ProtocolVersion
	if protocol == "" {
		protocol = "1.4.3"
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		address:         opts.Address,
		tlsConfig:       opts.TLS,
		agent:           agent,
		protocolVersion: protocol,
		requestTimeout:  timeout,
		dialTimeout:     opts.DialTimeout,
		log:             log.With(zap.String("component", "electrum")),
		pending:         make(map[int]chan *response),
		notifHandlers:   make(map[string]NotificationHandler),
	}
	c.state.Store(int32(StateInit))
	return c
}

// State reports the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsHealthy reports whether the client believes it can currently serve
// requests without failing fast.
func (c *Client) IsHealthy() bool {
	return c.State() == StateConnected
}

// OnNotification registers the handler invoked for unsolicited server
// messages carrying the given method name. Registration is idempotent;
// a later call replaces the prior handler for that method.
func (c *Client) OnNotification(method string, handler NotificationHandler) {
	c.notifMu.Lock()
	defer c.notifMu.Unlock()
	c.notifHandlers[method] = handler
}

// Connect dials the server, starts the reader, and negotiates the
// protocol version. On failure the client is left DISCONNECTED.
func (c *Client) Connect(ctx context.Context) error {
	c.state.Store(int32(StateConnecting))

	t, err := getTransport(&transportOptions{
		address:     c.address,
		tls:         c.tlsConfig,
		dialTimeout: c.dialTimeout,
	})
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("%w: %v", ErrTransportDown, err)
	}

	c.transportMu.Lock()
	if c.transport != nil {
		c.transport.close()
	}
	c.transport = t
	c.generation++
	gen := c.generation
	c.transportMu.Unlock()

	c.failPending()
	go c.readLoop(t, gen)

	info, err := c.ServerVersion(ctx)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return err
	}
	if info.Software == "" {
		c.state.Store(int32(StateDisconnected))
		return ErrProtocolMismatch
	}

	c.state.Store(int32(StateConnected))
	c.log.Info("connected", zap.String("server", info.Software), zap.String("protocol", info.Protocol))
	return nil
}

// Close terminates the connection and releases resources.
func (c *Client) Close() error {
	c.state.Store(int32(StateDisconnected))
	c.transportMu.Lock()
	if c.transport != nil {
		c.transport.close()
		c.transport = nil
	}
	c.transportMu.Unlock()
	c.failPending()
	return nil
}

// failPending unblocks every in-flight request with a transport-down
// signal, so callers do not hang until their individual timeout.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(c.pending, id)
	}
}

// markDown transitions to DISCONNECTED and releases in-flight callers.
// It is idempotent and safe to call from the reader goroutine or from
// a failed write.
func (c *Client) markDown(cause error) {
	if State(c.state.Swap(int32(StateDisconnected))) != StateDisconnected {
		c.log.Warn("connection marked down", zap.Error(cause))
	}
	c.failPending()
}

// call issues a JSON-RPC request and blocks for its response, honoring
// both ctx and the client's configured per-request timeout.
func (c *Client) call(ctx context.Context, method string, params ...interface{}) (*response, error) {
	c.transportMu.RLock()
	t := c.transport
	c.transportMu.RUnlock()
	if t == nil || c.State() == StateDisconnected {
		return nil, ErrTransportDown
	}

	id := int(c.counter.Add(1))
	req := &request{ID: id, Method: method, Params: params}
	ch := make(chan *response, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	b, err := req.encode()
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	err = t.sendMessage(b)
	c.writeMu.Unlock()
	if err != nil {
		c.markDown(err)
		return nil, fmt.Errorf("%w: %v", ErrTransportDown, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, ErrTransportDown
		}
		if resp.Error != nil {
			return resp, fmt.Errorf("%w: %s", ErrPeerError, resp.Error.Message)
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop owns one transport generation's messages and errors. It
// exits, without being replaced, once its transport is superseded by
// a reconnect or explicitly closed.
func (c *Client) readLoop(t *transport, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("reader panic recovered", zap.Any("panic", r))
			c.markDown(fmt.Errorf("panic: %v", r))
		}
	}()

	for {
		select {
		case line, ok := <-t.messages:
			if !ok {
				return
			}
			c.dispatch(line)
		case err, ok := <-t.errors:
			if !ok {
				return
			}
			c.transportMu.RLock()
			current := c.generation
			c.transportMu.RUnlock()
			if current == gen {
				c.markDown(err)
			}
			return
		}
	}
}

func (c *Client) dispatch(line []byte) {
	resp := &response{}
	if err := json.Unmarshal(line, resp); err != nil {
		c.log.Warn("malformed message", zap.Error(err))
		return
	}

	if resp.ID != nil {
		c.pendingMu.Lock()
		ch, ok := c.pending[*resp.ID]
		c.pendingMu.Unlock()
		if ok {
			select {
			case ch <- resp:
			default:
			}
		}
		return
	}

	if resp.Method == "" {
		return
	}
	c.notifMu.RLock()
	handler, ok := c.notifHandlers[resp.Method]
	c.notifMu.RUnlock()
	if !ok {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("notification handler panic recovered", zap.String("method", resp.Method), zap.Any("panic", r))
			}
		}()
		handler(resp.Params)
	}()
}

// ServerVersion performs 'server.version' negotiation.
//
// https://electrumx-spesmilo.readthedocs.io/en/latest/protocol-methods.html#server-version
func (c *Client) ServerVersion(ctx context.Context) (*VersionInfo, error) {
	resp, err := c.call(ctx, "server.version", c.agent, c.protocolVersion)
	if err != nil {
		return nil, err
	}
	var pair []string
	if err := json.Unmarshal(resp.Result, &pair); err != nil || len(pair) != 2 {
		return nil, ErrProtocolMismatch
	}
	return &VersionInfo{Software: pair[0], Protocol: pair[1]}, nil
}

// ServerPing performs 'server.ping', used by the watchdog as a
// liveness check.
//
// https://electrumx-spesmilo.readthedocs.io/en/latest/protocol-methods.html#server-ping
func (c *Client) ServerPing(ctx context.Context) error {
	_, err := c.call(ctx, "server.ping")
	return err
}

// HeadersSubscribe performs 'blockchain.headers.subscribe', returning
// the current chain tip and arranging for subsequent tips to arrive as
// notifications under the same method name (register a handler via
// OnNotification beforehand to receive them).
//
// https://electrumx-spesmilo.readthedocs.io/en/latest/protocol-methods.html#blockchain-headers-subscribe
func (c *Client) HeadersSubscribe(ctx context.Context) (*BlockHeader, error) {
	resp, err := c.call(ctx, "blockchain.headers.subscribe")
	if err != nil {
		return nil, err
	}
	header := &BlockHeader{}
	if err := json.Unmarshal(resp.Result, header); err != nil {
		return nil, fmt.Errorf("electrum: decode header: %w", err)
	}
	return header, nil
}

// AddressSubscribe performs 'blockchain.address.subscribe'. The
// returned status is the server's current status hash for the
// address; subsequent changes arrive as notifications with
// params = [address, status].
//
// https://electrumx-spesmilo.readthedocs.io/en/latest/protocol-methods.html#blockchain-address-subscribe
func (c *Client) AddressSubscribe(ctx context.Context, address string) (string, error) {
	resp, err := c.call(ctx, "blockchain.address.subscribe", address)
	if err != nil {
		return "", err
	}
	var status *string
	if err := json.Unmarshal(resp.Result, &status); err != nil {
		return "", fmt.Errorf("electrum: decode subscribe status: %w", err)
	}
	if status == nil {
		return "", nil
	}
	return *status, nil
}

// AddressUnsubscribe performs 'blockchain.address.unsubscribe'.
//
// https://electrumx-spesmilo.readthedocs.io/en/latest/protocol-methods.html#blockchain-address-unsubscribe
func (c *Client) AddressUnsubscribe(ctx context.Context, address string) (bool, error) {
	resp, err := c.call(ctx, "blockchain.address.unsubscribe", address)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(resp.Result, &ok); err != nil {
		return false, fmt.Errorf("electrum: decode unsubscribe result: %w", err)
	}
	return ok, nil
}

// AddressListUnspent performs 'blockchain.address.listunspent'.
//
// https://electrumx-spesmilo.readthedocs.io/en/latest/protocol-methods.html#blockchain-address-listunspent
func (c *Client) AddressListUnspent(ctx context.Context, address string) ([]UnspentOutput, error) {
	resp, err := c.call(ctx, "blockchain.address.listunspent", address)
	if err != nil {
		return nil, err
	}
	var list []UnspentOutput
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		return nil, fmt.Errorf("electrum: decode listunspent: %w", err)
	}
	return list, nil
}
