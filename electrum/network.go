package electrum

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"time"
)

// transport owns the single underlying socket for one connection
// attempt. It is replaced wholesale on reconnect; callers never mutate
// it in place.
type transport struct {
	conn     net.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	messages chan []byte
	errors   chan error
	w        *bufio.Writer
	r        *bufio.Reader
}

type transportOptions struct {
	address    string
	tls        *tls.Config
	dialTimeout time.Duration
}

// getTransport dials a new connection and starts its reader goroutine.
// The returned transport's lifecycle is independent of any parent
// context; call (*transport).close to tear it down.
func getTransport(opts *transportOptions) (*transport, error) {
	dialTimeout := opts.dialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	var conn net.Conn
	var err error
	dialer := &net.Dialer{Timeout: dialTimeout}

	if opts.tls != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", opts.address, opts.tls)
	} else {
		conn, err = dialer.Dial("tcp", opts.address)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &transport{
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan []byte),
		errors:   make(chan error, 1),
		w:        bufio.NewWriter(conn),
		r:        bufio.NewReader(conn),
	}
	go t.listen()
	return t, nil
}

// sendMessage writes raw bytes across the network. Callers are
// responsible for serializing concurrent writes (see Client.writeMu).
func (t *transport) sendMessage(message []byte) error {
	_, err := t.w.Write(message)
	if err == nil {
		err = t.w.Flush()
	}
	return err
}

// close terminates the connection and unblocks the reader goroutine.
func (t *transport) close() {
	t.cancel()
	t.conn.Close()
}

// listen accumulates bytes into a buffer and emits one message per
// delimiter. The reader lifecycle ends on EOF, socket error, or
// explicit close.
func (t *transport) listen() {
	defer close(t.errors)
	for {
		line, err := t.r.ReadBytes(delimiter)
		if err != nil {
			select {
			case t.errors <- err:
			case <-t.ctx.Done():
			}
			return
		}
		select {
		case t.messages <- line:
		case <-t.ctx.Done():
			return
		}
	}
}
