/*
 * MIT License
 *
 * Copyright (c) 2023-2026 SiloGrid Authors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

package remote

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	gerrors "github.com/silogrid/silogrid/errors"
	"github.com/silogrid/silogrid/cluster"
	"github.com/silogrid/silogrid/log"
)

const (
	dialTimeout     = 5 * time.Second
	maxIdlePerPeer  = 8
	idleConnTimeout = 30 * time.Second
)

// TCPTransport is the production transport: length-prefixed CBOR frames over
// pooled TCP connections. One listener serves inbound frames; outbound
// connections are pooled per peer endpoint and evicted lazily when idle.
type TCPTransport struct {
	local    cluster.SiloAddress
	logger   log.Logger
	handler  Handler
	listener net.Listener
	stopped  atomic.Bool
	wg       sync.WaitGroup

	mu    sync.Mutex
	pools map[string][]idleConn
}

type idleConn struct {
	conn  net.Conn
	since time.Time
}

// ensure TCPTransport implements Transport
var _ Transport = (*TCPTransport)(nil)

// NewTCPTransport creates a transport listening on the local silo endpoint.
func NewTCPTransport(local cluster.SiloAddress, logger log.Logger) *TCPTransport {
	return &TCPTransport{
		local:  local,
		logger: logger,
		pools:  make(map[string][]idleConn),
	}
}

// SetHandler implements Transport.
func (t *TCPTransport) SetHandler(handler Handler) {
	t.handler = handler
}

// Start implements Transport.
func (t *TCPTransport) Start(_ context.Context) error {
	listener, err := net.Listen("tcp", t.local.Endpoint())
	if err != nil {
		return err
	}
	t.listener = listener
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Stop implements Transport.
func (t *TCPTransport) Stop(_ context.Context) error {
	if !t.stopped.CompareAndSwap(false, true) {
		return nil
	}
	err := t.listener.Close()

	t.mu.Lock()
	for _, pool := range t.pools {
		for _, idle := range pool {
			_ = idle.conn.Close()
		}
	}
	t.pools = make(map[string][]idleConn)
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

// Send implements Transport.
func (t *TCPTransport) Send(ctx context.Context, target cluster.SiloAddress, msg *Message) error {
	if t.stopped.Load() {
		return gerrors.ErrSiloStopping
	}

	conn, err := t.get(ctx, target.Endpoint())
	if err != nil {
		return gerrors.NewErrRemoteSendFailure(err)
	}
	if err := WriteFrame(conn, msg); err != nil {
		_ = conn.Close()
		return gerrors.NewErrRemoteSendFailure(err)
	}
	t.put(target.Endpoint(), conn)
	return nil
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warnf("accept failed: %v", err)
			continue
		}
		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		msg, err := ReadFrame(reader)
		if err != nil {
			if !t.stopped.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.logger.Warnf("dropping connection from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		t.handler(msg)
	}
}

// get returns a pooled connection to the endpoint, dialing when the pool is
// dry. Stale idle connections are evicted here.
func (t *TCPTransport) get(ctx context.Context, endpoint string) (net.Conn, error) {
	now := time.Now()

	t.mu.Lock()
	pool := t.pools[endpoint]
	for len(pool) > 0 {
		idle := pool[len(pool)-1]
		pool = pool[:len(pool)-1]
		if now.Sub(idle.since) > idleConnTimeout {
			_ = idle.conn.Close()
			continue
		}
		t.pools[endpoint] = pool
		t.mu.Unlock()
		return idle.conn, nil
	}
	t.pools[endpoint] = pool
	t.mu.Unlock()

	dialer := net.Dialer{Timeout: dialTimeout}
	return dialer.DialContext(ctx, "tcp", endpoint)
}

func (t *TCPTransport) put(endpoint string, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped.Load() || len(t.pools[endpoint]) >= maxIdlePerPeer {
		_ = conn.Close()
		return
	}
	t.pools[endpoint] = append(t.pools[endpoint], idleConn{conn: conn, since: time.Now()})
}
