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

// Package gateway terminates external client connections and proxies their
// traffic into the cluster. Each connected client is addressed as a grain of
// the reserved client kind; the gateway rewrites the sender silo of client
// requests to its own address so that replies return here, and keeps enough
// state across reconnects to resume a briefly dropped client.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/silogrid/silogrid/cluster"
	gerrors "github.com/silogrid/silogrid/errors"
	"github.com/silogrid/silogrid/grain"
	"github.com/silogrid/silogrid/internal/syncmap"
	"github.com/silogrid/silogrid/internal/ticker"
	"github.com/silogrid/silogrid/log"
	"github.com/silogrid/silogrid/remote"
)

// cleanupInterval paces the agent advancing disconnections to drops and
// expiring stale reply routes.
const cleanupInterval = time.Second

// Router is the dispatcher seam the gateway proxies through.
type Router interface {
	// Call performs a blocking request on behalf of a client.
	Call(ctx context.Context, msg *remote.Message) ([]byte, error)
	// OneWay dispatches a one-way frame on behalf of a client.
	OneWay(ctx context.Context, msg *remote.Message) error
	// Forward sends a frame to an explicit silo.
	Forward(ctx context.Context, target cluster.SiloAddress, msg *remote.Message) error
	// LocalAddress returns the hosting silo's address.
	LocalAddress() cluster.SiloAddress
	// SetClientSink installs the hook receiving frames addressed to clients.
	SetClientSink(sink func(*remote.Message) bool)
}

// Config tunes the gateway.
type Config struct {
	// ListenAddr is the client-facing endpoint ("host:port").
	ListenAddr string
	// ClientDropTimeout is how long client state survives a disconnect.
	ClientDropTimeout time.Duration
	// ResponseTimeout is the per-call deadline applied to proxied requests.
	// Reply routes expire after five times this value.
	ResponseTimeout time.Duration
	// Logger receives the gateway's log records.
	Logger log.Logger
}

// clientState is everything the gateway knows about one client: the live
// connection when there is one, frames waiting for a reconnect, and the
// moment the client was last seen leaving.
type clientState struct {
	id grain.Identity

	mu           sync.Mutex
	conn         net.Conn
	pending      []*remote.Message
	disconnected time.Time
}

// send writes the frame to the live connection, or parks it for a reconnect.
func (c *clientState) send(frame *remote.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.pending = append(c.pending, frame)
		return true
	}
	if err := remote.WriteFrame(c.conn, frame); err != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.disconnected = time.Now()
		c.pending = append(c.pending, frame)
	}
	return true
}

// attach binds a fresh connection and flushes parked frames.
func (c *clientState) attach(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.disconnected = time.Time{}
	for _, frame := range c.pending {
		if err := remote.WriteFrame(conn, frame); err != nil {
			break
		}
	}
	c.pending = nil
}

// detach records the disconnect without dropping state.
func (c *clientState) detach(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		c.disconnected = time.Now()
	}
}

// expired reports whether the client has been gone longer than the drop
// timeout.
func (c *clientState) expired(now time.Time, dropTimeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == nil && !c.disconnected.IsZero() && now.Sub(c.disconnected) > dropTimeout
}

// routeEntry maps a client id to the gateway silo that can reach it.
type routeEntry struct {
	silo    cluster.SiloAddress
	expires time.Time
}

// Gateway accepts external client connections and multiplexes their traffic
// onto the cluster's internal links.
type Gateway struct {
	router Router
	config Config
	logger log.Logger

	clients *syncmap.SyncMap[grain.Identity, *clientState]
	routes  *syncmap.SyncMap[grain.Identity, routeEntry]

	listener net.Listener
	cleanup  *ticker.Ticker
	done     chan struct{}
	wg       sync.WaitGroup
	stopped  atomic.Bool
}

// New creates a gateway proxying through the given router.
func New(router Router, config Config) *Gateway {
	if config.Logger == nil {
		config.Logger = log.DefaultLogger
	}
	g := &Gateway{
		router:  router,
		config:  config,
		logger:  config.Logger,
		clients: syncmap.New[grain.Identity, *clientState](),
		routes:  syncmap.New[grain.Identity, routeEntry](),
		done:    make(chan struct{}),
	}
	router.SetClientSink(g.deliverToClient)
	return g
}

// Start begins accepting client connections.
func (g *Gateway) Start() error {
	listener, err := net.Listen("tcp", g.config.ListenAddr)
	if err != nil {
		return err
	}
	g.listener = listener

	g.cleanup = ticker.New(cleanupInterval)
	g.cleanup.Start()

	g.wg.Add(2)
	go g.acceptLoop()
	go g.cleanupLoop()

	g.logger.Infof("gateway listening on %s", listener.Addr())
	return nil
}

// Stop closes the gateway: no new connections, existing clients dropped.
func (g *Gateway) Stop() error {
	if !g.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(g.done)
	g.cleanup.Stop()
	err := g.listener.Close()

	g.clients.Range(func(_ grain.Identity, client *clientState) {
		client.mu.Lock()
		if client.conn != nil {
			_ = client.conn.Close()
		}
		client.mu.Unlock()
	})
	g.clients.Reset()
	g.wg.Wait()
	return err
}

// Addr returns the client-facing listen address.
func (g *Gateway) Addr() net.Addr {
	return g.listener.Addr()
}

func (g *Gateway) acceptLoop() {
	defer g.wg.Done()
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if g.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			g.logger.Warnf("gateway accept failed: %v", err)
			continue
		}
		g.wg.Add(1)
		go g.serve(conn)
	}
}

// serve handles one client connection: handshake first, then the frame loop.
func (g *Gateway) serve(conn net.Conn) {
	defer g.wg.Done()

	reader := bufio.NewReader(conn)
	hello, err := remote.ReadFrame(reader)
	if err != nil || hello.SenderGrain.Kind() != remote.ClientGrainKind {
		g.logger.Warnf("rejecting connection from %s: bad handshake", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	clientID := hello.SenderGrain

	client, _ := g.clients.GetOrSet(clientID, &clientState{id: clientID})
	client.attach(conn)
	g.recordRoute(clientID)

	// advertise this gateway's silo for client replies
	ack := hello.ResponseOf([]byte(g.router.LocalAddress().String()))
	ack.SenderSilo = g.router.LocalAddress()
	client.send(ack)

	g.logger.Infof("client %s connected from %s", clientID.Name(), conn.RemoteAddr())

	for {
		frame, err := remote.ReadFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !g.stopped.Load() {
				g.logger.Warnf("client %s read failed: %v", clientID.Name(), err)
			}
			client.detach(conn)
			_ = conn.Close()
			return
		}
		g.handleClientFrame(client, frame)
	}
}

// handleClientFrame routes one inbound client frame per the gateway rules:
// system targets go straight to their silo, client targets ride the
// reply-route cache, everything else enters the dispatcher as if it
// originated here.
func (g *Gateway) handleClientFrame(client *clientState, frame *remote.Message) {
	frame.SenderGrain = client.id
	frame.SenderSilo = g.router.LocalAddress()
	g.recordRoute(client.id)

	switch {
	case frame.IsControl() && !frame.TargetSilo.IsZero():
		ctx, cancel := context.WithTimeout(context.Background(), g.config.ResponseTimeout)
		_ = g.router.Forward(ctx, frame.TargetSilo, frame)
		cancel()

	case frame.TargetGrain.Kind() == remote.ClientGrainKind:
		if !g.deliverToClient(frame) {
			g.logger.Warnf("dropping client-to-client frame for unknown %s", frame.TargetGrain.Name())
		}

	case frame.Direction == remote.OneWay:
		ctx, cancel := context.WithTimeout(context.Background(), g.config.ResponseTimeout)
		if err := g.router.OneWay(ctx, frame); err != nil {
			g.logger.Warnf("one-way from client %s failed: %v", client.id.Name(), err)
		}
		cancel()

	default:
		// proxy the request; the reply travels back over this client's link.
		// The dispatcher stamps its own correlation ids on the proxied copy,
		// so the client's id is preserved on the original frame.
		proxied := *frame
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), g.config.ResponseTimeout)
			defer cancel()

			body, err := g.router.Call(ctx, &proxied)
			reply := frame.ResponseOf(body)
			reply.SenderSilo = g.router.LocalAddress()
			if err != nil {
				reply.Reason = err.Error()
			}
			client.send(reply)
		}()
	}
}

// deliverToClient places a frame destined for a client: locally when the
// client is connected (or recently disconnected) here, via the reply-route
// cache otherwise. Unknown clients drop the frame.
func (g *Gateway) deliverToClient(frame *remote.Message) bool {
	if client, ok := g.clients.Get(frame.TargetGrain); ok {
		return client.send(frame)
	}

	route, ok := g.routes.Get(frame.TargetGrain)
	if !ok || time.Now().After(route.expires) || route.silo.Equal(g.router.LocalAddress()) {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.config.ResponseTimeout)
	defer cancel()
	return g.router.Forward(ctx, route.silo, frame) == nil
}

// recordRoute refreshes the reply route of a client through this gateway.
func (g *Gateway) recordRoute(clientID grain.Identity) {
	g.routes.Set(clientID, routeEntry{
		silo:    g.router.LocalAddress(),
		expires: time.Now().Add(5 * g.config.ResponseTimeout),
	})
}

// cleanupLoop advances disconnections to drops and expires stale reply
// routes.
func (g *Gateway) cleanupLoop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case now := <-g.cleanup.Ticks:
			g.sweep(now)
		}
	}
}

func (g *Gateway) sweep(now time.Time) {
	var dropped []grain.Identity
	g.clients.Range(func(id grain.Identity, client *clientState) {
		if client.expired(now, g.config.ClientDropTimeout) {
			dropped = append(dropped, id)
		}
	})
	for _, id := range dropped {
		if client, ok := g.clients.Get(id); ok {
			client.mu.Lock()
			pending := len(client.pending)
			client.pending = nil
			client.mu.Unlock()
			g.clients.Delete(id)
			if pending > 0 {
				g.logger.Warnf("dropped client %s with %d undelivered frames: %v", id.Name(), pending, gerrors.ErrClientUnknown)
			} else {
				g.logger.Infof("dropped client %s after %s offline", id.Name(), g.config.ClientDropTimeout)
			}
		}
	}

	var staleRoutes []grain.Identity
	g.routes.Range(func(id grain.Identity, route routeEntry) {
		if now.After(route.expires) {
			staleRoutes = append(staleRoutes, id)
		}
	})
	for _, id := range staleRoutes {
		g.routes.Delete(id)
	}
}
