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

package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/silogrid/silogrid/cluster"
	gerrors "github.com/silogrid/silogrid/errors"
	"github.com/silogrid/silogrid/grain"
	"github.com/silogrid/silogrid/internal/syncmap"
	"github.com/silogrid/silogrid/remote"
)

// Client is an external process talking to the cluster through a gateway.
// It identifies itself with a client id at handshake and then exchanges the
// same frames silos exchange among themselves, minus the internal routing
// fields.
type Client struct {
	id      grain.Identity
	timeout time.Duration

	conn    net.Conn
	writeMu sync.Mutex
	pending *syncmap.SyncMap[string, chan *remote.Message]
	gateway cluster.SiloAddress
	closed  atomic.Bool
}

// Dial connects to a gateway and performs the client-id handshake.
func Dial(addr, clientID string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}

	c := &Client{
		id:      remote.ClientGrain(clientID),
		timeout: timeout,
		conn:    conn,
		pending: syncmap.New[string, chan *remote.Message](),
	}

	hello := &remote.Message{
		Direction:     remote.Request,
		SenderGrain:   c.id,
		CorrelationID: remote.NewCorrelationID(),
	}
	if err := c.write(hello); err != nil {
		_ = conn.Close()
		return nil, err
	}

	reader := bufio.NewReader(conn)
	ack, err := remote.ReadFrame(reader)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("gateway handshake failed: %w", err)
	}
	if c.gateway, err = cluster.ParseSiloAddress(string(ack.Body)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("gateway handshake failed: %w", err)
	}

	go c.readLoop(reader)
	return c, nil
}

// GatewayAddress returns the silo address the gateway advertised for replies.
func (c *Client) GatewayAddress() cluster.SiloAddress {
	return c.gateway
}

// Invoke calls a grain method and blocks for the response.
func (c *Client) Invoke(ctx context.Context, target grain.Identity, ifaceID, method uint32, body []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, net.ErrClosed
	}

	msg := &remote.Message{
		Direction:     remote.Request,
		SenderGrain:   c.id,
		TargetGrain:   target,
		TargetKind:    target.Kind(),
		InterfaceID:   ifaceID,
		MethodID:      method,
		CorrelationID: remote.NewCorrelationID(),
		Body:          body,
	}

	done := make(chan *remote.Message, 1)
	c.pending.Set(msg.CorrelationID, done)
	defer c.pending.Delete(msg.CorrelationID)

	if err := c.write(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case reply := <-done:
		if reply.Direction == remote.Rejection || reply.Reason != "" {
			return nil, errors.New(reply.Reason)
		}
		return reply.Body, nil
	case <-timer.C:
		return nil, gerrors.ErrRequestTimeout
	case <-ctx.Done():
		return nil, gerrors.ErrRequestCanceled
	}
}

// Notify sends a one-way message through the gateway.
func (c *Client) Notify(target grain.Identity, ifaceID, method uint32, body []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	msg := &remote.Message{
		Direction:     remote.OneWay,
		SenderGrain:   c.id,
		TargetGrain:   target,
		TargetKind:    target.Kind(),
		InterfaceID:   ifaceID,
		MethodID:      method,
		CorrelationID: remote.NewCorrelationID(),
		Body:          body,
	}
	return c.write(msg)
}

// Close drops the connection. The gateway retains this client's state for
// its drop timeout, so a new Dial with the same id resumes it.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) write(msg *remote.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return remote.WriteFrame(c.conn, msg)
}

func (c *Client) readLoop(reader *bufio.Reader) {
	for {
		frame, err := remote.ReadFrame(reader)
		if err != nil {
			c.closed.Store(true)
			return
		}
		if done, ok := c.pending.Get(frame.CorrelationID); ok {
			select {
			case done <- frame:
			default:
			}
		}
	}
}
