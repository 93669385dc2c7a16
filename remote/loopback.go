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
	"context"
	"sync"

	"go.uber.org/atomic"

	gerrors "github.com/silogrid/silogrid/errors"
	"github.com/silogrid/silogrid/cluster"
)

// LoopbackNetwork connects in-process transports by silo address. It exists
// for multi-silo tests that need deterministic delivery without sockets.
// Frames still pass through the codec so every test exercises the wire form.
type LoopbackNetwork struct {
	mu         sync.RWMutex
	transports map[cluster.SiloAddress]*LoopbackTransport
}

// NewLoopbackNetwork creates an empty network.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{transports: make(map[cluster.SiloAddress]*LoopbackTransport)}
}

// Transport creates and registers the transport for the given silo.
func (n *LoopbackNetwork) Transport(local cluster.SiloAddress) *LoopbackTransport {
	transport := &LoopbackTransport{network: n, local: local}
	n.mu.Lock()
	n.transports[local] = transport
	n.mu.Unlock()
	return transport
}

// Disconnect removes a silo from the network; subsequent sends to it fail as
// transient transport errors, like a crashed silo would.
func (n *LoopbackNetwork) Disconnect(silo cluster.SiloAddress) {
	n.mu.Lock()
	delete(n.transports, silo)
	n.mu.Unlock()
}

func (n *LoopbackNetwork) deliver(target cluster.SiloAddress, payload []byte) error {
	n.mu.RLock()
	transport, ok := n.transports[target]
	n.mu.RUnlock()
	if !ok || transport.stopped.Load() {
		return gerrors.NewErrRemoteSendFailure(gerrors.ErrDeadSilo)
	}

	msg, err := DecodeMessage(payload)
	if err != nil {
		return err
	}
	transport.handler(msg)
	return nil
}

// LoopbackTransport is the per-silo endpoint of a LoopbackNetwork.
type LoopbackTransport struct {
	network *LoopbackNetwork
	local   cluster.SiloAddress
	handler Handler
	stopped atomic.Bool
}

// ensure LoopbackTransport implements Transport
var _ Transport = (*LoopbackTransport)(nil)

// SetHandler implements Transport.
func (t *LoopbackTransport) SetHandler(handler Handler) {
	t.handler = handler
}

// Start implements Transport.
func (t *LoopbackTransport) Start(context.Context) error {
	return nil
}

// Stop implements Transport.
func (t *LoopbackTransport) Stop(context.Context) error {
	t.stopped.Store(true)
	t.network.Disconnect(t.local)
	return nil
}

// Send implements Transport. The frame is encoded and decoded so loopback
// and TCP behave identically at the message level.
func (t *LoopbackTransport) Send(_ context.Context, target cluster.SiloAddress, msg *Message) error {
	if t.stopped.Load() {
		return gerrors.ErrSiloStopping
	}
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return t.network.deliver(target, payload)
}
