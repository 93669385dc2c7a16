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

	"github.com/silogrid/silogrid/cluster"
)

// Handler consumes every inbound frame of a transport. It runs on the
// transport's read goroutine and must hand work off quickly.
type Handler func(msg *Message)

// Transport moves frames between silos. Frames are one-directional;
// responses travel as independent frames routed by the silo address stamped
// on the original request.
type Transport interface {
	// Start begins accepting inbound frames and delivering them to the handler.
	Start(ctx context.Context) error

	// Stop closes the transport. In-flight sends may fail.
	Stop(ctx context.Context) error

	// Send delivers one frame to the target silo. A transport error is
	// transient from the routing layer's point of view; the caller decides
	// whether to retry after a membership refresh.
	Send(ctx context.Context, target cluster.SiloAddress, msg *Message) error

	// SetHandler installs the inbound frame handler. Must be called before Start.
	SetHandler(handler Handler)
}
