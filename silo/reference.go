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

package silo

import (
	"context"

	"github.com/silogrid/silogrid/grain"
	"github.com/silogrid/silogrid/remote"
)

// GrainRef is the proxy through which callers invoke a grain. It holds an
// identity, never a location: the runtime activates the grain wherever the
// directory decides and routes every call there. References are cheap values
// safe for concurrent use; generated typed proxies wrap one and translate
// method signatures into (method id, payload) pairs.
type GrainRef struct {
	identity   grain.Identity
	ifaceID    uint32
	dispatcher *Dispatcher
}

// Identity returns the grain identity the reference points at.
func (r *GrainRef) Identity() grain.Identity {
	return r.identity
}

// Invoke performs a request call and blocks until its response or failure.
func (r *GrainRef) Invoke(ctx context.Context, method uint32, body []byte) ([]byte, error) {
	msg := &remote.Message{
		Direction:   remote.Request,
		TargetGrain: r.identity,
		TargetKind:  r.identity.Kind(),
		InterfaceID: r.ifaceID,
		MethodID:    method,
		Body:        body,
	}
	return r.dispatcher.Call(ctx, msg)
}

// Notify sends a one-way message: delivered at most once, never answered.
func (r *GrainRef) Notify(ctx context.Context, method uint32, body []byte) error {
	return r.dispatcher.notifyFrom(ctx, grain.Identity{}, r.identity, r.ifaceID, method, body)
}
