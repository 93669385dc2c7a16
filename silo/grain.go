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

// Package silo hosts grains: it owns the catalog of local activations, the
// per-activation turn scheduler, the idle-time collector and the message
// dispatcher, and wires them to the grain directory and the transport.
package silo

import (
	"context"
	"time"

	gerrors "github.com/silogrid/silogrid/errors"
	"github.com/silogrid/silogrid/grain"
	"github.com/silogrid/silogrid/internal/syncmap"
	"github.com/silogrid/silogrid/remote"
)

// Grain is the contract a virtual actor implements.
//
// A grain is activated on demand on some silo, processes one turn at a time,
// and is deactivated when idle. Method dispatch is table-driven: the runtime
// hands the grain an opaque method id and payload and the grain (or its
// generated dispatch shim) routes it.
//
// Grain code must not retain the GrainContext beyond the call it was passed
// to, and must only suspend through the context's Request: any other
// blocking inside a turn stalls the activation.
type Grain interface {
	// OnActivate is called once, before the first turn, when the grain is
	// loaded into memory. Returning an error fails the activation: the
	// reserved slot is torn down and the caller observes the failure.
	OnActivate(ctx *GrainContext) error

	// OnDeactivate is called once, after the last turn, before the grain is
	// removed from memory.
	OnDeactivate(ctx *GrainContext) error

	// InvokeMethod processes one incoming call. The body is opaque to the
	// runtime; errors are delivered to the caller as a failed call.
	InvokeMethod(ctx *GrainContext, method uint32, body []byte) ([]byte, error)
}

// Factory instantiates a grain of one kind.
type Factory func() Grain

// Registry maps grain kinds to their factories.
type Registry struct {
	factories *syncmap.SyncMap[string, Factory]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: syncmap.New[string, Factory]()}
}

// Register binds a kind to its factory. Re-registering a kind replaces the
// previous factory.
func (r *Registry) Register(kind string, factory Factory) {
	r.factories.Set(kind, factory)
}

// Instantiate creates a grain of the given kind.
func (r *Registry) Instantiate(kind string) (Grain, error) {
	factory, ok := r.factories.Get(kind)
	if !ok {
		return nil, gerrors.ErrGrainKindNotRegistered
	}
	return factory(), nil
}

// Registered reports whether the kind has a factory.
func (r *Registry) Registered(kind string) bool {
	_, ok := r.factories.Get(kind)
	return ok
}

// GrainContext carries the identity and runtime handles a grain may use
// during a lifecycle hook or a turn.
type GrainContext struct {
	ctx        context.Context
	identity   grain.Identity
	activation *activation
	dispatcher *Dispatcher

	// msg is the frame that started this turn; nil in lifecycle hooks
	msg      *remote.Message
	deferred bool
}

// Context returns the context bounding the current turn.
func (c *GrainContext) Context() context.Context {
	return c.ctx
}

// Identity returns the grain's identity.
func (c *GrainContext) Identity() grain.Identity {
	return c.identity
}

// Self returns a reference to this grain, usable to address it from outside.
func (c *GrainContext) Self() *GrainRef {
	return c.dispatcher.Ref(c.identity, 0)
}

// Notify sends a one-way message to another grain. It never suspends the
// turn and returns as soon as the message is routed.
func (c *GrainContext) Notify(target grain.Identity, ifaceID, method uint32, body []byte) error {
	return c.dispatcher.notifyFrom(c.ctx, c.identity, target, ifaceID, method, body)
}

// Request starts an async call to another grain and suspends the current
// turn at this boundary: the method should return promptly, and the
// continuation is executed as a later turn on this same activation once the
// response (or its deadline) arrives.
//
// A non-reentrant grain stashes new invocations while any continuation is
// outstanding; a reentrant one interleaves them.
func (c *GrainContext) Request(target grain.Identity, ifaceID, method uint32, body []byte, continuation func(resp []byte, err error)) {
	c.dispatcher.requestFrom(c.identity, c.activation, target, ifaceID, method, body, continuation)
}

// KeepAliveFor keeps this activation exempt from idle collection until the
// given duration elapsed, regardless of activity.
func (c *GrainContext) KeepAliveFor(d time.Duration) {
	c.activation.keepAliveUntil.Store(time.Now().Add(d).UnixNano())
}

// ActivationID returns the identity of this in-memory incarnation. It
// changes whenever the grain is re-activated.
func (c *GrainContext) ActivationID() grain.ActivationID {
	return c.activation.id
}

// Responder defers the reply of the current turn. When a method calls
// Responder, the runtime sends no response on return; the grain completes
// the call later through Respond, typically inside a continuation of a
// Request it started.
func (c *GrainContext) Responder() *Responder {
	c.deferred = true
	return &Responder{msg: c.msg, dispatcher: c.dispatcher}
}

// Responder completes a deferred turn exactly once.
type Responder struct {
	msg        *remote.Message
	dispatcher *Dispatcher
	done       bool
}

// Respond delivers the reply of the deferred turn. Later calls are dropped.
// Respond must be called from a turn of the same activation.
func (r *Responder) Respond(body []byte, err error) {
	if r.done || r.msg == nil || r.msg.Direction != remote.Request {
		return
	}
	r.done = true
	resp := r.msg.ResponseOf(body)
	if err != nil {
		resp.Reason = err.Error()
	}
	r.dispatcher.route(context.Background(), resp)
}
