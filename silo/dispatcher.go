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
	stderrors "errors"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/silogrid/silogrid/cluster"
	"github.com/silogrid/silogrid/directory"
	gerrors "github.com/silogrid/silogrid/errors"
	"github.com/silogrid/silogrid/grain"
	"github.com/silogrid/silogrid/internal/syncmap"
	"github.com/silogrid/silogrid/internal/workerpool"
	"github.com/silogrid/silogrid/log"
	"github.com/silogrid/silogrid/remote"
)

// pendingCall tracks one outstanding request: whoever completes it first
// (the response, the deadline, or a membership change killing the target)
// wins; everything later is dropped.
type pendingCall struct {
	target    cluster.SiloAddress
	timer     *time.Timer
	completed atomic.Bool
	complete  func(*remote.Message)
}

// fire completes the call exactly once; later completions are dropped.
func (p *pendingCall) fire(msg *remote.Message) {
	if p.completed.CompareAndSwap(false, true) {
		p.complete(msg)
	}
}

// Dispatcher is the message center: it assembles frames, resolves targets
// through the directory, delivers locally through the catalog and scheduler,
// correlates responses, and retries the rejections caused by stale caches.
type Dispatcher struct {
	local      cluster.SiloAddress
	transport  remote.Transport
	dir        *directory.LocalDirectory
	catalog    *Catalog
	provider   cluster.Provider
	config     *Config
	logger     log.Logger
	metrics    MetricsSink
	systemPool *workerpool.Pool
	appPool    *workerpool.Pool

	pending    *syncmap.SyncMap[string, *pendingCall]
	appStopped atomic.Bool

	// clientSink receives frames targeting external clients; installed by the
	// gateway when one runs on this silo
	clientSink func(*remote.Message) bool
}

// ensure Dispatcher implements the directory's transceiver seam
var _ directory.Transceiver = (*Dispatcher)(nil)

// NewDispatcher creates the dispatcher and wires it to the catalog.
func NewDispatcher(local cluster.SiloAddress, transport remote.Transport, dir *directory.LocalDirectory, catalog *Catalog, provider cluster.Provider, config *Config, systemPool, appPool *workerpool.Pool) *Dispatcher {
	d := &Dispatcher{
		local:      local,
		transport:  transport,
		dir:        dir,
		catalog:    catalog,
		provider:   provider,
		config:     config,
		logger:     config.Logger,
		metrics:    config.Metrics,
		systemPool: systemPool,
		appPool:    appPool,
		pending:    syncmap.New[string, *pendingCall](),
	}
	catalog.setDispatcher(d)
	transport.SetHandler(d.HandleInbound)
	return d
}

// StopApplicationTurns puts the dispatcher into application-turns-stopped
// mode: application messages are rejected, system traffic keeps flowing.
func (d *Dispatcher) StopApplicationTurns() {
	d.appStopped.Store(true)
}

// SetClientSink installs the gateway's hook for frames addressed to external
// clients. The sink returns false when it cannot place the frame.
func (d *Dispatcher) SetClientSink(sink func(*remote.Message) bool) {
	d.clientSink = sink
}

// LocalAddress returns the silo address of this dispatcher.
func (d *Dispatcher) LocalAddress() cluster.SiloAddress {
	return d.local
}

// OneWay dispatches a pre-built one-way frame: resolve the target, route,
// forget.
func (d *Dispatcher) OneWay(ctx context.Context, msg *remote.Message) error {
	msg.Direction = remote.OneWay
	if msg.CorrelationID == "" {
		msg.CorrelationID = remote.NewCorrelationID()
	}
	if msg.SenderSilo.IsZero() {
		msg.SenderSilo = d.local
	}
	if err := d.resolve(ctx, msg); err != nil {
		return err
	}
	d.route(ctx, msg)
	return nil
}

// Forward sends a frame to an explicit silo, bypassing directory resolution.
// Used by the gateway for system targets and cross-gateway client replies.
func (d *Dispatcher) Forward(ctx context.Context, target cluster.SiloAddress, msg *remote.Message) error {
	msg.TargetSilo = target
	d.route(ctx, msg)
	return nil
}

// HandleInbound consumes one frame from the transport. It classifies fast
// and hands the work to the right pool.
func (d *Dispatcher) HandleInbound(msg *remote.Message) {
	switch msg.Direction {
	case remote.Response, remote.Rejection:
		d.handleReply(msg)
	case remote.Request, remote.OneWay:
		if msg.IsControl() {
			if err := d.systemPool.Submit(func() { d.handleControl(msg) }); err != nil {
				d.logger.Warnf("dropping control frame: %v", err)
			}
			return
		}
		if err := d.appPool.Submit(func() { d.deliver(msg) }); err != nil {
			// load shedding: the queue is full or application turns stopped
			d.reject(msg, remote.RejectionOverloaded, err.Error())
		}
	default:
		d.logger.Warnf("dropping frame with unknown direction from %s", msg.SenderSilo)
	}
}

// handleReply completes the pending call matching the frame. A
// cache-invalidation rejection also evicts the stale directory cache entry,
// whether or not anyone still waits: one-way senders rely on exactly this to
// heal their next call.
func (d *Dispatcher) handleReply(msg *remote.Message) {
	if msg.Direction == remote.Rejection && msg.RejectionKind == remote.RejectionCacheInvalidation {
		// the rejection's sender grain is the original target
		d.dir.InvalidateCache(msg.SenderGrain, msg.CacheEtag)
	}

	call, ok := d.pending.Get(msg.CorrelationID)
	if !ok {
		// late response after deadline, or the reply of a one-way rejection
		return
	}
	d.pending.Delete(msg.CorrelationID)
	call.timer.Stop()
	call.fire(msg)
}

// handleControl executes a directory control-plane request and answers it.
func (d *Dispatcher) handleControl(msg *remote.Message) {
	req, err := remote.DecodeControlRequest(msg.Body)
	resp := &remote.ControlResponse{}
	if err != nil {
		resp.ErrorCode = remote.ControlErrInvalid
		resp.Reason = err.Error()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.ResponseTimeout)
		result, cerr := d.dir.HandleRequest(ctx, req, msg.HopCount)
		cancel()
		switch {
		case cerr == nil:
			resp = result
		case stderrors.Is(cerr, gerrors.ErrHopLimitExceeded):
			resp.ErrorCode = remote.ControlErrHopLimit
			resp.Reason = cerr.Error()
		case stderrors.Is(cerr, gerrors.ErrDirectoryUnavailable):
			resp.ErrorCode = remote.ControlErrUnavailable
			resp.Reason = cerr.Error()
		default:
			resp.ErrorCode = remote.ControlErrTransient
			resp.Reason = cerr.Error()
		}
	}

	body, err := remote.EncodeControlResponse(resp)
	if err != nil {
		d.logger.Errorf("failed to encode control response: %v", err)
		return
	}
	reply := msg.ResponseOf(body)
	d.route(context.Background(), reply)
}

// deliver materializes the target activation on this silo and enqueues the
// invocation on its scheduler.
func (d *Dispatcher) deliver(msg *remote.Message) {
	if msg.TargetGrain.Kind() == remote.ClientGrainKind {
		if d.clientSink != nil && d.clientSink(msg) {
			return
		}
		d.logger.Warnf("dropping frame for unknown client %s", msg.TargetGrain.Name())
		return
	}
	if d.appStopped.Load() {
		d.reject(msg, remote.RejectionCacheInvalidation, "silo stopped application turns")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.ResponseTimeout)
	act, winner, err := d.catalog.GetOrCreate(ctx, msg.TargetGrain)
	cancel()

	switch {
	case err != nil:
		kind := remote.RejectionTransient
		if stderrors.Is(err, gerrors.ErrGrainKindNotRegistered) || stderrors.Is(err, gerrors.ErrHopLimitExceeded) {
			kind = remote.RejectionUnrecoverable
		}
		d.reject(msg, kind, err.Error())

	case !winner.IsZero():
		// another silo holds the activation: forward the message there
		if int(msg.RetryCount) >= d.config.MaxForwardCount {
			d.reject(msg, remote.RejectionUnrecoverable, gerrors.ErrForwardCountExceeded.Error())
			return
		}
		msg.RetryCount++
		msg.TargetSilo = winner.Silo
		d.metrics.MessageForwarded()
		d.route(context.Background(), msg)

	default:
		if err := act.enqueueInvocation(msg.Interleave, func() { d.runInvocation(act, msg) }); err != nil {
			// draining or gone: tell the sender its cache entry is stale
			d.reject(msg, remote.RejectionCacheInvalidation, err.Error())
		}
	}
}

// runInvocation executes one grain call inside its turn.
func (d *Dispatcher) runInvocation(act *activation, msg *remote.Message) {
	if !act.isValid() {
		d.reject(msg, remote.RejectionCacheInvalidation, gerrors.ErrActivationNotFound.Error())
		return
	}

	gctx := &GrainContext{ctx: context.Background(), identity: act.identity, activation: act, dispatcher: d, msg: msg}
	body, err := act.instance.InvokeMethod(gctx, msg.MethodID, msg.Body)

	if msg.Direction != remote.Request {
		if err != nil {
			d.logger.Warnf("one-way call %d on %s failed: %v", msg.MethodID, act.identity, err)
		}
		return
	}
	if gctx.deferred && err == nil {
		// the turn suspended; its Responder completes the call later
		return
	}

	resp := msg.ResponseOf(body)
	if err != nil {
		// application errors are payload, not routing failures
		resp.Reason = err.Error()
	}
	d.route(context.Background(), resp)
}

// reject answers msg with a rejection frame. One-way rejections still travel
// so the sender can invalidate its cache; responses are never rejected.
func (d *Dispatcher) reject(msg *remote.Message, kind remote.RejectionKind, reason string) {
	if msg.Direction == remote.Response || msg.Direction == remote.Rejection {
		return
	}
	d.metrics.MessageRejected(kind.String())
	rejection := msg.RejectionOf(kind, reason)
	if rejection.TargetSilo.IsZero() {
		d.logger.Warnf("cannot reject message %s: unknown sender silo", msg.CorrelationID)
		return
	}
	d.route(context.Background(), rejection)
}

// route moves a frame towards its target silo, delivering locally when the
// target is this silo.
func (d *Dispatcher) route(ctx context.Context, msg *remote.Message) {
	if msg.TargetSilo.Equal(d.local) {
		d.HandleInbound(msg)
		return
	}

	view := d.provider.Snapshot()
	if view.IsDead(msg.TargetSilo) {
		if msg.Direction == remote.Response || msg.Direction == remote.Rejection {
			d.logger.Warnf("dropping reply to dead silo %s", msg.TargetSilo)
			return
		}
		d.failLocally(msg, gerrors.ErrDeadSilo.Error())
		return
	}

	if err := d.transport.Send(ctx, msg.TargetSilo, msg); err != nil {
		if msg.Direction == remote.Response || msg.Direction == remote.Rejection {
			d.logger.Warnf("dropping reply to unreachable silo %s: %v", msg.TargetSilo, err)
			return
		}
		d.failLocally(msg, err.Error())
	}
}

// failLocally completes the pending call of msg with a transient rejection,
// as if the network had answered.
func (d *Dispatcher) failLocally(msg *remote.Message, reason string) {
	synthetic := msg.RejectionOf(remote.RejectionTransient, reason)
	d.handleReply(synthetic)
}

// FailPendingTo aborts every outstanding call against the given silo. Called
// when membership declares it dead.
func (d *Dispatcher) FailPendingTo(silo cluster.SiloAddress) {
	var doomed []string
	d.pending.Range(func(id string, call *pendingCall) {
		if call.target.Equal(silo) {
			doomed = append(doomed, id)
		}
	})
	for _, id := range doomed {
		call, ok := d.pending.Get(id)
		if !ok {
			continue
		}
		d.pending.Delete(id)
		call.timer.Stop()
		call.fire(&remote.Message{
			Direction:     remote.Rejection,
			RejectionKind: remote.RejectionTransient,
			CorrelationID: id,
			Reason:        gerrors.ErrDeadSilo.Error(),
		})
	}
}

// register installs a pending call with its deadline.
func (d *Dispatcher) register(correlationID string, target cluster.SiloAddress, complete func(*remote.Message)) {
	call := &pendingCall{target: target, complete: complete}
	call.timer = time.AfterFunc(d.config.ResponseTimeout, func() {
		if existing, ok := d.pending.Get(correlationID); ok && existing == call {
			d.pending.Delete(correlationID)
			call.fire(nil)
		}
	})
	d.pending.Set(correlationID, call)
}

// resolve fills in the target silo of a frame: cache, then authoritative
// lookup, then local placement when the grain has no activation anywhere.
func (d *Dispatcher) resolve(ctx context.Context, msg *remote.Message) error {
	if !msg.TargetSilo.IsZero() {
		return nil
	}

	if entry, ok := d.dir.CachedLookup(msg.TargetGrain); ok && len(entry.Addresses) > 0 {
		msg.TargetSilo = entry.Addresses[0].Silo
		msg.CacheEtag = entry.Etag
		return nil
	}

	addresses, etag, err := d.dir.Lookup(ctx, msg.TargetGrain)
	if err != nil {
		return err
	}
	if len(addresses) > 0 {
		msg.TargetSilo = addresses[0].Silo
		msg.CacheEtag = etag
		return nil
	}

	// no activation anywhere: place the grain on this silo; the catalog's
	// registration linearizes against concurrent placements elsewhere
	msg.TargetSilo = d.local
	msg.CacheEtag = 0
	return nil
}

// Call sends a request and blocks until its response, deadline, or definite
// failure. Rejections caused by stale caches are retried after eviction, a
// bounded number of times.
func (d *Dispatcher) Call(ctx context.Context, msg *remote.Message) ([]byte, error) {
	msg.Direction = remote.Request
	if msg.SenderSilo.IsZero() {
		msg.SenderSilo = d.local
	}

	for attempt := 0; ; attempt++ {
		msg.CorrelationID = remote.NewCorrelationID()
		if err := d.resolve(ctx, msg); err != nil {
			return nil, err
		}

		done := make(chan *remote.Message, 1)
		d.register(msg.CorrelationID, msg.TargetSilo, func(m *remote.Message) { done <- m })
		d.route(ctx, msg)

		var reply *remote.Message
		select {
		case reply = <-done:
		case <-ctx.Done():
			d.pending.Delete(msg.CorrelationID)
			return nil, gerrors.ErrRequestCanceled
		}

		body, retriable, err := d.interpret(msg, reply)
		if err == nil {
			return body, nil
		}
		if !retriable || attempt >= d.config.MaxForwardCount {
			if retriable {
				return nil, gerrors.ErrForwardCountExceeded
			}
			return nil, err
		}
		// stale resolution: re-resolve from scratch
		msg.TargetSilo = cluster.SiloAddress{}
		msg.RetryCount++
	}
}

// interpret classifies a reply: payload, retriable routing condition, or
// definite failure. A nil reply is the deadline firing.
func (d *Dispatcher) interpret(msg *remote.Message, reply *remote.Message) ([]byte, bool, error) {
	if reply == nil {
		return nil, false, gerrors.ErrRequestTimeout
	}

	switch reply.Direction {
	case remote.Response:
		if reply.Reason != "" {
			// application error delivered as the response body
			return nil, false, fmt.Errorf("grain call failed: %s", reply.Reason)
		}
		return reply.Body, false, nil

	case remote.Rejection:
		switch reply.RejectionKind {
		case remote.RejectionCacheInvalidation:
			// cache already evicted in handleReply
			return nil, true, gerrors.ErrActivationNotFound
		case remote.RejectionTransient:
			refreshCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = d.provider.RefreshAtLeast(refreshCtx, d.provider.Snapshot().Version())
			cancel()
			return nil, true, gerrors.NewErrRemoteSendFailure(stderrors.New(reply.Reason))
		case remote.RejectionOverloaded:
			return nil, false, gerrors.ErrOverloaded
		default:
			return nil, false, fmt.Errorf("call rejected: %s", reply.Reason)
		}

	default:
		return nil, false, gerrors.ErrInvalidMessage
	}
}

// notifyFrom sends a one-way message. It is not retried; a stale-cache
// rejection still comes back and heals the cache for the next call.
func (d *Dispatcher) notifyFrom(ctx context.Context, sender grain.Identity, target grain.Identity, ifaceID, method uint32, body []byte) error {
	msg := &remote.Message{
		Direction:     remote.OneWay,
		SenderSilo:    d.local,
		SenderGrain:   sender,
		TargetGrain:   target,
		InterfaceID:   ifaceID,
		MethodID:      method,
		CorrelationID: remote.NewCorrelationID(),
		Body:          body,
	}
	if err := d.resolve(ctx, msg); err != nil {
		return err
	}
	d.route(ctx, msg)
	return nil
}

// requestFrom starts an async grain-to-grain request. The calling turn
// suspends at this boundary; the continuation is enqueued on the caller's
// activation when the response or its deadline arrives.
func (d *Dispatcher) requestFrom(sender grain.Identity, act *activation, target grain.Identity, ifaceID, method uint32, body []byte, continuation func([]byte, error)) {
	msg := &remote.Message{
		Direction:     remote.Request,
		SenderSilo:    d.local,
		SenderGrain:   sender,
		TargetGrain:   target,
		InterfaceID:   ifaceID,
		MethodID:      method,
		CorrelationID: remote.NewCorrelationID(),
		Body:          body,
	}

	act.beginSuspension()
	resume := func(resp []byte, err error) {
		if enqErr := act.enqueueContinuation(func() {
			act.endSuspension()
			continuation(resp, err)
		}); enqErr != nil {
			act.endSuspension()
			d.logger.Warnf("dropping continuation on %s: %v", act.identity, enqErr)
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.ResponseTimeout)
		defer cancel()
		resp, err := d.Call(ctx, msg)
		resume(resp, err)
	}()
}

// RoundTrip implements directory.Transceiver: one control-plane request
// against another silo's directory.
func (d *Dispatcher) RoundTrip(ctx context.Context, target cluster.SiloAddress, req *remote.ControlRequest, hop uint8) (*remote.ControlResponse, error) {
	body, err := remote.EncodeControlRequest(req)
	if err != nil {
		return nil, err
	}
	d.metrics.DirectoryHop()

	msg := &remote.Message{
		Direction:     remote.Request,
		SenderSilo:    d.local,
		SenderGrain:   remote.ControlGrain(d.local),
		TargetSilo:    target,
		TargetGrain:   remote.ControlGrain(target),
		CorrelationID: remote.NewCorrelationID(),
		HopCount:      hop,
		Body:          body,
	}

	done := make(chan *remote.Message, 1)
	d.register(msg.CorrelationID, target, func(m *remote.Message) { done <- m })
	d.route(ctx, msg)

	var reply *remote.Message
	select {
	case reply = <-done:
	case <-ctx.Done():
		d.pending.Delete(msg.CorrelationID)
		return nil, gerrors.ErrRequestCanceled
	}

	switch {
	case reply == nil:
		return nil, gerrors.NewErrDirectoryCall(gerrors.ErrRequestTimeout)
	case reply.Direction == remote.Rejection:
		return nil, gerrors.NewErrDirectoryCall(stderrors.New(reply.Reason))
	}

	resp, err := remote.DecodeControlResponse(reply.Body)
	if err != nil {
		return nil, err
	}
	switch resp.ErrorCode {
	case remote.ControlOK:
		return resp, nil
	case remote.ControlErrHopLimit:
		return nil, gerrors.ErrHopLimitExceeded
	case remote.ControlErrUnavailable:
		return nil, gerrors.ErrDirectoryUnavailable
	case remote.ControlErrInvalid:
		return nil, gerrors.ErrInvalidMessage
	default:
		return nil, gerrors.NewErrDirectoryCall(stderrors.New(resp.Reason))
	}
}

// Ref returns a strongly-typed proxy handle for the given grain identity.
func (d *Dispatcher) Ref(identity grain.Identity, ifaceID uint32) *GrainRef {
	return &GrainRef{identity: identity, ifaceID: ifaceID, dispatcher: d}
}
