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

// Package errors defines the sentinel errors surfaced by the runtime core.
//
// Transient routing conditions (stale membership, cache invalidation) are
// handled inside the runtime and never reach grain callers; the sentinels
// below are the definite failures a caller can observe, plus the internal
// sentinels components use to signal each other across routing boundaries.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrSiloNotStarted is returned when a silo is used before Start has completed.
	ErrSiloNotStarted = errors.New("silo is not running")

	// ErrSiloStopping is returned for application work submitted while the silo
	// is shutting down.
	ErrSiloStopping = errors.New("silo is shutting down")

	// ErrInvalidGrainIdentity indicates a grain identity failed validation.
	ErrInvalidGrainIdentity = errors.New("invalid grain identity")

	// ErrGrainKindNotRegistered is returned when no factory is registered for
	// a grain kind.
	ErrGrainKindNotRegistered = errors.New("grain kind is not registered")

	// ErrDirectoryUnavailable indicates the grain directory could not serve the
	// request: no active silo owns the partition or the ring is empty.
	ErrDirectoryUnavailable = errors.New("grain directory is unavailable")

	// ErrHopLimitExceeded is returned when a directory request has been
	// forwarded more than the configured hop limit.
	ErrHopLimitExceeded = errors.New("directory hop limit exceeded")

	// ErrActivationNotFound indicates that the target activation does not exist
	// on the silo a message was delivered to.
	ErrActivationNotFound = errors.New("activation not found")

	// ErrActivationDeactivating is returned for messages arriving while the
	// target activation is draining.
	ErrActivationDeactivating = errors.New("activation is deactivating")

	// ErrForwardCountExceeded is returned when a call exhausted its cache
	// invalidation retries.
	ErrForwardCountExceeded = errors.New("maximum forward count exceeded")

	// ErrRequestTimeout indicates that a request timed out while waiting for a response.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrRequestCanceled indicates that a request was canceled before completion.
	ErrRequestCanceled = errors.New("request canceled")

	// ErrDeadSilo is returned when a message targets a silo the membership
	// service reports as dead.
	ErrDeadSilo = errors.New("target silo is dead")

	// ErrOverloaded indicates load shedding: the target rejected the work
	// because a queue was full.
	ErrOverloaded = errors.New("silo is overloaded")

	// ErrInvalidMessage indicates that a wire message is structurally invalid.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidReentrancyMode indicates a reentrancy mode is not supported.
	ErrInvalidReentrancyMode = errors.New("invalid reentrancy mode")

	// ErrClientUnknown is returned by the gateway when a reply targets a client
	// it has no route for.
	ErrClientUnknown = errors.New("client is unknown to this gateway")

	// ErrInvalidTimeout is returned when a timeout value is less than or equal to zero.
	ErrInvalidTimeout = errors.New("invalid timeout")
)

// NewErrGrainActivationFailure wraps the user initialization error raised
// while activating a grain.
func NewErrGrainActivationFailure(cause error) error {
	return fmt.Errorf("grain activation failed: %w", cause)
}

// NewErrGrainDeactivationFailure wraps the user teardown error raised while
// deactivating a grain.
func NewErrGrainDeactivationFailure(cause error) error {
	return fmt.Errorf("grain deactivation failed: %w", cause)
}

// NewErrDirectoryCall wraps a transport error raised during a remote
// directory operation.
func NewErrDirectoryCall(cause error) error {
	return fmt.Errorf("directory call failed: %w", cause)
}

// NewErrRemoteSendFailure wraps a transport error raised while sending a
// message to a remote silo.
func NewErrRemoteSendFailure(cause error) error {
	return fmt.Errorf("remote send failed: %w", cause)
}
