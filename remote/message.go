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

// Package remote carries messages between silos and between clients and
// their gateway. Frames are CBOR-encoded with a length prefix; the message
// body stays opaque to this package, produced by whatever serializer the
// application plugs in above the runtime.
package remote

import (
	"github.com/google/uuid"

	"github.com/silogrid/silogrid/cluster"
	"github.com/silogrid/silogrid/grain"
)

// Direction describes what a frame is.
type Direction uint8

const (
	// Request expects a Response with the same correlation id.
	Request Direction = iota
	// Response answers a previous Request.
	Response
	// OneWay expects no response.
	OneWay
	// Rejection reports that a Request or OneWay could not be delivered.
	Rejection
)

var directionNames = map[Direction]string{
	Request:   "Request",
	Response:  "Response",
	OneWay:    "OneWay",
	Rejection: "Rejection",
}

// String returns the text form of the direction.
func (d Direction) String() string {
	if name, ok := directionNames[d]; ok {
		return name
	}
	return "Unknown"
}

// RejectionKind classifies a Rejection frame.
type RejectionKind uint8

const (
	// RejectionTransient means the sender may retry after refreshing membership.
	RejectionTransient RejectionKind = iota
	// RejectionUnrecoverable means the call definitely failed.
	RejectionUnrecoverable
	// RejectionOverloaded means the target shed the work.
	RejectionOverloaded
	// RejectionCacheInvalidation means the sender resolved the target from a
	// stale directory cache entry and must evict it before retrying.
	RejectionCacheInvalidation
)

var rejectionNames = map[RejectionKind]string{
	RejectionTransient:         "Transient",
	RejectionUnrecoverable:     "Unrecoverable",
	RejectionOverloaded:        "Overloaded",
	RejectionCacheInvalidation: "CacheInvalidation",
}

// String returns the text form of the rejection kind.
func (k RejectionKind) String() string {
	if name, ok := rejectionNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Message is one frame on a silo-to-silo or client-to-silo link.
//
// TargetSilo may be zero on the first hop, before the sender resolved the
// target activation through the directory. CacheEtag carries the directory
// cache stamp the sender resolved the target with, so that a
// RejectionCacheInvalidation can name the exact entry to evict.
type Message struct {
	Direction     Direction
	SenderSilo    cluster.SiloAddress
	SenderGrain   grain.Identity
	TargetSilo    cluster.SiloAddress
	TargetGrain   grain.Identity
	TargetKind    string
	InterfaceID   uint32
	MethodID      uint32
	CorrelationID string
	HopCount      uint8
	RetryCount    uint8
	CacheEtag     uint64
	Interleave    bool
	RejectionKind RejectionKind
	Reason        string
	Body          []byte
}

// NewCorrelationID mints a correlation id for a new request.
func NewCorrelationID() string {
	return uuid.NewString()
}

// IsControl reports whether the frame targets the directory system grain.
func (m *Message) IsControl() bool {
	return m.TargetGrain.Kind() == ControlGrainKind
}

// RejectionOf builds the Rejection frame answering this message.
func (m *Message) RejectionOf(kind RejectionKind, reason string) *Message {
	return &Message{
		Direction:     Rejection,
		SenderSilo:    m.TargetSilo,
		SenderGrain:   m.TargetGrain,
		TargetSilo:    m.SenderSilo,
		TargetGrain:   m.SenderGrain,
		CorrelationID: m.CorrelationID,
		CacheEtag:     m.CacheEtag,
		RejectionKind: kind,
		Reason:        reason,
	}
}

// ResponseOf builds the Response frame answering this message with the given
// body.
func (m *Message) ResponseOf(body []byte) *Message {
	return &Message{
		Direction:     Response,
		SenderSilo:    m.TargetSilo,
		SenderGrain:   m.TargetGrain,
		TargetSilo:    m.SenderSilo,
		TargetGrain:   m.SenderGrain,
		InterfaceID:   m.InterfaceID,
		MethodID:      m.MethodID,
		CorrelationID: m.CorrelationID,
		Body:          body,
	}
}
