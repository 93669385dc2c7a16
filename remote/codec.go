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
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/silogrid/silogrid/cluster"
	"github.com/silogrid/silogrid/grain"
	gerrors "github.com/silogrid/silogrid/errors"
)

// maxFrameSize bounds a single wire frame. Oversized frames poison the
// connection and are rejected before allocation.
const maxFrameSize = 64 << 20

// wireMessage is the CBOR form of a Message. Addresses and identities travel
// in their canonical string forms.
type wireMessage struct {
	Direction     uint8  `cbor:"1,keyasint"`
	SenderSilo    string `cbor:"2,keyasint,omitempty"`
	SenderGrain   string `cbor:"3,keyasint,omitempty"`
	TargetSilo    string `cbor:"4,keyasint,omitempty"`
	TargetGrain   string `cbor:"5,keyasint,omitempty"`
	TargetKind    string `cbor:"6,keyasint,omitempty"`
	InterfaceID   uint32 `cbor:"7,keyasint,omitempty"`
	MethodID      uint32 `cbor:"8,keyasint,omitempty"`
	CorrelationID string `cbor:"9,keyasint,omitempty"`
	HopCount      uint8  `cbor:"10,keyasint,omitempty"`
	RetryCount    uint8  `cbor:"11,keyasint,omitempty"`
	CacheEtag     uint64 `cbor:"12,keyasint,omitempty"`
	Interleave    bool   `cbor:"13,keyasint,omitempty"`
	RejectionKind uint8  `cbor:"14,keyasint,omitempty"`
	Reason        string `cbor:"15,keyasint,omitempty"`
	Body          []byte `cbor:"16,keyasint,omitempty"`
}

// EncodeMessage serializes a message into its frame payload (without the
// length prefix).
func EncodeMessage(msg *Message) ([]byte, error) {
	wire := &wireMessage{
		Direction:     uint8(msg.Direction),
		TargetKind:    msg.TargetKind,
		InterfaceID:   msg.InterfaceID,
		MethodID:      msg.MethodID,
		CorrelationID: msg.CorrelationID,
		HopCount:      msg.HopCount,
		RetryCount:    msg.RetryCount,
		CacheEtag:     msg.CacheEtag,
		Interleave:    msg.Interleave,
		RejectionKind: uint8(msg.RejectionKind),
		Reason:        msg.Reason,
		Body:          msg.Body,
	}
	if !msg.SenderSilo.IsZero() {
		wire.SenderSilo = msg.SenderSilo.String()
	}
	if !msg.SenderGrain.IsZero() {
		wire.SenderGrain = msg.SenderGrain.String()
	}
	if !msg.TargetSilo.IsZero() {
		wire.TargetSilo = msg.TargetSilo.String()
	}
	if !msg.TargetGrain.IsZero() {
		wire.TargetGrain = msg.TargetGrain.String()
	}
	return cbor.Marshal(wire)
}

// DecodeMessage deserializes a frame payload into a message.
func DecodeMessage(payload []byte) (*Message, error) {
	wire := new(wireMessage)
	if err := cbor.Unmarshal(payload, wire); err != nil {
		return nil, fmt.Errorf("%w: %v", gerrors.ErrInvalidMessage, err)
	}

	msg := &Message{
		Direction:     Direction(wire.Direction),
		TargetKind:    wire.TargetKind,
		InterfaceID:   wire.InterfaceID,
		MethodID:      wire.MethodID,
		CorrelationID: wire.CorrelationID,
		HopCount:      wire.HopCount,
		RetryCount:    wire.RetryCount,
		CacheEtag:     wire.CacheEtag,
		Interleave:    wire.Interleave,
		RejectionKind: RejectionKind(wire.RejectionKind),
		Reason:        wire.Reason,
		Body:          wire.Body,
	}

	var err error
	if wire.SenderSilo != "" {
		if msg.SenderSilo, err = cluster.ParseSiloAddress(wire.SenderSilo); err != nil {
			return nil, fmt.Errorf("%w: %v", gerrors.ErrInvalidMessage, err)
		}
	}
	if wire.TargetSilo != "" {
		if msg.TargetSilo, err = cluster.ParseSiloAddress(wire.TargetSilo); err != nil {
			return nil, fmt.Errorf("%w: %v", gerrors.ErrInvalidMessage, err)
		}
	}
	if wire.SenderGrain != "" {
		if msg.SenderGrain, err = grain.ParseIdentity(wire.SenderGrain); err != nil {
			return nil, fmt.Errorf("%w: %v", gerrors.ErrInvalidMessage, err)
		}
	}
	if wire.TargetGrain != "" {
		if msg.TargetGrain, err = grain.ParseIdentity(wire.TargetGrain); err != nil {
			return nil, fmt.Errorf("%w: %v", gerrors.ErrInvalidMessage, err)
		}
	}
	return msg, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, msg *Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (*Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", gerrors.ErrInvalidMessage, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return DecodeMessage(payload)
}
