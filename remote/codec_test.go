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
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silogrid/silogrid/cluster"
	"github.com/silogrid/silogrid/grain"
)

func TestMessageCodec(t *testing.T) {
	sender := cluster.NewSiloAddress("10.0.0.1", 5001, 1)
	target := cluster.NewSiloAddress("10.0.0.2", 5001, 7)

	t.Run("With full frame round trip", func(t *testing.T) {
		msg := &Message{
			Direction:     Request,
			SenderSilo:    sender,
			SenderGrain:   grain.NewIdentity("thermostat", "roomA"),
			TargetSilo:    target,
			TargetGrain:   grain.NewIdentity("thermostat", "roomB"),
			TargetKind:    "thermostat",
			InterfaceID:   3,
			MethodID:      12,
			CorrelationID: NewCorrelationID(),
			HopCount:      2,
			RetryCount:    1,
			CacheEtag:     99,
			Interleave:    true,
			Body:          []byte("payload"),
		}

		payload, err := EncodeMessage(msg)
		require.NoError(t, err)
		decoded, err := DecodeMessage(payload)
		require.NoError(t, err)
		assert.Equal(t, msg, decoded)
	})

	t.Run("With first-hop frame leaving target silo unset", func(t *testing.T) {
		msg := &Message{
			Direction:   OneWay,
			SenderSilo:  sender,
			TargetGrain: grain.NewIdentity("thermostat", "roomA"),
		}
		payload, err := EncodeMessage(msg)
		require.NoError(t, err)
		decoded, err := DecodeMessage(payload)
		require.NoError(t, err)
		assert.True(t, decoded.TargetSilo.IsZero())
	})

	t.Run("With rejection fields", func(t *testing.T) {
		req := &Message{
			Direction:     Request,
			SenderSilo:    sender,
			SenderGrain:   grain.NewIdentity("thermostat", "roomA"),
			TargetSilo:    target,
			TargetGrain:   grain.NewIdentity("thermostat", "roomB"),
			CorrelationID: NewCorrelationID(),
			CacheEtag:     42,
		}
		rejection := req.RejectionOf(RejectionCacheInvalidation, "activation not found")

		payload, err := EncodeMessage(rejection)
		require.NoError(t, err)
		decoded, err := DecodeMessage(payload)
		require.NoError(t, err)

		assert.Equal(t, Rejection, decoded.Direction)
		assert.Equal(t, RejectionCacheInvalidation, decoded.RejectionKind)
		assert.Equal(t, req.CorrelationID, decoded.CorrelationID)
		assert.EqualValues(t, 42, decoded.CacheEtag)
		// the rejection flows back to the original sender
		assert.True(t, decoded.TargetSilo.Equal(sender))
		assert.True(t, decoded.SenderGrain.Equal(req.TargetGrain))
	})

	t.Run("With garbage payload", func(t *testing.T) {
		_, err := DecodeMessage([]byte{0xff, 0x00, 0x13})
		assert.Error(t, err)
	})
}

func TestFraming(t *testing.T) {
	t.Run("With write and read", func(t *testing.T) {
		var buf bytes.Buffer
		msg := &Message{
			Direction:   Request,
			TargetGrain: grain.NewIdentity("thermostat", "roomA"),
			Body:        []byte("abc"),
		}
		require.NoError(t, WriteFrame(&buf, msg))

		decoded, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, msg.Body, decoded.Body)
	})

	t.Run("With oversized frame rejected", func(t *testing.T) {
		var buf bytes.Buffer
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], maxFrameSize+1)
		buf.Write(prefix[:])

		_, err := ReadFrame(&buf)
		assert.Error(t, err)
	})
}

func TestControlCodec(t *testing.T) {
	silo := cluster.NewSiloAddress("10.0.0.1", 5001, 1)
	addr := grain.NewActivationAddress(silo, grain.NewIdentity("thermostat", "roomA"), grain.NewActivationID())

	t.Run("With register request round trip", func(t *testing.T) {
		req := &ControlRequest{
			Kind:    ControlRegister,
			Address: ToWireAddress(addr),
			Single:  true,
		}
		body, err := EncodeControlRequest(req)
		require.NoError(t, err)
		decoded, err := DecodeControlRequest(body)
		require.NoError(t, err)
		assert.Equal(t, req, decoded)

		back, err := decoded.Address.Address()
		require.NoError(t, err)
		assert.True(t, back.Equal(addr))
	})

	t.Run("With lookup-many response statuses", func(t *testing.T) {
		resp := &ControlResponse{
			Results: []LookupResult{
				{Grain: "thermostat/roomA", Status: LookupFound, Addresses: []WireAddress{ToWireAddress(addr)}, Etag: 3},
				{Grain: "thermostat/roomB", Status: LookupNotChanged, Etag: 5},
				{Grain: "thermostat/roomC", Status: LookupNotFound},
			},
		}
		body, err := EncodeControlResponse(resp)
		require.NoError(t, err)
		decoded, err := DecodeControlResponse(body)
		require.NoError(t, err)
		assert.Equal(t, resp, decoded)
	})
}

func TestLoopback(t *testing.T) {
	network := NewLoopbackNetwork()
	a := cluster.NewSiloAddress("10.0.0.1", 5001, 1)
	b := cluster.NewSiloAddress("10.0.0.2", 5001, 1)

	ta := network.Transport(a)
	tb := network.Transport(b)

	received := make(chan *Message, 1)
	ta.SetHandler(func(*Message) {})
	tb.SetHandler(func(msg *Message) { received <- msg })

	msg := &Message{
		Direction:   OneWay,
		SenderSilo:  a,
		TargetSilo:  b,
		TargetGrain: grain.NewIdentity("thermostat", "roomA"),
		Body:        []byte("hi"),
	}
	require.NoError(t, ta.Send(context.Background(), b, msg))

	got := <-received
	assert.Equal(t, msg.Body, got.Body)
	assert.True(t, got.SenderSilo.Equal(a))

	// a disconnected silo behaves like a crashed one
	require.NoError(t, tb.Stop(context.Background()))
	assert.Error(t, ta.Send(context.Background(), b, msg))
}
