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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dynaport "github.com/travisjeffery/go-dynaport"

	"github.com/silogrid/silogrid/cluster"
	"github.com/silogrid/silogrid/grain"
	"github.com/silogrid/silogrid/log"
)

func TestTCPTransport(t *testing.T) {
	ports := dynaport.Get(2)
	a := cluster.NewSiloAddress("127.0.0.1", ports[0], 1)
	b := cluster.NewSiloAddress("127.0.0.1", ports[1], 1)

	ta := NewTCPTransport(a, log.DiscardLogger)
	tb := NewTCPTransport(b, log.DiscardLogger)

	received := make(chan *Message, 8)
	ta.SetHandler(func(*Message) {})
	tb.SetHandler(func(msg *Message) { received <- msg })

	ctx := context.Background()
	require.NoError(t, ta.Start(ctx))
	require.NoError(t, tb.Start(ctx))
	t.Cleanup(func() {
		_ = ta.Stop(ctx)
		_ = tb.Stop(ctx)
	})

	t.Run("With frames delivered", func(t *testing.T) {
		msg := &Message{
			Direction:     Request,
			SenderSilo:    a,
			TargetSilo:    b,
			TargetGrain:   grain.NewIdentity("thermostat", "roomA"),
			CorrelationID: NewCorrelationID(),
			Body:          []byte("21"),
		}
		require.NoError(t, ta.Send(ctx, b, msg))

		select {
		case got := <-received:
			assert.Equal(t, msg.CorrelationID, got.CorrelationID)
			assert.Equal(t, msg.Body, got.Body)
			assert.True(t, got.SenderSilo.Equal(a))
		case <-time.After(2 * time.Second):
			t.Fatal("frame was not delivered")
		}
	})

	t.Run("With connection reuse across sends", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			msg := &Message{
				Direction:     OneWay,
				SenderSilo:    a,
				TargetSilo:    b,
				TargetGrain:   grain.NewIdentity("thermostat", "roomA"),
				CorrelationID: NewCorrelationID(),
			}
			require.NoError(t, ta.Send(ctx, b, msg))
		}
		for i := 0; i < 20; i++ {
			select {
			case <-received:
			case <-time.After(2 * time.Second):
				t.Fatalf("frame %d was not delivered", i)
			}
		}
	})

	t.Run("With unreachable peer", func(t *testing.T) {
		deadPorts := dynaport.Get(1)
		dead := cluster.NewSiloAddress("127.0.0.1", deadPorts[0], 1)
		err := ta.Send(ctx, dead, &Message{Direction: OneWay})
		assert.Error(t, err)
	})
}
