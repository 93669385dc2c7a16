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

// MetricsSink receives the runtime's counters. It is injected at
// construction; the core keeps no global mutable statistics.
type MetricsSink interface {
	// ActivationCreated counts one activation reaching Valid.
	ActivationCreated(kind string)
	// ActivationCollected counts one activation reclaimed by the idle
	// collector.
	ActivationCollected(kind string)
	// MessageForwarded counts one message forwarded to the silo that won the
	// activation race for its target grain.
	MessageForwarded()
	// MessageRejected counts one rejection frame sent, by kind.
	MessageRejected(kind string)
	// DirectoryHop counts one directory forwarding hop.
	DirectoryHop()
}

// NoopMetrics discards every counter.
type NoopMetrics struct{}

// ensure NoopMetrics implements MetricsSink
var _ MetricsSink = NoopMetrics{}

func (NoopMetrics) ActivationCreated(string)   {}
func (NoopMetrics) ActivationCollected(string) {}
func (NoopMetrics) MessageForwarded()          {}
func (NoopMetrics) MessageRejected(string)     {}
func (NoopMetrics) DirectoryHop()              {}
