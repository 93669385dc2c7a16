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

package cluster

// Status is the membership state of a silo.
type Status int

const (
	// Joining means the silo announced itself but has not stabilized yet.
	Joining Status = iota
	// Active means the silo serves traffic and owns directory partitions.
	Active
	// ShuttingDown means the silo was asked to stop and refuses new work.
	ShuttingDown
	// Stopping means the silo has handed off its directory partition.
	Stopping
	// Dead means the silo is gone. Dead is terminal.
	Dead
)

var statusNames = map[Status]string{
	Joining:      "Joining",
	Active:       "Active",
	ShuttingDown: "ShuttingDown",
	Stopping:     "Stopping",
	Dead:         "Dead",
}

// String returns the text representation of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Terminating reports whether the silo is on its way out of the cluster.
// Terminating silos never own directory partitions.
func (s Status) Terminating() bool {
	switch s {
	case ShuttingDown, Stopping, Dead:
		return true
	default:
		return false
	}
}
