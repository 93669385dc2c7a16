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

package grain

import (
	"github.com/google/uuid"

	"github.com/silogrid/silogrid/cluster"
)

// ActivationID is the random 128-bit value minted when a grain is
// instantiated in memory. Two activations of the same grain identity always
// carry different ActivationIDs.
type ActivationID string

// NewActivationID mints a fresh activation identity.
func NewActivationID() ActivationID {
	return ActivationID(uuid.NewString())
}

// IsZero reports whether the id is unset.
func (a ActivationID) IsZero() bool {
	return a == ""
}

// String returns the textual form of the id.
func (a ActivationID) String() string {
	return string(a)
}

// ActivationAddress locates one in-memory incarnation of a grain: the silo
// hosting it, the grain identity and the activation identity. Equality
// considers all three.
type ActivationAddress struct {
	Silo       cluster.SiloAddress
	Grain      Identity
	Activation ActivationID
}

// NewActivationAddress creates an ActivationAddress.
func NewActivationAddress(silo cluster.SiloAddress, grain Identity, activation ActivationID) ActivationAddress {
	return ActivationAddress{Silo: silo, Grain: grain, Activation: activation}
}

// IsZero reports whether the address is unset.
func (a ActivationAddress) IsZero() bool {
	return a.Silo.IsZero() && a.Grain.IsZero() && a.Activation.IsZero()
}

// Equal reports whether both addresses designate the same incarnation on the
// same silo.
func (a ActivationAddress) Equal(other ActivationAddress) bool {
	return a == other
}

// String renders the address for logs.
func (a ActivationAddress) String() string {
	return a.Grain.String() + "#" + a.Activation.String() + "@" + a.Silo.String()
}
