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

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/silogrid/silogrid/hash"
)

// SiloAddress identifies one silo process: a network endpoint plus a
// generation chosen at startup. Equal endpoints with different generations
// are distinct silos; a restarted process never impersonates its previous
// incarnation.
type SiloAddress struct {
	Host       string
	Port       int
	Generation int64
}

// NewSiloAddress creates a SiloAddress.
func NewSiloAddress(host string, port int, generation int64) SiloAddress {
	return SiloAddress{Host: host, Port: port, Generation: generation}
}

// IsZero returns true for the zero address, used on wire frames whose target
// silo is not yet resolved.
func (s SiloAddress) IsZero() bool {
	return s.Host == "" && s.Port == 0 && s.Generation == 0
}

// Endpoint returns the host:port pair of the silo.
func (s SiloAddress) Endpoint() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// String returns the canonical "host:port@generation" form.
func (s SiloAddress) String() string {
	return fmt.Sprintf("%s@%d", s.Endpoint(), s.Generation)
}

// Equal reports whether both addresses designate the same silo incarnation.
func (s SiloAddress) Equal(other SiloAddress) bool {
	return s == other
}

// SameEndpoint reports whether both addresses share host and port,
// irrespective of generation.
func (s SiloAddress) SameEndpoint(other SiloAddress) bool {
	return s.Host == other.Host && s.Port == other.Port
}

// RingHash returns the silo's stable placement on the 32-bit consistent-hash
// ring.
func (s SiloAddress) RingHash(hasher hash.Hasher) uint32 {
	return hash.Ring32(hasher.HashCode([]byte(s.String())))
}

// ParseSiloAddress parses the canonical "host:port@generation" form.
func ParseSiloAddress(s string) (SiloAddress, error) {
	endpoint, generation, found := strings.Cut(s, "@")
	if !found {
		return SiloAddress{}, fmt.Errorf("malformed silo address %q", s)
	}
	host, portText, err := net.SplitHostPort(endpoint)
	if err != nil {
		return SiloAddress{}, fmt.Errorf("malformed silo address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return SiloAddress{}, fmt.Errorf("malformed silo address %q: %w", s, err)
	}
	gen, err := strconv.ParseInt(generation, 10, 64)
	if err != nil {
		return SiloAddress{}, fmt.Errorf("malformed silo address %q: %w", s, err)
	}
	return SiloAddress{Host: host, Port: port, Generation: gen}, nil
}
