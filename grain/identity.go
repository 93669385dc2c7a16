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

// Package grain holds the identity types shared by the directory, the
// catalog and the messaging layer. A grain identity is stable across
// activations; an activation identity distinguishes successive in-memory
// incarnations of the same grain.
package grain

import (
	"errors"
	"strings"

	gerrors "github.com/silogrid/silogrid/errors"
	"github.com/silogrid/silogrid/hash"
	"github.com/silogrid/silogrid/internal/validation"
)

const identitySeparator = "/"

// Identity uniquely identifies a grain (virtual actor) within the cluster.
//
// It consists of:
//   - kind: the registered grain type name.
//   - name: the unique instance identifier within the kind.
//
// Identities are immutable, safe for concurrent use and hash uniformly into
// the same 32-bit space as silo addresses.
type Identity struct {
	kind string
	name string
}

// ensure Identity implements the validation.Validator interface
var _ validation.Validator = (*Identity)(nil)

// NewIdentity constructs an Identity from a registered kind and a unique
// name.
func NewIdentity(kind, name string) Identity {
	return Identity{kind: kind, name: name}
}

// Kind returns the registered grain type name.
func (g Identity) Kind() string {
	return g.kind
}

// Name returns the unique name of the grain instance within its kind.
func (g Identity) Name() string {
	return g.name
}

// IsZero reports whether the identity is unset.
func (g Identity) IsZero() bool {
	return g.kind == "" && g.name == ""
}

// String returns the formatted string representation of the identity as
// "kind/name". Useful for logging and as a stable hash input.
func (g Identity) String() string {
	return g.kind + identitySeparator + g.name
}

// Equal checks whether this Identity is equal to another.
func (g Identity) Equal(other Identity) bool {
	return g == other
}

// RingHash returns the grain's placement hash on the 32-bit ring space.
func (g Identity) RingHash(hasher hash.Hasher) uint32 {
	return hash.Ring32(hasher.HashCode([]byte(g.String())))
}

// IsSystem reports whether the identity belongs to a runtime system target.
// System kinds carry a leading dot and are never user-registrable.
func (g Identity) IsSystem() bool {
	return strings.HasPrefix(g.kind, ".")
}

// Validate implements validation.Validator. System identities name silos and
// connections, so only the user-facing name pattern is relaxed for them.
func (g Identity) Validate() error {
	chain := validation.
		New(validation.FailFast()).
		AddValidator(validation.NewEmptyStringValidator("kind", g.Kind())).
		AddValidator(validation.NewEmptyStringValidator("name", g.Name())).
		AddAssertion(len(g.Name()) <= 255, "grain name is too long. Maximum length is 255")
	if !g.IsSystem() {
		pattern := "^[a-zA-Z0-9][a-zA-Z0-9-_\\.]*$"
		customErr := errors.New("must contain only word characters (i.e. [a-zA-Z0-9] plus non-leading '-', '_' or '.')")
		chain.AddValidator(validation.NewPatternValidator(pattern, strings.TrimSpace(g.Name()), customErr))
	}
	return chain.Validate()
}

// ParseIdentity reconstructs an Identity from its string representation.
func ParseIdentity(s string) (Identity, error) {
	parts := strings.SplitN(s, identitySeparator, 2)
	if len(parts) != 2 {
		return Identity{}, gerrors.ErrInvalidGrainIdentity
	}
	identity := Identity{kind: parts[0], name: parts[1]}
	if err := identity.Validate(); err != nil {
		return Identity{}, err
	}
	return identity, nil
}
