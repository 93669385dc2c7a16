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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silogrid/silogrid/cluster"
)

func TestIdentity(t *testing.T) {
	t.Run("With string round trip", func(t *testing.T) {
		identity := NewIdentity("thermostat", "roomA")
		parsed, err := ParseIdentity(identity.String())
		require.NoError(t, err)
		assert.True(t, identity.Equal(parsed))
	})

	t.Run("With missing separator", func(t *testing.T) {
		_, err := ParseIdentity("thermostat")
		assert.Error(t, err)
	})

	t.Run("With validation", func(t *testing.T) {
		tests := []struct {
			name    string
			grainID Identity
			valid   bool
		}{
			{"valid", NewIdentity("thermostat", "room-A_1.x"), true},
			{"empty name", NewIdentity("thermostat", ""), false},
			{"empty kind", NewIdentity("", "roomA"), false},
			{"leading dash", NewIdentity("thermostat", "-roomA"), false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := tt.grainID.Validate()
				if tt.valid {
					assert.NoError(t, err)
				} else {
					assert.Error(t, err)
				}
			})
		}
	})
}

func TestActivationAddress(t *testing.T) {
	silo := cluster.NewSiloAddress("10.0.0.1", 5001, 1)
	identity := NewIdentity("thermostat", "roomA")

	t.Run("With fresh activation ids being unique", func(t *testing.T) {
		seen := make(map[ActivationID]bool)
		for i := 0; i < 1000; i++ {
			id := NewActivationID()
			require.False(t, seen[id])
			seen[id] = true
		}
	})

	t.Run("With equality over all three parts", func(t *testing.T) {
		id := NewActivationID()
		addr := NewActivationAddress(silo, identity, id)
		same := NewActivationAddress(silo, identity, id)
		other := NewActivationAddress(silo, identity, NewActivationID())

		assert.True(t, addr.Equal(same))
		assert.False(t, addr.Equal(other), "successive incarnations differ")
	})
}
