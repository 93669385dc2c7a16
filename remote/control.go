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
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/silogrid/silogrid/cluster"
	"github.com/silogrid/silogrid/grain"
)

// ControlGrainKind is the reserved grain kind of the directory system target.
// Messages addressed to it bypass the catalog and are executed by the local
// grain directory.
const ControlGrainKind = ".directory"

// ClientGrainKind is the reserved grain kind identifying external clients.
// Frames targeting it are routed to the gateway instead of the catalog.
const ClientGrainKind = ".client"

// ClientGrain returns the grain identity of an external client.
func ClientGrain(clientID string) grain.Identity {
	return grain.NewIdentity(ClientGrainKind, clientID)
}

// ControlGrain returns the directory system grain identity hosted by the
// given silo.
func ControlGrain(silo cluster.SiloAddress) grain.Identity {
	return grain.NewIdentity(ControlGrainKind, silo.String())
}

// ControlKind enumerates the directory control-plane operations.
type ControlKind uint8

const (
	// ControlRegister registers an activation address.
	ControlRegister ControlKind = iota
	// ControlUnregister removes an activation address.
	ControlUnregister
	// ControlUnregisterMany removes a batch of activation addresses.
	ControlUnregisterMany
	// ControlLookup resolves a grain identity.
	ControlLookup
	// ControlLookupMany resolves a batch of grain identities with caller etags.
	ControlLookupMany
	// ControlDelete removes every entry of a grain identity.
	ControlDelete
	// ControlAcceptSplit transfers partition entries during handoff.
	ControlAcceptSplit
	// ControlRemoveHandoffPartition discards a previously accepted handoff
	// partition once its source silo owns it again.
	ControlRemoveHandoffPartition
)

// WireAddress is the wire form of an activation address.
type WireAddress struct {
	Silo       string `cbor:"1,keyasint"`
	Grain      string `cbor:"2,keyasint"`
	Activation string `cbor:"3,keyasint"`
}

// ToWireAddress converts an activation address to its wire form.
func ToWireAddress(addr grain.ActivationAddress) WireAddress {
	return WireAddress{
		Silo:       addr.Silo.String(),
		Grain:      addr.Grain.String(),
		Activation: addr.Activation.String(),
	}
}

// Address converts the wire form back into an activation address.
func (w WireAddress) Address() (grain.ActivationAddress, error) {
	silo, err := cluster.ParseSiloAddress(w.Silo)
	if err != nil {
		return grain.ActivationAddress{}, err
	}
	identity, err := grain.ParseIdentity(w.Grain)
	if err != nil {
		return grain.ActivationAddress{}, err
	}
	return grain.NewActivationAddress(silo, identity, grain.ActivationID(w.Activation)), nil
}

// LookupItem is one entry of a ControlLookupMany batch: the grain to resolve
// and the etag the caller's cache currently holds.
type LookupItem struct {
	Grain string `cbor:"1,keyasint"`
	Etag  uint64 `cbor:"2,keyasint"`
}

// LookupStatus qualifies one ControlLookupMany result.
type LookupStatus uint8

const (
	// LookupFound carries the current addresses and etag.
	LookupFound LookupStatus = iota
	// LookupNotChanged means the caller's etag is still current.
	LookupNotChanged
	// LookupNotFound means the directory holds no entry for the grain.
	LookupNotFound
)

// LookupResult is one entry of a ControlLookupMany reply.
type LookupResult struct {
	Grain     string        `cbor:"1,keyasint"`
	Status    LookupStatus  `cbor:"2,keyasint"`
	Addresses []WireAddress `cbor:"3,keyasint,omitempty"`
	Etag      uint64        `cbor:"4,keyasint,omitempty"`
}

// ControlRequest is the body of a directory control-plane frame.
type ControlRequest struct {
	Kind       ControlKind   `cbor:"1,keyasint"`
	Address    WireAddress   `cbor:"2,keyasint,omitempty"`
	Single     bool          `cbor:"3,keyasint,omitempty"`
	Cause      string        `cbor:"4,keyasint,omitempty"`
	Grain      string        `cbor:"5,keyasint,omitempty"`
	Batch      []WireAddress `cbor:"6,keyasint,omitempty"`
	Lookups    []LookupItem  `cbor:"7,keyasint,omitempty"`
	SourceSilo string        `cbor:"8,keyasint,omitempty"`
}

// ControlErrorCode classifies a failed control-plane reply so the caller can
// separate transient conditions from definite routing failures without
// parsing error text.
type ControlErrorCode uint8

const (
	// ControlOK means the operation succeeded.
	ControlOK ControlErrorCode = iota
	// ControlErrHopLimit means the request exhausted its forwarding budget.
	ControlErrHopLimit
	// ControlErrUnavailable means no active silo owns the partition.
	ControlErrUnavailable
	// ControlErrTransient means the executing silo hit a retriable condition.
	ControlErrTransient
	// ControlErrInvalid means the request was malformed.
	ControlErrInvalid
)

// ControlResponse is the body of a directory control-plane reply.
type ControlResponse struct {
	Address   WireAddress      `cbor:"1,keyasint,omitempty"`
	Etag      uint64           `cbor:"2,keyasint,omitempty"`
	Addresses []WireAddress    `cbor:"3,keyasint,omitempty"`
	Results   []LookupResult   `cbor:"4,keyasint,omitempty"`
	ErrorCode ControlErrorCode `cbor:"5,keyasint,omitempty"`
	Reason    string           `cbor:"6,keyasint,omitempty"`
}

// EncodeControlRequest serializes a control request into a message body.
func EncodeControlRequest(req *ControlRequest) ([]byte, error) {
	return cbor.Marshal(req)
}

// DecodeControlRequest deserializes a control request from a message body.
func DecodeControlRequest(body []byte) (*ControlRequest, error) {
	req := new(ControlRequest)
	if err := cbor.Unmarshal(body, req); err != nil {
		return nil, fmt.Errorf("decoding control request: %w", err)
	}
	return req, nil
}

// EncodeControlResponse serializes a control response into a message body.
func EncodeControlResponse(resp *ControlResponse) ([]byte, error) {
	return cbor.Marshal(resp)
}

// DecodeControlResponse deserializes a control response from a message body.
func DecodeControlResponse(body []byte) (*ControlResponse, error) {
	resp := new(ControlResponse)
	if err := cbor.Unmarshal(body, resp); err != nil {
		return nil, fmt.Errorf("decoding control response: %w", err)
	}
	return resp, nil
}
