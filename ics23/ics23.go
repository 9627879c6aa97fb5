// Copyright 2016 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ics23 translates this tree's native inclusion/exclusion proofs
// into the generic ICS-23 commitment-proof wire format, so a proof produced
// here verifies under any standard ICS-23 verifier.
package ics23

import (
	"errors"

	ics23 "github.com/cosmos/ics23/go"

	"github.com/jmtree/jmt/keyhash"
	"github.com/jmtree/jmt/node"
	"github.com/jmtree/jmt/proof"
	"github.com/jmtree/jmt/storage"
	"github.com/jmtree/jmt/tree"
)

// ErrMissingPreimage is returned when translating a proof needs the
// original key bytes of a neighboring leaf but the store has none recorded.
var ErrMissingPreimage = errors.New("ics23: missing key preimage")

// Spec returns the ICS-23 proof spec this tree's proofs are constructed
// against. The INTERNAL_DOMAIN_SEPARATOR length fixes both
// min_prefix_length and max_prefix_length, since every InnerOp prefix is
// either exactly that separator or that separator plus one sibling hash.
func Spec() *ics23.ProofSpec {
	prefixLen := int32(len(node.InternalDomainSeparator))
	return &ics23.ProofSpec{
		LeafSpec: &ics23.LeafOp{
			Hash:         ics23.HashOp_SHA256,
			PrehashKey:   ics23.HashOp_NO_HASH,
			PrehashValue: ics23.HashOp_SHA256,
			Length:       ics23.LengthOp_NO_PREFIX,
			Prefix:       append([]byte(nil), node.LeafDomainSeparator...),
		},
		InnerSpec: &ics23.InnerSpec{
			ChildOrder:      []int32{0, 1},
			ChildSize:       32,
			MinPrefixLength: prefixLen,
			MaxPrefixLength: prefixLen,
			EmptyChild:      append([]byte(nil), node.PlaceholderHash[:]...),
			Hash:            ics23.HashOp_SHA256,
		},
		MinDepth: 0,
		// Nibble count, not bit count: replicated verbatim from the source
		// constant even though the path below is walked bit-by-bit.
		MaxDepth: 64,
	}
}

// ToExistenceProof translates a native InclusionProof plus its preimage
// into the ICS-23 ExistenceProof shape. The leaf op's PrehashKey is NO_HASH,
// so Key must already be the 32-byte key hash the tree actually hashed into
// the leaf, not the raw preimage: hash it here rather than pass it through.
func ToExistenceProof(keyPreimage, value []byte, ip *proof.InclusionProof) *ics23.ExistenceProof {
	keyHash := keyhash.New(keyPreimage)
	return &ics23.ExistenceProof{
		Key:   append([]byte(nil), keyHash[:]...),
		Value: append([]byte(nil), value...),
		Leaf: &ics23.LeafOp{
			Hash:         ics23.HashOp_SHA256,
			PrehashKey:   ics23.HashOp_NO_HASH,
			PrehashValue: ics23.HashOp_SHA256,
			Length:       ics23.LengthOp_NO_PREFIX,
			Prefix:       append([]byte(nil), node.LeafDomainSeparator...),
		},
		Path: innerPath(ip),
	}
}

// innerPath builds the ordered InnerOp list from the leaf up to the root:
// one op per bit of the key hash's first Depth nibbles, starting at the
// lowest bit of the deepest nibble, with siblings trimmed from the proof
// reinflated as the placeholder. The 256 - 4*Depth bits past the leaf's
// depth get no op.
func innerPath(ip *proof.InclusionProof) []*ics23.InnerOp {
	total := ip.Depth * 4
	ops := make([]*ics23.InnerOp, 0, total)
	for i := 0; i < total; i++ {
		sib := node.PlaceholderHash
		if i < len(ip.Siblings) {
			sib = ip.Siblings[i]
		}
		nibblePos := ip.Depth - 1 - i/4
		subBit := uint(i % 4)
		bit := (ip.KeyHash.Nibble(nibblePos) >> subBit) & 1
		op := &ics23.InnerOp{Hash: ics23.HashOp_SHA256}
		if bit == 1 {
			op.Prefix = append(append([]byte(nil), node.InternalDomainSeparator...), sib[:]...)
			op.Suffix = nil
		} else {
			op.Prefix = append([]byte(nil), node.InternalDomainSeparator...)
			op.Suffix = append([]byte(nil), sib[:]...)
		}
		ops = append(ops, op)
	}
	return ops
}

// ToCommitmentProof wraps an inclusion proof as an existence CommitmentProof.
func ToCommitmentProof(keyPreimage, value []byte, ip *proof.InclusionProof) *ics23.CommitmentProof {
	return &ics23.CommitmentProof{
		Proof: &ics23.CommitmentProof_Exist{
			Exist: ToExistenceProof(keyPreimage, value, ip),
		},
	}
}

// ToNonExistenceCommitmentProof translates a native ExclusionProof into the
// ICS-23 non-existence shape. reader supplies the original preimages of the
// neighbor leaf(s); the outer key field is the bracketing neighbor's own key
// hash for Leftmost/Rightmost, but the queried preimage itself for Middle —
// an asymmetry preserved verbatim from the source behavior.
func ToNonExistenceCommitmentProof(reader storage.TreeReader, preimages storage.HasPreimage, version node.Version, queriedKeyHash [32]byte, queriedPreimage []byte, ep *proof.ExclusionProof) (*ics23.CommitmentProof, error) {
	nep := &ics23.NonExistenceProof{}

	switch ep.Kind {
	case proof.Leftmost:
		nep.Key = append([]byte(nil), ep.LeftmostRight.KeyHash[:]...)
		rightPreimage, value, err := leafValueAndPreimage(reader, preimages, version, ep.LeftmostRight)
		if err != nil {
			return nil, err
		}
		nep.Right = ToExistenceProof(rightPreimage, value, ep.LeftmostRight)
	case proof.Rightmost:
		nep.Key = append([]byte(nil), ep.RightmostLeft.KeyHash[:]...)
		leftPreimage, value, err := leafValueAndPreimage(reader, preimages, version, ep.RightmostLeft)
		if err != nil {
			return nil, err
		}
		nep.Left = ToExistenceProof(leftPreimage, value, ep.RightmostLeft)
	case proof.Middle:
		nep.Key = append([]byte(nil), queriedPreimage...)
		leftPreimage, leftValue, err := leafValueAndPreimage(reader, preimages, version, ep.RightmostLeft)
		if err != nil {
			return nil, err
		}
		rightPreimage, rightValue, err := leafValueAndPreimage(reader, preimages, version, ep.LeftmostRight)
		if err != nil {
			return nil, err
		}
		nep.Left = ToExistenceProof(leftPreimage, leftValue, ep.RightmostLeft)
		nep.Right = ToExistenceProof(rightPreimage, rightValue, ep.LeftmostRight)
	}

	return &ics23.CommitmentProof{
		Proof: &ics23.CommitmentProof_Nonexist{Nonexist: nep},
	}, nil
}

// leafValueAndPreimage recovers the raw value bytes and key preimage of a
// neighbor leaf located while building an exclusion proof: an
// InclusionProof only ever carries the value hash, so the value itself and
// the original key bytes must both be re-fetched from the backing store.
func leafValueAndPreimage(reader storage.TreeReader, preimages storage.HasPreimage, version node.Version, ip *proof.InclusionProof) (preimage, value []byte, err error) {
	preimage, err = preimages.Preimage([32]byte(ip.KeyHash))
	if err != nil {
		return nil, nil, err
	}
	if preimage == nil {
		return nil, nil, ErrMissingPreimage
	}
	value, _, err = tree.Get(reader, version, ip.KeyHash)
	if err != nil {
		return nil, nil, err
	}
	if value == nil {
		return nil, nil, errors.New("ics23: leaf value not found for neighbor during non-existence proof")
	}
	return preimage, value, nil
}
