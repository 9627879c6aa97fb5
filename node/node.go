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

// Package node defines the Jellyfish Merkle Tree's node model: the tagged
// Null/Leaf/Internal variants, their hashing rules, and the write-once
// NodeKey that addresses every node ever persisted.
package node

import (
	"crypto/sha256"
	"fmt"

	"github.com/jmtree/jmt/keyhash"
)

// Version is a monotonically increasing logical commit counter.
type Version = uint64

// PreGenesisVersion is a reserved sentinel allowing a distinct root to exist
// before version 0.
const PreGenesisVersion Version = ^uint64(0) - 1

// Hash is a 32-byte digest, used for both node hashes and root hashes.
type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// LeafDomainSeparator and InternalDomainSeparator distinguish leaf and
// internal node preimages so that one can never be mistaken for the other.
// Any stable, distinct choice is acceptable; these are fixed for this
// module's lifetime.
var (
	LeafDomainSeparator     = []byte("JMT::leaf")
	InternalDomainSeparator = []byte("JMT::internal")
)

// PlaceholderHash is the canonical stand-in hash for an empty subtree. It
// appears both when folding an Internal node's missing children and as the
// hash of the tree's Null root.
var PlaceholderHash = Hash(sha256.Sum256([]byte("JMT::placeholder")))

func hashLeaf(keyHash keyhash.KeyHash, valueHash Hash) Hash {
	h := sha256.New()
	h.Write(LeafDomainSeparator)
	h.Write(keyHash[:])
	h.Write(valueHash[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func hashInternalPair(l, r Hash) Hash {
	h := sha256.New()
	h.Write(InternalDomainSeparator)
	h.Write(l[:])
	h.Write(r[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// LeafHash exposes hashLeaf for proof reconstruction outside this package.
func LeafHash(keyHash keyhash.KeyHash, valueHash Hash) Hash {
	return hashLeaf(keyHash, valueHash)
}

// Combine exposes the internal pairwise fold for proof reconstruction.
func Combine(l, r Hash) Hash {
	return hashInternalPair(l, r)
}

// NodeKey names a node by the version at which it was (re)written plus its
// absolute path from the root. Nodes are write-once at a NodeKey: an update
// always writes a new NodeKey at the new version and marks the predecessor
// stale, it never mutates an existing one.
type NodeKey struct {
	Version Version
	Path    keyhash.NibblePath
}

// RootNodeKey returns the NodeKey of the root at the given version (the
// empty path, per invariant 4).
func RootNodeKey(version Version) NodeKey {
	return NodeKey{Version: version, Path: keyhash.Empty()}
}

// Equal reports whether two NodeKeys name the same node.
func (k NodeKey) Equal(o NodeKey) bool {
	return k.Version == o.Version && k.Path.Equal(o.Path)
}

func (k NodeKey) String() string {
	return fmt.Sprintf("(v%d, %s)", k.Version, k.Path.String())
}

// Depth returns the number of nibbles from the root to this node.
func (k NodeKey) Depth() int { return k.Path.NumNibbles() }

// Node is implemented by Null, *Leaf and *Internal.
type Node interface {
	// Hash returns this node's content hash.
	Hash() Hash
	// IsLeaf reports whether this node is a Leaf.
	IsLeaf() bool
	isNode()
}

// Null is the singleton empty-tree marker. It is only ever valid at
// (version, empty_path).
type Null struct{}

// Hash implements Node: the empty tree hashes to the placeholder constant.
// (An Internal with no children folds 16 placeholders and hashes to
// something else.)
func (Null) Hash() Hash  { return PlaceholderHash }
func (Null) IsLeaf() bool { return false }
func (Null) isNode()      {}

// Leaf holds one live key/value pair.
type Leaf struct {
	KeyHash   keyhash.KeyHash
	ValueHash Hash
	// Value carries the value bytes inline. Per §9's design note, an
	// implementation may instead store a value hash plus an external value
	// address; inlining is simplest and sufficient since proofs only ever
	// need ValueHash.
	Value []byte
}

// NewLeaf builds a Leaf from a key hash and raw value bytes.
func NewLeaf(keyHash keyhash.KeyHash, value []byte) *Leaf {
	return &Leaf{
		KeyHash:   keyHash,
		ValueHash: Hash(sha256.Sum256(value)),
		Value:     append([]byte(nil), value...),
	}
}

// Hash implements Node.
func (l *Leaf) Hash() Hash   { return hashLeaf(l.KeyHash, l.ValueHash) }
func (l *Leaf) IsLeaf() bool { return true }
func (l *Leaf) isNode()      {}

// Child is one of an Internal node's up-to-16 slots.
type Child struct {
	Version   Version
	Hash      Hash
	IsLeaf    bool
	LeafCount uint64
}

// Internal has 1..=16 children, each keyed by its nibble value 0..15.
type Internal struct {
	Children map[byte]Child
}

// NewInternal builds an Internal node from a children map. The map is
// copied defensively.
func NewInternal(children map[byte]Child) *Internal {
	cp := make(map[byte]Child, len(children))
	for k, v := range children {
		cp[k] = v
	}
	return &Internal{Children: cp}
}

// slots materializes the 16-entry virtual array used for hashing: present
// children contribute their stored hash, empty slots contribute the
// placeholder.
func (n *Internal) slots() [16]Hash {
	var s [16]Hash
	for i := range s {
		s[i] = PlaceholderHash
	}
	for nibble, child := range n.Children {
		s[nibble] = child.Hash
	}
	return s
}

func foldPairs(level []Hash) []Hash {
	next := make([]Hash, len(level)/2)
	for i := range next {
		next[i] = hashInternalPair(level[2*i], level[2*i+1])
	}
	return next
}

// Hash implements Node: the 16 slots are folded pairwise over 4 levels of
// H(INTERNAL_SEP || left || right), one level per bit of the nibble index.
func (n *Internal) Hash() Hash {
	slots := n.slots()
	level := slots[:]
	for len(level) > 1 {
		level = foldPairs(level)
	}
	return level[0]
}

func (n *Internal) IsLeaf() bool { return false }
func (n *Internal) isNode()      {}

// LeafCount returns the number of live leaves below this Internal node.
func (n *Internal) LeafCount() uint64 {
	var total uint64
	for _, c := range n.Children {
		total += c.LeafCount
	}
	return total
}

// SiblingsOnPath returns the 4 internal-mini-tree sibling hashes
// encountered walking from the given nibble's slot up to this Internal
// node's own hash, ordered leaf-first (slot level) toward the node's root
// (the final fold). This is exactly what a proof needs per nibble level.
func (n *Internal) SiblingsOnPath(nibble byte) [4]Hash {
	slots := n.slots()
	level := slots[:]
	idx := int(nibble)
	var sibs [4]Hash
	for d := 0; d < 4; d++ {
		sibs[d] = level[idx^1]
		idx >>= 1
		level = foldPairs(level)
	}
	return sibs
}

// SortedNibbles returns the occupied child slots in ascending nibble order.
func (n *Internal) SortedNibbles() []byte {
	out := make([]byte, 0, len(n.Children))
	for nb := range n.Children {
		out = append(out, nb)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
