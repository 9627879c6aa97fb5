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

// Package proof builds sparse Merkle inclusion and exclusion proofs over a
// committed tree version, read-only against a storage.TreeReader.
package proof

import (
	"errors"

	"github.com/jmtree/jmt/keyhash"
	"github.com/jmtree/jmt/node"
	"github.com/jmtree/jmt/storage"
)

// ErrEmptyTree is returned when an exclusion proof is requested against a
// version whose root is Null: there are no live leaves to bracket the
// queried key with, so none of the three exclusion shapes applies.
var ErrEmptyTree = errors.New("proof: tree is empty, no neighbor leaves to prove exclusion with")

// InclusionProof is a sparse Merkle proof of membership: siblings are
// ordered leaf-first toward the root, with trailing placeholder siblings
// omitted (§4.4.4); verification must reinflate them.
type InclusionProof struct {
	KeyHash   keyhash.KeyHash
	ValueHash node.Hash
	// Depth is the number of nibbles from the root to this leaf; it fixes
	// the total (pre-trim) sibling count at 4*Depth and anchors which key
	// bit each retained sibling corresponds to.
	Depth    int
	Siblings []node.Hash
}

// ExclusionKind distinguishes the three shapes an exclusion proof can take.
type ExclusionKind int

const (
	// Leftmost means the queried key sorts before every live leaf.
	Leftmost ExclusionKind = iota
	// Rightmost means the queried key sorts after every live leaf.
	Rightmost
	// Middle means the queried key falls strictly between two live leaves.
	Middle
)

// ExclusionProof proves a key hash is absent at a version by bracketing it
// with its nearest live neighbor(s) in key-hash order.
type ExclusionProof struct {
	Kind ExclusionKind
	// LeftmostRight is populated for Leftmost and Middle: the smallest live
	// leaf strictly greater than the queried key.
	LeftmostRight *InclusionProof
	// RightmostLeft is populated for Rightmost and Middle: the largest live
	// leaf strictly less than the queried key.
	RightmostLeft *InclusionProof
}

// Root recomputes the root hash an InclusionProof is consistent with,
// reinflating any trimmed trailing placeholder siblings.
func (p *InclusionProof) Root() node.Hash {
	h := node.LeafHash(p.KeyHash, p.ValueHash)
	total := p.Depth * 4
	for i := 0; i < total; i++ {
		sib := node.PlaceholderHash
		if i < len(p.Siblings) {
			sib = p.Siblings[i]
		}
		nibblePos := p.Depth - 1 - i/4
		subBit := uint(i % 4)
		bit := (p.KeyHash.Nibble(nibblePos) >> subBit) & 1
		if bit == 1 {
			h = node.Combine(sib, h)
		} else {
			h = node.Combine(h, sib)
		}
	}
	return h
}

// trimTrailingPlaceholders drops every placeholder hash from the end of
// sibs, leaving the client to reinflate them on verification (§4.4.4, §4.5
// minimality).
func trimTrailingPlaceholders(sibs []node.Hash) []node.Hash {
	i := len(sibs)
	for i > 0 && sibs[i-1] == node.PlaceholderHash {
		i--
	}
	return sibs[:i]
}

type frame struct {
	internal *node.Internal
	nibble   byte
}

// GetWithProof returns the value and inclusion proof for keyHash if present,
// or (nil, nil, nil) if absent (callers wanting a non-existence proof should
// use GetWithExclusionProof instead).
func GetWithProof(reader storage.TreeReader, version node.Version, keyHash keyhash.KeyHash) ([]byte, *InclusionProof, error) {
	path := keyhash.Empty()
	n, err := reader.GetNode(node.NodeKey{Version: version, Path: path})
	if err != nil {
		return nil, nil, err
	}
	if n == nil {
		return nil, nil, nil
	}
	var stack []frame
	for {
		switch t := n.(type) {
		case *node.Null:
			return nil, nil, nil
		case *node.Leaf:
			if t.KeyHash != keyHash {
				return nil, nil, nil
			}
			sibs := siblingsFromStack(stack)
			return t.Value, &InclusionProof{KeyHash: t.KeyHash, ValueHash: t.ValueHash, Depth: len(stack), Siblings: sibs}, nil
		case *node.Internal:
			nb := keyHash.Nibble(path.NumNibbles())
			ch, ok := t.Children[nb]
			if !ok {
				return nil, nil, nil
			}
			stack = append(stack, frame{internal: t, nibble: nb})
			path = path.Child(nb)
			key := node.NodeKey{Version: ch.Version, Path: path}
			next, err := reader.GetNode(key)
			if err != nil {
				return nil, nil, err
			}
			if next == nil {
				return nil, nil, &storage.MissingNode{Key: key}
			}
			n = next
		}
	}
}

func siblingsFromStack(stack []frame) []node.Hash {
	var sibs []node.Hash
	for i := len(stack) - 1; i >= 0; i-- {
		f := stack[i]
		s := f.internal.SiblingsOnPath(f.nibble)
		sibs = append(sibs, s[:]...)
	}
	return trimTrailingPlaceholders(sibs)
}

func leftmostLeaf(reader storage.TreeReader, n node.Node, path keyhash.NibblePath) (*node.Leaf, error) {
	for {
		switch t := n.(type) {
		case *node.Leaf:
			return t, nil
		case *node.Internal:
			nbs := t.SortedNibbles()
			if len(nbs) == 0 {
				return nil, nil
			}
			nb := nbs[0]
			ch := t.Children[nb]
			path = path.Child(nb)
			key := node.NodeKey{Version: ch.Version, Path: path}
			next, err := reader.GetNode(key)
			if err != nil {
				return nil, err
			}
			if next == nil {
				return nil, &storage.MissingNode{Key: key}
			}
			n = next
		default:
			return nil, nil
		}
	}
}

func rightmostLeaf(reader storage.TreeReader, n node.Node, path keyhash.NibblePath) (*node.Leaf, error) {
	for {
		switch t := n.(type) {
		case *node.Leaf:
			return t, nil
		case *node.Internal:
			nbs := t.SortedNibbles()
			if len(nbs) == 0 {
				return nil, nil
			}
			nb := nbs[len(nbs)-1]
			ch := t.Children[nb]
			path = path.Child(nb)
			key := node.NodeKey{Version: ch.Version, Path: path}
			next, err := reader.GetNode(key)
			if err != nil {
				return nil, err
			}
			if next == nil {
				return nil, &storage.MissingNode{Key: key}
			}
			n = next
		default:
			return nil, nil
		}
	}
}

// findBounds walks the query path from the root, tracking the nearest
// smaller leaf (pred) and nearest greater leaf (succ) encountered by
// descending into sibling subtrees at each Internal along the way.
func findBounds(reader storage.TreeReader, version node.Version, keyHash keyhash.KeyHash) (pred, succ *node.Leaf, err error) {
	path := keyhash.Empty()
	n, err := reader.GetNode(node.NodeKey{Version: version, Path: path})
	if err != nil {
		return nil, nil, err
	}
	if n == nil {
		return nil, nil, nil
	}
	for {
		switch t := n.(type) {
		case *node.Null:
			return pred, succ, nil
		case *node.Leaf:
			if t.KeyHash.Less(keyHash) {
				pred = t
			} else if keyHash.Less(t.KeyHash) {
				succ = t
			}
			return pred, succ, nil
		case *node.Internal:
			depth := path.NumNibbles()
			nb := keyHash.Nibble(depth)
			for _, other := range t.SortedNibbles() {
				if other < nb {
					ch := t.Children[other]
					childPath := path.Child(other)
					childNode, err := reader.GetNode(node.NodeKey{Version: ch.Version, Path: childPath})
					if err != nil {
						return nil, nil, err
					}
					if childNode == nil {
						continue
					}
					leaf, err := rightmostLeaf(reader, childNode, childPath)
					if err != nil {
						return nil, nil, err
					}
					if leaf != nil {
						pred = leaf
					}
				} else if other > nb {
					ch := t.Children[other]
					childPath := path.Child(other)
					childNode, err := reader.GetNode(node.NodeKey{Version: ch.Version, Path: childPath})
					if err != nil {
						return nil, nil, err
					}
					if childNode != nil {
						leaf, err := leftmostLeaf(reader, childNode, childPath)
						if err != nil {
							return nil, nil, err
						}
						if leaf != nil {
							succ = leaf
						}
					}
					break
				}
			}
			ch, ok := t.Children[nb]
			if !ok {
				return pred, succ, nil
			}
			path = path.Child(nb)
			key := node.NodeKey{Version: ch.Version, Path: path}
			next, err := reader.GetNode(key)
			if err != nil {
				return nil, nil, err
			}
			if next == nil {
				return nil, nil, &storage.MissingNode{Key: key}
			}
			n = next
		}
	}
}

// GetWithExclusionProof proves keyHash is absent at version. It returns
// ErrEmptyTree if the tree at version has no live leaves at all.
func GetWithExclusionProof(reader storage.TreeReader, version node.Version, keyHash keyhash.KeyHash) (*ExclusionProof, error) {
	_, rightmost, err := reader.GetRightmostLeaf(version)
	if err != nil {
		return nil, err
	}
	if rightmost == nil {
		return nil, ErrEmptyTree
	}
	if rightmost.KeyHash.Less(keyHash) {
		// Fast path for the one-sided range §4.2 calls out explicitly:
		// the query sorts past every live leaf, so the rightmost leaf
		// alone brackets it without walking the query's own path.
		_, ip, err := GetWithProof(reader, version, rightmost.KeyHash)
		if err != nil {
			return nil, err
		}
		return &ExclusionProof{Kind: Rightmost, RightmostLeft: ip}, nil
	}

	pred, succ, err := findBounds(reader, version, keyHash)
	if err != nil {
		return nil, err
	}
	if pred == nil && succ == nil {
		return nil, ErrEmptyTree
	}
	if pred == nil {
		_, ip, err := GetWithProof(reader, version, succ.KeyHash)
		if err != nil {
			return nil, err
		}
		return &ExclusionProof{Kind: Leftmost, LeftmostRight: ip}, nil
	}
	if succ == nil {
		_, ip, err := GetWithProof(reader, version, pred.KeyHash)
		if err != nil {
			return nil, err
		}
		return &ExclusionProof{Kind: Rightmost, RightmostLeft: ip}, nil
	}
	_, leftIP, err := GetWithProof(reader, version, pred.KeyHash)
	if err != nil {
		return nil, err
	}
	_, rightIP, err := GetWithProof(reader, version, succ.KeyHash)
	if err != nil {
		return nil, err
	}
	return &ExclusionProof{Kind: Middle, LeftmostRight: rightIP, RightmostLeft: leftIP}, nil
}
