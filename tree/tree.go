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

// Package tree implements the Jellyfish Merkle Tree's batch algorithms:
// point lookups and the put-value-set mutation that builds a new version's
// root from the previous one, enforcing upward compaction and downward
// extension as it goes.
package tree

import (
	"sort"

	"github.com/golang/glog"

	"github.com/jmtree/jmt/cache"
	"github.com/jmtree/jmt/keyhash"
	"github.com/jmtree/jmt/node"
	"github.com/jmtree/jmt/storage"
)

// Update is one entry of a batch: Value == nil means delete.
type Update struct {
	KeyHash keyhash.KeyHash
	Value   []byte
}

// Get looks up keyHash in the tree committed at version. It returns
// (value, true, nil) on a hit, (nil, false, nil) on a clean miss (absent
// slot or a leaf with a different key hash), and a non-nil error only for
// a genuine storage failure.
func Get(reader storage.TreeReader, version node.Version, keyHash keyhash.KeyHash) ([]byte, bool, error) {
	path := keyhash.Empty()
	n, err := reader.GetNode(node.NodeKey{Version: version, Path: path})
	if err != nil {
		return nil, false, err
	}
	if n == nil {
		return nil, false, nil
	}
	for {
		switch t := n.(type) {
		case *node.Null:
			return nil, false, nil
		case *node.Leaf:
			if t.KeyHash == keyHash {
				return t.Value, true, nil
			}
			return nil, false, nil
		case *node.Internal:
			nb := keyHash.Nibble(path.NumNibbles())
			ch, ok := t.Children[nb]
			if !ok {
				return nil, false, nil
			}
			path = path.Child(nb)
			key := node.NodeKey{Version: ch.Version, Path: path}
			next, err := reader.GetNode(key)
			if err != nil {
				return nil, false, err
			}
			if next == nil {
				return nil, false, &storage.MissingNode{Key: key}
			}
			n = next
		}
	}
}

// GetRootHash returns the root hash committed at version.
func GetRootHash(reader storage.TreeReader, version node.Version) (node.Hash, error) {
	key := node.RootNodeKey(version)
	n, err := reader.GetNode(key)
	if err != nil {
		return node.Hash{}, err
	}
	if n == nil {
		return node.Hash{}, &storage.MissingNode{Key: key}
	}
	return n.Hash(), nil
}

// PutValueSet applies updates at version, reading the previous version's
// tree through reader, and returns the new root hash together with the
// UpdateBatch the caller must persist atomically. Duplicate key hashes
// within updates resolve last-write-wins.
func PutValueSet(reader storage.TreeReader, version node.Version, updates []Update) (node.Hash, storage.UpdateBatch, error) {
	c, err := cache.New(reader, version)
	if err != nil {
		return node.Hash{}, storage.UpdateBatch{}, err
	}

	dedup := make(map[keyhash.KeyHash][]byte, len(updates))
	order := make([]keyhash.KeyHash, 0, len(updates))
	for _, u := range updates {
		if _, seen := dedup[u.KeyHash]; !seen {
			order = append(order, u.KeyHash)
		}
		dedup[u.KeyHash] = u.Value
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Less(order[j]) })
	items := make([]Update, len(order))
	for i, k := range order {
		items[i] = Update{KeyHash: k, Value: dedup[k]}
	}

	rootKey := c.RootNodeKey()
	root, err := resolveNode(c, version, rootKey.Path, &rootKey, items)
	if err != nil {
		return node.Hash{}, storage.UpdateBatch{}, err
	}

	newRootKey := node.RootNodeKey(version)
	var rootHash node.Hash
	if root == nil {
		if err := c.PutNode(newRootKey, &node.Null{}); err != nil {
			return node.Hash{}, storage.UpdateBatch{}, err
		}
		rootHash = node.PlaceholderHash
	} else {
		if err := c.PutNode(newRootKey, root); err != nil {
			return node.Hash{}, storage.UpdateBatch{}, err
		}
		rootHash = root.Hash()
	}
	c.SetRootNodeKey(newRootKey)

	glog.V(2).Infof("tree: committed version %d, root=%s, %d updates", version, rootHash, len(items))

	_, batch := c.Into()
	return rootHash, batch, nil
}

// resolveNode figures out what belongs at path given the preexisting node
// (if any, read through oldKey) and the net updates routed to this subtree.
// It never writes the resulting node at path itself — the caller does that,
// once it knows whether the result survives unhoisted at this depth.
func resolveNode(c *cache.TreeCache, version node.Version, path keyhash.NibblePath, oldKey *node.NodeKey, items []Update) (node.Node, error) {
	var old node.Node
	if oldKey != nil {
		n, err := c.GetNode(*oldKey)
		if err != nil {
			if !storage.IsMissingNode(err) {
				return nil, err
			}
		} else {
			old = n
		}
	}

	switch o := old.(type) {
	case *node.Leaf:
		c.DeleteNode(*oldKey, true)
		return mergeLeaf(c, version, path, o, items)
	case *node.Internal:
		c.DeleteNode(*oldKey, false)
		return mergeInternal(c, version, path, o, items)
	case *node.Null:
		c.DeleteNode(*oldKey, false)
		return buildFresh(c, version, path, items)
	default:
		return buildFresh(c, version, path, items)
	}
}

func buildFresh(c *cache.TreeCache, version node.Version, path keyhash.NibblePath, items []Update) (node.Node, error) {
	entries := make(map[keyhash.KeyHash][]byte, len(items))
	for _, u := range items {
		if u.Value != nil {
			entries[u.KeyHash] = u.Value
		}
	}
	return buildFromEntries(c, version, path, entries)
}

func mergeLeaf(c *cache.TreeCache, version node.Version, path keyhash.NibblePath, old *node.Leaf, items []Update) (node.Node, error) {
	entries := map[keyhash.KeyHash][]byte{old.KeyHash: old.Value}
	for _, u := range items {
		if u.Value == nil {
			delete(entries, u.KeyHash)
		} else {
			entries[u.KeyHash] = u.Value
		}
	}
	return buildFromEntries(c, version, path, entries)
}

// buildFromEntries constructs a brand-new subtree (no preexisting node at
// any path it touches) from a flat key-hash/value map. A map of size 0
// yields an absent subtree, size 1 a single Leaf, and size >1 an Internal
// built by partitioning on the next nibble and recursing — exactly the
// extension-downward rule: the recursion only bottoms out in a literal
// multi-child Internal once the surviving keys actually diverge, so a
// single-nibble-group level (all keys sharing this nibble) is itself a
// single-child Internal around another Internal, never around a Leaf.
func buildFromEntries(c *cache.TreeCache, version node.Version, path keyhash.NibblePath, entries map[keyhash.KeyHash][]byte) (node.Node, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	if len(entries) == 1 {
		for k, v := range entries {
			return node.NewLeaf(k, v), nil
		}
	}

	depth := path.NumNibbles()
	groups := make(map[byte]map[keyhash.KeyHash][]byte)
	for k, v := range entries {
		nb := k.Nibble(depth)
		if groups[nb] == nil {
			groups[nb] = make(map[keyhash.KeyHash][]byte)
		}
		groups[nb][k] = v
	}

	children := make(map[byte]node.Child, len(groups))
	nibbles := make([]byte, 0, len(groups))
	for nb := range groups {
		nibbles = append(nibbles, nb)
	}
	sort.Slice(nibbles, func(i, j int) bool { return nibbles[i] < nibbles[j] })

	for _, nb := range nibbles {
		childPath := path.Child(nb)
		childNode, err := buildFromEntries(c, version, childPath, groups[nb])
		if err != nil {
			return nil, err
		}
		if childNode == nil {
			continue
		}
		// Safe to write this child immediately: a multi-entry subtree can
		// never collapse into a single-leaf Internal above it (see the doc
		// comment), so this child will never need un-writing.
		if err := c.PutNode(node.NodeKey{Version: version, Path: childPath}, childNode); err != nil {
			return nil, err
		}
		children[nb] = node.Child{
			Version:   version,
			Hash:      childNode.Hash(),
			IsLeaf:    childNode.IsLeaf(),
			LeafCount: leafCountOf(childNode),
		}
	}
	return node.NewInternal(children), nil
}

func leafCountOf(n node.Node) uint64 {
	switch t := n.(type) {
	case *node.Leaf:
		return 1
	case *node.Internal:
		return t.LeafCount()
	default:
		return 0
	}
}
