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

package tree

import (
	"github.com/jmtree/jmt/cache"
	"github.com/jmtree/jmt/keyhash"
	"github.com/jmtree/jmt/node"
)

// mergeInternal merges items into an existing Internal node at path. Unlike
// buildFromEntries, compaction upward is a real possibility here: deleting
// down to a single surviving Leaf child must collapse the Internal away.
// Writes of touched children are deferred until that decision is made, so a
// child that turns out to be the sole survivor is never written at its own
// (soon to be abandoned) path.
func mergeInternal(c *cache.TreeCache, version node.Version, path keyhash.NibblePath, old *node.Internal, items []Update) (node.Node, error) {
	depth := path.NumNibbles()
	touchedItems := make(map[byte][]Update)
	for _, u := range items {
		nb := u.KeyHash.Nibble(depth)
		touchedItems[nb] = append(touchedItems[nb], u)
	}

	touchedResolved := make(map[byte]node.Node)
	for nb, grp := range touchedItems {
		childPath := path.Child(nb)
		var oldChildKey *node.NodeKey
		if ch, ok := old.Children[nb]; ok {
			k := node.NodeKey{Version: ch.Version, Path: childPath}
			oldChildKey = &k
		}
		childNode, err := resolveNode(c, version, childPath, oldChildKey, grp)
		if err != nil {
			return nil, err
		}
		if childNode != nil {
			touchedResolved[nb] = childNode
		}
	}

	survivors := make(map[byte]bool)
	for nb := range old.Children {
		if _, touched := touchedItems[nb]; !touched {
			survivors[nb] = true
		}
	}
	for nb := range touchedResolved {
		survivors[nb] = true
	}

	if len(survivors) == 0 {
		return nil, nil
	}

	if len(survivors) == 1 {
		var onlyNb byte
		for nb := range survivors {
			onlyNb = nb
		}
		return resolveSoleSurvivor(c, version, path, old, touchedResolved, onlyNb)
	}

	children := make(map[byte]node.Child, len(survivors))
	for nb := range old.Children {
		if _, touched := touchedItems[nb]; !touched {
			children[nb] = old.Children[nb]
		}
	}
	for nb, resolved := range touchedResolved {
		childPath := path.Child(nb)
		if err := c.PutNode(node.NodeKey{Version: version, Path: childPath}, resolved); err != nil {
			return nil, err
		}
		children[nb] = node.Child{
			Version:   version,
			Hash:      resolved.Hash(),
			IsLeaf:    resolved.IsLeaf(),
			LeafCount: leafCountOf(resolved),
		}
	}
	return node.NewInternal(children), nil
}

// resolveSoleSurvivor handles the case where exactly one child nibble
// survives the merge. A surviving Internal child stays put (one-child
// Internals around an Internal child are allowed); a surviving Leaf child
// is hoisted up to replace this Internal entirely, materializing it from
// the old tree first if the merge never actually touched it.
func resolveSoleSurvivor(c *cache.TreeCache, version node.Version, path keyhash.NibblePath, old *node.Internal, touchedResolved map[byte]node.Node, onlyNb byte) (node.Node, error) {
	if resolved, ok := touchedResolved[onlyNb]; ok {
		if resolved.IsLeaf() {
			return resolved, nil
		}
		childPath := path.Child(onlyNb)
		if err := c.PutNode(node.NodeKey{Version: version, Path: childPath}, resolved); err != nil {
			return nil, err
		}
		return node.NewInternal(map[byte]node.Child{
			onlyNb: {
				Version:   version,
				Hash:      resolved.Hash(),
				IsLeaf:    false,
				LeafCount: leafCountOf(resolved),
			},
		}), nil
	}

	oldChild := old.Children[onlyNb]
	if !oldChild.IsLeaf {
		return node.NewInternal(map[byte]node.Child{onlyNb: oldChild}), nil
	}
	childKey := node.NodeKey{Version: oldChild.Version, Path: path.Child(onlyNb)}
	n, err := c.GetNode(childKey)
	if err != nil {
		return nil, err
	}
	c.DeleteNode(childKey, true)
	return n, nil
}
