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

// Package cache implements the TreeCache: a per-batch staging area that
// mediates every node read/write for one commit at a single next_version,
// presenting a read-through view over frozen writes, live writes, and
// finally the backing TreeReader.
package cache

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/jmtree/jmt/node"
	"github.com/jmtree/jmt/storage"
)

type layer struct {
	nodes map[node.NodeKey]node.Node
	stale []storage.StaleNodeIndexEntry
}

func newLayer() *layer {
	return &layer{nodes: make(map[node.NodeKey]node.Node)}
}

// TreeCache stages the reads and writes of a single batch commit at
// nextVersion, borrowing reader for anything it hasn't seen yet.
type TreeCache struct {
	reader      storage.TreeReader
	nextVersion node.Version
	rootNodeKey node.NodeKey

	live   *layer
	frozen *layer // nil until the first Freeze call
}

// New seeds rootNodeKey from the reader: the root at nextVersion-1 if one
// exists, else the pre-genesis root if one exists, else the bootstrap
// sentinel (nextVersion, empty_path) denoting a wholly empty tree.
func New(reader storage.TreeReader, nextVersion node.Version) (*TreeCache, error) {
	var candidates []node.NodeKey
	if nextVersion > 0 {
		candidates = append(candidates, node.RootNodeKey(nextVersion-1))
	}
	candidates = append(candidates, node.RootNodeKey(node.PreGenesisVersion))

	root := node.RootNodeKey(nextVersion)
	for _, ck := range candidates {
		n, err := reader.GetNode(ck)
		if err != nil {
			return nil, err
		}
		if n != nil {
			root = ck
			break
		}
	}
	glog.V(2).Infof("cache.New(nextVersion=%d) seeded root=%s", nextVersion, root)
	return &TreeCache{
		reader:      reader,
		nextVersion: nextVersion,
		rootNodeKey: root,
		live:        newLayer(),
	}, nil
}

// NextVersion returns the version this cache is staging.
func (c *TreeCache) NextVersion() node.Version { return c.nextVersion }

// RootNodeKey returns the current tentative root for the in-progress
// version.
func (c *TreeCache) RootNodeKey() node.NodeKey { return c.rootNodeKey }

// SetRootNodeKey updates the tentative root, e.g. once the algorithm has
// finished building the new tree.
func (c *TreeCache) SetRootNodeKey(key node.NodeKey) { c.rootNodeKey = key }

// GetNode looks up frozen cache, then live cache, then the reader. It never
// returns Null silently: an absent key is a MissingNode error.
func (c *TreeCache) GetNode(key node.NodeKey) (node.Node, error) {
	if c.frozen != nil {
		if n, ok := c.frozen.nodes[key]; ok {
			return n, nil
		}
	}
	if n, ok := c.live.nodes[key]; ok {
		return n, nil
	}
	n, err := c.reader.GetNode(key)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, &storage.MissingNode{Key: key}
	}
	return n, nil
}

// PutNode inserts a new node into the live cache. Writing the same NodeKey
// twice within one batch (frozen or live) is a programming error: nodes are
// write-once at a NodeKey.
func (c *TreeCache) PutNode(key node.NodeKey, n node.Node) error {
	if c.frozen != nil {
		if _, ok := c.frozen.nodes[key]; ok {
			return fmt.Errorf("cache: node %s already written this batch", key)
		}
	}
	if _, ok := c.live.nodes[key]; ok {
		return fmt.Errorf("cache: node %s already written this batch", key)
	}
	c.live.nodes[key] = n
	return nil
}

// DeleteNode does not remove anything from the cache; it records that key
// became stale as of nextVersion. A key produced earlier in this same batch
// (never persisted) is still recorded — the host's pruner is expected to
// short-circuit stale entries whose node was never written.
func (c *TreeCache) DeleteNode(key node.NodeKey, isLeaf bool) {
	glog.V(3).Infof("cache: marking %s stale as of v%d (leaf=%v)", key, c.nextVersion, isLeaf)
	c.live.stale = append(c.live.stale, storage.StaleNodeIndexEntry{
		StaleSinceVersion: c.nextVersion,
		Key:               key,
	})
}

// Freeze moves the live cache into the frozen cache and opens a fresh live
// cache. Used by internal algorithms that produce an intermediate root
// whose children must be visible to later reads within the same batch. If
// the current root cannot be found anywhere, a Null node is staged at
// (nextVersion, empty_path) and becomes the root first.
func (c *TreeCache) Freeze() {
	if _, err := c.GetNode(c.rootNodeKey); storage.IsMissingNode(err) {
		c.rootNodeKey = node.RootNodeKey(c.nextVersion)
		c.live.nodes[c.rootNodeKey] = &node.Null{}
	}
	if c.frozen == nil {
		c.frozen = newLayer()
	}
	for k, v := range c.live.nodes {
		c.frozen.nodes[k] = v
	}
	c.frozen.stale = append(c.frozen.stale, c.live.stale...)
	c.live = newLayer()
}

// Into freezes any remaining live writes and returns the final root key
// together with the accumulated UpdateBatch.
func (c *TreeCache) Into() (node.NodeKey, storage.UpdateBatch) {
	c.Freeze()
	batch := storage.UpdateBatch{NodeBatch: make(storage.NodeBatch, len(c.frozen.nodes))}
	for k, v := range c.frozen.nodes {
		batch.NodeBatch[k] = v
	}
	batch.StaleNodeIndexBatch = append(batch.StaleNodeIndexBatch, c.frozen.stale...)
	return c.rootNodeKey, batch
}
