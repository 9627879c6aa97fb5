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

// Package memstore is the default in-process backing store: a
// github.com/google/btree ordered index keyed by (version, NibblePath).
// The index is not ordered by key hash, so GetRightmostLeaf walks every
// stored node rather than answering as a predecessor query.
package memstore

import (
	"sync"

	"github.com/google/btree"

	"github.com/jmtree/jmt/keyhash"
	"github.com/jmtree/jmt/node"
	"github.com/jmtree/jmt/storage"
)

const defaultDegree = 32

// nodeItem is the btree.Item stored for one persisted node: ordered first by
// version, then by the node's path within that version, matching the
// rootKeyFormat/nodeKeyFormat byte-ordering discipline iavl's nodeDB uses for
// its own on-disk key layout.
type nodeItem struct {
	key node.NodeKey
	n   node.Node
}

func (i nodeItem) Less(than btree.Item) bool {
	o := than.(nodeItem)
	if i.key.Version != o.key.Version {
		return i.key.Version < o.key.Version
	}
	return i.key.Path.String() < o.key.Path.String()
}

// Store is an in-memory TreeReader + TreeWriter + HasPreimage, suitable for
// embedding in a process that doesn't need cross-process durability (tests,
// single-binary deployments, the rightmost-leaf index backing other stores'
// in-process caches).
type Store struct {
	mu         sync.RWMutex
	tree       *btree.BTree
	preimages  map[keyhash.KeyHash][]byte
	stale      []storage.StaleNodeIndexEntry
	staleSince map[node.NodeKey]node.Version
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tree:       btree.New(defaultDegree),
		preimages:  make(map[keyhash.KeyHash][]byte),
		staleSince: make(map[node.NodeKey]node.Version),
	}
}

// GetNode implements storage.TreeReader.
func (s *Store) GetNode(key node.NodeKey) (node.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item := s.tree.Get(nodeItem{key: key})
	if item == nil {
		return nil, nil
	}
	return item.(nodeItem).n, nil
}

// GetRightmostLeaf implements storage.TreeReader by scanning the btree index
// for the greatest key hash among leaves persisted at or before version,
// skipping any already marked stale by version: a node's physical bytes
// outlive its removal from the live tree (§3's lifecycle rule), so the
// stale-since index, not the node's own write version, decides liveness.
func (s *Store) GetRightmostLeaf(version node.Version) (node.NodeKey, *node.Leaf, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		bestKey  node.NodeKey
		best     *node.Leaf
		haveBest bool
	)
	s.tree.Ascend(func(it btree.Item) bool {
		ni := it.(nodeItem)
		if ni.key.Version > version {
			return true
		}
		if since, stale := s.staleSince[ni.key]; stale && since <= version {
			return true
		}
		leaf, ok := ni.n.(*node.Leaf)
		if !ok {
			return true
		}
		if !haveBest || best.KeyHash.Less(leaf.KeyHash) {
			bestKey, best, haveBest = ni.key, leaf, true
		}
		return true
	})
	if !haveBest {
		return node.NodeKey{}, nil, nil
	}
	return bestKey, best, nil
}

// WriteUpdateBatch implements storage.TreeWriter.
func (s *Store) WriteUpdateBatch(batch storage.UpdateBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, n := range batch.NodeBatch {
		s.tree.ReplaceOrInsert(nodeItem{key: k, n: n})
	}
	s.stale = append(s.stale, batch.StaleNodeIndexBatch...)
	for _, e := range batch.StaleNodeIndexBatch {
		s.staleSince[e.Key] = e.StaleSinceVersion
	}
	return nil
}

// PutPreimage implements storage.PreimageWriter.
func (s *Store) PutPreimage(keyHash [32]byte, preimage []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preimages[keyhash.KeyHash(keyHash)] = append([]byte(nil), preimage...)
	return nil
}

// Preimage implements storage.HasPreimage.
func (s *Store) Preimage(keyHash [32]byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.preimages[keyhash.KeyHash(keyHash)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), p...), nil
}

// StaleNodeIndexLen returns the number of stale-node entries recorded across
// every WriteUpdateBatch call, for pruning-accounting tests.
func (s *Store) StaleNodeIndexLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stale)
}

// Len returns the number of distinct NodeKeys currently stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}
