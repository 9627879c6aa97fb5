// Package mock provides an in-memory TreeStore test double, modeled
// directly on the reference implementation's MockTreeStore: a handful of
// plain maps with no persistence, no locking beyond a single mutex, and
// linear scans where a real store would use an index. It exists purely to
// give the tree, cache and ics23 packages something to read through and
// write into during tests.
package mock

import (
	"fmt"
	"sync"

	"github.com/jmtree/jmt/keyhash"
	"github.com/jmtree/jmt/node"
	"github.com/jmtree/jmt/storage"
)

// TreeStore is a minimal, non-production TreeReader+TreeWriter+HasPreimage
// implementation for tests.
type TreeStore struct {
	mu         sync.Mutex
	nodes      map[node.NodeKey]node.Node
	stale      []storage.StaleNodeIndexEntry
	staleSince map[node.NodeKey]node.Version
	preimages  map[keyhash.KeyHash][]byte
}

// New returns an empty TreeStore.
func New() *TreeStore {
	return &TreeStore{
		nodes:      make(map[node.NodeKey]node.Node),
		staleSince: make(map[node.NodeKey]node.Version),
		preimages:  make(map[keyhash.KeyHash][]byte),
	}
}

// GetNode implements storage.TreeReader.
func (s *TreeStore) GetNode(key node.NodeKey) (node.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[key]
	if !ok {
		return nil, nil
	}
	return n, nil
}

// PutNode directly stages a node, bypassing WriteUpdateBatch. Used by tests
// that want to seed the store (e.g. a pre-genesis root) without going
// through a full tree commit.
func (s *TreeStore) PutNode(key node.NodeKey, n node.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[key]; ok {
		return fmt.Errorf("mock: node %s already written", key)
	}
	s.nodes[key] = n
	return nil
}

// GetRightmostLeaf implements storage.TreeReader. It scans every leaf
// persisted at or before version, skipping any already stale by version (its
// predecessor's key bytes outlive its removal from the live tree, per §3's
// lifecycle rule, so staleness must be checked explicitly rather than
// inferred from the node's own write version), and returns the one with the
// greatest key hash; adequate for a test double, not for a real backing
// store (see storage/memstore for an indexed version).
func (s *TreeStore) GetRightmostLeaf(version node.Version) (node.NodeKey, *node.Leaf, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		bestKey  node.NodeKey
		best     *node.Leaf
		haveBest bool
	)
	for k, n := range s.nodes {
		if k.Version > version {
			continue
		}
		if since, stale := s.staleSince[k]; stale && since <= version {
			continue
		}
		leaf, ok := n.(*node.Leaf)
		if !ok {
			continue
		}
		if !haveBest || best.KeyHash.Less(leaf.KeyHash) {
			bestKey, best, haveBest = k, leaf, true
		}
	}
	if !haveBest {
		return node.NodeKey{}, nil, nil
	}
	return bestKey, best, nil
}

// WriteUpdateBatch implements storage.TreeWriter, applying the batch
// atomically (from the caller's point of view: either every node is
// written, or the store reports the first conflict and leaves nothing
// applied beyond that point — acceptable for a test double).
func (s *TreeStore) WriteUpdateBatch(batch storage.UpdateBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, n := range batch.NodeBatch {
		if _, ok := s.nodes[k]; ok {
			return fmt.Errorf("mock: node %s already written", k)
		}
		s.nodes[k] = n
	}
	s.stale = append(s.stale, batch.StaleNodeIndexBatch...)
	for _, e := range batch.StaleNodeIndexBatch {
		s.staleSince[e.Key] = e.StaleSinceVersion
	}
	return nil
}

// StaleNodeIndexLen returns how many stale-node entries have been recorded
// across every WriteUpdateBatch call so far (used by tests verifying §8
// property 6, the stale-index accounting invariant).
func (s *TreeStore) StaleNodeIndexLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stale)
}

// NodeCount returns the number of distinct NodeKeys ever written.
func (s *TreeStore) NodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// PutKeyPreimage records preimage as a key whose hash is keyhash.New(preimage).
func (s *TreeStore) PutKeyPreimage(preimage []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preimages[keyhash.New(preimage)] = append([]byte(nil), preimage...)
}

// Preimage implements storage.HasPreimage.
func (s *TreeStore) Preimage(keyHash [32]byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.preimages[keyhash.KeyHash(keyHash)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), p...), nil
}

// PutPreimage implements storage.PreimageWriter.
func (s *TreeStore) PutPreimage(keyHash [32]byte, preimage []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preimages[keyhash.KeyHash(keyHash)] = append([]byte(nil), preimage...)
	return nil
}
