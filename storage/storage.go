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

// Package storage defines the external collaborator interfaces the JMT
// core borrows: a read-only node/preimage reader, and a write-batch sink.
// Concrete backing stores (storage/memstore, storage/sql, storage/etcd,
// storage/spanner, storage/rediscache) implement these.
package storage

import (
	"errors"
	"fmt"

	"github.com/jmtree/jmt/node"
)

// MissingNode is returned when a reader cannot find a NodeKey the algorithm
// expected to be present. It is fatal to the operation in progress.
type MissingNode struct {
	Key node.NodeKey
}

func (e *MissingNode) Error() string {
	return fmt.Sprintf("storage: missing node %s", e.Key)
}

// IsMissingNode reports whether err is (or wraps) a MissingNode error.
func IsMissingNode(err error) bool {
	var m *MissingNode
	return errors.As(err, &m)
}

// TreeReader is the read side of the pluggable backing store. It must be
// total over persisted keys: GetNode returns (nil, nil) for an absent key,
// never an error, reserving errors for genuine I/O failures.
type TreeReader interface {
	// GetNode returns the node at key, or (nil, nil) if it has never been
	// written.
	GetNode(key node.NodeKey) (node.Node, error)
	// GetRightmostLeaf returns the rightmost live leaf at or below the
	// given version, used to build rightmost-exclusion proofs.
	GetRightmostLeaf(version node.Version) (node.NodeKey, *node.Leaf, error)
}

// HasPreimage is consulted only when translating a proof to ICS-23, which
// must present the original key bytes rather than their hash.
type HasPreimage interface {
	Preimage(keyHash [32]byte) ([]byte, error)
}

// NodeBatch maps every node (new, or re-emitted) composing a new root.
type NodeBatch map[node.NodeKey]node.Node

// StaleNodeIndexEntry marks a predecessor node made obsolete at a version.
type StaleNodeIndexEntry struct {
	StaleSinceVersion node.Version
	Key               node.NodeKey
}

// UpdateBatch is produced by a committed tree mutation and is meant to be
// persisted atomically by the backing store.
type UpdateBatch struct {
	NodeBatch            NodeBatch
	StaleNodeIndexBatch  []StaleNodeIndexEntry
}

// TreeWriter is the write side: a sink accepting an UpdateBatch atomically.
type TreeWriter interface {
	WriteUpdateBatch(batch UpdateBatch) error
}

// PreimageWriter lets a store record a key's original preimage, needed by
// implementations of HasPreimage. Only backing stores used in exclusion/
// ICS-23 proof construction need to implement it.
type PreimageWriter interface {
	PutPreimage(keyHash [32]byte, preimage []byte) error
}
