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

package storage

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/jmtree/jmt/keyhash"
	"github.com/jmtree/jmt/node"
)

// wireNode is the only canonical round-tripping encoding this module
// specifies (spec.md §1 leaves the on-disk byte layout to the implementer).
// Backing stores that need an actual byte blob (sql, etcd, spanner) encode
// through this type rather than inventing their own per-adapter format.
type wireNode struct {
	Kind          byte // 0 = Null, 1 = Leaf, 2 = Internal
	LeafKeyHash   keyhash.KeyHash
	LeafValueHash node.Hash
	LeafValue     []byte
	Children      map[byte]node.Child
}

// EncodeNode serializes n with encoding/gob. Backing stores that must
// persist a byte blob (storage/sql, storage/etcd, storage/spanner) use this
// instead of a hand-rolled format.
func EncodeNode(n node.Node) ([]byte, error) {
	var w wireNode
	switch t := n.(type) {
	case *node.Null:
		w.Kind = 0
	case node.Null:
		w.Kind = 0
	case *node.Leaf:
		w.Kind = 1
		w.LeafKeyHash = t.KeyHash
		w.LeafValueHash = t.ValueHash
		w.LeafValue = t.Value
	case *node.Internal:
		w.Kind = 2
		w.Children = t.Children
	default:
		return nil, fmt.Errorf("storage: unknown node type %T", n)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, fmt.Errorf("storage: encode node: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeNode is the inverse of EncodeNode.
func DecodeNode(b []byte) (node.Node, error) {
	var w wireNode
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&w); err != nil {
		return nil, fmt.Errorf("storage: decode node: %w", err)
	}
	switch w.Kind {
	case 0:
		return &node.Null{}, nil
	case 1:
		return &node.Leaf{KeyHash: w.LeafKeyHash, ValueHash: w.LeafValueHash, Value: w.LeafValue}, nil
	case 2:
		return node.NewInternal(w.Children), nil
	default:
		return nil, fmt.Errorf("storage: unknown wire node kind %d", w.Kind)
	}
}

// EncodeNodeKey renders a NodeKey as a sortable, collision-free string key
// for backing stores that want a single string/byte-slice primary key
// instead of a composite one: version zero-padded to 20 digits (so
// lexicographic and numeric order agree up to 2^64-1) followed by the
// path's hex nibble rendering.
func EncodeNodeKey(k node.NodeKey) string {
	return fmt.Sprintf("%020d/%s", k.Version, k.Path.String())
}
