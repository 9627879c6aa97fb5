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

package cache

import (
	"crypto/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jmtree/jmt/keyhash"
	"github.com/jmtree/jmt/mock"
	"github.com/jmtree/jmt/node"
	"github.com/jmtree/jmt/storage"
)

func randomLeafWithKey(nextVersion node.Version) (*node.Leaf, node.NodeKey) {
	var key, value [32]byte
	rand.Read(key[:])
	rand.Read(value[:])
	keyHash := keyhash.KeyHash(key)
	leaf := node.NewLeaf(keyHash, value[:])
	nodeKey := node.NodeKey{Version: nextVersion, Path: keyhash.Prefix(keyHash, keyhash.NumNibbles)}
	return leaf, nodeKey
}

func TestGetNode(t *testing.T) {
	const nextVersion = 0
	db := mock.New()
	c, err := New(db, nextVersion)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	leaf, nodeKey := randomLeafWithKey(nextVersion)
	if err := db.PutNode(nodeKey, leaf); err != nil {
		t.Fatalf("PutNode: %v", err)
	}

	got, err := c.GetNode(nodeKey)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if diff := cmp.Diff(leaf, got); diff != "" {
		t.Errorf("GetNode mismatch (-want +got):\n%s", diff)
	}
}

func TestRootNode(t *testing.T) {
	const nextVersion = 0
	db := mock.New()
	c, err := New(db, nextVersion)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := c.RootNodeKey(), node.RootNodeKey(nextVersion); !got.Equal(want) {
		t.Fatalf("RootNodeKey() = %s, want %s", got, want)
	}

	leaf, nodeKey := randomLeafWithKey(nextVersion)
	if err := db.PutNode(nodeKey, leaf); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	c.SetRootNodeKey(nodeKey)
	if got := c.RootNodeKey(); !got.Equal(nodeKey) {
		t.Fatalf("RootNodeKey() = %s, want %s", got, nodeKey)
	}
}

func TestPreGenesis(t *testing.T) {
	const nextVersion = 0
	db := mock.New()
	preGenesisRootKey := node.RootNodeKey(node.PreGenesisVersion)
	leaf, _ := randomLeafWithKey(node.PreGenesisVersion)
	if err := db.PutNode(preGenesisRootKey, leaf); err != nil {
		t.Fatalf("PutNode: %v", err)
	}

	c, err := New(db, nextVersion)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.RootNodeKey(); !got.Equal(preGenesisRootKey) {
		t.Fatalf("RootNodeKey() = %s, want %s", got, preGenesisRootKey)
	}
}

func TestFreezeWithDelete(t *testing.T) {
	const nextVersion = 0
	db := mock.New()
	c, err := New(db, nextVersion)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := c.RootNodeKey(), node.RootNodeKey(nextVersion); !got.Equal(want) {
		t.Fatalf("RootNodeKey() = %s, want %s", got, want)
	}

	leaf1, key1 := randomLeafWithKey(nextVersion)
	if err := c.PutNode(key1, leaf1); err != nil {
		t.Fatalf("PutNode(1): %v", err)
	}
	leaf2, key2 := randomLeafWithKey(nextVersion)
	if err := c.PutNode(key2, leaf2); err != nil {
		t.Fatalf("PutNode(2): %v", err)
	}

	got1, err := c.GetNode(key1)
	if err != nil || !cmp.Equal(got1, leaf1) {
		t.Fatalf("GetNode(1) = %v, %v, want %v", got1, err, leaf1)
	}
	got2, err := c.GetNode(key2)
	if err != nil || !cmp.Equal(got2, leaf2) {
		t.Fatalf("GetNode(2) = %v, %v, want %v", got2, err, leaf2)
	}

	c.Freeze()

	got1, err = c.GetNode(key1)
	if err != nil || !cmp.Equal(got1, leaf1) {
		t.Fatalf("post-freeze GetNode(1) = %v, %v, want %v", got1, err, leaf1)
	}

	c.DeleteNode(key1, true)
	c.Freeze()

	_, batch := c.Into()
	if got, want := len(batch.NodeBatch), 3; got != want {
		t.Errorf("len(NodeBatch) = %d, want %d", got, want)
	}
	if got, want := len(batch.StaleNodeIndexBatch), 1; got != want {
		t.Errorf("len(StaleNodeIndexBatch) = %d, want %d", got, want)
	}
}

func TestPutNodeDuplicateIsError(t *testing.T) {
	const nextVersion = 0
	db := mock.New()
	c, err := New(db, nextVersion)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	leaf, key := randomLeafWithKey(nextVersion)
	if err := c.PutNode(key, leaf); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	if err := c.PutNode(key, leaf); err == nil {
		t.Errorf("expected error writing the same NodeKey twice")
	}
}

func TestGetNodeMissingIsError(t *testing.T) {
	const nextVersion = 0
	db := mock.New()
	c, err := New(db, nextVersion)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, key := randomLeafWithKey(nextVersion)
	_, err = c.GetNode(key)
	if !storage.IsMissingNode(err) {
		t.Errorf("GetNode on an absent key: got %v, want MissingNode", err)
	}
}
