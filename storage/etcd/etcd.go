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

// Package etcd is a backing store over an etcd v3 client. Every NodeKey
// gets one key under a "node/" prefix; stale entries live under a separate
// "stale/" prefix so the pruner can range-scan them independently of live
// node reads. etcd never overwrites a key in place for this store (every
// write targets a fresh NodeKey), which maps naturally onto etcd's own
// append-only revision history.
package etcd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmtree/jmt/keyhash"
	"github.com/jmtree/jmt/node"
	"github.com/jmtree/jmt/storage"
)

var (
	opCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jmt",
		Subsystem: "etcd_store",
		Name:      "ops_total",
		Help:      "Count of etcd operations by kind and outcome.",
	}, []string{"op", "outcome"})
)

func init() {
	prometheus.MustRegister(opCounter)
}

const (
	nodePrefix  = "jmt/node/"
	stalePrefix = "jmt/stale/"
)

func nodeEtcdKey(k node.NodeKey) string {
	return nodePrefix + storage.EncodeNodeKey(k)
}

func staleEtcdKey(e storage.StaleNodeIndexEntry) string {
	return fmt.Sprintf("%s%020d/%s", stalePrefix, e.StaleSinceVersion, storage.EncodeNodeKey(e.Key))
}

// Store is a TreeReader + TreeWriter over an etcd v3 client. It does not
// implement HasPreimage; pair it with a separate preimage-capable store
// (storage/sql, storage/memstore) if ICS-23 non-existence proofs are needed.
type Store struct {
	client *clientv3.Client
}

// New wraps an already-connected etcd client.
func New(client *clientv3.Client) *Store {
	return &Store{client: client}
}

// GetNode implements storage.TreeReader.
func (s *Store) GetNode(key node.NodeKey) (node.Node, error) {
	ctx := context.Background()
	resp, err := s.client.Get(ctx, nodeEtcdKey(key))
	if err != nil {
		opCounter.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("etcd: get node %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		opCounter.WithLabelValues("get", "miss").Inc()
		return nil, nil
	}
	opCounter.WithLabelValues("get", "hit").Inc()
	return storage.DecodeNode(resp.Kvs[0].Value)
}

// GetRightmostLeaf implements storage.TreeReader by scanning the node
// prefix for every version at or below the requested one, excluding any key
// already marked stale by version: a node's etcd entry outlives its removal
// from the live tree (§3's lifecycle rule), so the stale prefix must be
// cross-checked rather than inferring liveness from the node's own write
// version. Every call scans both prefixes in full; storage/rediscache passes
// this call through uncached.
func (s *Store) GetRightmostLeaf(version node.Version) (node.NodeKey, *node.Leaf, error) {
	ctx := context.Background()
	staleBy, err := s.staleSinceByVersion(ctx, version)
	if err != nil {
		return node.NodeKey{}, nil, err
	}

	resp, err := s.client.Get(ctx, nodePrefix, clientv3.WithPrefix())
	if err != nil {
		return node.NodeKey{}, nil, fmt.Errorf("etcd: scan for rightmost leaf: %w", err)
	}
	var (
		bestKey  node.NodeKey
		best     *node.Leaf
		haveBest bool
	)
	for _, kv := range resp.Kvs {
		n, err := storage.DecodeNode(kv.Value)
		if err != nil {
			return node.NodeKey{}, nil, err
		}
		leaf, ok := n.(*node.Leaf)
		if !ok {
			continue
		}
		k, err := parseEtcdNodeKey(string(kv.Key))
		if err != nil {
			return node.NodeKey{}, nil, err
		}
		if k.Version > version {
			continue
		}
		if since, stale := staleBy[k]; stale && since <= version {
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

// staleSinceByVersion scans the stale prefix and returns the stale-since
// version recorded for every NodeKey, regardless of when it was recorded;
// callers filter by the version they care about.
func (s *Store) staleSinceByVersion(ctx context.Context, version node.Version) (map[node.NodeKey]node.Version, error) {
	resp, err := s.client.Get(ctx, stalePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd: scan stale index: %w", err)
	}
	out := make(map[node.NodeKey]node.Version, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		since, key, err := parseStaleEtcdKey(string(kv.Key))
		if err != nil {
			return nil, err
		}
		out[key] = since
	}
	return out, nil
}

func parseStaleEtcdKey(raw string) (node.Version, node.NodeKey, error) {
	encoded := raw[len(stalePrefix):]
	parts := strings.SplitN(encoded, "/", 2)
	if len(parts) != 2 {
		return 0, node.NodeKey{}, fmt.Errorf("etcd: malformed stale key %q", raw)
	}
	since, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, node.NodeKey{}, fmt.Errorf("etcd: parse stale key since-version %q: %w", raw, err)
	}
	k, err := parseEtcdNodeKey(nodePrefix + parts[1])
	if err != nil {
		return 0, node.NodeKey{}, err
	}
	return since, k, nil
}

// WriteUpdateBatch implements storage.TreeWriter atomically via an etcd
// transaction.
func (s *Store) WriteUpdateBatch(batch storage.UpdateBatch) error {
	ctx := context.Background()
	var ops []clientv3.Op
	for k, n := range batch.NodeBatch {
		blob, err := storage.EncodeNode(n)
		if err != nil {
			return err
		}
		ops = append(ops, clientv3.OpPut(nodeEtcdKey(k), string(blob)))
	}
	for _, e := range batch.StaleNodeIndexBatch {
		ops = append(ops, clientv3.OpPut(staleEtcdKey(e), ""))
	}
	if len(ops) == 0 {
		return nil
	}
	resp, err := s.client.Txn(ctx).Then(ops...).Commit()
	if err != nil {
		opCounter.WithLabelValues("commit", "error").Inc()
		return fmt.Errorf("etcd: commit update batch: %w", err)
	}
	if !resp.Succeeded {
		opCounter.WithLabelValues("commit", "aborted").Inc()
		return fmt.Errorf("etcd: update batch transaction did not succeed")
	}
	opCounter.WithLabelValues("commit", "ok").Inc()
	return nil
}

func parseEtcdNodeKey(raw string) (node.NodeKey, error) {
	encoded := raw[len(nodePrefix):]
	parts := strings.SplitN(encoded, "/", 2)
	if len(parts) != 2 {
		return node.NodeKey{}, fmt.Errorf("etcd: malformed node key %q", raw)
	}
	version, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return node.NodeKey{}, fmt.Errorf("etcd: parse node key version %q: %w", raw, err)
	}
	hexNibbles := parts[1]
	nibbles := make([]byte, len(hexNibbles))
	for i := 0; i < len(hexNibbles); i++ {
		c := hexNibbles[i]
		switch {
		case c >= '0' && c <= '9':
			nibbles[i] = c - '0'
		case c >= 'a' && c <= 'f':
			nibbles[i] = c - 'a' + 10
		default:
			return node.NodeKey{}, fmt.Errorf("etcd: invalid nibble path %q", hexNibbles)
		}
	}
	return node.NodeKey{Version: version, Path: keyhash.NewNibblePath(nibbles)}, nil
}
