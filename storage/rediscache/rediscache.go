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

// Package rediscache wraps any storage.TreeReader with a Redis-backed
// read-through cache: a second caching tier distinct from the in-batch
// cache.TreeCache, sitting in front of a slower durable store (storage/sql,
// storage/etcd, storage/spanner) the same way cache.TreeCache sits in front
// of the reader within one batch.
package rediscache

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmtree/jmt/node"
	"github.com/jmtree/jmt/storage"
)

var (
	hitCounter  = prometheus.NewCounter(prometheus.CounterOpts{Namespace: "jmt", Subsystem: "rediscache", Name: "hits_total"})
	missCounter = prometheus.NewCounter(prometheus.CounterOpts{Namespace: "jmt", Subsystem: "rediscache", Name: "misses_total"})
)

func init() {
	prometheus.MustRegister(hitCounter, missCounter)
}

// Reader wraps a storage.TreeReader with a Redis read-through cache for
// GetNode. GetRightmostLeaf always passes through uncached: it is a range
// query over the whole node space, not a point lookup keyed by NodeKey, so
// caching it would mean invalidating on every single write.
type Reader struct {
	next  storage.TreeReader
	redis *redis.Client
	ttl   time.Duration
}

// New wraps next with a Redis cache, keeping cached entries for ttl.
func New(next storage.TreeReader, client *redis.Client, ttl time.Duration) *Reader {
	return &Reader{next: next, redis: client, ttl: ttl}
}

func redisKey(key node.NodeKey) string {
	return "jmt:node:" + storage.EncodeNodeKey(key)
}

// GetNode implements storage.TreeReader: Redis first, then next, populating
// Redis on a miss.
func (r *Reader) GetNode(key node.NodeKey) (node.Node, error) {
	rk := redisKey(key)
	blob, err := r.redis.Get(rk).Bytes()
	switch err {
	case nil:
		hitCounter.Inc()
		return storage.DecodeNode(blob)
	case redis.Nil:
		missCounter.Inc()
	default:
		return nil, fmt.Errorf("rediscache: redis get %s: %w", key, err)
	}

	n, err := r.next.GetNode(key)
	if err != nil || n == nil {
		return n, err
	}
	encoded, err := storage.EncodeNode(n)
	if err != nil {
		return n, nil // serving the value matters more than caching it
	}
	if err := r.redis.Set(rk, encoded, r.ttl).Err(); err != nil {
		return n, nil
	}
	return n, nil
}

// GetRightmostLeaf implements storage.TreeReader by delegating, uncached.
func (r *Reader) GetRightmostLeaf(version node.Version) (node.NodeKey, *node.Leaf, error) {
	return r.next.GetRightmostLeaf(version)
}

// Invalidate evicts key from the Redis cache, for a host that wants to
// proactively drop a node it knows was superseded rather than wait for ttl.
func (r *Reader) Invalidate(key node.NodeKey) error {
	return r.redis.Del(redisKey(key)).Err()
}
