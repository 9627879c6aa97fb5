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

// Package spanner is a backing store over a Cloud Spanner "Nodes" table,
// mirroring the shape trillian itself ships for this exact node-table
// problem: one row per NodeKey, keyed by (subtree_prefix, version) so range
// reads over a version's subtree stay within a single Spanner split.
package spanner

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmtree/jmt/keyhash"
	"github.com/jmtree/jmt/node"
	"github.com/jmtree/jmt/storage"
)

var opCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "jmt",
	Subsystem: "spanner_store",
	Name:      "ops_total",
	Help:      "Count of Spanner operations by kind and outcome.",
}, []string{"op", "outcome"})

func init() {
	prometheus.MustRegister(opCounter)
}

// DDL is the schema this store expects a Spanner database to already carry.
const DDL = `
CREATE TABLE Nodes (
	SubtreePrefix STRING(MAX) NOT NULL,
	Version       INT64 NOT NULL,
	NodeBlob      BYTES(MAX) NOT NULL,
) PRIMARY KEY (SubtreePrefix, Version);

CREATE TABLE StaleNodes (
	StaleSinceVersion STRING(MAX) NOT NULL,
	SubtreePrefix     STRING(MAX) NOT NULL,
	Version           INT64 NOT NULL,
) PRIMARY KEY (StaleSinceVersion, SubtreePrefix, Version);

CREATE TABLE Preimages (
	KeyHash   BYTES(MAX) NOT NULL,
	Preimage  BYTES(MAX) NOT NULL,
) PRIMARY KEY (KeyHash);
`

// Store is a TreeReader + TreeWriter + HasPreimage over a Spanner client.
type Store struct {
	client *spanner.Client
}

// New wraps an already-configured Spanner client.
func New(client *spanner.Client) *Store {
	return &Store{client: client}
}

// GetNode implements storage.TreeReader.
func (s *Store) GetNode(key node.NodeKey) (node.Node, error) {
	ctx := context.Background()
	row, err := s.client.Single().ReadRow(ctx, "Nodes",
		spanner.Key{key.Path.String(), int64(key.Version)}, []string{"NodeBlob"})
	if spanner.ErrCode(err) == codes.NotFound {
		opCounter.WithLabelValues("get", "miss").Inc()
		return nil, nil
	}
	if err != nil {
		opCounter.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("spanner: get node %s: %w", key, err)
	}
	var blob []byte
	if err := row.Column(0, &blob); err != nil {
		return nil, fmt.Errorf("spanner: decode row for %s: %w", key, err)
	}
	opCounter.WithLabelValues("get", "hit").Inc()
	return storage.DecodeNode(blob)
}

// GetRightmostLeaf implements storage.TreeReader. The NOT EXISTS clause
// excludes any node already marked stale by version: a row in Nodes outlives
// its removal from the live tree (§3's lifecycle rule), so StaleNodes must
// be cross-checked rather than inferring liveness from the node's own write
// version.
func (s *Store) GetRightmostLeaf(version node.Version) (node.NodeKey, *node.Leaf, error) {
	ctx := context.Background()
	stmt := spanner.Statement{
		SQL: `SELECT n.SubtreePrefix, n.Version, n.NodeBlob FROM Nodes n
		      WHERE n.Version <= @version AND NOT EXISTS (
		        SELECT 1 FROM StaleNodes s
		        WHERE s.SubtreePrefix = n.SubtreePrefix AND s.Version = n.Version
		          AND s.StaleSinceVersion <= @paddedVersion
		      )`,
		Params: map[string]interface{}{
			"version":       int64(version),
			"paddedVersion": fmt.Sprintf("%020d", version),
		},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var (
		bestKey  node.NodeKey
		best     *node.Leaf
		haveBest bool
	)
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return node.NodeKey{}, nil, fmt.Errorf("spanner: scan for rightmost leaf: %w", err)
		}
		var (
			prefix string
			v      int64
			blob   []byte
		)
		if err := row.Columns(&prefix, &v, &blob); err != nil {
			return node.NodeKey{}, nil, err
		}
		n, err := storage.DecodeNode(blob)
		if err != nil {
			return node.NodeKey{}, nil, err
		}
		leaf, ok := n.(*node.Leaf)
		if !ok {
			continue
		}
		if !haveBest || best.KeyHash.Less(leaf.KeyHash) {
			bestKey = node.NodeKey{Version: node.Version(v), Path: decodeNibblePath(prefix)}
			best = leaf
			haveBest = true
		}
	}
	if !haveBest {
		return node.NodeKey{}, nil, nil
	}
	return bestKey, best, nil
}

// WriteUpdateBatch implements storage.TreeWriter inside a single read-write
// Spanner transaction.
func (s *Store) WriteUpdateBatch(batch storage.UpdateBatch) error {
	ctx := context.Background()
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		for k, n := range batch.NodeBatch {
			blob, err := storage.EncodeNode(n)
			if err != nil {
				return err
			}
			if err := txn.BufferWrite([]*spanner.Mutation{
				spanner.Insert("Nodes", []string{"SubtreePrefix", "Version", "NodeBlob"},
					[]interface{}{k.Path.String(), int64(k.Version), blob}),
			}); err != nil {
				return fmt.Errorf("spanner: buffer insert node %s: %w", k, err)
			}
		}
		for _, e := range batch.StaleNodeIndexBatch {
			if err := txn.BufferWrite([]*spanner.Mutation{
				spanner.Insert("StaleNodes", []string{"StaleSinceVersion", "SubtreePrefix", "Version"},
					[]interface{}{fmt.Sprintf("%020d", e.StaleSinceVersion), e.Key.Path.String(), int64(e.Key.Version)}),
			}); err != nil {
				return fmt.Errorf("spanner: buffer insert stale entry for %s: %w", e.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		opCounter.WithLabelValues("commit", "error").Inc()
		return fmt.Errorf("spanner: commit update batch: %w", err)
	}
	opCounter.WithLabelValues("commit", "ok").Inc()
	return nil
}

// PutPreimage implements storage.PreimageWriter.
func (s *Store) PutPreimage(keyHash [32]byte, preimage []byte) error {
	ctx := context.Background()
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate("Preimages", []string{"KeyHash", "Preimage"},
			[]interface{}{keyHash[:], preimage}),
	})
	if err != nil {
		return fmt.Errorf("spanner: put preimage: %w", err)
	}
	return nil
}

// Preimage implements storage.HasPreimage.
func (s *Store) Preimage(keyHash [32]byte) ([]byte, error) {
	ctx := context.Background()
	row, err := s.client.Single().ReadRow(ctx, "Preimages", spanner.Key{keyHash[:]}, []string{"Preimage"})
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("spanner: get preimage: %w", err)
	}
	var preimage []byte
	if err := row.Column(0, &preimage); err != nil {
		return nil, err
	}
	return preimage, nil
}

func decodeNibblePath(hexNibbles string) keyhash.NibblePath {
	nibbles := make([]byte, len(hexNibbles))
	for i := 0; i < len(hexNibbles); i++ {
		c := hexNibbles[i]
		switch {
		case c >= '0' && c <= '9':
			nibbles[i] = c - '0'
		case c >= 'a' && c <= 'f':
			nibbles[i] = c - 'a' + 10
		default:
			panic(fmt.Sprintf("spanner: invalid nibble path %q", hexNibbles))
		}
	}
	return keyhash.NewNibblePath(nibbles)
}
