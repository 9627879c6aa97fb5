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

// Package sql is a relational backing store over database/sql. Both the
// Postgres (github.com/lib/pq) and MySQL (github.com/go-sql-driver/mysql)
// drivers are registered, but the schema and statements use Postgres syntax
// ($n placeholders, BYTEA, ON CONFLICT) and do not run on MySQL as written.
// Nodes are keyed by (version, nibble_path); stale
// entries by (stale_since_version, version, nibble_path), mirroring iavl's
// nodeDB key-format discipline translated from raw KV bytes to SQL columns.
package sql

import (
	"database/sql"
	"fmt"

	// Drivers register themselves with database/sql on import. Callers pick
	// the dialect via the driverName argument to Open; both blank imports
	// are kept here so either is available without the caller needing its
	// own import, matching how the rest of this module wires its storage
	// backends directly rather than asking the host to.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmtree/jmt/keyhash"
	"github.com/jmtree/jmt/node"
	"github.com/jmtree/jmt/storage"
)

var (
	readCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jmt",
		Subsystem: "sql_store",
		Name:      "reads_total",
		Help:      "Count of GetNode calls by driver and outcome.",
	}, []string{"driver", "outcome"})
	writeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jmt",
		Subsystem: "sql_store",
		Name:      "writes_total",
		Help:      "Count of nodes written by driver.",
	}, []string{"driver"})
)

func init() {
	prometheus.MustRegister(readCounter, writeCounter)
}

// Schema is the DDL this store expects to already exist (migrations are a
// host concern; spec.md §1 places on-disk encoding out of this module's
// scope, so the blob column is opaque to SQL itself).
const Schema = `
CREATE TABLE IF NOT EXISTS jmt_nodes (
	version    BIGINT NOT NULL,
	nibble_path TEXT NOT NULL,
	node_blob  BYTEA NOT NULL,
	PRIMARY KEY (version, nibble_path)
);
CREATE TABLE IF NOT EXISTS jmt_stale_nodes (
	stale_since_version BIGINT NOT NULL,
	version             BIGINT NOT NULL,
	nibble_path         TEXT NOT NULL,
	PRIMARY KEY (stale_since_version, version, nibble_path)
);
CREATE TABLE IF NOT EXISTS jmt_preimages (
	key_hash  BYTEA PRIMARY KEY,
	preimage  BYTEA NOT NULL
);
`

// Store is a TreeReader + TreeWriter + HasPreimage backed by a SQL database.
type Store struct {
	db     *sql.DB
	driver string // "postgres" or "mysql", used only for metric labels.
}

// Open opens (but does not migrate) a database at dataSourceName using
// driverName ("postgres" or "mysql").
func Open(driverName, dataSourceName string) (*Store, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("sql: open %s: %w", driverName, err)
	}
	return &Store{db: db, driver: driverName}, nil
}

// Close releases the underlying *sql.DB.
func (s *Store) Close() error { return s.db.Close() }

// GetNode implements storage.TreeReader.
func (s *Store) GetNode(key node.NodeKey) (node.Node, error) {
	row := s.db.QueryRow(
		`SELECT node_blob FROM jmt_nodes WHERE version = $1 AND nibble_path = $2`,
		key.Version, key.Path.String(),
	)
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			readCounter.WithLabelValues(s.driver, "miss").Inc()
			return nil, nil
		}
		readCounter.WithLabelValues(s.driver, "error").Inc()
		return nil, fmt.Errorf("sql: get node %s: %w", key, err)
	}
	readCounter.WithLabelValues(s.driver, "hit").Inc()
	return storage.DecodeNode(blob)
}

// GetRightmostLeaf implements storage.TreeReader with a scan over every node
// at or below version that excludes anything already made stale by version
// (a node's row outlives its removal from the live tree per §3's lifecycle
// rule, so staleness must be checked explicitly). Every call runs the full
// scan; storage/rediscache passes this call through uncached.
func (s *Store) GetRightmostLeaf(version node.Version) (node.NodeKey, *node.Leaf, error) {
	rows, err := s.db.Query(
		`SELECT n.version, n.nibble_path, n.node_blob FROM jmt_nodes n
		 WHERE n.version <= $1 AND NOT EXISTS (
			SELECT 1 FROM jmt_stale_nodes s
			WHERE s.version = n.version AND s.nibble_path = n.nibble_path
			  AND s.stale_since_version <= $1
		 )`,
		version,
	)
	if err != nil {
		return node.NodeKey{}, nil, fmt.Errorf("sql: scan for rightmost leaf: %w", err)
	}
	defer rows.Close()

	var (
		bestKey  node.NodeKey
		best     *node.Leaf
		haveBest bool
	)
	for rows.Next() {
		var (
			v    node.Version
			path string
			blob []byte
		)
		if err := rows.Scan(&v, &path, &blob); err != nil {
			return node.NodeKey{}, nil, fmt.Errorf("sql: scan row: %w", err)
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
			best = leaf
			haveBest = true
			bestKey = node.NodeKey{Version: v, Path: decodeNibblePath(path)}
		}
	}
	if err := rows.Err(); err != nil {
		return node.NodeKey{}, nil, err
	}
	if !haveBest {
		return node.NodeKey{}, nil, nil
	}
	return bestKey, best, nil
}

// decodeNibblePath rebuilds a NibblePath from its hex-nibble string form
// (the same rendering NibblePath.String produces).
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
			panic(fmt.Sprintf("sql: invalid nibble path %q", hexNibbles))
		}
	}
	return keyhash.NewNibblePath(nibbles)
}

// WriteUpdateBatch implements storage.TreeWriter, applying the whole batch
// inside one transaction.
func (s *Store) WriteUpdateBatch(batch storage.UpdateBatch) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sql: begin tx: %w", err)
	}
	defer tx.Rollback()

	for k, n := range batch.NodeBatch {
		blob, err := storage.EncodeNode(n)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO jmt_nodes (version, nibble_path, node_blob) VALUES ($1, $2, $3)`,
			k.Version, k.Path.String(), blob,
		); err != nil {
			return fmt.Errorf("sql: insert node %s: %w", k, err)
		}
	}
	for _, e := range batch.StaleNodeIndexBatch {
		if _, err := tx.Exec(
			`INSERT INTO jmt_stale_nodes (stale_since_version, version, nibble_path) VALUES ($1, $2, $3)`,
			e.StaleSinceVersion, e.Key.Version, e.Key.Path.String(),
		); err != nil {
			return fmt.Errorf("sql: insert stale entry for %s: %w", e.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sql: commit: %w", err)
	}
	writeCounter.WithLabelValues(s.driver).Add(float64(len(batch.NodeBatch)))
	return nil
}

// PutPreimage implements storage.PreimageWriter.
func (s *Store) PutPreimage(keyHash [32]byte, preimage []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO jmt_preimages (key_hash, preimage) VALUES ($1, $2)
		 ON CONFLICT (key_hash) DO NOTHING`,
		keyHash[:], preimage,
	)
	if err != nil {
		return fmt.Errorf("sql: put preimage: %w", err)
	}
	return nil
}

// Preimage implements storage.HasPreimage.
func (s *Store) Preimage(keyHash [32]byte) ([]byte, error) {
	row := s.db.QueryRow(`SELECT preimage FROM jmt_preimages WHERE key_hash = $1`, keyHash[:])
	var preimage []byte
	if err := row.Scan(&preimage); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sql: get preimage: %w", err)
	}
	return preimage, nil
}
