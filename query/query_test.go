package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/jmtree/jmt/keyhash"
	"github.com/jmtree/jmt/mock"
	"github.com/jmtree/jmt/tree"
)

func TestGetValuesAtConcurrent(t *testing.T) {
	db := mock.New()
	var updates []tree.Update
	var keys []keyhash.KeyHash
	for i := 0; i < 64; i++ {
		k := keyhash.New([]byte(fmt.Sprintf("key-%d", i)))
		keys = append(keys, k)
		updates = append(updates, tree.Update{KeyHash: k, Value: []byte(fmt.Sprintf("value-%d", i))})
	}
	_, batch, err := tree.PutValueSet(db, 0, updates)
	if err != nil {
		t.Fatalf("PutValueSet: %v", err)
	}
	if err := db.WriteUpdateBatch(batch); err != nil {
		t.Fatalf("WriteUpdateBatch: %v", err)
	}

	results, err := GetValuesAt(context.Background(), db, 0, keys)
	if err != nil {
		t.Fatalf("GetValuesAt: %v", err)
	}
	if len(results) != len(keys) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(keys))
	}
	for i, r := range results {
		if !r.Found {
			t.Errorf("result %d: not found", i)
			continue
		}
		if string(r.Value) != fmt.Sprintf("value-%d", i) {
			t.Errorf("result %d = %q, want value-%d", i, r.Value, i)
		}
		if r.KeyHash != keys[i] {
			t.Errorf("result %d key mismatch", i)
		}
	}
}

func TestGetValuesAtMissingKey(t *testing.T) {
	db := mock.New()
	_, batch, err := tree.PutValueSet(db, 0, []tree.Update{{KeyHash: keyhash.New([]byte("a")), Value: []byte("v")}})
	if err != nil {
		t.Fatalf("PutValueSet: %v", err)
	}
	if err := db.WriteUpdateBatch(batch); err != nil {
		t.Fatalf("WriteUpdateBatch: %v", err)
	}
	results, err := GetValuesAt(context.Background(), db, 0, []keyhash.KeyHash{keyhash.New([]byte("missing"))})
	if err != nil {
		t.Fatalf("GetValuesAt: %v", err)
	}
	if results[0].Found {
		t.Errorf("expected not found")
	}
}
