package proof

import (
	"fmt"
	"testing"

	"github.com/jmtree/jmt/keyhash"
	"github.com/jmtree/jmt/mock"
	"github.com/jmtree/jmt/tree"
)

func TestInclusionProofVerifiesRoot(t *testing.T) {
	db := mock.New()
	var updates []tree.Update
	for i := 0; i < 40; i++ {
		k := keyhash.New([]byte(fmt.Sprintf("key-%d", i)))
		updates = append(updates, tree.Update{KeyHash: k, Value: []byte(fmt.Sprintf("value-%d", i))})
	}
	root, batch, err := tree.PutValueSet(db, 0, updates)
	if err != nil {
		t.Fatalf("PutValueSet: %v", err)
	}
	if err := db.WriteUpdateBatch(batch); err != nil {
		t.Fatalf("WriteUpdateBatch: %v", err)
	}

	for i := 0; i < 40; i++ {
		k := keyhash.New([]byte(fmt.Sprintf("key-%d", i)))
		value, ip, err := GetWithProof(db, 0, k)
		if err != nil {
			t.Fatalf("GetWithProof(%d): %v", i, err)
		}
		if ip == nil {
			t.Fatalf("GetWithProof(%d): expected a proof", i)
		}
		if string(value) != fmt.Sprintf("value-%d", i) {
			t.Errorf("GetWithProof(%d) value = %q", i, value)
		}
		if got := ip.Root(); got != root {
			t.Errorf("proof %d: reconstructed root = %s, want %s", i, got, root)
		}
	}
}

func TestSingleLeafProofHasNoSiblings(t *testing.T) {
	db := mock.New()
	k := keyhash.New([]byte("only"))
	_, batch, err := tree.PutValueSet(db, 0, []tree.Update{{KeyHash: k, Value: []byte("v")}})
	if err != nil {
		t.Fatalf("PutValueSet: %v", err)
	}
	if err := db.WriteUpdateBatch(batch); err != nil {
		t.Fatalf("WriteUpdateBatch: %v", err)
	}
	_, ip, err := GetWithProof(db, 0, k)
	if err != nil {
		t.Fatalf("GetWithProof: %v", err)
	}
	if len(ip.Siblings) != 0 {
		t.Errorf("len(Siblings) = %d, want 0", len(ip.Siblings))
	}
}

func TestExclusionMiddle(t *testing.T) {
	db := mock.New()
	var updates []tree.Update
	for i := 0; i < 30; i++ {
		if i == 15 {
			continue
		}
		k := keyhash.New([]byte(fmt.Sprintf("key-%03d", i)))
		updates = append(updates, tree.Update{KeyHash: k, Value: []byte(fmt.Sprintf("value-%d", i))})
	}
	root, batch, err := tree.PutValueSet(db, 0, updates)
	if err != nil {
		t.Fatalf("PutValueSet: %v", err)
	}
	if err := db.WriteUpdateBatch(batch); err != nil {
		t.Fatalf("WriteUpdateBatch: %v", err)
	}

	missing := keyhash.New([]byte("key-015"))
	ep, err := GetWithExclusionProof(db, 0, missing)
	if err != nil {
		t.Fatalf("GetWithExclusionProof: %v", err)
	}
	switch ep.Kind {
	case Leftmost:
		if got := ep.LeftmostRight.Root(); got != root {
			t.Errorf("Leftmost root = %s, want %s", got, root)
		}
		if !missing.Less(ep.LeftmostRight.KeyHash) {
			t.Errorf("leftmost-right neighbor does not sort after the missing key")
		}
	case Rightmost:
		if got := ep.RightmostLeft.Root(); got != root {
			t.Errorf("Rightmost root = %s, want %s", got, root)
		}
		if !ep.RightmostLeft.KeyHash.Less(missing) {
			t.Errorf("rightmost-left neighbor does not sort before the missing key")
		}
	case Middle:
		if got := ep.LeftmostRight.Root(); got != root {
			t.Errorf("Middle right root = %s, want %s", got, root)
		}
		if got := ep.RightmostLeft.Root(); got != root {
			t.Errorf("Middle left root = %s, want %s", got, root)
		}
		if !ep.RightmostLeft.KeyHash.Less(missing) || !missing.Less(ep.LeftmostRight.KeyHash) {
			t.Errorf("neighbors do not bracket the missing key")
		}
	}
}

func TestExclusionOnEmptyTreeIsErrEmptyTree(t *testing.T) {
	db := mock.New()
	_, batch, err := tree.PutValueSet(db, 0, nil)
	if err != nil {
		t.Fatalf("PutValueSet: %v", err)
	}
	if err := db.WriteUpdateBatch(batch); err != nil {
		t.Fatalf("WriteUpdateBatch: %v", err)
	}
	_, err = GetWithExclusionProof(db, 0, keyhash.New([]byte("anything")))
	if err != ErrEmptyTree {
		t.Errorf("GetWithExclusionProof on empty tree: got %v, want ErrEmptyTree", err)
	}
}
