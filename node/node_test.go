package node

import (
	"testing"

	"github.com/jmtree/jmt/keyhash"
)

func TestLeafHashDeterministic(t *testing.T) {
	k := keyhash.New([]byte("a"))
	l1 := NewLeaf(k, []byte("v1"))
	l2 := NewLeaf(k, []byte("v1"))
	if l1.Hash() != l2.Hash() {
		t.Errorf("identical leaves should hash identically")
	}
	l3 := NewLeaf(k, []byte("v2"))
	if l1.Hash() == l3.Hash() {
		t.Errorf("leaves with different values should hash differently")
	}
}

func TestInternalHashWithNoChildrenIsNonZero(t *testing.T) {
	empty := NewInternal(nil)
	// An Internal with no children at all is a degenerate case never
	// produced by the algorithms, but the hash function must still be total.
	if empty.Hash() == (Hash{}) {
		t.Errorf("hash should never be the zero value")
	}
}

func TestInternalHashChangesWithChild(t *testing.T) {
	k := keyhash.New([]byte("a"))
	leaf := NewLeaf(k, []byte("v"))
	withChild := NewInternal(map[byte]Child{
		3: {Version: 0, Hash: leaf.Hash(), IsLeaf: true, LeafCount: 1},
	})
	without := NewInternal(nil)
	if withChild.Hash() == without.Hash() {
		t.Errorf("adding a child must change the internal hash")
	}
}

func TestSiblingsOnPathLength(t *testing.T) {
	n := NewInternal(map[byte]Child{
		0: {Hash: PlaceholderHash},
		8: {Hash: PlaceholderHash},
	})
	sibs := n.SiblingsOnPath(0)
	if len(sibs) != 4 {
		t.Fatalf("expected 4 siblings, got %d", len(sibs))
	}
}

func TestTwoLeafSplitSiblingIsOther(t *testing.T) {
	// Mirrors spec.md scenario S2: keys 0x00.. and 0x80.. split at nibble 0
	// into slots 0 and 8; each leaf's sibling should be the other leaf's hash.
	k0 := keyhash.KeyHash{}
	k8 := keyhash.KeyHash{0x80}
	l0 := NewLeaf(k0, []byte("x"))
	l8 := NewLeaf(k8, []byte("y"))
	root := NewInternal(map[byte]Child{
		0: {Hash: l0.Hash(), IsLeaf: true, LeafCount: 1},
		8: {Hash: l8.Hash(), IsLeaf: true, LeafCount: 1},
	})
	sibsFor0 := root.SiblingsOnPath(0)
	sibsFor8 := root.SiblingsOnPath(8)
	if sibsFor0[0] != l8.Hash() {
		t.Errorf("leaf at slot 0's immediate sibling should be leaf at slot 8")
	}
	if sibsFor8[0] != l0.Hash() {
		t.Errorf("leaf at slot 8's immediate sibling should be leaf at slot 0")
	}
	if root.LeafCount() != 2 {
		t.Errorf("LeafCount() = %d, want 2", root.LeafCount())
	}
}

func TestSortedNibbles(t *testing.T) {
	n := NewInternal(map[byte]Child{5: {}, 1: {}, 9: {}})
	got := n.SortedNibbles()
	want := []byte{1, 5, 9}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
