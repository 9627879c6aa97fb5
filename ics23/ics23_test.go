package ics23

import (
	"fmt"
	"testing"

	ics23 "github.com/cosmos/ics23/go"

	"github.com/jmtree/jmt/keyhash"
	"github.com/jmtree/jmt/mock"
	"github.com/jmtree/jmt/proof"
	"github.com/jmtree/jmt/tree"
)

func TestExistenceProofTranslation(t *testing.T) {
	db := mock.New()
	var updates []tree.Update
	for i := 0; i < 25; i++ {
		preimage := []byte(fmt.Sprintf("key-%d", i))
		db.PutKeyPreimage(preimage)
		updates = append(updates, tree.Update{KeyHash: keyhash.New(preimage), Value: []byte(fmt.Sprintf("value-%d", i))})
	}
	_, batch, err := tree.PutValueSet(db, 0, updates)
	if err != nil {
		t.Fatalf("PutValueSet: %v", err)
	}
	if err := db.WriteUpdateBatch(batch); err != nil {
		t.Fatalf("WriteUpdateBatch: %v", err)
	}

	preimage := []byte("key-7")
	keyHash := keyhash.New(preimage)
	value, ip, err := proof.GetWithProof(db, 0, keyHash)
	if err != nil || ip == nil {
		t.Fatalf("GetWithProof: %v, %v", ip, err)
	}
	ep := ToExistenceProof(preimage, value, ip)
	if string(ep.Key) != string(keyHash[:]) {
		t.Errorf("Key = %x, want %x (the key hash, not the raw preimage: PrehashKey is NO_HASH)", ep.Key, keyHash[:])
	}
	if string(ep.Value) != "value-7" {
		t.Errorf("Value = %q, want value-7", ep.Value)
	}
	if len(ep.Path) != ip.Depth*4 {
		t.Errorf("len(Path) = %d, want %d", len(ep.Path), ip.Depth*4)
	}
}

func TestNonExistenceProofTranslation(t *testing.T) {
	db := mock.New()
	var updates []tree.Update
	for i := 0; i < 25; i++ {
		if i == 12 {
			continue
		}
		preimage := []byte(fmt.Sprintf("key-%03d", i))
		db.PutKeyPreimage(preimage)
		updates = append(updates, tree.Update{KeyHash: keyhash.New(preimage), Value: []byte(fmt.Sprintf("value-%d", i))})
	}
	_, batch, err := tree.PutValueSet(db, 0, updates)
	if err != nil {
		t.Fatalf("PutValueSet: %v", err)
	}
	if err := db.WriteUpdateBatch(batch); err != nil {
		t.Fatalf("WriteUpdateBatch: %v", err)
	}

	missingPreimage := []byte("key-012")
	missingHash := keyhash.New(missingPreimage)
	ep, err := proof.GetWithExclusionProof(db, 0, missingHash)
	if err != nil {
		t.Fatalf("GetWithExclusionProof: %v", err)
	}
	cp, err := ToNonExistenceCommitmentProof(db, db, 0, [32]byte(missingHash), missingPreimage, ep)
	if err != nil {
		t.Fatalf("ToNonExistenceCommitmentProof: %v", err)
	}
	if cp.GetNonexist() == nil {
		t.Fatalf("expected a non-existence commitment proof")
	}
}

// TestExistenceProofVerifies runs a translated CommitmentProof through the
// real ics23 verifier rather than only inspecting its shape: a passing shape
// check is not sufficient, since a mistranslated key can still produce a
// proof of the right length and field types that no conformant verifier
// would accept.
func TestExistenceProofVerifies(t *testing.T) {
	db := mock.New()
	var updates []tree.Update
	for i := 0; i < 25; i++ {
		preimage := []byte(fmt.Sprintf("key-%d", i))
		db.PutKeyPreimage(preimage)
		updates = append(updates, tree.Update{KeyHash: keyhash.New(preimage), Value: []byte(fmt.Sprintf("value-%d", i))})
	}
	root, batch, err := tree.PutValueSet(db, 0, updates)
	if err != nil {
		t.Fatalf("PutValueSet: %v", err)
	}
	if err := db.WriteUpdateBatch(batch); err != nil {
		t.Fatalf("WriteUpdateBatch: %v", err)
	}

	preimage := []byte("key-7")
	keyHash := keyhash.New(preimage)
	value, ip, err := proof.GetWithProof(db, 0, keyHash)
	if err != nil || ip == nil {
		t.Fatalf("GetWithProof: %v, %v", ip, err)
	}
	cp := ToCommitmentProof(preimage, value, ip)
	if !ics23.VerifyMembership(Spec(), root[:], cp, keyHash[:], value) {
		t.Fatal("VerifyMembership rejected a proof for a key actually present in the tree")
	}

	if ics23.VerifyMembership(Spec(), root[:], cp, keyHash[:], []byte("wrong-value")) {
		t.Fatal("VerifyMembership accepted a proof against the wrong value")
	}
}

// TestNonExistenceProofVerifiesAllShapes exercises all three exclusion
// shapes and checks each against the real ics23 non-membership verifier.
func TestNonExistenceProofVerifiesAllShapes(t *testing.T) {
	db := mock.New()
	var updates []tree.Update
	for i := 0; i < 25; i++ {
		if i == 12 {
			continue
		}
		preimage := []byte(fmt.Sprintf("key-%03d", i))
		db.PutKeyPreimage(preimage)
		updates = append(updates, tree.Update{KeyHash: keyhash.New(preimage), Value: []byte(fmt.Sprintf("value-%d", i))})
	}
	root, batch, err := tree.PutValueSet(db, 0, updates)
	if err != nil {
		t.Fatalf("PutValueSet: %v", err)
	}
	if err := db.WriteUpdateBatch(batch); err != nil {
		t.Fatalf("WriteUpdateBatch: %v", err)
	}

	t.Run("middle", func(t *testing.T) {
		missingPreimage := []byte("key-012")
		missingHash := keyhash.New(missingPreimage)
		ep, err := proof.GetWithExclusionProof(db, 0, missingHash)
		if err != nil {
			t.Fatalf("GetWithExclusionProof: %v", err)
		}
		if ep.Kind != proof.Middle {
			t.Fatalf("ep.Kind = %v, want Middle", ep.Kind)
		}
		cp, err := ToNonExistenceCommitmentProof(db, db, 0, [32]byte(missingHash), missingPreimage, ep)
		if err != nil {
			t.Fatalf("ToNonExistenceCommitmentProof: %v", err)
		}
		if !ics23.VerifyNonMembership(Spec(), root[:], cp, missingHash[:]) {
			t.Fatal("VerifyNonMembership rejected a valid middle exclusion proof")
		}
	})

	t.Run("leftmost", func(t *testing.T) {
		var lowHash keyhash.KeyHash // all-zero, sorts before every real SHA-256 digest
		ep, err := proof.GetWithExclusionProof(db, 0, lowHash)
		if err != nil {
			t.Fatalf("GetWithExclusionProof: %v", err)
		}
		if ep.Kind != proof.Leftmost {
			t.Fatalf("ep.Kind = %v, want Leftmost", ep.Kind)
		}
		cp, err := ToNonExistenceCommitmentProof(db, db, 0, [32]byte(lowHash), nil, ep)
		if err != nil {
			t.Fatalf("ToNonExistenceCommitmentProof: %v", err)
		}
		if !ics23.VerifyNonMembership(Spec(), root[:], cp, lowHash[:]) {
			t.Fatal("VerifyNonMembership rejected a valid leftmost exclusion proof")
		}
	})

	t.Run("rightmost", func(t *testing.T) {
		var highHash keyhash.KeyHash
		for i := range highHash {
			highHash[i] = 0xff
		}
		ep, err := proof.GetWithExclusionProof(db, 0, highHash)
		if err != nil {
			t.Fatalf("GetWithExclusionProof: %v", err)
		}
		if ep.Kind != proof.Rightmost {
			t.Fatalf("ep.Kind = %v, want Rightmost", ep.Kind)
		}
		cp, err := ToNonExistenceCommitmentProof(db, db, 0, [32]byte(highHash), nil, ep)
		if err != nil {
			t.Fatalf("ToNonExistenceCommitmentProof: %v", err)
		}
		if !ics23.VerifyNonMembership(Spec(), root[:], cp, highHash[:]) {
			t.Fatal("VerifyNonMembership rejected a valid rightmost exclusion proof")
		}
	})
}

func TestSpecConstants(t *testing.T) {
	s := Spec()
	if s.MaxDepth != 64 {
		t.Errorf("MaxDepth = %d, want 64", s.MaxDepth)
	}
	if s.InnerSpec.MinPrefixLength != s.InnerSpec.MaxPrefixLength {
		t.Errorf("min/max prefix length must match a fixed separator length")
	}
}
