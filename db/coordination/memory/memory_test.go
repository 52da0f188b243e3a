package memory

import (
	"bytes"
	"errors"
	"testing"

	"github.com/crossrepl/logship/component"
)

func TestCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	if err := store.CreateWithAncestors("/a/b/c", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	data, err := store.Get("/a/b/c")
	if err != nil {
		t.Fatal(err)
	}
	if data == nil || !bytes.Equal(data.Payload, []byte("payload")) {
		t.Fatal("unexpected node data:", data)
	}
	// intermediate nodes exist with empty payload
	data, err = store.Get("/a/b")
	if err != nil {
		t.Fatal(err)
	}
	if data == nil || len(data.Payload) != 0 {
		t.Fatal("unexpected intermediate node data:", data)
	}
	data, err = store.Get("/missing")
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Fatal("missing node should respond nil")
	}
}

func TestCreateWithAncestorsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	if err := store.CreateWithAncestors("/a/b", []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateWithAncestors("/a/b", []byte("second")); err != nil {
		t.Fatal(err)
	}
	data, err := store.Get("/a/b")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data.Payload, []byte("first")) {
		t.Fatal("existing node must keep its payload, got", string(data.Payload))
	}
}

func TestDelete(t *testing.T) {
	store := NewMemoryStore()
	if err := store.CreateWithAncestors("/a/b", nil); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("/a"); !errors.Is(err, component.ErrNodeNotEmpty) {
		t.Fatal("expected ErrNodeNotEmpty, got", err)
	}
	if err := store.Delete("/a/b"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("/a/b"); !errors.Is(err, component.ErrNodeMissing) {
		t.Fatal("expected ErrNodeMissing, got", err)
	}
	if err := store.Delete("/a"); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteRecursive(t *testing.T) {
	store := NewMemoryStore()
	if err := store.CreateWithAncestors("/a/b/c", nil); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateWithAncestors("/a/b/d", nil); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteRecursive("/a/b"); err != nil {
		t.Fatal(err)
	}
	data, err := store.Get("/a/b")
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Fatal("subtree root survived recursive delete")
	}
	// the parent stays
	data, err = store.Get("/a")
	if err != nil {
		t.Fatal(err)
	}
	if data == nil {
		t.Fatal("parent removed by recursive delete")
	}
	// deleting a missing subtree is a no-op
	if err := store.DeleteRecursive("/a/b"); err != nil {
		t.Fatal(err)
	}
}

func TestListChildrenSorted(t *testing.T) {
	store := NewMemoryStore()
	for _, name := range []string{"c", "a", "b"} {
		if err := store.CreateWithAncestors("/root/"+name, nil); err != nil {
			t.Fatal(err)
		}
	}
	names, err := store.ListChildren("/root")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Fatal("unexpected children:", names)
	}
	names, err = store.ListChildren("/missing")
	if err != nil {
		t.Fatal(err)
	}
	if names != nil {
		t.Fatal("missing node should respond no children:", names)
	}
}

func TestChildrenVersionMovesOnStructuralChange(t *testing.T) {
	store := NewMemoryStore()
	if err := store.CreateWithAncestors("/a", nil); err != nil {
		t.Fatal(err)
	}
	v0, err := store.ChildrenVersion("/a")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateWithAncestors("/a/b", nil); err != nil {
		t.Fatal(err)
	}
	v1, err := store.ChildrenVersion("/a")
	if err != nil {
		t.Fatal(err)
	}
	if v1 == v0 {
		t.Fatal("child creation must move the children version")
	}
	if err := store.Delete("/a/b"); err != nil {
		t.Fatal(err)
	}
	v2, err := store.ChildrenVersion("/a")
	if err != nil {
		t.Fatal(err)
	}
	if v2 == v1 {
		t.Fatal("child deletion must move the children version")
	}
	// the version also moves for deeper descendants
	if err := store.CreateWithAncestors("/a/b/c", nil); err != nil {
		t.Fatal(err)
	}
	v3, err := store.ChildrenVersion("/a")
	if err != nil {
		t.Fatal(err)
	}
	if v3 == v2 {
		t.Fatal("grandchild creation must move the children version")
	}
}

func TestChildrenVersionIgnoresPayloadWrites(t *testing.T) {
	store := NewMemoryStore()
	if err := store.CreateWithAncestors("/a/b", nil); err != nil {
		t.Fatal(err)
	}
	v0, err := store.ChildrenVersion("/a")
	if err != nil {
		t.Fatal(err)
	}
	status, err := store.Txn([]component.TreeOp{
		component.SetPayloadOp("/a/b", []byte("x")),
	})
	if err != nil || status != component.TxnCommitted {
		t.Fatal("payload write failed:", status, err)
	}
	v1, err := store.ChildrenVersion("/a")
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v0 {
		t.Fatal("payload write must not move the children version")
	}
}

func TestTxnAllOrNothing(t *testing.T) {
	store := NewMemoryStore()
	if err := store.CreateWithAncestors("/a/existing", nil); err != nil {
		t.Fatal(err)
	}
	status, err := store.Txn([]component.TreeOp{
		component.CreateOp("/a/fresh", nil),
		component.CreateOp("/a/existing", nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	if status != component.TxnConflict {
		t.Fatal("expected conflict, got", status)
	}
	// the first operation must have been rolled back
	data, err := store.Get("/a/fresh")
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Fatal("partial transaction state leaked")
	}
}

func TestTxnStrictOps(t *testing.T) {
	store := NewMemoryStore()
	if err := store.CreateWithAncestors("/a/b", nil); err != nil {
		t.Fatal(err)
	}
	// strict create needs an existing parent
	status, err := store.Txn([]component.TreeOp{component.CreateOp("/nope/child", nil)})
	if err != nil || status != component.TxnConflict {
		t.Fatal("create under missing parent must conflict:", status, err)
	}
	// strict delete refuses nodes with children
	status, err = store.Txn([]component.TreeOp{component.DeleteOp("/a")})
	if err != nil || status != component.TxnConflict {
		t.Fatal("delete of non-empty node must conflict:", status, err)
	}
	// strict delete of a missing node conflicts, the silent flavor passes
	status, err = store.Txn([]component.TreeOp{component.DeleteOp("/a/missing")})
	if err != nil || status != component.TxnConflict {
		t.Fatal("strict delete of missing node must conflict:", status, err)
	}
	status, err = store.Txn([]component.TreeOp{component.DeleteFailSilentOp("/a/missing")})
	if err != nil || status != component.TxnCommitted {
		t.Fatal("silent delete of missing node must commit:", status, err)
	}
	// silent create of an existing node passes and keeps the payload
	status, err = store.Txn([]component.TreeOp{component.CreateFailSilentOp("/a/b", []byte("x"))})
	if err != nil || status != component.TxnCommitted {
		t.Fatal("silent create of existing node must commit:", status, err)
	}
	data, err := store.Get("/a/b")
	if err != nil {
		t.Fatal(err)
	}
	if len(data.Payload) != 0 {
		t.Fatal("silent create must not overwrite the payload")
	}
}

func TestTxnCheckChildrenVersion(t *testing.T) {
	store := NewMemoryStore()
	if err := store.CreateWithAncestors("/a/b", nil); err != nil {
		t.Fatal(err)
	}
	v, err := store.ChildrenVersion("/a")
	if err != nil {
		t.Fatal(err)
	}
	status, err := store.Txn([]component.TreeOp{
		component.CheckChildrenVersionOp("/a", v),
		component.CreateOp("/a/c", nil),
	})
	if err != nil || status != component.TxnCommitted {
		t.Fatal("matching version must commit:", status, err)
	}
	status, err = store.Txn([]component.TreeOp{
		component.CheckChildrenVersionOp("/a", v),
		component.CreateOp("/a/d", nil),
	})
	if err != nil || status != component.TxnConflict {
		t.Fatal("stale version must conflict:", status, err)
	}
	// a missing node compares as version 0
	status, err = store.Txn([]component.TreeOp{component.CheckChildrenVersionOp("/missing", 0)})
	if err != nil || status != component.TxnCommitted {
		t.Fatal("missing node must compare as version 0:", status, err)
	}
}

func TestTxnSetPayloadBumpsDataVersion(t *testing.T) {
	store := NewMemoryStore()
	if err := store.CreateWithAncestors("/a", nil); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 2; i++ {
		status, err := store.Txn([]component.TreeOp{
			component.SetPayloadOp("/a", []byte("v")),
		})
		if err != nil || status != component.TxnCommitted {
			t.Fatal("payload write failed:", status, err)
		}
		data, err := store.Get("/a")
		if err != nil {
			t.Fatal(err)
		}
		if data.Version != int64(i) {
			t.Fatal("unexpected data version:", data.Version)
		}
	}
}
