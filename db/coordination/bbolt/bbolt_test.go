package bbolt

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/crossrepl/logship/component"
)

func newTestStore(t *testing.T) (*BboltCoordinationStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coordination.db")
	store, err := NewBboltCoordinationStore(&BboltCoordinationStoreConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, path
}

func TestBboltCreateGetDelete(t *testing.T) {
	store, _ := newTestStore(t)
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
	if err := store.Delete("/a/b"); !errors.Is(err, component.ErrNodeNotEmpty) {
		t.Fatal("expected ErrNodeNotEmpty, got", err)
	}
	if err := store.Delete("/a/b/c"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("/a/b/c"); !errors.Is(err, component.ErrNodeMissing) {
		t.Fatal("expected ErrNodeMissing, got", err)
	}
}

func TestBboltListChildren(t *testing.T) {
	store, _ := newTestStore(t)
	for _, path := range []string{"/r/c", "/r/a", "/r/b", "/r/a/nested"} {
		if err := store.CreateWithAncestors(path, nil); err != nil {
			t.Fatal(err)
		}
	}
	names, err := store.ListChildren("/r")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Fatal("unexpected children:", names)
	}
}

func TestBboltChildrenVersion(t *testing.T) {
	store, _ := newTestStore(t)
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
	status, err := store.Txn([]component.TreeOp{component.SetPayloadOp("/a/b", []byte("x"))})
	if err != nil || status != component.TxnCommitted {
		t.Fatal("payload write failed:", status, err)
	}
	v2, err := store.ChildrenVersion("/a")
	if err != nil {
		t.Fatal(err)
	}
	if v2 != v1 {
		t.Fatal("payload write must not move the children version")
	}
}

func TestBboltTxnAllOrNothing(t *testing.T) {
	store, _ := newTestStore(t)
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
	data, err := store.Get("/a/fresh")
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Fatal("partial transaction state leaked")
	}
}

func TestBboltDeleteRecursive(t *testing.T) {
	store, _ := newTestStore(t)
	for _, path := range []string{"/a/b/c", "/a/b/d", "/a/keep"} {
		if err := store.CreateWithAncestors(path, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.DeleteRecursive("/a/b"); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{"/a/b", "/a/b/c", "/a/b/d"} {
		data, err := store.Get(path)
		if err != nil {
			t.Fatal(err)
		}
		if data != nil {
			t.Fatal("node survived recursive delete:", path)
		}
	}
	data, err := store.Get("/a/keep")
	if err != nil {
		t.Fatal(err)
	}
	if data == nil {
		t.Fatal("sibling removed by recursive delete")
	}
}

func TestBboltPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordination.db")
	store, err := NewBboltCoordinationStore(&BboltCoordinationStoreConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateWithAncestors("/a/b", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewBboltCoordinationStore(&BboltCoordinationStoreConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = reopened.Close()
	}()
	data, err := reopened.Get("/a/b")
	if err != nil {
		t.Fatal(err)
	}
	if data == nil || !bytes.Equal(data.Payload, []byte("payload")) {
		t.Fatal("data lost across reopen:", data)
	}
}
