package postgres

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/crossrepl/logship/component"
)

func newTestStore(t *testing.T) (*PostgresCoordinationStore, string) {
	t.Helper()
	dsn := os.Getenv("PG_COORDINATION_DSN")
	if dsn == "" {
		t.Skip("set PG_COORDINATION_DSN to run postgres coordination store tests")
	}
	store, err := NewPostgresCoordinationStore(dsn)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Startup(); err != nil {
		t.Fatal(err)
	}
	root := fmt.Sprintf("/logship-test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = store.DeleteRecursive(root)
		_ = store.Close()
	})
	return store, root
}

func TestPostgresCreateGetDelete(t *testing.T) {
	store, root := newTestStore(t)
	if err := store.CreateWithAncestors(root+"/a/b", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	data, err := store.Get(root + "/a/b")
	if err != nil {
		t.Fatal(err)
	}
	if data == nil || !bytes.Equal(data.Payload, []byte("payload")) {
		t.Fatal("unexpected node data:", data)
	}
	if err := store.Delete(root + "/a"); !errors.Is(err, component.ErrNodeNotEmpty) {
		t.Fatal("expected ErrNodeNotEmpty, got", err)
	}
	if err := store.Delete(root + "/a/b"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(root + "/a/b"); !errors.Is(err, component.ErrNodeMissing) {
		t.Fatal("expected ErrNodeMissing, got", err)
	}
}

func TestPostgresListChildren(t *testing.T) {
	store, root := newTestStore(t)
	for _, path := range []string{root + "/r/c", root + "/r/a", root + "/r/b", root + "/r/a/nested"} {
		if err := store.CreateWithAncestors(path, nil); err != nil {
			t.Fatal(err)
		}
	}
	names, err := store.ListChildren(root + "/r")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Fatal("unexpected children:", names)
	}
}

func TestPostgresChildrenVersion(t *testing.T) {
	store, root := newTestStore(t)
	if err := store.CreateWithAncestors(root+"/a", nil); err != nil {
		t.Fatal(err)
	}
	v0, err := store.ChildrenVersion(root + "/a")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateWithAncestors(root+"/a/b", nil); err != nil {
		t.Fatal(err)
	}
	v1, err := store.ChildrenVersion(root + "/a")
	if err != nil {
		t.Fatal(err)
	}
	if v1 == v0 {
		t.Fatal("child creation must move the children version")
	}
	status, err := store.Txn([]component.TreeOp{
		component.SetPayloadOp(root+"/a/b", []byte("x")),
	})
	if err != nil || status != component.TxnCommitted {
		t.Fatal("payload write failed:", status, err)
	}
	v2, err := store.ChildrenVersion(root + "/a")
	if err != nil {
		t.Fatal(err)
	}
	if v2 != v1 {
		t.Fatal("payload write must not move the children version")
	}
}

func TestPostgresTxnAllOrNothing(t *testing.T) {
	store, root := newTestStore(t)
	if err := store.CreateWithAncestors(root+"/a/existing", nil); err != nil {
		t.Fatal(err)
	}
	status, err := store.Txn([]component.TreeOp{
		component.CreateOp(root+"/a/fresh", nil),
		component.CreateOp(root+"/a/existing", nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	if status != component.TxnConflict {
		t.Fatal("expected conflict, got", status)
	}
	data, err := store.Get(root + "/a/fresh")
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Fatal("partial transaction state leaked")
	}
}

func TestPostgresDeleteRecursive(t *testing.T) {
	store, root := newTestStore(t)
	for _, path := range []string{root + "/a/b/c", root + "/a/b/d", root + "/a/keep"} {
		if err := store.CreateWithAncestors(path, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.DeleteRecursive(root + "/a/b"); err != nil {
		t.Fatal(err)
	}
	data, err := store.Get(root + "/a/b/c")
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Fatal("descendant survived recursive delete")
	}
	data, err = store.Get(root + "/a/keep")
	if err != nil {
		t.Fatal(err)
	}
	if data == nil {
		t.Fatal("sibling removed by recursive delete")
	}
}
