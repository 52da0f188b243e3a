package bbolt

import (
	"bytes"
	"errors"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	"github.com/crossrepl/logship/component"
)

var bucketName = []byte("coordination_tree")

var errTxnConflict = errors.New("txn conflict")

// nodeRecord is the stored form of a tree node. The bucket key is the full
// node path, so the children of a node are the records in the key range
// right below it.
type nodeRecord struct {
	Payload  []byte `cbor:"1,keyasint"`
	Version  int64  `cbor:"2,keyasint"`
	CVersion int64  `cbor:"3,keyasint"`
}

// BboltCoordinationStore keeps the coordination tree in a local bbolt file.
// The single writer transaction of bbolt provides the multi operation
// atomicity of the store contract, which makes this backend suitable for
// single process deployments and durable local testing, not for
// coordinating separate processes.
type BboltCoordinationStore struct {
	db *bbolt.DB
}

type BboltCoordinationStoreConfig struct {
	Path string
}

func NewBboltCoordinationStore(cfg *BboltCoordinationStoreConfig) (*BboltCoordinationStore, error) {
	db, err := bbolt.Open(cfg.Path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BboltCoordinationStore{db: db}, nil
}

func getRecord(bucket *bbolt.Bucket, path string) (*nodeRecord, error) {
	val := bucket.Get([]byte(path))
	if val == nil {
		return nil, nil
	}
	rec := new(nodeRecord)
	if err := cbor.Unmarshal(val, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func putRecord(bucket *bbolt.Bucket, path string, rec *nodeRecord) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(path), data)
}

func ancestors(path string) []string {
	var out []string
	for {
		idx := strings.LastIndex(path, "/")
		if idx <= 0 {
			return out
		}
		path = path[:idx]
		out = append(out, path)
	}
}

func bumpAncestors(bucket *bbolt.Bucket, path string) error {
	for _, a := range ancestors(path) {
		rec, err := getRecord(bucket, a)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		rec.CVersion++
		if err := putRecord(bucket, a, rec); err != nil {
			return err
		}
	}
	return nil
}

func hasChildren(bucket *bbolt.Bucket, path string) bool {
	prefix := []byte(path + "/")
	k, _ := bucket.Cursor().Seek(prefix)
	return k != nil && bytes.HasPrefix(k, prefix)
}

func (b *BboltCoordinationStore) CreateWithAncestors(path string, payload []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		chain := append([]string(nil), ancestors(path)...)
		// apply top down so parents exist before children
		for i := len(chain) - 1; i >= 0; i-- {
			if err := createIfMissing(bucket, chain[i], nil); err != nil {
				return err
			}
		}
		return createIfMissing(bucket, path, payload)
	})
}

func createIfMissing(bucket *bbolt.Bucket, path string, payload []byte) error {
	rec, err := getRecord(bucket, path)
	if err != nil {
		return err
	}
	if rec != nil {
		return nil
	}
	if err := putRecord(bucket, path, &nodeRecord{Payload: payload}); err != nil {
		return err
	}
	return bumpAncestors(bucket, path)
}

func (b *BboltCoordinationStore) Get(path string) (*component.NodeData, error) {
	var data *component.NodeData
	err := b.db.View(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx.Bucket(bucketName), path)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		data = &component.NodeData{
			Payload: append([]byte(nil), rec.Payload...),
			Version: rec.Version,
		}
		return nil
	})
	return data, err
}

func (b *BboltCoordinationStore) Delete(path string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		rec, err := getRecord(bucket, path)
		if err != nil {
			return err
		}
		if rec == nil {
			return component.ErrNodeMissing
		}
		if hasChildren(bucket, path) {
			return component.ErrNodeNotEmpty
		}
		if err := bucket.Delete([]byte(path)); err != nil {
			return err
		}
		return bumpAncestors(bucket, path)
	})
}

func (b *BboltCoordinationStore) DeleteRecursive(path string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		rec, err := getRecord(bucket, path)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		prefix := []byte(path + "/")
		cursor := bucket.Cursor()
		var doomed [][]byte
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		if err := bucket.Delete([]byte(path)); err != nil {
			return err
		}
		return bumpAncestors(bucket, path)
	})
}

func (b *BboltCoordinationStore) ListChildren(path string) ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		prefix := []byte(path + "/")
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			rest := string(k[len(prefix):])
			if idx := strings.IndexByte(rest, '/'); idx >= 0 {
				rest = rest[:idx]
			}
			if rest == "" {
				continue
			}
			if len(names) == 0 || names[len(names)-1] != rest {
				names = append(names, rest)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (b *BboltCoordinationStore) ChildrenVersion(path string) (int64, error) {
	var cversion int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx.Bucket(bucketName), path)
		if err != nil {
			return err
		}
		if rec != nil {
			cversion = rec.CVersion
		}
		return nil
	})
	return cversion, err
}

func (b *BboltCoordinationStore) Txn(ops []component.TreeOp) (component.TxnStatus, error) {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		for _, op := range ops {
			if err := applyOp(bucket, op); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errTxnConflict) {
		return component.TxnConflict, nil
	}
	if err != nil {
		return component.TxnConflict, err
	}
	return component.TxnCommitted, nil
}

func applyOp(bucket *bbolt.Bucket, op component.TreeOp) error {
	switch op.Kind {
	case component.TreeOpCreate, component.TreeOpCreateFailSilent:
		if len(ancestors(op.Path)) > 0 {
			parent, err := getRecord(bucket, ancestors(op.Path)[0])
			if err != nil {
				return err
			}
			if parent == nil {
				return errTxnConflict
			}
		}
		rec, err := getRecord(bucket, op.Path)
		if err != nil {
			return err
		}
		if rec != nil {
			if op.Kind == component.TreeOpCreateFailSilent {
				return nil
			}
			return errTxnConflict
		}
		if err := putRecord(bucket, op.Path, &nodeRecord{Payload: op.Payload}); err != nil {
			return err
		}
		return bumpAncestors(bucket, op.Path)
	case component.TreeOpSetPayload:
		rec, err := getRecord(bucket, op.Path)
		if err != nil {
			return err
		}
		if rec == nil {
			return errTxnConflict
		}
		rec.Payload = op.Payload
		rec.Version++
		return putRecord(bucket, op.Path, rec)
	case component.TreeOpDelete, component.TreeOpDeleteFailSilent:
		rec, err := getRecord(bucket, op.Path)
		if err != nil {
			return err
		}
		if rec == nil {
			if op.Kind == component.TreeOpDeleteFailSilent {
				return nil
			}
			return errTxnConflict
		}
		if hasChildren(bucket, op.Path) {
			return errTxnConflict
		}
		if err := bucket.Delete([]byte(op.Path)); err != nil {
			return err
		}
		return bumpAncestors(bucket, op.Path)
	case component.TreeOpCheckChildrenVersion:
		rec, err := getRecord(bucket, op.Path)
		if err != nil {
			return err
		}
		var cversion int64
		if rec != nil {
			cversion = rec.CVersion
		}
		if cversion != op.Version {
			return errTxnConflict
		}
		return nil
	default:
		return errTxnConflict
	}
}

func (b *BboltCoordinationStore) Close() error {
	return b.db.Close()
}

var _ component.CoordinationStore = new(BboltCoordinationStore)
