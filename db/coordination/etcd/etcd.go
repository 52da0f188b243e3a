package etcd

import (
	"context"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/crossrepl/logship/component"
)

// Tree encoding over the flat etcd keyspace:
//   - every tree node is a key holding the node payload, created explicitly
//     together with its ancestors
//   - the children of /a/b are the distinct first segments of the keys in
//     ["/a/b/", "/a/b0"), '0' being '/'+1 so the range covers the whole
//     subtree and nothing of any sibling
//   - the children version of a node is the ModRevision of a per node
//     counter key ("<path>\x00c", outside the children range) which every
//     structural transaction touches for each ancestor of a created or
//     deleted node. Payload writes leave counter keys alone, so enumeration
//     snapshots survive concurrent position updates.
const counterSuffix = "\x00c"

func counterKey(path string) string {
	return path + counterSuffix
}

func childrenRange(path string) (string, string) {
	return path + "/", subtreeEnd(path)
}

func subtreeEnd(path string) string {
	return path + "0"
}

// ancestors responds every proper ancestor path, deepest first, e.g.
// "/a/b/c" -> "/a/b", "/a".
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

type EtcdCoordinationConfig struct {
	Endpoints []string
}

type EtcdCoordinationStore struct {
	cli *clientv3.Client
}

func NewEtcdCoordinationStore(config *EtcdCoordinationConfig) (*EtcdCoordinationStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdCoordinationStore{cli: cli}, nil
}

func (e *EtcdCoordinationStore) CreateWithAncestors(path string, payload []byte) error {
	chain := append([]string{path}, ancestors(path)...)
	for {
		var missing []string
		exists := false
		for i, p := range chain {
			res, err := e.cli.Get(context.Background(), p, clientv3.WithKeysOnly())
			if err != nil {
				return err
			}
			if res.Count > 0 {
				if i == 0 {
					exists = true
				}
				break
			}
			missing = append(missing, p)
		}
		if exists {
			return nil
		}
		if len(missing) == 0 {
			return nil
		}
		var cmps []clientv3.Cmp
		var ops []clientv3.Op
		bumps := map[string]struct{}{}
		for _, p := range missing {
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(p), "=", 0))
			value := ""
			if p == path {
				value = string(payload)
			}
			ops = append(ops, clientv3.OpPut(p, value))
			for _, a := range ancestors(p) {
				bumps[a] = struct{}{}
			}
		}
		for a := range bumps {
			ops = append(ops, clientv3.OpPut(counterKey(a), ""))
		}
		res, err := e.cli.Txn(context.Background()).If(cmps...).Then(ops...).Commit()
		if err != nil {
			return err
		}
		if res.Succeeded {
			return nil
		}
		// someone created part of the chain in between, re-read and retry
	}
}

func (e *EtcdCoordinationStore) Get(path string) (*component.NodeData, error) {
	res, err := e.cli.Get(context.Background(), path)
	if err != nil {
		return nil, err
	}
	if res.Count == 0 {
		return nil, nil
	}
	kv := res.Kvs[0]
	return &component.NodeData{
		Payload: kv.Value,
		Version: kv.Version,
	}, nil
}

func (e *EtcdCoordinationStore) Delete(path string) error {
	begin, end := childrenRange(path)
	children, err := e.cli.Get(context.Background(), begin, clientv3.WithRange(end), clientv3.WithCountOnly())
	if err != nil {
		return err
	}
	if children.Count > 0 {
		return component.ErrNodeNotEmpty
	}
	counter, err := e.cli.Get(context.Background(), counterKey(path))
	if err != nil {
		return err
	}
	var counterRev int64
	if counter.Count > 0 {
		counterRev = counter.Kvs[0].ModRevision
	}
	cmps := []clientv3.Cmp{
		clientv3.Compare(clientv3.CreateRevision(path), ">", 0),
		// no child may have appeared since the emptiness check above
		clientv3.Compare(clientv3.ModRevision(counterKey(path)), "=", counterRev),
	}
	ops := []clientv3.Op{
		clientv3.OpDelete(path),
		clientv3.OpDelete(counterKey(path)),
	}
	for _, a := range ancestors(path) {
		ops = append(ops, clientv3.OpPut(counterKey(a), ""))
	}
	res, err := e.cli.Txn(context.Background()).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return err
	}
	if res.Succeeded {
		return nil
	}
	current, err := e.cli.Get(context.Background(), path, clientv3.WithKeysOnly())
	if err != nil {
		return err
	}
	if current.Count == 0 {
		return component.ErrNodeMissing
	}
	return component.ErrNodeNotEmpty
}

func (e *EtcdCoordinationStore) DeleteRecursive(path string) error {
	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(path), ">", 0)}
	ops := []clientv3.Op{clientv3.OpDelete(path, clientv3.WithRange(subtreeEnd(path)))}
	for _, a := range ancestors(path) {
		ops = append(ops, clientv3.OpPut(counterKey(a), ""))
	}
	_, err := e.cli.Txn(context.Background()).If(cmps...).Then(ops...).Commit()
	return err
}

func (e *EtcdCoordinationStore) ListChildren(path string) ([]string, error) {
	begin, end := childrenRange(path)
	res, err := e.cli.Get(context.Background(), begin, clientv3.WithRange(end), clientv3.WithKeysOnly(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, kv := range res.Kvs {
		rest := string(kv.Key)[len(begin):]
		if idx := strings.IndexAny(rest, "/\x00"); idx >= 0 {
			rest = rest[:idx]
		}
		if rest == "" {
			continue
		}
		if len(names) == 0 || names[len(names)-1] != rest {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (e *EtcdCoordinationStore) ChildrenVersion(path string) (int64, error) {
	res, err := e.cli.Get(context.Background(), counterKey(path))
	if err != nil {
		return 0, err
	}
	if res.Count == 0 {
		return 0, nil
	}
	return res.Kvs[0].ModRevision, nil
}

func (e *EtcdCoordinationStore) Txn(treeOps []component.TreeOp) (component.TxnStatus, error) {
	var cmps []clientv3.Cmp
	var ops []clientv3.Op
	deleted := map[string]struct{}{}
	created := map[string]struct{}{}
	for _, op := range treeOps {
		switch op.Kind {
		case component.TreeOpDelete, component.TreeOpDeleteFailSilent:
			deleted[op.Path] = struct{}{}
		case component.TreeOpCreate, component.TreeOpCreateFailSilent:
			created[op.Path] = struct{}{}
		}
	}
	bumps := map[string]struct{}{}
	structural := func(path string) {
		for _, a := range ancestors(path) {
			if _, gone := deleted[a]; !gone {
				bumps[a] = struct{}{}
			}
		}
	}
	parentChecks := map[string]struct{}{}
	// creating under a missing parent aborts the transaction, unless the
	// parent itself is created by this transaction
	requireParent := func(path string) {
		chain := ancestors(path)
		if len(chain) == 0 {
			return
		}
		parent := chain[0]
		if _, fresh := created[parent]; fresh {
			return
		}
		if _, seen := parentChecks[parent]; seen {
			return
		}
		parentChecks[parent] = struct{}{}
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(parent), ">", 0))
	}
	for _, op := range treeOps {
		switch op.Kind {
		case component.TreeOpCreate:
			requireParent(op.Path)
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(op.Path), "=", 0))
			ops = append(ops, clientv3.OpPut(op.Path, string(op.Payload)))
			structural(op.Path)
		case component.TreeOpCreateFailSilent:
			requireParent(op.Path)
			ops = append(ops, clientv3.OpTxn(
				[]clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(op.Path), "=", 0)},
				[]clientv3.Op{clientv3.OpPut(op.Path, string(op.Payload))},
				nil))
			structural(op.Path)
		case component.TreeOpSetPayload:
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(op.Path), ">", 0))
			ops = append(ops, clientv3.OpPut(op.Path, string(op.Payload)))
		case component.TreeOpDelete:
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(op.Path), ">", 0))
			ops = append(ops, clientv3.OpDelete(op.Path), clientv3.OpDelete(counterKey(op.Path)))
			structural(op.Path)
		case component.TreeOpDeleteFailSilent:
			ops = append(ops, clientv3.OpDelete(op.Path), clientv3.OpDelete(counterKey(op.Path)))
			structural(op.Path)
		case component.TreeOpCheckChildrenVersion:
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(counterKey(op.Path)), "=", op.Version))
		}
	}
	for a := range bumps {
		ops = append(ops, clientv3.OpPut(counterKey(a), ""))
	}
	res, err := e.cli.Txn(context.Background()).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return component.TxnConflict, err
	}
	if !res.Succeeded {
		return component.TxnConflict, nil
	}
	return component.TxnCommitted, nil
}

func (e *EtcdCoordinationStore) Close() error {
	return e.cli.Close()
}

var _ component.CoordinationStore = new(EtcdCoordinationStore)
