package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/crossrepl/logship/component"
)

type treeNode struct {
	payload  []byte
	version  int64
	cversion int64
	children map[string]*treeNode
}

func newTreeNode(payload []byte) *treeNode {
	return &treeNode{
		payload:  payload,
		children: map[string]*treeNode{},
	}
}

func (n *treeNode) clone() *treeNode {
	c := &treeNode{
		payload:  n.payload,
		version:  n.version,
		cversion: n.cversion,
		children: make(map[string]*treeNode, len(n.children)),
	}
	for name, child := range n.children {
		c.children[name] = child.clone()
	}
	return c
}

// MemoryStore is an in-process coordination store with full transaction and
// children version semantics. It backs single-process deployments and the
// deterministic protocol tests; the cross-process backends live next to it
// under db/coordination.
type MemoryStore struct {
	mu   sync.Mutex
	root *treeNode
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{root: newTreeNode(nil)}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func resolve(root *treeNode, segments []string) *treeNode {
	n := root
	for _, seg := range segments {
		child, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

// bumpAncestors moves the children version of every node above the given
// path, root included.
func bumpAncestors(root *treeNode, segments []string) {
	n := root
	for _, seg := range segments[:len(segments)-1] {
		n.cversion++
		child, ok := n.children[seg]
		if !ok {
			return
		}
		n = child
	}
	n.cversion++
}

func (m *MemoryStore) CreateWithAncestors(path string, payload []byte) error {
	segments := splitPath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.root
	for i, seg := range segments {
		child, ok := n.children[seg]
		if !ok {
			var nodePayload []byte
			if i == len(segments)-1 {
				nodePayload = append([]byte(nil), payload...)
			}
			child = newTreeNode(nodePayload)
			n.children[seg] = child
			bumpAncestors(m.root, segments[:i+1])
		}
		n = child
	}
	return nil
}

func (m *MemoryStore) Get(path string) (*component.NodeData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := resolve(m.root, splitPath(path))
	if n == nil {
		return nil, nil
	}
	return &component.NodeData{
		Payload: append([]byte(nil), n.payload...),
		Version: n.version,
	}, nil
}

func (m *MemoryStore) Delete(path string) error {
	segments := splitPath(path)
	if len(segments) == 0 {
		return component.ErrNodeNotEmpty
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	parent := resolve(m.root, segments[:len(segments)-1])
	if parent == nil {
		return component.ErrNodeMissing
	}
	name := segments[len(segments)-1]
	n, ok := parent.children[name]
	if !ok {
		return component.ErrNodeMissing
	}
	if len(n.children) > 0 {
		return component.ErrNodeNotEmpty
	}
	delete(parent.children, name)
	bumpAncestors(m.root, segments)
	return nil
}

func (m *MemoryStore) DeleteRecursive(path string) error {
	segments := splitPath(path)
	if len(segments) == 0 {
		return component.ErrNodeNotEmpty
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	parent := resolve(m.root, segments[:len(segments)-1])
	if parent == nil {
		return nil
	}
	name := segments[len(segments)-1]
	if _, ok := parent.children[name]; !ok {
		return nil
	}
	delete(parent.children, name)
	bumpAncestors(m.root, segments)
	return nil
}

func (m *MemoryStore) ListChildren(path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := resolve(m.root, splitPath(path))
	if n == nil {
		return nil, nil
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) ChildrenVersion(path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := resolve(m.root, splitPath(path))
	if n == nil {
		return 0, nil
	}
	return n.cversion, nil
}

// Txn applies the operations in order on a private copy of the tree and
// installs the copy only when every operation went through. A conflicting
// operation discards the copy so no partial state ever becomes visible.
func (m *MemoryStore) Txn(ops []component.TreeOp) (component.TxnStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.root.clone()
	for _, op := range ops {
		if !applyOp(work, op) {
			return component.TxnConflict, nil
		}
	}
	m.root = work
	return component.TxnCommitted, nil
}

func applyOp(root *treeNode, op component.TreeOp) bool {
	segments := splitPath(op.Path)
	if len(segments) == 0 && op.Kind != component.TreeOpCheckChildrenVersion {
		return false
	}
	switch op.Kind {
	case component.TreeOpCreate, component.TreeOpCreateFailSilent:
		parent := resolve(root, segments[:len(segments)-1])
		if parent == nil {
			return false
		}
		name := segments[len(segments)-1]
		if _, ok := parent.children[name]; ok {
			return op.Kind == component.TreeOpCreateFailSilent
		}
		parent.children[name] = newTreeNode(append([]byte(nil), op.Payload...))
		bumpAncestors(root, segments)
		return true
	case component.TreeOpSetPayload:
		n := resolve(root, segments)
		if n == nil {
			return false
		}
		n.payload = append([]byte(nil), op.Payload...)
		n.version++
		return true
	case component.TreeOpDelete, component.TreeOpDeleteFailSilent:
		parent := resolve(root, segments[:len(segments)-1])
		var n *treeNode
		name := segments[len(segments)-1]
		if parent != nil {
			n = parent.children[name]
		}
		if n == nil {
			return op.Kind == component.TreeOpDeleteFailSilent
		}
		if len(n.children) > 0 {
			return false
		}
		delete(parent.children, name)
		bumpAncestors(root, segments)
		return true
	case component.TreeOpCheckChildrenVersion:
		var cversion int64
		if n := resolve(root, segments); n != nil {
			cversion = n.cversion
		}
		return cversion == op.Version
	default:
		return false
	}
}

func (m *MemoryStore) Close() error {
	return nil
}

var _ component.CoordinationStore = new(MemoryStore)
