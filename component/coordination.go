package component

import "errors"

var (
	ErrNodeMissing  = errors.New("coordination node missing")
	ErrNodeNotEmpty = errors.New("coordination node not empty")
)

// NodeData carries the payload of a tree node together with the payload
// modification version of the node.
type NodeData struct {
	Payload []byte
	Version int64
}

type TreeOpKind int

const (
	TreeOpUnknown TreeOpKind = iota
	// TreeOpCreate creates a node and aborts the transaction when the node
	// already exists
	TreeOpCreate
	// TreeOpCreateFailSilent creates a node and keeps the transaction going
	// when the node already exists, leaving the existing payload untouched
	TreeOpCreateFailSilent
	// TreeOpSetPayload replaces the payload of an existing node and aborts
	// the transaction when the node is missing
	TreeOpSetPayload
	// TreeOpDelete deletes a childless node and aborts the transaction when
	// the node is missing
	TreeOpDelete
	// TreeOpDeleteFailSilent deletes a node and keeps the transaction going
	// when the node is already gone
	TreeOpDeleteFailSilent
	// TreeOpCheckChildrenVersion aborts the transaction when the children
	// version of the node no longer equals the given version
	TreeOpCheckChildrenVersion
)

type TreeOp struct {
	Kind    TreeOpKind
	Path    string
	Payload []byte
	// Version is only used by TreeOpCheckChildrenVersion
	Version int64
}

func CreateOp(path string, payload []byte) TreeOp {
	return TreeOp{Kind: TreeOpCreate, Path: path, Payload: payload}
}

func CreateFailSilentOp(path string, payload []byte) TreeOp {
	return TreeOp{Kind: TreeOpCreateFailSilent, Path: path, Payload: payload}
}

func SetPayloadOp(path string, payload []byte) TreeOp {
	return TreeOp{Kind: TreeOpSetPayload, Path: path, Payload: payload}
}

func DeleteOp(path string) TreeOp {
	return TreeOp{Kind: TreeOpDelete, Path: path}
}

func DeleteFailSilentOp(path string) TreeOp {
	return TreeOp{Kind: TreeOpDeleteFailSilent, Path: path}
}

func CheckChildrenVersionOp(path string, version int64) TreeOp {
	return TreeOp{Kind: TreeOpCheckChildrenVersion, Path: path, Version: version}
}

type TxnStatus int

const (
	// TxnCommitted means every operation of the transaction has been applied
	TxnCommitted TxnStatus = iota
	// TxnConflict means the transaction has been fully discarded because a
	// precondition of one of its operations does not hold. This is a regular
	// outcome for competing callers, not a failure.
	TxnConflict
)

type _CoordinationNode interface {
	// CreateWithAncestors creates the node and any missing ancestor with an
	// empty payload. Creating an existing node is a no-op and the existing
	// payload is kept.
	CreateWithAncestors(path string, payload []byte) error
	// Get responds the payload and version of the node.
	// If the node does not exist, then the nil object will be returned.
	Get(path string) (*NodeData, error)
	// Delete removes a single node.
	// ErrNodeMissing is responded when the node does not exist and
	// ErrNodeNotEmpty when the node still has children.
	Delete(path string) error
	// DeleteRecursive removes the node and its whole subtree. Removing a
	// missing node is a no-op.
	DeleteRecursive(path string) error
}

type _CoordinationTree interface {
	// ListChildren responds the sorted child names of the node, or an empty
	// list when the node does not exist.
	ListChildren(path string) ([]string, error)
	// ChildrenVersion responds a counter that increases on every node
	// creation or deletion underneath the given path. Payload updates do not
	// move the counter. A node without structural history responds 0.
	ChildrenVersion(path string) (int64, error)
}

type _CoordinationTxn interface {
	// Txn applies the given operations atomically: either every operation is
	// applied or none is. TxnConflict is responded without error when a
	// precondition of a strict operation fails.
	Txn(ops []TreeOp) (TxnStatus, error)
}

// CoordinationStore is the boundary to the shared hierarchical store that
// all replication bookkeeping lives in. Implementations must be safe for
// use by concurrent callers in separate processes.
type CoordinationStore interface {
	_CoordinationNode
	_CoordinationTree
	_CoordinationTxn

	Close() error
}
