package replication

import (
	"errors"
	"fmt"
	"sort"

	"github.com/crossrepl/logship/component"
)

var errTxnAborted = errors.New("transaction aborted by concurrent change")

// QueueStorage is the WAL replication queue bookkeeping over a shared
// coordination store.
//
// The base node for each cluster node is the node identity. Within it the
// node maintains one child per replication queue, and each queue has one
// child per WAL that still needs to be replicated, holding the latest
// replicated position as payload:
//
//	<queues root>/hostname.example.org,6020,1234/1/23522342.23422 [VALUE: 254]
type QueueStorage struct {
	store  component.CoordinationStore
	layout *layout
}

func NewQueueStorage(store component.CoordinationStore, cfg *StorageConfig) *QueueStorage {
	return &QueueStorage{
		store:  store,
		layout: newLayout(cfg),
	}
}

func replErr(err error, format string, args ...any) error {
	return &component.ReplicationError{Op: fmt.Sprintf(format, args...), Err: err}
}

func (q *QueueStorage) RemoveQueue(node, queueID string) error {
	if err := q.store.DeleteRecursive(q.layout.queuePath(node, queueID)); err != nil {
		return replErr(err, "failed to delete queue (node=%s, queueId=%s)", node, queueID)
	}
	return nil
}

func (q *QueueStorage) AddWAL(node, queueID, fileName string) error {
	if err := q.store.CreateWithAncestors(q.layout.walPath(node, queueID, fileName), nil); err != nil {
		return replErr(err, "failed to add wal to queue (node=%s, queueId=%s, fileName=%s)",
			node, queueID, fileName)
	}
	return nil
}

func (q *QueueStorage) RemoveWAL(node, queueID, fileName string) error {
	walPath := q.layout.walPath(node, queueID, fileName)
	err := q.store.Delete(walPath)
	if errors.Is(err, component.ErrNodeMissing) {
		logWarn(walPath + " has already been deleted when removing log")
		return nil
	}
	if err != nil {
		return replErr(err, "failed to remove wal from queue (node=%s, queueId=%s, fileName=%s)",
			node, queueID, fileName)
	}
	return nil
}

func (q *QueueStorage) ListNodes() ([]string, error) {
	nodes, err := q.store.ListChildren(q.layout.queuesRoot)
	if err != nil {
		return nil, replErr(err, "failed to get list of replicator nodes")
	}
	return nodes, nil
}

func (q *QueueStorage) ListQueues(node string) ([]string, error) {
	queues, err := q.store.ListChildren(q.layout.nodePath(node))
	if err != nil {
		return nil, replErr(err, "failed to get all queues (node=%s)", node)
	}
	return queues, nil
}

func (q *QueueStorage) ListWALs(node, queueID string) ([]string, error) {
	wals, err := q.store.ListChildren(q.layout.queuePath(node, queueID))
	if err != nil {
		return nil, replErr(err, "failed to get wals in queue (node=%s, queueId=%s)", node, queueID)
	}
	return wals, nil
}

// ClaimQueue atomically moves every WAL entry of the source queue, with its
// recorded position, under the destination node and removes the source
// queue. The store transaction is the sole arbiter between competing
// claimants: whoever commits first wins and the others observe a conflict,
// reported as a nil result without error.
func (q *QueueStorage) ClaimQueue(sourceNode, queueID, destNode string) (*component.ClaimedQueue, error) {
	logInfo("atomically moving queue", "source", sourceNode, "queueId", queueID, "dest", destNode)
	if err := q.store.CreateWithAncestors(q.layout.nodePath(destNode), nil); err != nil {
		return nil, replErr(err, "claim queue failed when creating the node for %s (queueId=%s, source=%s)",
			destNode, queueID, sourceNode)
	}

	oldQueuePath := q.layout.queuePath(sourceNode, queueID)
	queueVersion, err := q.store.ChildrenVersion(oldQueuePath)
	if err != nil {
		return nil, replErr(err, "claim queue failed reading queue version (source=%s, queueId=%s)",
			sourceNode, queueID)
	}
	wals, err := q.store.ListChildren(oldQueuePath)
	if err != nil {
		return nil, replErr(err, "claim queue failed listing wals (source=%s, queueId=%s)",
			sourceNode, queueID)
	}
	newQueueID := queueID + "-" + sourceNode
	if len(wals) == 0 {
		// the queue has already been drained, only the vacuous queue node is
		// left to clean up
		err := q.store.Delete(oldQueuePath)
		switch {
		case errors.Is(err, component.ErrNodeNotEmpty):
			// a wal reappeared under the queue, someone else is in charge
			return nil, nil
		case err == nil || errors.Is(err, component.ErrNodeMissing):
			logInfo("removed queue since it is empty", "source", sourceNode, "queueId", queueID)
			return &component.ClaimedQueue{QueueID: newQueueID}, nil
		default:
			return nil, replErr(err, "claim queue failed removing empty queue (source=%s, queueId=%s)",
				sourceNode, queueID)
		}
	}

	newQueuePath := q.layout.queuePath(destNode, newQueueID)
	ops := make([]component.TreeOp, 0, 2*len(wals)+3)
	// guard against structural changes under the source queue that the
	// entry level operations below would not detect
	ops = append(ops, component.CheckChildrenVersionOp(oldQueuePath, queueVersion))
	// creating the new queue node must fail when a previous claim already
	// produced it
	ops = append(ops, component.CreateOp(newQueuePath, nil))
	for _, wal := range wals {
		oldWalPath := joinPath(oldQueuePath, wal)
		data, err := q.store.Get(oldWalPath)
		if err != nil {
			return nil, replErr(err, "claim queue failed reading wal position (source=%s, queueId=%s, fileName=%s)",
				sourceNode, queueID, wal)
		}
		if data == nil {
			// entry vanished between listing and reading, the logs are being
			// taken away by someone else
			return nil, nil
		}
		ops = append(ops,
			component.CreateOp(joinPath(newQueuePath, wal), data.Payload),
			component.DeleteOp(oldWalPath))
	}
	ops = append(ops, component.DeleteOp(oldQueuePath))

	status, err := q.store.Txn(ops)
	if err != nil {
		return nil, replErr(err, "claim queue failed (source=%s, queueId=%s, dest=%s)",
			sourceNode, queueID, destNode)
	}
	if status == component.TxnConflict {
		logInfo("claim queue lost the race, someone else has already taken away the logs",
			"source", sourceNode, "queueId", queueID, "dest", destNode)
		return nil, nil
	}

	claimed := append([]string(nil), wals...)
	sort.Strings(claimed)
	logInfo("atomically moved queue", "source", sourceNode, "queueId", queueID, "dest", destNode)
	return &component.ClaimedQueue{QueueID: newQueueID, WALs: claimed}, nil
}

// RemoveNodeIfEmpty removes the node root once its last queue is gone.
// Losing to a concurrent queue creation or removal is silently accepted.
func (q *QueueStorage) RemoveNodeIfEmpty(node string) error {
	err := q.store.Delete(q.layout.nodePath(node))
	if err == nil || errors.Is(err, component.ErrNodeMissing) || errors.Is(err, component.ErrNodeNotEmpty) {
		return nil
	}
	return replErr(err, "failed to remove replicator node %s", node)
}

// AllWALs responds every WAL file name across all queues of all nodes. The
// multi step walk is validated against the children version of the queues
// root: whenever the tree changed structurally while the walk was in
// flight, the partial result is discarded and the walk restarts. A torn
// answer would let the log cleaner delete files that are still referenced,
// so retrying forever is preferable to capping the loop.
func (q *QueueStorage) AllWALs() (map[string]struct{}, error) {
	for retry := 0; ; retry++ {
		v0, err := q.store.ChildrenVersion(q.layout.queuesRoot)
		if err != nil {
			return nil, replErr(err, "failed to get all wals")
		}
		nodes, err := q.store.ListChildren(q.layout.queuesRoot)
		if err != nil {
			return nil, replErr(err, "failed to get all wals")
		}
		if len(nodes) == 0 {
			return map[string]struct{}{}, nil
		}
		wals := make(map[string]struct{})
		if err := q.walkQueues(nodes, wals); err != nil {
			return nil, replErr(err, "failed to get all wals")
		}
		v1, err := q.store.ChildrenVersion(q.layout.queuesRoot)
		if err != nil {
			return nil, replErr(err, "failed to get all wals")
		}
		if v0 == v1 {
			return wals, nil
		}
		logWarn("replication queues changed while enumerating, retrying",
			"from", v0, "to", v1, "retry", retry)
	}
}

func (q *QueueStorage) walkQueues(nodes []string, wals map[string]struct{}) error {
	for _, node := range nodes {
		queues, err := q.store.ListChildren(q.layout.nodePath(node))
		if err != nil {
			return err
		}
		for _, queueID := range queues {
			entries, err := q.store.ListChildren(q.layout.queuePath(node, queueID))
			if err != nil {
				return err
			}
			for _, wal := range entries {
				wals[wal] = struct{}{}
			}
		}
	}
	return nil
}

var _ component.ReplicationQueueStorage = new(QueueStorage)
