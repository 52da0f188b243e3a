package component

// NoSequenceNumber is responded by GetLastSequenceID when nothing has been
// replicated yet for a region under a peer, or when the stored record can
// not be parsed. Callers must treat it as "no progress", not as a failure.
const NoSequenceNumber int64 = -1

// ClaimedQueue is the result of a successful queue claim: the rewritten
// queue id under the destination node and the sorted WAL file names that
// have been moved along with it.
type ClaimedQueue struct {
	QueueID string
	WALs    []string
}

// ReplicationError is the single failure kind surfaced by the replication
// storage components. Op carries the identifying parameters of the failed
// operation for diagnosis.
type ReplicationError struct {
	Op  string
	Err error
}

func (e *ReplicationError) Error() string {
	if e.Err == nil {
		return "replication storage: " + e.Op
	}
	return "replication storage: " + e.Op + ": " + e.Err.Error()
}

func (e *ReplicationError) Unwrap() error {
	return e.Err
}

type _ReplicationQueueOps interface {
	// RemoveQueue removes the queue and all WAL entries in it. Removing a
	// missing queue is a no-op.
	RemoveQueue(node, queueID string) error
	// AddWAL registers a WAL entry under the queue, creating the node and
	// queue on first use. Re-adding an existing entry is a no-op.
	AddWAL(node, queueID, fileName string) error
	// RemoveWAL deletes the WAL entry. An already removed entry is absorbed
	// since removal naturally races with claim and cleanup.
	RemoveWAL(node, queueID, fileName string) error
	ListNodes() ([]string, error)
	ListQueues(node string) ([]string, error)
	ListWALs(node, queueID string) ([]string, error)
}

type _ReplicationPositionOps interface {
	// SetWALPosition persists the replicated byte offset of the WAL entry
	// and, atomically with it, the max pushed sequence id per region for
	// serial replication.
	SetWALPosition(node, queueID, fileName string, position int64, lastSeqIDs map[string]int64) error
	// GetWALPosition responds the replicated byte offset of the WAL entry,
	// or 0 when no progress has been recorded or the record is corrupt.
	GetWALPosition(node, queueID, fileName string) (int64, error)
	// GetLastSequenceID responds the max pushed sequence id for the region
	// under the peer, or NoSequenceNumber.
	GetLastSequenceID(regionID, peerID string) (int64, error)
}

type _ReplicationClaimOps interface {
	// ClaimQueue atomically moves the whole queue from the (dead) source
	// node to the destination node.
	// If a competing claimant got there first, then the nil object will be
	// returned without error.
	ClaimQueue(sourceNode, queueID, destNode string) (*ClaimedQueue, error)
	// RemoveNodeIfEmpty removes the node root once it holds no queue.
	// Best effort: a non-empty or missing node is left alone silently.
	RemoveNodeIfEmpty(node string) error
}

// ReplicationQueueStorage tracks, per cluster node, the WAL segments still
// pending replication and the progress made on each of them.
type ReplicationQueueStorage interface {
	_ReplicationQueueOps
	_ReplicationPositionOps
	_ReplicationClaimOps

	// AllWALs responds the set of WAL file names across all queues of all
	// nodes, consistent with a single instant of the mutation history.
	AllWALs() (map[string]struct{}, error)
}

// HFileRefStorage tracks bulk-loaded files pending shipment per peer,
// outside of the WAL stream.
type HFileRefStorage interface {
	AddPeer(peerID string) error
	RemovePeer(peerID string) error
	AddRefs(peerID string, files []string) error
	RemoveRefs(peerID string, files []string) error
	ListPeers() ([]string, error)
	ListRefs(peerID string) ([]string, error)

	// AllHFileRefs responds the set of referenced bulk file names across all
	// peers, consistent with a single instant of the mutation history.
	AllHFileRefs() (map[string]struct{}, error)
}
