package replication

import (
	"errors"

	"github.com/crossrepl/logship/component"
)

// HFileRefs tracks bulk loaded files pending shipment per peer, a simpler
// sibling of the WAL queues without position tracking. It shares the
// coordination store and the enumeration technique with QueueStorage.
type HFileRefs struct {
	store  component.CoordinationStore
	layout *layout
}

func NewHFileRefs(store component.CoordinationStore, cfg *StorageConfig) *HFileRefs {
	return &HFileRefs{
		store:  store,
		layout: newLayout(cfg),
	}
}

func (h *HFileRefs) AddPeer(peerID string) error {
	peerPath := h.layout.peerPath(peerID)
	data, err := h.store.Get(peerPath)
	if err != nil {
		return replErr(err, "failed to add peer %s to hfile reference queue", peerID)
	}
	if data != nil {
		return nil
	}
	logInfo("adding peer to hfile reference queue", "peerId", peerID)
	if err := h.store.CreateWithAncestors(peerPath, nil); err != nil {
		return replErr(err, "failed to add peer %s to hfile reference queue", peerID)
	}
	return nil
}

func (h *HFileRefs) RemovePeer(peerID string) error {
	peerPath := h.layout.peerPath(peerID)
	data, err := h.store.Get(peerPath)
	if err != nil {
		return replErr(err, "failed to remove peer %s from hfile reference queue", peerID)
	}
	if data == nil {
		logWarn("peer not found in hfile reference queue", "peerId", peerID)
		return nil
	}
	logInfo("removing peer from hfile reference queue", "peerId", peerID)
	if err := h.store.DeleteRecursive(peerPath); err != nil {
		return replErr(err, "failed to remove peer %s from hfile reference queue", peerID)
	}
	return nil
}

// AddRefs registers the given bulk file names under the peer in a single
// transaction. Creates fail silently on pre-existing entries so a partially
// pre-registered batch does not abort the whole call.
func (h *HFileRefs) AddRefs(peerID string, files []string) error {
	if len(files) == 0 {
		return nil
	}
	ops := make([]component.TreeOp, 0, len(files))
	for _, file := range files {
		ops = append(ops, component.CreateFailSilentOp(h.layout.refPath(peerID, file), nil))
	}
	status, err := h.store.Txn(ops)
	if err == nil && status == component.TxnConflict {
		err = errors.New("peer not registered in hfile reference queue")
	}
	if err != nil {
		return replErr(err, "failed to add hfile reference to peer %s", peerID)
	}
	return nil
}

// RemoveRefs drops the given bulk file names under the peer in a single
// transaction, ignoring entries that are already gone.
func (h *HFileRefs) RemoveRefs(peerID string, files []string) error {
	if len(files) == 0 {
		return nil
	}
	ops := make([]component.TreeOp, 0, len(files))
	for _, file := range files {
		ops = append(ops, component.DeleteFailSilentOp(h.layout.refPath(peerID, file)))
	}
	status, err := h.store.Txn(ops)
	if err == nil && status == component.TxnConflict {
		err = errTxnAborted
	}
	if err != nil {
		return replErr(err, "failed to remove hfile reference from peer %s", peerID)
	}
	return nil
}

func (h *HFileRefs) ListPeers() ([]string, error) {
	peers, err := h.store.ListChildren(h.layout.hfileRefsRoot)
	if err != nil {
		return nil, replErr(err, "failed to get list of all peers in hfile reference queue")
	}
	return peers, nil
}

func (h *HFileRefs) ListRefs(peerID string) ([]string, error) {
	refs, err := h.store.ListChildren(h.layout.peerPath(peerID))
	if err != nil {
		return nil, replErr(err, "failed to get list of hfile references for peer %s", peerID)
	}
	return refs, nil
}

// AllHFileRefs responds every referenced bulk file name across all peers,
// using the same optimistic walk as QueueStorage.AllWALs.
func (h *HFileRefs) AllHFileRefs() (map[string]struct{}, error) {
	for retry := 0; ; retry++ {
		v0, err := h.store.ChildrenVersion(h.layout.hfileRefsRoot)
		if err != nil {
			return nil, replErr(err, "failed to get all hfile refs")
		}
		peers, err := h.store.ListChildren(h.layout.hfileRefsRoot)
		if err != nil {
			return nil, replErr(err, "failed to get all hfile refs")
		}
		if len(peers) == 0 {
			return map[string]struct{}{}, nil
		}
		refs := make(map[string]struct{})
		for _, peer := range peers {
			files, err := h.store.ListChildren(h.layout.peerPath(peer))
			if err != nil {
				return nil, replErr(err, "failed to get all hfile refs")
			}
			for _, file := range files {
				refs[file] = struct{}{}
			}
		}
		v1, err := h.store.ChildrenVersion(h.layout.hfileRefsRoot)
		if err != nil {
			return nil, replErr(err, "failed to get all hfile refs")
		}
		if v0 == v1 {
			return refs, nil
		}
		logWarn("hfile reference queue changed while enumerating, retrying",
			"from", v0, "to", v1, "retry", retry)
	}
}

var _ component.HFileRefStorage = new(HFileRefs)
