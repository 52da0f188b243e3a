package replication

import (
	"strconv"

	"github.com/crossrepl/logship/component"
)

// Positions and sequence ids are stored as decimal int64 text. A missing
// or unparseable record never fails the caller: shipping restarts from the
// documented default instead of halting the cluster.

func encodePosition(position int64) []byte {
	return []byte(strconv.FormatInt(position, 10))
}

// parsePosition responds (value, ok). An empty payload is the state of a
// freshly registered WAL entry and parses to (0, true); anything else that
// is not a non-negative int64 responds ok=false.
func parsePosition(data []byte) (int64, bool) {
	if len(data) == 0 {
		return 0, true
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// SetWALPosition persists the replicated offset of the WAL entry and the
// max pushed sequence id per region in one transaction. Serial replication
// depends on the two never being observable out of step, even across a
// crash in the middle of the call.
func (q *QueueStorage) SetWALPosition(node, queueID, fileName string, position int64, lastSeqIDs map[string]int64) error {
	walPath := q.layout.walPath(node, queueID, fileName)
	ops := []component.TreeOp{component.SetPayloadOp(walPath, encodePosition(position))}
	if len(lastSeqIDs) > 0 {
		peerID := peerIDFromQueueID(queueID)
		for regionID, seqID := range lastSeqIDs {
			path := q.layout.regionPeerPath(regionID, peerID)
			// Ensure the progress record exists before the transaction. A
			// create inside the transaction would abort the whole batch once
			// the record pre-exists, and existence is all that matters here:
			// only the payload updates need to be atomic.
			if err := q.store.CreateWithAncestors(path, nil); err != nil {
				return replErr(err, "failed to set log position (node=%s, queueId=%s, fileName=%s, position=%d)",
					node, queueID, fileName, position)
			}
			ops = append(ops, component.SetPayloadOp(path, encodePosition(seqID)))
		}
	}
	status, err := q.store.Txn(ops)
	if err == nil && status == component.TxnConflict {
		err = errTxnAborted
	}
	if err != nil {
		return replErr(err, "failed to set log position (node=%s, queueId=%s, fileName=%s, position=%d)",
			node, queueID, fileName, position)
	}
	return nil
}

func (q *QueueStorage) GetWALPosition(node, queueID, fileName string) (int64, error) {
	data, err := q.store.Get(q.layout.walPath(node, queueID, fileName))
	if err != nil {
		return 0, replErr(err, "failed to get log position (node=%s, queueId=%s, fileName=%s)",
			node, queueID, fileName)
	}
	if data == nil {
		return 0, nil
	}
	position, ok := parsePosition(data.Payload)
	if !ok {
		// restart shipping this file from the beginning
		logWarn("failed to parse log position",
			"node", node, "queueId", queueID, "fileName", fileName)
		return 0, nil
	}
	return position, nil
}

func (q *QueueStorage) GetLastSequenceID(regionID, peerID string) (int64, error) {
	data, err := q.store.Get(q.layout.regionPeerPath(regionID, peerID))
	if err != nil {
		return component.NoSequenceNumber, replErr(err, "failed to get the last sequence id (region=%s, peerId=%s)",
			regionID, peerID)
	}
	if data == nil || len(data.Payload) == 0 {
		return component.NoSequenceNumber, nil
	}
	seqID, ok := parsePosition(data.Payload)
	if !ok {
		logWarn("failed to parse last pushed sequence id",
			"region", regionID, "peerId", peerID)
		return component.NoSequenceNumber, nil
	}
	return seqID, nil
}
