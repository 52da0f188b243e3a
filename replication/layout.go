package replication

import (
	"fmt"
	"strings"
	"unicode/utf16"
)

const (
	DefaultRoot           = "/replication"
	DefaultQueuesNodeName = "queues"
	DefaultHFileRefsName  = "hfile-refs"
	DefaultRegionsName    = "regions"
)

// StorageConfig carries the namespace roots the replication bookkeeping
// lives under. Zero values fall back to the defaults above.
type StorageConfig struct {
	Root              string
	QueuesNodeName    string
	HFileRefsNodeName string
	RegionsNodeName   string
}

func (c *StorageConfig) withDefaults() StorageConfig {
	cfg := StorageConfig{}
	if c != nil {
		cfg = *c
	}
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}
	if cfg.QueuesNodeName == "" {
		cfg.QueuesNodeName = DefaultQueuesNodeName
	}
	if cfg.HFileRefsNodeName == "" {
		cfg.HFileRefsNodeName = DefaultHFileRefsName
	}
	if cfg.RegionsNodeName == "" {
		cfg.RegionsNodeName = DefaultRegionsName
	}
	return cfg
}

// layout maps domain identifiers to store paths. Pure path construction,
// no I/O. Distinct identifier tuples always map to distinct paths.
type layout struct {
	queuesRoot    string
	hfileRefsRoot string
	regionsRoot   string
}

func newLayout(cfg *StorageConfig) *layout {
	c := cfg.withDefaults()
	return &layout{
		queuesRoot:    joinPath(c.Root, c.QueuesNodeName),
		hfileRefsRoot: joinPath(c.Root, c.HFileRefsNodeName),
		regionsRoot:   joinPath(c.Root, c.RegionsNodeName),
	}
}

func joinPath(parent, child string) string {
	return parent + "/" + child
}

func (l *layout) nodePath(node string) string {
	return joinPath(l.queuesRoot, node)
}

func (l *layout) queuePath(node, queueID string) string {
	return joinPath(l.nodePath(node), queueID)
}

func (l *layout) walPath(node, queueID, fileName string) string {
	return joinPath(l.queuePath(node, queueID), fileName)
}

// regionPeerPath responds the progress record path for (region, peer),
// sharded over a 16 bit hash bucket of the region id to bound the number
// of children per node in large deployments:
//
//	<regions root>/<bucket>/<regionId>-<peerId>
func (l *layout) regionPeerPath(regionID, peerID string) string {
	bucket := javaStringHash(regionID) & 0x0000FFFF
	return joinPath(joinPath(l.regionsRoot, fmt.Sprintf("%d", bucket)),
		fmt.Sprintf("%s-%s", regionID, peerID))
}

func (l *layout) peerPath(peerID string) string {
	return joinPath(l.hfileRefsRoot, peerID)
}

func (l *layout) refPath(peerID, fileName string) string {
	return joinPath(l.peerPath(peerID), fileName)
}

// javaStringHash reproduces java.lang.String.hashCode over the UTF-16 form
// of the string. Existing deployments shard region progress records by this
// hash, so the function must stay bit compatible.
func javaStringHash(s string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = 31*h + int32(c)
	}
	return h
}

// peerIDFromQueueID recovers the peer id from a queue id. A native queue id
// is the peer id itself; a claimed queue id carries `-<origin node>`
// suffixes which are cut off at the first separator.
func peerIDFromQueueID(queueID string) string {
	if idx := strings.Index(queueID, "-"); idx >= 0 {
		return queueID[:idx]
	}
	return queueID
}
