package storage

import (
	"time"

	"github.com/alvmarrod/statweaver/internal/signals"
)

// Node represents a domain or subdomain in the crawl graph
type Node struct {
	NodeID      int
	DomainName  string
	Description string
	CrawlCount  int
	CreatedAt   time.Time
}

// QueueEntry represents an item in the BFS crawl queue
type QueueEntry struct {
	NodeID     int
	DomainName string
	Depth      int
}

// SnapshotRecord is the final stats of one closed session as persisted
type SnapshotRecord struct {
	ID        int
	Spider    string
	SessionID string
	Reason    string
	ClosedAt  time.Time
	Stats     signals.Snapshot
}
