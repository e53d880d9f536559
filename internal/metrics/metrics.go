package metrics

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alvmarrod/statweaver/internal/signals"
	"github.com/alvmarrod/statweaver/internal/subscriber"
	"github.com/bytedance/sonic"
)

// Report is the JSON document written when a session ends
type Report struct {
	Spider            string           `json:"spider"`
	SessionID         string           `json:"session_id"`
	StartTime         time.Time        `json:"start_time"`
	EndTime           time.Time        `json:"end_time"`
	TerminationReason string           `json:"termination_reason"`
	Events            map[string]int   `json:"events"`
	Stats             signals.Snapshot `json:"stats"`
}

// StatsSource is anything that can hand out a copy of the live stats
type StatsSource interface {
	GetStats() signals.Snapshot
}

// Reporter watches one session: it counts the signals it sees, prints
// progress lines on demand and writes a report file when the session closes
type Reporter struct {
	subscriber.Base

	mu        sync.Mutex
	spider    string
	sessionID string
	path      string
	source    StatsSource
	startTime time.Time
	events    map[string]int
	written   bool
}

// NewReporter creates a Reporter writing its final report to path.
// An empty path disables the file.
func NewReporter(spider, sessionID, path string, source StatsSource) *Reporter {
	return &Reporter{
		spider:    spider,
		sessionID: sessionID,
		path:      path,
		source:    source,
		startTime: time.Now(),
		events:    make(map[string]int),
	}
}

func (r *Reporter) count(sig signals.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[sig.String()]++
}

func (r *Reporter) SessionOpened(e signals.SessionOpenedEvent) error {
	r.mu.Lock()
	r.startTime = time.Now()
	r.mu.Unlock()
	r.count(e.Signal())
	return nil
}

func (r *Reporter) ValueSet(e signals.ValueSetEvent) error {
	r.count(e.Signal())
	return nil
}

func (r *Reporter) ValueIncreased(e signals.ValueIncreasedEvent) error {
	r.count(e.Signal())
	return nil
}

func (r *Reporter) ValueMaxed(e signals.ValueMaxedEvent) error {
	r.count(e.Signal())
	return nil
}

func (r *Reporter) ValueMinned(e signals.ValueMinnedEvent) error {
	r.count(e.Signal())
	return nil
}

func (r *Reporter) StatsCleared(e signals.StatsClearedEvent) error {
	r.count(e.Signal())
	return nil
}

func (r *Reporter) SessionClosed(e signals.SessionClosedEvent) error {
	r.count(e.Signal())
	if r.path == "" {
		return nil
	}
	return r.WriteToFile(r.path, e.Reason, e.Stats)
}

// Events returns how many times each signal was seen
func (r *Reporter) Events() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.events))
	for k, v := range r.events {
		out[k] = v
	}
	return out
}

// Written reports whether a report file has been written
func (r *Reporter) Written() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// WriteToFile exports the report as JSON
func (r *Reporter) WriteToFile(path, reason string, final signals.Snapshot) error {
	events := r.Events()

	r.mu.Lock()
	defer r.mu.Unlock()

	report := Report{
		Spider:            r.spider,
		SessionID:         r.sessionID,
		StartTime:         r.startTime,
		EndTime:           time.Now(),
		TerminationReason: reason,
		Events:            events,
		Stats:             final,
	}

	jsonData, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	r.written = true
	return nil
}

// LogProgress returns a one-line summary of the crawl stats
func (r *Reporter) LogProgress() string {
	s := r.source.GetStats()
	return fmt.Sprintf("Nodes: %v discovered, %v crawled | Edges: %v | Pages: %v fetched, %v failed",
		valueOr(s, "nodes/discovered"),
		valueOr(s, "nodes/crawled"),
		valueOr(s, "edges/recorded"),
		valueOr(s, "downloader/response_count"),
		valueOr(s, "downloader/exception_count"),
	)
}

func valueOr(s signals.Snapshot, key string) any {
	if v, ok := s[key]; ok {
		return v
	}
	return 0
}
