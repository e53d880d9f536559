package crawler

import (
	"fmt"
	"sync"
	"time"

	"github.com/alvmarrod/statweaver/internal/config"
	"github.com/alvmarrod/statweaver/internal/storage"
	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"
)

// Stat keys written by the crawler
const (
	StatNodesDiscovered    = "nodes/discovered"
	StatNodesCrawled       = "nodes/crawled"
	StatEdgesRecorded      = "edges/recorded"
	StatEdgeMaxWeight      = "edges/max_weight"
	StatResponseCount      = "downloader/response_count"
	StatExceptionCount     = "downloader/exception_count"
	StatStatusCountPrefix  = "downloader/response_status_count/"
	StatFetchMsTotal       = "downloader/fetch_ms/total"
	StatFetchMsMax         = "downloader/fetch_ms/max"
	StatFetchMsMin         = "downloader/fetch_ms/min"
	StatQueueMaxSize       = "queue/max_size"
	StatSubdomainLimited   = "scheduler/subdomain_limited"
	StatMaxDepthReached    = "scheduler/max_depth"
	StatVisitScheduleError = "scheduler/visit_error"
)

const fetchStartKey = "fetch_start"

// Stats is the part of a session's stats store the crawler writes to.
// *stats.Collector satisfies it.
type Stats interface {
	SetValue(key string, value any) error
	IncValue(key string, count, start any) error
	MaxValue(key string, value any) error
	MinValue(key string, value any) error
}

// Crawler orchestrates the web crawling process
type Crawler struct {
	cfg        *config.Config
	storage    *storage.Storage
	stats      Stats
	queue      *Queue
	limiter    *SubdomainLimiter
	filter     *DomainFilter
	collector  *colly.Collector
	contextMap map[string]storage.QueueEntry
	contextMu  sync.RWMutex
	wg         sync.WaitGroup
	stopChan   chan struct{}
	stopOnce   sync.Once
	inFlightMu sync.Mutex
	inFlight   int
}

// NewCrawler creates a new crawler instance recording into stats
func NewCrawler(cfg *config.Config, store *storage.Storage, stats Stats) (*Crawler, error) {
	filter, err := NewDomainFilter(cfg.ExcludePatterns)
	if err != nil {
		return nil, err
	}

	c := &Crawler{
		cfg:        cfg,
		storage:    store,
		stats:      stats,
		queue:      NewQueue(),
		limiter:    NewSubdomainLimiter(cfg.MaxSubdomainsPerRoot),
		filter:     filter,
		contextMap: make(map[string]storage.QueueEntry),
		stopChan:   make(chan struct{}),
	}

	c.setupColly()
	return c, nil
}

func (c *Crawler) inc(key string) {
	c.record(key, c.stats.IncValue(key, 1, 0))
}

// record logs stats that could not be written, typically because the
// session already closed during shutdown
func (c *Crawler) record(key string, err error) {
	if err != nil {
		logrus.Debugf("Stat %s not recorded: %v", key, err)
	}
}

// setupColly configures the Colly collector with callbacks
func (c *Crawler) setupColly() {
	c.collector = colly.NewCollector(
		colly.Async(true),
		colly.MaxDepth(0), // Managed manually via queue depth
	)

	c.collector.SetRequestTimeout(time.Duration(c.cfg.RequestTimeoutMs) * time.Millisecond)

	c.collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: c.cfg.ConcurrentWorkers,
	})

	c.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(fetchStartKey, time.Now())
	})

	c.collector.OnHTML("title", func(e *colly.HTMLElement) {
		c.describe(e, e.Text, false)
	})

	// Meta description only when no title was found
	c.collector.OnHTML("meta[name=description]", func(e *colly.HTMLElement) {
		c.describe(e, e.Attr("content"), true)
	})

	c.collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		ctx := c.contextFor(e.Request)
		if ctx == nil {
			// Likely a redirect to an untracked domain
			return
		}
		c.handleLink(ctx, e.Attr("href"))
	})

	c.collector.OnResponse(func(r *colly.Response) {
		defer c.decrementInFlight()

		ctx := c.contextFor(r.Request)
		if ctx == nil {
			return
		}

		c.inc(StatResponseCount)
		c.inc(fmt.Sprintf("%s%d", StatStatusCountPrefix, r.StatusCode))
		c.recordFetchTime(r.Ctx)

		logrus.Infof("Worker fetched %s (depth=%d, status=%d)", ctx.DomainName, ctx.Depth, r.StatusCode)
	})

	c.collector.OnError(func(r *colly.Response, err error) {
		defer c.decrementInFlight()

		c.inc(StatExceptionCount)
		if r == nil || r.Request == nil {
			logrus.Errorf("OnError called with nil response: %v", err)
			return
		}

		logrus.Errorf("OnError called for %s: %v (status: %d)", r.Request.URL, err, r.StatusCode)
		if r.StatusCode > 0 {
			c.inc(fmt.Sprintf("%s%d", StatStatusCountPrefix, r.StatusCode))
		}

		if domain, extractErr := ExtractDomain(r.Request.URL.String()); extractErr == nil && domain != "" {
			c.deleteContext(domain)
		}
	})
}

func (c *Crawler) describe(e *colly.HTMLElement, text string, onlyIfEmpty bool) {
	ctx := c.contextFor(e.Request)
	if ctx == nil || text == "" {
		return
	}

	if onlyIfEmpty {
		node, err := c.storage.GetNode(ctx.DomainName)
		if err != nil || node == nil || node.Description != "" {
			return
		}
	}

	if len(text) > 60 {
		text = text[:60]
	}
	if _, err := c.storage.UpsertNode(ctx.DomainName, text); err != nil {
		logrus.Warnf("Failed to update node description: %v", err)
	}
}

func (c *Crawler) recordFetchTime(ctx *colly.Context) {
	start, ok := ctx.GetAny(fetchStartKey).(time.Time)
	if !ok {
		return
	}
	ms := time.Since(start).Milliseconds()
	c.record(StatFetchMsTotal, c.stats.IncValue(StatFetchMsTotal, ms, 0))
	c.record(StatFetchMsMax, c.stats.MaxValue(StatFetchMsMax, ms))
	c.record(StatFetchMsMin, c.stats.MinValue(StatFetchMsMin, ms))
}

// EnqueueSeed enqueues the initial seed URL
func (c *Crawler) EnqueueSeed(seedURL string) (int, error) {
	seedDomain, err := ExtractDomain(seedURL)
	if err != nil {
		return 0, fmt.Errorf("invalid seed URL %q: %w", seedURL, err)
	}
	if seedDomain == "" {
		return 0, fmt.Errorf("invalid seed URL %q: no host", seedURL)
	}

	nodeID, err := c.storage.UpsertNode(seedDomain, "")
	if err != nil {
		return 0, fmt.Errorf("failed to create seed node: %w", err)
	}

	if c.Enqueue(storage.QueueEntry{NodeID: nodeID, DomainName: seedDomain}) {
		c.inc(StatNodesDiscovered)
	}
	return nodeID, nil
}

// Start begins the crawler workers
func (c *Crawler) Start() {
	logrus.Infof("Starting %d crawler workers", c.cfg.ConcurrentWorkers)

	for i := 0; i < c.cfg.ConcurrentWorkers; i++ {
		c.wg.Add(1)
		go c.worker(i + 1)
	}
}

// worker processes queue entries
func (c *Crawler) worker(id int) {
	defer c.wg.Done()

	logrus.Infof("Worker %d started", id)

	for {
		select {
		case <-c.stopChan:
			logrus.Infof("Worker %d received stop signal", id)
			return
		default:
		}

		// Blocks while the queue is empty
		entry, ok := c.queue.Pop()
		if !ok {
			logrus.Infof("Worker %d: queue stopped, exiting", id)
			return
		}

		logrus.Debugf("Worker %d: popped %s (depth=%d)", id, entry.DomainName, entry.Depth)

		node, err := c.storage.GetNode(entry.DomainName)
		if err != nil {
			logrus.Warnf("Worker %d: failed to get node %s: %v", id, entry.DomainName, err)
			continue
		}
		if node == nil {
			logrus.Warnf("Worker %d: node not found for %s, skipping", id, entry.DomainName)
			continue
		}
		if node.CrawlCount >= c.cfg.MaxCrawlsPerNode {
			logrus.Debugf("Worker %d: node %s at max crawls, skipping", id, entry.DomainName)
			continue
		}

		targetURL := "https://" + entry.DomainName
		c.setContext(entry.DomainName, entry)

		if err := c.storage.IncrementCrawlCount(entry.NodeID); err != nil {
			logrus.Warnf("Worker %d: failed to increment crawl count: %v", id, err)
		}
		c.inc(StatNodesCrawled)

		c.incrementInFlight()
		if err := c.collector.Visit(targetURL); err != nil {
			c.decrementInFlight()
			c.inc(StatVisitScheduleError)
			logrus.Warnf("Worker %d: visit failed for %s: %v", id, targetURL, err)
			c.deleteContext(entry.DomainName)
		} else {
			logrus.Infof("Worker %d: scheduled visit to %s (depth=%d)", id, targetURL, entry.Depth)
		}
	}
}

// handleLink processes a single extracted link
func (c *Crawler) handleLink(source *storage.QueueEntry, link string) {
	targetDomain, err := ExtractDomain(link)
	if err != nil || targetDomain == "" {
		return
	}

	if targetDomain == source.DomainName || c.filter.IsExcluded(targetDomain) {
		return
	}

	if !c.limiter.CanAdd(targetDomain) {
		c.inc(StatSubdomainLimited)
		return
	}

	targetNodeID, err := c.storage.UpsertNode(targetDomain, "")
	if err != nil {
		logrus.Warnf("Failed to upsert target node %s: %v", targetDomain, err)
		return
	}
	c.inc(StatNodesDiscovered)

	if err := c.storage.UpsertEdge(source.NodeID, targetNodeID); err != nil {
		logrus.Warnf("Failed to upsert edge %s -> %s: %v", source.DomainName, targetDomain, err)
		return
	}
	c.inc(StatEdgesRecorded)

	if weight, err := c.storage.EdgeWeight(source.NodeID, targetNodeID); err != nil {
		logrus.Warnf("Failed to read edge weight %s -> %s: %v", source.DomainName, targetDomain, err)
	} else {
		c.record(StatEdgeMaxWeight, c.stats.MaxValue(StatEdgeMaxWeight, weight))
	}

	logrus.Infof("Edge: %s -> %s (depth %d->%d)", source.DomainName, targetDomain, source.Depth, source.Depth+1)

	nextDepth := source.Depth + 1
	if nextDepth > c.cfg.MaxDepth {
		c.inc(StatMaxDepthReached)
		return
	}

	c.Enqueue(storage.QueueEntry{
		NodeID:     targetNodeID,
		DomainName: targetDomain,
		Depth:      nextDepth,
	})
}

// Stop gracefully stops the crawler (safe to call multiple times)
func (c *Crawler) Stop() {
	c.stopOnce.Do(func() {
		logrus.Info("Stopping crawler...")

		c.queue.Stop()
		close(c.stopChan)

		workersDone := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(workersDone)
		}()

		select {
		case <-workersDone:
			logrus.Debug("All workers stopped")
		case <-time.After(5 * time.Second):
			logrus.Warn("Workers timeout (5s) - some workers may still be running")
		}

		if inFlight := c.getInFlight(); inFlight > 0 {
			logrus.Infof("Waiting for %d in-flight requests (max 10s)...", inFlight)
			collectorDone := make(chan struct{})
			go func() {
				c.collector.Wait()
				close(collectorDone)
			}()

			select {
			case <-collectorDone:
				logrus.Info("All in-flight requests completed")
			case <-time.After(10 * time.Second):
				logrus.Warnf("Timeout waiting for requests - abandoning %d in-flight requests", c.getInFlight())
			}
		}

		logrus.Info("Crawler stopped")
	})
}

// Enqueue adds a node to the crawl queue and tracks the queue high-water mark
func (c *Crawler) Enqueue(entry storage.QueueEntry) bool {
	c.limiter.Add(entry.DomainName)

	if !c.queue.Push(entry) {
		return false
	}
	c.record(StatQueueMaxSize, c.stats.MaxValue(StatQueueMaxSize, c.queue.Size()))
	return true
}

// Pending returns the entries still waiting in the queue
func (c *Crawler) Pending() []storage.QueueEntry {
	return c.queue.Pending()
}

// WaitUntilEmpty blocks until the queue is empty AND no requests are in-flight
func (c *Crawler) WaitUntilEmpty() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			logrus.Infof("Queue status: %d items, %d in-flight requests", c.queue.Size(), c.getInFlight())
		case <-time.After(time.Second):
		}

		if c.queue.IsEmpty() && c.getInFlight() == 0 {
			// Double-check after a short delay
			logrus.Info("Queue and in-flight both zero, double-checking...")
			time.Sleep(2 * time.Second)

			if c.queue.IsEmpty() && c.getInFlight() == 0 {
				logrus.Info("Queue confirmed empty with no in-flight requests, initiating natural shutdown")
				c.Stop()
				return
			}
		}
	}
}

func (c *Crawler) incrementInFlight() {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()
	c.inFlight++
}

func (c *Crawler) decrementInFlight() {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()
	c.inFlight--
}

func (c *Crawler) getInFlight() int {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()
	return c.inFlight
}

// Context management keyed by domain, not full URL
func (c *Crawler) setContext(domain string, entry storage.QueueEntry) {
	c.contextMu.Lock()
	defer c.contextMu.Unlock()
	c.contextMap[domain] = entry
}

// contextFor finds the queue entry a request belongs to. Redirects between
// www.example.com and example.com fall back to the root domain.
func (c *Crawler) contextFor(r *colly.Request) *storage.QueueEntry {
	domain, err := ExtractDomain(r.URL.String())
	if err != nil || domain == "" {
		return nil
	}

	c.contextMu.RLock()
	defer c.contextMu.RUnlock()

	if entry, ok := c.contextMap[domain]; ok {
		return &entry
	}

	root := ExtractRootDomain(domain)
	for key, entry := range c.contextMap {
		if ExtractRootDomain(key) == root {
			entryCopy := entry
			return &entryCopy
		}
	}
	return nil
}

func (c *Crawler) deleteContext(domain string) {
	c.contextMu.Lock()
	defer c.contextMu.Unlock()
	delete(c.contextMap, domain)
}
