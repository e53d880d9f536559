package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alvmarrod/statweaver/internal/config"
	"github.com/alvmarrod/statweaver/internal/crawler"
	"github.com/alvmarrod/statweaver/internal/memusage"
	"github.com/alvmarrod/statweaver/internal/metrics"
	"github.com/alvmarrod/statweaver/internal/mirror"
	"github.com/alvmarrod/statweaver/internal/session"
	"github.com/alvmarrod/statweaver/internal/signals"
	"github.com/alvmarrod/statweaver/internal/storage"
	"github.com/alvmarrod/statweaver/internal/subscriber"
	"github.com/alvmarrod/statweaver/internal/version"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logrus.Infof("Stat Weaver v%s starting...", version.Version)

	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using process environment")
	}

	configPath := "config.json"
	if p := os.Getenv("STATWEAVER_CONFIG"); p != "" {
		configPath = p
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.RedisURL = url
	}

	level, _ := logrus.ParseLevel(cfg.LogLevel)
	logrus.SetLevel(level)

	logrus.Infof("Configuration loaded: seed=%s, depth=%d, workers=%d, stats=%s",
		cfg.SeedURL, cfg.MaxDepth, cfg.ConcurrentWorkers, cfg.Stats.Backend)

	store, err := storage.NewStorage(cfg.DBPath)
	if err != nil {
		logrus.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	logrus.Infof("Database initialized: %s", cfg.DBPath)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisClient, err = mirror.NewClient(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			logrus.Fatalf("Failed to initialize redis mirror: %v", err)
		}
		defer redisClient.Close()
		logrus.Info("Redis stats mirror enabled")
	}

	manager := session.NewManager(managerOptions(cfg, redisClient != nil)...)

	var reporter *metrics.Reporter
	manager.AddSubscriber("metrics", func(s *session.Session) subscriber.Subscriber {
		reporter = metrics.NewReporter(s.Spider, s.ID, cfg.MetricsPath, s.Stats)
		return reporter
	})
	manager.AddSubscriber("storage", func(s *session.Session) subscriber.Subscriber {
		return storage.NewRecorder(store, s.ID)
	})
	if redisClient != nil {
		manager.AddSubscriber("mirror", func(s *session.Session) subscriber.Subscriber {
			return mirror.New(redisClient, cfg.Stats.RedisPrefix, s.Spider)
		})
	}
	var monitor *memusage.Monitor
	if cfg.Stats.MemusageIntervalMs > 0 {
		manager.AddSubscriber("memusage", func(s *session.Session) subscriber.Subscriber {
			m, err := memusage.NewMonitor(s.Stats, time.Duration(cfg.Stats.MemusageIntervalMs)*time.Millisecond)
			if err != nil {
				logrus.Warnf("Memory usage disabled: %v", err)
				return nil
			}
			monitor = m
			return m
		})
	}

	seedDomain, err := crawler.ExtractDomain(cfg.SeedURL)
	if err != nil {
		logrus.Fatalf("Invalid seed URL: %v", err)
	}

	logPreviousRun(store, seedDomain)

	sess, err := manager.SessionOpened(seedDomain)
	if err != nil {
		logrus.Fatalf("Failed to open stats session: %v", err)
	}

	// Startup failures past this point still close the session
	abort := func(format string, args ...any) {
		if _, err := manager.SessionClosed(sess.Spider, signals.ReasonError); err != nil {
			logrus.Errorf("Failed to close stats session: %v", err)
		}
		logrus.Fatalf(format, args...)
	}

	c, err := crawler.NewCrawler(cfg, store, sess.Stats)
	if err != nil {
		abort("Failed to initialize crawler: %v", err)
	}

	resumableNodes, err := store.LoadResumableNodes(cfg.MaxCrawlsPerNode)
	if err != nil {
		abort("Failed to load resumable nodes: %v", err)
	}

	if len(resumableNodes) > 0 {
		logrus.Infof("Resuming crawl: found %d resumable nodes", len(resumableNodes))
		for _, node := range resumableNodes {
			if c.Enqueue(storage.QueueEntry{NodeID: node.NodeID, DomainName: node.DomainName}) {
				_ = sess.Stats.Inc(crawler.StatNodesDiscovered)
			}
		}
	} else {
		logrus.Info("No resumable nodes found, starting fresh crawl with seed")

		existingSeed, err := store.GetNode(seedDomain)
		if err != nil {
			abort("Failed to check for existing seed: %v", err)
		}
		if existingSeed != nil && existingSeed.CrawlCount >= cfg.MaxCrawlsPerNode {
			logrus.Infof("Seed %s exists with crawl_count=%d, resetting to 0", seedDomain, existingSeed.CrawlCount)
			if err := store.ResetCrawlCount(existingSeed.NodeID); err != nil {
				abort("Failed to reset crawl count: %v", err)
			}
		}

		if _, err := c.EnqueueSeed(cfg.SeedURL); err != nil {
			abort("Failed to enqueue seed: %v", err)
		}
	}

	c.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var terminationReason string
	var reasonMu sync.Mutex
	var wg sync.WaitGroup
	shutdownComplete := make(chan struct{})

	// Second signal forces exit
	forceQuitChan := make(chan os.Signal, 1)
	signal.Notify(forceQuitChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-forceQuitChan
		sig := <-forceQuitChan
		logrus.Warnf("Received second signal (%v) - forcing immediate exit!", sig)
		logrus.Warn("Attempting emergency save...")

		if err := manager.CloseAll(signals.ReasonShutdown); err != nil {
			logrus.Errorf("Emergency stats close failed: %v", err)
		}
		os.Exit(1)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.WaitUntilEmpty()
		select {
		case <-shutdownComplete:
		default:
			reasonMu.Lock()
			terminationReason = signals.ReasonFinished
			reasonMu.Unlock()
			sigChan <- syscall.SIGTERM
		}
	}()

	stopProgress := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				logrus.Info(reporter.LogProgress())
			case <-stopProgress:
				return
			}
		}
	}()

	sig := <-sigChan
	logrus.Infof("Received signal: %v", sig)

	close(shutdownComplete)
	close(stopProgress)

	reasonMu.Lock()
	if terminationReason == "" {
		terminationReason = signals.ReasonCancelled
	}
	reason := terminationReason
	reasonMu.Unlock()

	logrus.Info("Initiating graceful shutdown...")
	logrus.Info("Step 1/4: Stopping crawler workers...")

	c.Stop()
	if pending := c.Pending(); len(pending) > 0 {
		logrus.Infof("%d queued nodes left for the next run (next: %s)", len(pending), pending[0].DomainName)
	}

	logrus.Info("Step 2/4: Waiting for background goroutines...")

	bgDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(bgDone)
	}()

	select {
	case <-bgDone:
		logrus.Info("All background tasks completed")
	case <-time.After(5 * time.Second):
		logrus.Warn("Background tasks timeout (5s), continuing with shutdown")
	}

	logrus.Info("Step 3/4: Closing stats session...")
	logrus.Info("Final stats: " + reporter.LogProgress())

	if _, err := manager.SessionClosed(sess.Spider, reason); err != nil {
		logrus.Errorf("Failed to close stats session: %v", err)
	} else if reporter.Written() {
		logrus.Infof("Metrics written to %s", cfg.MetricsPath)
	}
	if monitor != nil {
		monitor.Stop()
	}

	logrus.Info("Step 4/4: Closing database connection...")

	logrus.Info("Graceful shutdown complete. Goodbye!")
}

// managerOptions maps the stats config onto the session manager. The redis
// mirror reads raw key changes, which only the signalling backend emits.
func managerOptions(cfg *config.Config, mirrored bool) []session.Option {
	opts := []session.Option{session.WithLogger(logrus.StandardLogger())}
	if cfg.Stats.Backend == config.BackendSignalling || mirrored {
		opts = append(opts, session.WithSignallingBackend())
	}
	if !cfg.Stats.DisableCoreStats {
		opts = append(opts, session.WithCoreStats())
	}
	if cfg.Stats.Dump {
		opts = append(opts, session.WithDumpStats())
	}
	return opts
}

// logPreviousRun reports how the last recorded session of spider ended.
func logPreviousRun(store *storage.Storage, spider string) {
	records, err := store.LoadSnapshots(spider)
	if err != nil {
		logrus.Warnf("Failed to load previous stats: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	last := records[len(records)-1]
	logrus.WithFields(logrus.Fields{
		"session_id": last.SessionID,
		"reason":     last.Reason,
		"closed_at":  last.ClosedAt,
		"stats":      len(last.Stats),
	}).Infof("Found %d previous runs for %s, showing the last", len(records), spider)
}
