// Package memusage samples the resident memory of the process into the
// stats of a session while it runs.
package memusage

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alvmarrod/statweaver/internal/signals"
	"github.com/alvmarrod/statweaver/internal/subscriber"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

const (
	StatStartup = "memusage/startup"
	StatMax     = "memusage/max"
)

// Stats is what the monitor writes to. *stats.Collector satisfies it.
type Stats interface {
	SetValue(key string, value any) error
	MaxValue(key string, value any) error
}

// Monitor records RSS at session start and keeps the peak up to date.
// It starts sampling on session_opened and stops on session_closed.
type Monitor struct {
	subscriber.Base

	stats    Stats
	proc     *process.Process
	interval time.Duration

	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor for the current process.
func NewMonitor(stats Stats, interval time.Duration) (*Monitor, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("memusage interval must be positive, got %s", interval)
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect own process: %w", err)
	}
	return &Monitor{stats: stats, proc: proc, interval: interval}, nil
}

// Sample returns the current resident set size in bytes.
func (m *Monitor) Sample() (int64, error) {
	info, err := m.proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("failed to read memory info: %w", err)
	}
	return int64(info.RSS), nil
}

// Update records one sample as a peak candidate.
func (m *Monitor) Update() error {
	rss, err := m.Sample()
	if err != nil {
		return err
	}
	return m.stats.MaxValue(StatMax, rss)
}

func (m *Monitor) SessionOpened(signals.SessionOpenedEvent) error {
	rss, err := m.Sample()
	if err != nil {
		return err
	}
	if err := m.stats.SetValue(StatStartup, rss); err != nil {
		return err
	}
	if err := m.stats.MaxValue(StatMax, rss); err != nil {
		return err
	}
	m.start()
	return nil
}

// SessionClosed only signals the sampler to exit. It runs while the store
// holds its lock, so waiting here could block a sampler mid-write.
func (m *Monitor) SessionClosed(signals.SessionClosedEvent) error {
	m.signalStop()
	return nil
}

func (m *Monitor) start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopChan != nil {
		return
	}
	stop := make(chan struct{})
	m.stopChan = stop

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Update(); err != nil {
					logrus.Debugf("Memory usage not recorded: %v", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

func (m *Monitor) signalStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// Stop ends sampling and waits for the sampler to exit.
func (m *Monitor) Stop() {
	m.signalStop()
	m.wg.Wait()
}
