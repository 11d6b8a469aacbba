// Package sysmonitor runs the "System monitor" background worker: it
// samples host CPU/memory/disk every second so operators can correlate
// printer stalls with host resource pressure.
package sysmonitor

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// Interval is the sampling cadence.
const Interval = time.Second

// Stats is the latest host resource sample.
type Stats struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	Timestamp        time.Time
}

// Monitor periodically samples host resource usage in a background
// goroutine.
type Monitor struct {
	log   *logrus.Entry
	close chan struct{}
	wg    sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

func New(log *logrus.Entry) *Monitor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Monitor{
		log:   log.WithField("component", "system-monitor"),
		close: make(chan struct{}),
	}
}

// Start launches the sampling goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop blocks until the sampling goroutine exits.
func (m *Monitor) Stop() {
	close(m.close)
	m.wg.Wait()
}

// Stats returns the most recent sample.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	m.collect()
	for {
		select {
		case <-m.close:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	stats := Stats{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	} else if err != nil {
		m.log.WithError(err).Debug("collecting cpu stats")
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		m.log.WithError(err).Debug("collecting memory stats")
	}

	if d, err := disk.Usage("/"); err == nil {
		stats.DiskUsagePercent = d.UsedPercent
	} else {
		m.log.WithError(err).Debug("collecting disk stats")
	}

	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()
}
