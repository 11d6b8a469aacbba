// Package job implements the print-job lifecycle state machine: turning
// a "start print" request into a queued stream of prioritised commands,
// with safety pre-checks, progress tracking, pause/resume/cancel and a
// retrying downloader.
package job

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robodone/robosla-common/pkg/autoupdate"
	"github.com/sirupsen/logrus"

	"github.com/robodone/printer-driver-core/internal/driver"
	"github.com/robodone/printer-driver-core/internal/gcode"
	"github.com/robodone/printer-driver-core/internal/gcode/dispatch"
	"github.com/robodone/printer-driver-core/internal/jobtracker"
	"github.com/robodone/printer-driver-core/internal/protocol"
)

// State is the job manager's own state machine, finer-grained than the
// job record's State in package jobtracker.
type State string

const (
	StateIdle      State = "IDLE"
	StateLoading   State = "LOADING"
	StatePreCheck  State = "PRE_CHECK"
	StateHeating   State = "HEATING"
	StateReady     State = "READY"
	StatePrinting  State = "PRINTING"
	StatePaused    State = "PAUSED"
	StateFinishing State = "FINISHING"
	StateCompleted State = "COMPLETED"
	StateError     State = "ERROR"
	StateCancelled State = "CANCELLED"
)

// FilePriority and ControlPriority are the priorities jobs and
// start/stop/pause control commands are enqueued at,
const (
	FilePriority    = 3
	ControlPriority = 1
)

// monitorInterval is how often the completion watcher samples queue
// progress while a job is printing.
const monitorInterval = 500 * time.Millisecond

// Manager owns the job lifecycle state machine. Only one job is active
// at a time; cancel_job and completion both return it to IDLE.
type Manager struct {
	log        *logrus.Entry
	drv        *driver.Driver
	jobs       *jobtracker.Tracker
	downloader *Downloader

	mu          sync.Mutex
	state       State
	jobID       string
	cancelDL    context.CancelFunc
	lastErr     string
	startedExec uint64
}

func NewManager(drv *driver.Driver, jobs *jobtracker.Tracker, downloader *Downloader, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		log:        log.WithField("component", "job-manager"),
		drv:        drv,
		jobs:       jobs,
		state:      StateIdle,
		downloader: downloader,
	}
}

// State reports the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartPrintJob opens path, counts its non-comment lines, enqueues it at
// FilePriority and runs the state machine through PRE_CHECK, HEATING and
// READY into PRINTING. It must be called from IDLE.
func (m *Manager) StartPrintJob(ctx context.Context, path, jobID string) error {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("job: cannot start %q from state %s", jobID, state)
	}
	m.state = StateLoading
	m.jobID = jobID
	m.mu.Unlock()

	lines, total, err := loadGcodeLines(path)
	if err != nil {
		m.fail(jobID, fmt.Sprintf("loading gcode: %v", err))
		return err
	}

	m.setState(StatePreCheck)
	if err := m.runPreChecks(ctx); err != nil {
		m.fail(jobID, err.Error())
		return err
	}

	m.setState(StateHeating)
	m.setState(StateReady)

	if err := m.jobs.Start(jobID, total, time.Now()); err != nil {
		m.fail(jobID, err.Error())
		return err
	}

	startExec := m.drv.Queue().Stats().TotalExecuted
	m.mu.Lock()
	m.startedExec = startExec
	m.mu.Unlock()

	for _, line := range lines {
		if err := m.drv.EnqueueLine(line, FilePriority, jobID); err != nil {
			m.fail(jobID, fmt.Sprintf("enqueuing gcode: %v", err))
			return err
		}
	}

	m.jobs.SetState(jobtracker.StateRunning, time.Now())
	m.setState(StatePrinting)
	go m.monitor(ctx, jobID, total)
	return nil
}

// StartPrintJobFromURL transitions to LOADING and hands off to the
// downloader; on success it calls StartPrintJob with the downloaded
// path, on failure it surfaces ERROR and resets to IDLE.
func (m *Manager) StartPrintJobFromURL(ctx context.Context, url, jobID string) error {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("job: cannot start %q from state %s", jobID, state)
	}
	m.state = StateLoading
	m.jobID = jobID
	dlCtx, cancel := context.WithCancel(ctx)
	m.cancelDL = cancel
	m.mu.Unlock()

	go m.downloader.Run(dlCtx, jobID, url, func(ok bool, path string, errMsg string) {
		if !ok {
			m.fail(jobID, fmt.Sprintf("download failed: %s", errMsg))
			return
		}
		if err := m.StartPrintJob(ctx, path, jobID); err != nil {
			m.log.WithError(err).WithField("job_id", jobID).Error("starting downloaded job failed")
		}
	})
	return nil
}

// PauseJob sends M25 and transitions PRINTING -> PAUSED.
func (m *Manager) PauseJob(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePrinting {
		return fmt.Errorf("job: cannot pause from state %s", m.state)
	}
	if err := m.drv.EnqueueLine("M25", ControlPriority, m.jobID); err != nil {
		return err
	}
	m.state = StatePaused
	m.jobs.SetState(jobtracker.StatePaused, time.Now())
	return nil
}

// ResumeJob sends M26 and transitions PAUSED -> PRINTING.
func (m *Manager) ResumeJob(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePaused {
		return fmt.Errorf("job: cannot resume from state %s", m.state)
	}
	if err := m.drv.EnqueueLine("M26", ControlPriority, m.jobID); err != nil {
		return err
	}
	m.state = StatePrinting
	m.jobs.SetState(jobtracker.StateRunning, time.Now())
	return nil
}

// CancelJob cancels any active download, clears the queue, issues an
// emergency stop and resets to IDLE via CANCELLED.
func (m *Manager) CancelJob(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return fmt.Errorf("job: no active job to cancel")
	}
	jobID := m.jobID
	cancelDL := m.cancelDL
	m.mu.Unlock()

	if cancelDL != nil {
		cancelDL()
	}
	m.drv.Queue().Clear()
	m.drv.Reset()
	m.drv.Send(ctx, protocol.Command{Category: protocol.CategoryMotion, Code: 0}) // M0 emergency stop

	m.jobs.Finish(jobtracker.StateCancelled, "", time.Now())
	m.setState(StateCancelled)
	m.reset(jobID)
	return nil
}

func (m *Manager) monitor(ctx context.Context, jobID string, total int) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			active := m.state == StatePrinting || m.state == StatePaused
			startExec := m.startedExec
			m.mu.Unlock()
			if !active {
				return
			}
			stats := m.drv.Queue().Stats()
			executed := int(stats.TotalExecuted - startExec)
			if executed > total {
				executed = total
			}
			m.jobs.RecordExecuted(executed, m.drv.Tracker().LastCommand(), time.Now())
			if executed >= total {
				m.finishJob(jobID)
				return
			}
		}
	}
}

func (m *Manager) finishJob(jobID string) {
	m.setState(StateFinishing)
	m.jobs.Finish(jobtracker.StateCompleted, "", time.Now())
	m.setState(StateCompleted)
	m.reset(jobID)
}

func (m *Manager) fail(jobID, reason string) {
	m.mu.Lock()
	m.state = StateError
	m.lastErr = reason
	m.mu.Unlock()
	m.jobs.Finish(jobtracker.StateFailed, reason, time.Now())
	m.log.WithField("job_id", jobID).WithField("reason", reason).Error("job failed")
	m.reset(jobID)
}

func (m *Manager) reset(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobID == jobID {
		m.state = StateIdle
		m.jobID = ""
		m.cancelDL = nil
	}
}

// setState updates the lifecycle state and, on the PRINTING boundary,
// suspends the host's auto-update mechanism so a print can't be
// interrupted by an update reboot; terminal states re-enable it.
func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	if s == StatePrinting && prev != StatePaused {
		autoupdate.DisableUpdates()
	}
	switch s {
	case StateCompleted, StateError, StateCancelled, StateIdle:
		autoupdate.EnableUpdates()
	}
}

// runPreChecks implements its four pre-flight checks; the first
// failure short-circuits with a specific reason.
func (m *Manager) runPreChecks(ctx context.Context) error {
	if inErr, err := m.drv.InError(); inErr {
		return fmt.Errorf("pre-check: driver in error state: %v", err)
	}

	posRes := m.drv.Send(ctx, protocol.Command{Category: protocol.CategoryMotion, Code: 114})
	if !posRes.Success {
		return fmt.Errorf("pre-check: position query failed: %v", posRes.Err)
	}
	kv := parseKV(posRes.Message)
	for _, axis := range []string{"X", "Y", "Z"} {
		if v, ok := parseKVFloat(kv, axis); ok && !isFinite(v) {
			return fmt.Errorf("pre-check: non-finite %s position reported", axis)
		}
	}

	endRes := m.drv.Send(ctx, protocol.Command{Category: protocol.CategoryEndstop, Code: 10})
	if !endRes.Success {
		return fmt.Errorf("pre-check: endstop query failed: %v", endRes.Err)
	}
	if dispatch.AnyTriggered(endRes.Message) {
		return fmt.Errorf("pre-check: an endstop is triggered")
	}

	if res := m.drv.Send(ctx, protocol.Command{Category: protocol.CategoryTemperature, Code: 11}); !res.Success {
		return fmt.Errorf("pre-check: hotend temperature read failed: %v", res.Err)
	}
	if res := m.drv.Send(ctx, protocol.Command{Category: protocol.CategoryTemperature, Code: 21}); !res.Success {
		return fmt.Errorf("pre-check: bed temperature read failed: %v", res.Err)
	}
	return nil
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// loadGcodeLines reads path, stripping comments and blank lines via the
// translator's own parser so the count matches what will actually be
// enqueued and executed.
func loadGcodeLines(path string) ([]string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		raw := scanner.Text()
		parsed, err := gcode.Parse(raw)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid gcode line %q: %w", raw, err)
		}
		if parsed == nil {
			continue
		}
		lines = append(lines, raw)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return lines, len(lines), nil
}

func parseKV(payload string) map[string]string {
	out := make(map[string]string)
	for _, tok := range strings.Fields(payload) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

func parseKVFloat(kv map[string]string, key string) (float64, bool) {
	raw, ok := kv[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
