// Package jobtracker is the process-wide job registry here:
// one active "current" job plus a capped history of retained terminal
// jobs for diagnostics.
package jobtracker

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// State is a job's lifecycle state, a subset of the job manager's finer
// states collapsed to the job record's vocabulary.
type State string

const (
	StateLoading   State = "LOADING"
	StateHeating   State = "HEATING"
	StateRunning   State = "RUNNING"
	StatePaused    State = "PAUSED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// MaxRetained bounds how many terminal jobs are kept for diagnostics.
const MaxRetained = 100

// Job mirrors the job record here, plus a rolling average speed
// (lines/second) supplementing the progress block here
type Job struct {
	JobID            string
	State            State
	StartTime        time.Time
	LastUpdate       time.Time
	TotalCommands    int
	ExecutedCommands int
	CurrentCommand   string
	Err              string

	averageSpeed float64 // lines/sec, exponentially smoothed
	lastSample   time.Time
	lastExecuted int
}

// Progress is the externally-facing progress snapshot here
type Progress struct {
	JobID            string
	State            State
	Percent          float64
	ExecutedLines    int
	TotalLines       int
	Elapsed          time.Duration
	Estimated        time.Duration
	AverageSpeed     float64
	CurrentPosition  string
	ExtruderTemp     float64
	BedTemp          float64
}

// smoothing is the exponential-smoothing factor for AverageSpeed updates;
// closer to 1 weights recent samples more heavily.
const smoothing = 0.3

// Tracker is the single mutex-guarded registry described above
type Tracker struct {
	mu        sync.Mutex
	current   *Job
	retained  *list.List // of *Job, oldest at the front
	retainIdx map[string]*list.Element
}

func New() *Tracker {
	return &Tracker{retained: list.New(), retainIdx: make(map[string]*list.Element)}
}

// Start registers a new current job, failing if one is already active.
func (t *Tracker) Start(jobID string, totalCommands int, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		return fmt.Errorf("jobtracker: job %q already active", t.current.JobID)
	}
	t.current = &Job{
		JobID:         jobID,
		State:         StateLoading,
		StartTime:     now,
		LastUpdate:    now,
		TotalCommands: totalCommands,
		lastSample:    now,
	}
	return nil
}

// Current returns a copy of the active job, if any.
func (t *Tracker) Current() (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return Job{}, false
	}
	return *t.current, true
}

// SetState transitions the current job's state.
func (t *Tracker) SetState(state State, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return
	}
	t.current.State = state
	t.current.LastUpdate = now
}

// RecordExecuted advances the executed-command counter and updates the
// rolling average speed and last command text.
func (t *Tracker) RecordExecuted(executed int, lastCommand string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j := t.current
	if j == nil {
		return
	}
	j.ExecutedCommands = executed
	j.CurrentCommand = lastCommand
	j.LastUpdate = now

	dt := now.Sub(j.lastSample).Seconds()
	if dt > 0 {
		sample := float64(executed-j.lastExecuted) / dt
		if j.averageSpeed == 0 {
			j.averageSpeed = sample
		} else {
			j.averageSpeed = smoothing*sample + (1-smoothing)*j.averageSpeed
		}
		j.lastSample = now
		j.lastExecuted = executed
	}
}

// Progress computes the progress block for the current job.
func (t *Tracker) Progress(now time.Time, position string, extruderTemp, bedTemp float64) (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j := t.current
	if j == nil {
		return Progress{}, false
	}
	percent := 0.0
	if j.TotalCommands > 0 {
		percent = float64(j.ExecutedCommands) / float64(j.TotalCommands) * 100
	}
	elapsed := now.Sub(j.StartTime)
	var estimated time.Duration
	if percent > 0 {
		estimated = time.Duration(float64(elapsed) / (percent / 100))
	}
	return Progress{
		JobID:           j.JobID,
		State:           j.State,
		Percent:         percent,
		ExecutedLines:   j.ExecutedCommands,
		TotalLines:      j.TotalCommands,
		Elapsed:         elapsed,
		Estimated:       estimated,
		AverageSpeed:    j.averageSpeed,
		CurrentPosition: position,
		ExtruderTemp:    extruderTemp,
		BedTemp:         bedTemp,
	}, true
}

// Finish moves the current job into the retained history with a terminal
// state, evicting the oldest retained entry once MaxRetained is exceeded.
func (t *Tracker) Finish(state State, errMsg string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return
	}
	j := t.current
	j.State = state
	j.Err = errMsg
	j.LastUpdate = now
	t.current = nil

	elem := t.retained.PushBack(j)
	t.retainIdx[j.JobID] = elem
	if t.retained.Len() > MaxRetained {
		oldest := t.retained.Front()
		t.retained.Remove(oldest)
		delete(t.retainIdx, oldest.Value.(*Job).JobID)
	}
}

// Lookup returns the job with the given id, whether current or retained.
func (t *Tracker) Lookup(jobID string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil && t.current.JobID == jobID {
		return *t.current, true
	}
	if elem, ok := t.retainIdx[jobID]; ok {
		return *elem.Value.(*Job), true
	}
	return Job{}, false
}

// RetainedCount reports how many terminal jobs are currently retained.
func (t *Tracker) RetainedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retained.Len()
}
