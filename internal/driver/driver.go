// Package driver is the façade binding the protocol engine, the priority
// queue, the state tracker and the G-code translator together, driving
// the flow: queue -> translator -> dispatcher -> protocol engine.
package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/robodone/printer-driver-core/internal/gcode"
	"github.com/robodone/printer-driver-core/internal/protocol"
	"github.com/robodone/printer-driver-core/internal/queue"
	"github.com/robodone/printer-driver-core/internal/state"
)

// atomicError is a small mutex-guarded error box; the driver's error
// state is read far less often than written, so a plain mutex beats
// atomic.Value's restriction on storing a consistent concrete type.
type atomicError struct {
	mu  sync.Mutex
	err error
}

func (a *atomicError) Set(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

func (a *atomicError) Get() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err != nil, a.err
}

// Driver owns one protocol engine, one queue and the state tracker it
// feeds, and drives the executor loop described above
type Driver struct {
	log        *logrus.Entry
	engine     *protocol.Engine
	queue      *queue.Queue
	tracker    *state.Tracker
	translator *gcode.Translator

	errState atomicError
}

func New(engine *protocol.Engine, q *queue.Queue, tracker *state.Tracker, translator *gcode.Translator, log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{
		log:        log.WithField("component", "driver"),
		engine:     engine,
		queue:      q,
		tracker:    tracker,
		translator: translator,
	}
}

// Send renders cmd, assigns a command number and sends it through the
// protocol engine, satisfying dispatch.Sender.
func (d *Driver) Send(ctx context.Context, cmd protocol.Command) protocol.Result {
	n := d.engine.NextN()
	text := protocol.Render(n, cmd)
	res := d.engine.SendAndAwait(ctx, n, text)
	if res.Success {
		d.tracker.RecordCommand(text)
	} else {
		d.errState.Set(res.Err)
	}
	return res
}

// InError reports whether a Send has failed since the last ClearError
// (the error flag is sticky and a later successful Send does not reset it); the job manager's
// pre-checks consult this before transitioning to PRINTING.
func (d *Driver) InError() (bool, error) {
	return d.errState.Get()
}

// ClearError resets the sticky error flag, used after an operator
// acknowledges a failure or the queue is cleared for a new job.
func (d *Driver) ClearError() {
	d.errState.Set(nil)
}

// EnqueueLine enqueues a single raw G-code line into the priority queue
// at priority with jobID; translation happens later, when the executor
// dequeues it.
func (d *Driver) EnqueueLine(line string, priority int, jobID string) error {
	return d.queue.Enqueue(line, priority, jobID)
}

// EnqueueLines splits text on ';' (its command processor
// behaviour, reused here for inline G-code), trimming whitespace, and
// enqueues each non-empty piece.
func (d *Driver) EnqueueLines(text string, priority int, jobID string) error {
	for _, part := range strings.Split(text, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if err := d.EnqueueLine(part, priority, jobID); err != nil {
			return fmt.Errorf("driver: enqueue %q: %w", part, err)
		}
	}
	return nil
}

// Run starts the protocol engine's dispatch loop and the executor loop
// that drains the queue through the translator, returning when ctx is
// cancelled or the engine exits.
func (d *Driver) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- d.engine.Run(ctx) }()
	go d.executorLoop(ctx)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// executorLoop is the "Queue processor" worker here: it holds no
// lock of its own, blocking only inside queue.Dequeue.
func (d *Driver) executorLoop(ctx context.Context) {
	for {
		item, ok := d.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if err := d.translator.Translate(ctx, item.Text); err != nil {
			d.log.WithError(err).WithField("job_id", item.JobID).Warn("command execution failed")
			d.queue.RecordError()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Reset drops the protocol engine's command history, used alongside
// Queue().Clear() when a job is cancelled.
func (d *Driver) Reset() {
	d.engine.Reset()
}

// Queue exposes the underlying queue for statistics and job cancellation.
func (d *Driver) Queue() *queue.Queue { return d.queue }

// Tracker exposes the state tracker for the check processor.
func (d *Driver) Tracker() *state.Tracker { return d.tracker }
