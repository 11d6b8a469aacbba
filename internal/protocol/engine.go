package protocol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/robodone/printer-driver-core/internal/checksum"
	"github.com/robodone/printer-driver-core/internal/history"
)

// Engine owns the serial channel exclusively. SendAndAwait holds sendMu
// for its whole duration and is the only path that writes commands, so at
// most one command is in flight at a time. Inbound lines are read by a
// separate reader goroutine started by Run, and ACK lines are written from
// the dispatch loop under connMu, outside sendMu.
type Engine struct {
	log  *logrus.Entry
	hist *history.History

	connMu sync.Mutex // guards conn and writes to it (ACKs vs commands)
	conn   io.ReadWriteCloser

	sendMu  sync.Mutex // held for the whole duration of SendAndAwait
	counter uint64

	ready atomic.Bool

	pendingMu sync.Mutex
	pending   *pendingCmd

	lineCh chan string
	done   chan struct{}

	ResponseTimeout time.Duration
	MaxAttempts     int
}

type pendingCmd struct {
	n      uint64
	events chan cmdEvent
}

type cmdEventKind int

const (
	evOK cmdEventKind = iota
	evResend
	evResendFailed
	evDuplicate
	evErr
	evBusy
	evInfo
)

type cmdEvent struct {
	kind cmdEventKind
	nref uint64
	text string
}

// New creates an engine bound to conn. conn is not read from or written
// to until Run is started.
func New(conn io.ReadWriteCloser, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		conn:            conn,
		hist:            history.New(),
		log:             log.WithField("component", "protocol"),
		lineCh:          make(chan string, 64),
		done:            make(chan struct{}),
		ResponseTimeout: DefaultResponseTimeout,
		MaxAttempts:     DefaultMaxAttempts,
	}
}

// NextN assigns the next monotonically increasing command number.
func (e *Engine) NextN() uint64 {
	return atomic.AddUint64(&e.counter, 1)
}

// Reset drops the command history, used after a job cancellation clears
// the queue so a stale RESEND can't replay a discarded command.
func (e *Engine) Reset() {
	e.hist.Clear()
}

// Ready reports whether the firmware's "system ready" banner has been
// observed and no reset banner has superseded it.
func (e *Engine) Ready() bool { return e.ready.Load() }

// Run starts the reader goroutine and blocks, classifying and dispatching
// inbound lines, until ctx is cancelled. It must be started before any
// call to SendAndAwait.
func (e *Engine) Run(ctx context.Context) error {
	go e.readLoop()
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-e.lineCh:
			if !ok {
				return io.EOF
			}
			e.dispatch(ctx, line)
		}
	}
}

func (e *Engine) readLoop() {
	scanner := bufio.NewScanner(e.conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case e.lineCh <- line:
		case <-e.done:
			return
		}
	}
	close(e.lineCh)
}

func (e *Engine) dispatch(ctx context.Context, line string) {
	if isReadyBanner(line) {
		e.log.Info("firmware ready banner observed")
		e.ready.Store(true)
		return
	}
	if isResetBanner(line) {
		e.log.Warn("firmware reset banner observed; rejecting sends until ready banner returns")
		e.ready.Store(false)
		return
	}

	msg := Classify(line)
	e.ack(msg)

	switch msg.Kind {
	case KindCritical:
		e.handleCritical(ctx, msg)
		return
	}

	if !msg.Valid {
		e.log.WithFields(logrus.Fields{"code": msg.Code, "raw": msg.Raw}).Warn("checksum mismatch on standard/informational frame; dropping")
		return
	}

	e.pendingMu.Lock()
	p := e.pending
	e.pendingMu.Unlock()
	if p == nil {
		e.logOrphan(msg)
		return
	}

	switch msg.Code {
	case "OK":
		if msg.Payload == "malformed-ok-missing-n" {
			e.log.WithField("raw", msg.Raw).Warn("OK reply without N prefix; accepting")
		}
		if !msg.HasNRef || msg.NRef == p.n {
			p.events <- cmdEvent{kind: evOK, nref: msg.NRef}
			return
		}
		// Could be the ack of a resend target; let SendAndAwait decide.
		p.events <- cmdEvent{kind: evOK, nref: msg.NRef}
	case "RESEND":
		p.events <- cmdEvent{kind: evResend, nref: msg.NRef}
	case "RESEND_FAILED":
		p.events <- cmdEvent{kind: evResendFailed, nref: msg.NRef}
	case "DUPLICATE":
		p.events <- cmdEvent{kind: evDuplicate, nref: msg.NRef}
	case "ERR":
		p.events <- cmdEvent{kind: evErr, text: msg.Payload}
	case "BUSY":
		p.events <- cmdEvent{kind: evBusy}
	default:
		// Informational body (e.g. a POS/TMP/ENDSTOPS dump) arriving ahead
		// of its OK; buffer it so SendAndAwait can hand it back as the
		// command's response payload once OK confirms completion.
		select {
		case p.events <- cmdEvent{kind: evInfo, text: msg.Payload}:
		default:
			e.log.WithField("payload", msg.Payload).Warn("informational response dropped; pending event channel full")
		}
	}
}

func (e *Engine) logOrphan(msg *Message) {
	if msg.Code == "" && msg.Kind == KindInformational {
		e.log.WithField("payload", msg.Payload).Debug("informational line with no command in flight")
		return
	}
	e.log.WithFields(logrus.Fields{"code": msg.Code, "raw": msg.Raw}).Warn("unsolicited response with no pending command")
}

func (e *Engine) handleCritical(ctx context.Context, msg *Message) {
	if msg.Valid {
		e.log.WithField("payload", msg.Payload).Warn("critical message received")
		return
	}
	e.log.Warn("critical message checksum mismatch; waiting for retransmission")
	deadline := time.Now().Add(CriticalRetryWindow)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-e.lineCh:
			if !ok {
				return
			}
			retry := Classify(line)
			if retry.Kind != KindCritical {
				// Not a retransmission; drop it too and keep blocking
				// reception until a valid retry arrives.
				continue
			}
			e.ack(retry)
			if retry.Valid {
				e.log.WithField("payload", retry.Payload).Info("critical message recovered after retransmission")
				return
			}
		}
	}
	e.log.Error(ErrCriticalProcessing)
}

func (e *Engine) ack(msg *Message) {
	body := msg.Raw
	if idx := strings.LastIndex(msg.Raw, " *"); idx >= 0 {
		body = msg.Raw[:idx]
	}
	e.writeLine(checksum.AckLine(body))
}

func (e *Engine) writeLine(line string) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := io.WriteString(e.conn, line); err != nil {
		e.log.WithError(err).Warn("write failed")
	}
}

// Render formats a Command assigned number n into wire text, including
// the trailing checksum.
func Render(n uint64, cmd Command) string {
	var b strings.Builder
	fmt.Fprintf(&b, "N%d %c%d", n, cmd.Category, cmd.Code)
	for _, p := range cmd.Params {
		b.WriteByte(' ')
		b.WriteString(p)
	}
	return checksum.Append(b.String())
}

// SendAndAwait implements the send/await loop here: it stores the
// rendered text in history, writes it, and retries up to MaxAttempts
// times, handling resend/duplicate/busy/error along the way. It is the
// only path that writes commands to the wire and holds sendMu for its
// entire duration.
func (e *Engine) SendAndAwait(ctx context.Context, n uint64, text string) Result {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if !e.Ready() {
		return Failure(ErrNotReady)
	}

	e.hist.Store(n, text)

	p := &pendingCmd{n: n, events: make(chan cmdEvent, 16)}
	e.pendingMu.Lock()
	e.pending = p
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		e.pending = nil
		e.pendingMu.Unlock()
	}()

	e.writeLine(text)

	attempts := 1
	var lastInfo string
	timer := time.NewTimer(e.ResponseTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Failure(ctx.Err())
		case <-timer.C:
			if stored, ok := e.hist.Get(n); ok {
				attempts++
				if attempts > e.MaxAttempts {
					return Failure(ErrMaxRetries)
				}
				e.log.WithField("n", n).WithField("attempt", attempts).Warn("timeout; resending")
				e.writeLine(stored)
				timer.Reset(e.ResponseTimeout)
				continue
			}
			return Failure(ErrTimeout)
		case ev := <-p.events:
			switch ev.kind {
			case evOK:
				if ev.nref == n || ev.nref == 0 {
					return Ok(lastInfo)
				}
				// OK for a different (earlier/resent) N: not ours; keep waiting.
				e.log.WithField("n", n).WithField("got", ev.nref).Warn("OK for unexpected N; continuing to wait")
				continue
			case evDuplicate:
				if ev.nref == 0 || ev.nref == n {
					return Ok("Command already processed (DUPLICATE)")
				}
				continue
			case evResendFailed:
				return Ok(fmt.Sprintf("firmware could not recover N%d; continuing", ev.nref))
			case evResend:
				target := ev.nref
				if target == 0 {
					target = n
				}
				stored, ok := e.hist.Get(target)
				if !ok {
					return Ok(fmt.Sprintf("cannot resend N%d: not in history", target))
				}
				e.log.WithField("n", target).Info("resending per firmware request")
				e.writeLine(stored)
				resetTimer(timer, e.ResponseTimeout)
				continue
			case evErr:
				return Failure(&CommandError{N: n, Msg: ev.text})
			case evBusy:
				e.log.WithField("n", n).Debug("firmware busy; backing off")
				time.Sleep(BusyBackoff)
				resetTimer(timer, e.ResponseTimeout)
				continue
			case evInfo:
				lastInfo = ev.text
				continue
			}
		}
	}
}

// resetTimer safely reschedules t, draining a pending tick if needed.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func isReadyBanner(line string) bool {
	return strings.Contains(line, ReadyBannerEN) || strings.Contains(strings.ToLower(line), "pronta") || strings.Contains(line, "готов")
}

func isResetBanner(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "reset") && (strings.Contains(l, "arduino") || strings.Contains(l, "start"))
}
