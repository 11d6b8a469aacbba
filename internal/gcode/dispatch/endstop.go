package dispatch

import (
	"context"
	"strings"

	"github.com/robodone/printer-driver-core/internal/gcode"
	"github.com/robodone/printer-driver-core/internal/protocol"
	"github.com/robodone/printer-driver-core/internal/state"
)

// Endstop handles M119, caching the raw response body in the state
// tracker so job pre-checks can scan it for "TRIGGERED" tokens.
type Endstop struct {
	sender  Sender
	tracker *state.Tracker
}

func NewEndstop(sender Sender, tracker *state.Tracker) *Endstop {
	return &Endstop{sender: sender, tracker: tracker}
}

func (e *Endstop) CanHandle(l *gcode.Line) bool { return l.Opcode == "M119" }

func (e *Endstop) Validate(l *gcode.Line) error { return nil }

func (e *Endstop) Handle(ctx context.Context, l *gcode.Line) error {
	res := e.sender.Send(ctx, protocol.Command{Category: protocol.CategoryEndstop, Code: 10})
	if err := resultErr(res); err != nil {
		return err
	}
	e.tracker.SetEndstopDump(res.Message, now())
	return nil
}

// AnyTriggered reports whether a cached endstop dump contains a
// "TRIGGERED" token (and is not also "NOT_TRIGGERED").
func AnyTriggered(dump string) bool {
	for _, tok := range strings.Fields(dump) {
		if strings.Contains(tok, "TRIGGERED") && !strings.Contains(tok, "NOT_TRIGGERED") {
			return true
		}
	}
	return false
}
